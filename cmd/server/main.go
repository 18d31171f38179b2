// Warden triages security findings and drives their remediation workflows.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/prof"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/go-core/health"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/otelx"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/linnemanlabs/warden/internal/authmw"
	wc "github.com/linnemanlabs/warden/internal/cfg"
	"github.com/linnemanlabs/warden/internal/deadletter"
	"github.com/linnemanlabs/warden/internal/deadletter/badgerstore"
	dlmem "github.com/linnemanlabs/warden/internal/deadletter/memstore"
	"github.com/linnemanlabs/warden/internal/dispatch"
	"github.com/linnemanlabs/warden/internal/enrich"
	"github.com/linnemanlabs/warden/internal/evidence"
	"github.com/linnemanlabs/warden/internal/evidence/gcsstore"
	evmem "github.com/linnemanlabs/warden/internal/evidence/memstore"
	"github.com/linnemanlabs/warden/internal/findingapi"
	"github.com/linnemanlabs/warden/internal/notify"
	"github.com/linnemanlabs/warden/internal/notify/mqtt"
	"github.com/linnemanlabs/warden/internal/notify/slack"
	"github.com/linnemanlabs/warden/internal/postgres"
	"github.com/linnemanlabs/warden/internal/registry"
	"github.com/linnemanlabs/warden/internal/severity"
	"github.com/linnemanlabs/warden/internal/subject"
	"github.com/linnemanlabs/warden/internal/triage"
	"github.com/linnemanlabs/warden/internal/workflow"
	wfmem "github.com/linnemanlabs/warden/internal/workflow/memstore"
	"github.com/linnemanlabs/warden/internal/workflow/pgstore"
)

const appName = "warden"
const component = "server"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Set app name and component
	v.AppName = appName
	v.Component = component

	// Get build/version info
	vi := v.Get()

	// each package registers its own flags and options struct
	var (
		appCfg    wc.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	// register flags for each package, which will be parsed into the shared config struct
	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	// parse flags to get config values from cmdline, we check env vars next which do not override cmdline flags
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	// Fill in config values from environment variables with prefix WARDEN_,
	// these do not override cmdline flags
	cfg.FillFromEnv(flag.CommandLine, "WARDEN_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(
		appCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// cross-cutting checks that only main can validate
	if appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	// initialize logger early
	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	// no-op for slog/stderr, but here if we swap backends in the future to ensure any buffered logs are flushed on shutdown
	defer func() { _ = lg.Sync() }()

	// create a logger with component field pre-filled for structured logging in this package
	L := lg.With("component", vi.Component)

	// add logger to context
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"enable_pprof", opsCfg.EnablePprof,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"trace_sample", traceCfg.TraceSample,
		"trace_insecure", traceCfg.Insecure,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
		"pyro_server", profCfg.PyroServer,
		"pyro_tenant", profCfg.PyroTenantID,
		"include_error_links", logCfg.IncludeErrorLinks,
		"max_error_links", logCfg.MaxErrorLinks,
		"trusted_proxy_hops", httpmwCfg.TrustedProxyHops,
		"severity_threshold", appCfg.SeverityThreshold,
		"api_auth", appCfg.APIToken != "",
	)

	// Setup pyroscope profiling early so we get profiles from the entire app lifetime
	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
		"source":    "lmlabs-go-agent",
	}
	// Start profiling, returns a stop function to call for clean shutdown (flush buffers, etc)
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}

	// Setup otel for tracing
	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	// Start otel, returns a shutdown function to call for clean shutdown (flush buffers, etc)
	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx != nil {
		defer func() { _ = shutdownOtelx(context.Background()) }()
	}

	// Setup metrics, we use our own metrics package for internal instrumentation
	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)

	// Register the per-query DB duration histogram and wire the observer.
	postgres.SetQueryObserver(postgres.NewMetrics(m.Registry()))

	// queries issued before any request carries its own source label
	startupCtx := postgres.WithSource(ctx, postgres.SourceStartup)

	// Initialize the workflow run store
	var runStore workflow.Store
	if appCfg.DatabaseURL != "" {
		pool, err := postgres.NewPool(startupCtx, appCfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		defer pool.Close()
		pgStore, err := pgstore.New(startupCtx, pool)
		if err != nil {
			return fmt.Errorf("pgstore init: %w", err)
		}
		runStore = pgStore
		L.Info(ctx, "using postgres run store")
	} else {
		runStore = wfmem.New()
		L.Info(ctx, "using in-memory run store (no database-url configured)")
	}

	// Initialize the evidence store
	var evidenceStore evidence.Store
	if appCfg.EvidenceBucket != "" {
		gcs, err := gcsstore.New(ctx, gcsstore.Config{
			Bucket:          appCfg.EvidenceBucket,
			CredentialsFile: appCfg.GCSCredentialsFile,
			TTL:             appCfg.EvidenceDedupTTL,
		})
		if err != nil {
			return fmt.Errorf("gcs evidence store: %w", err)
		}
		defer func() { _ = gcs.Close() }()
		evidenceStore = gcs
		L.Info(ctx, "using gcs evidence store", "bucket", appCfg.EvidenceBucket)
	} else {
		evidenceStore = evmem.New(evmem.WithTTL(appCfg.EvidenceDedupTTL))
		L.Info(ctx, "using in-memory evidence store (no evidence-bucket configured)", "dedup_ttl", appCfg.EvidenceDedupTTL)
	}

	// Initialize the dead-letter log. The sink buffers entries while the store is down.
	var deadLetterStore deadletter.Store
	if appCfg.DeadLetterDir != "" {
		bs, err := badgerstore.Open(badgerstore.Config{Dir: appCfg.DeadLetterDir, Logger: L})
		if err != nil {
			return fmt.Errorf("dead-letter store: %w", err)
		}
		defer func() { _ = bs.Close() }()
		deadLetterStore = bs
		L.Info(ctx, "using badger dead-letter store", "dir", appCfg.DeadLetterDir)
	} else {
		deadLetterStore = dlmem.New()
		L.Info(ctx, "using in-memory dead-letter store (no deadletter-dir configured)")
	}
	sink := deadletter.NewSink(deadLetterStore, appCfg.DeadLetterBufferSize, L,
		deadletter.WithHooks(deadletter.NewMetrics(m.Registry()).Hooks()))
	sinkCtx, stopSink := context.WithCancel(context.Background())
	defer stopSink()
	go sink.Run(sinkCtx)

	notifiers, closeNotifiers, err := newNotifier(ctx, &appCfg, L)
	if err != nil {
		return err
	}
	defer closeNotifiers()

	subjects, reconciler := newActionTargets(ctx, &appCfg, L)

	// Side-effect dispatchers retry deliveries off the workflow path
	dispatchCfg := dispatch.DefaultConfig()
	dispatchCfg.MaxAttempts = uint(appCfg.DispatchMaxAttempts) //nolint:gosec // validated 1..100
	dispatchHooks := dispatch.NewMetrics(m.Registry()).Hooks()
	notifyQueue := dispatch.New("notify", deadletter.KindNotify, dispatchCfg, sink, L, dispatchHooks)
	reconcileQueue := dispatch.New("reconcile", deadletter.KindReconcile, dispatchCfg, sink, L, dispatchHooks)
	notifyQueue.Start(context.Background())
	reconcileQueue.Start(context.Background())

	// Workflow engine
	policies, err := appCfg.Policies()
	if err != nil {
		return fmt.Errorf("workflow policies: %w", err)
	}
	graph := workflow.RemediationGraph(workflow.Collaborators{
		Evidence:       evidenceStore,
		Subjects:       subjects,
		Notifier:       notifiers,
		NotifyQueue:    notifyQueue,
		Registry:       reconciler,
		ReconcileQueue: reconcileQueue,
	}, policies)
	engine := workflow.NewEngine(runStore, graph, workflow.Outcomes{
		Notifier:       notifiers,
		NotifyQueue:    notifyQueue,
		Registry:       reconciler,
		ReconcileQueue: reconcileQueue,
		DeadLetters:    sink,
	}, L, workflow.NewMetrics(m.Registry()).Hooks())

	resumed, err := engine.Resume(startupCtx)
	if err != nil {
		return fmt.Errorf("resume workflow runs: %w", err)
	}
	L.Info(ctx, "workflow engine ready", "resumed_runs", resumed, "default_max_attempts", policies.Default.MaxAttempts)
	if appCfg.ResumeInterval > 0 {
		go engine.Run(postgres.WithSource(ctx, postgres.SourceSweep), appCfg.ResumeInterval)
	}

	// Severity gate and triage service
	triageMetrics := triage.NewMetrics(m.Registry())
	gate, err := severity.NewGate(appCfg.Threshold(),
		severity.WithLogger(L),
		severity.WithDecisionHook(triageMetrics.GateHook()),
	)
	if err != nil {
		return fmt.Errorf("severity gate: %w", err)
	}

	var enricher triage.Enricher
	if appCfg.LokiEndpoint != "" {
		enricher = enrich.NewLoki(appCfg.LokiEndpoint, appCfg.LokiTenantID)
		L.Info(ctx, "evidence enrichment enabled", "source", "loki", "endpoint", appCfg.LokiEndpoint)
	}

	processor := triage.NewProcessor(evidenceStore, subjects, engine, enricher, L, triageMetrics.Hooks())
	retryCfg := triage.DefaultRetryConfig()
	retryCfg.MaxAttempts = uint(appCfg.TriageMaxAttempts) //nolint:gosec // validated 1..100
	triageSvc := triage.NewService(gate, processor, evidenceStore, engine, sink, retryCfg, L, triageMetrics.Hooks())

	// setup toggle for server shutdown. this is used to fail readiness checks
	// during shutdown to drain connections from load balancer before killing the process.
	var shutdownGate health.ShutdownGate

	// setup readiness checks, currently just the shutdown gate
	readiness := health.All(
		shutdownGate.Probe(),
	)
	// liveness is always true if the app is able to respond
	liveness := health.Fixed(true, "")

	// Configure ops http server for metrics, health checks, pprof, etc
	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	// start admin/ops listener. sg restricts inbound to internal monitoring infrastructure.
	// we reject connections from public ips and requests with x-forwarded set in middleware
	// to prevent accidental exposure if sg is misconfigured or load balancer ever sends traffic here
	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		err := opsHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	// setup main api chi router and middleware stack
	r := chi.NewRouter()

	// Compress text responses (we are JSON only for now)
	r.Use(middleware.Compress(5, "application/json"))

	// Annotate logger (and tracer if trace is recording) with http.route from chi route pattern
	r.Use(httpmw.AnnotateHTTPRoute)

	// Label DB queries with the request method and collect per-request query stats
	r.Use(postgres.Middleware)

	// Access log middleware
	r.Use(httpmw.AccessLog())

	// Limit request body size, this is a wrapper around http.MaxBytesHandler which returns 413 if limit is exceeded
	r.Use(httpmw.MaxBody(5 << 20)) // batches of findings with raw evidence attached

	// Bearer auth on every route except the health endpoints, which the load balancer hits unauthenticated
	r.Use(authmw.BearerToken(appCfg.APIToken,
		authmw.WithLogger(L),
		authmw.WithExempt("/-/healthy", "/-/ready"),
	))

	// add health check endpoints to main listener
	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Get("/-/ready", health.ReadyzHandler(readiness))

	// register api routes
	findingapi.New(L, triageSvc, engine).RegisterRoutes(r)

	// middleware stack for main listener, order matters these are wrappers, outermost sees raw request
	// first and is last to see response, innermost is last to see request and first to see response but
	// has access to the full rich context from outer middleware and handlers
	var h http.Handler = r

	// Request-scoped logging (inner so it sees trace_id, chi route, etc)
	h = httpmw.WithLogger(L)(h)

	// add trace-id and span-id headers to any requests with a recording trace
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

	// otel instrumentation for automatic spans and trace context propagation
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			// dont trace health/readiness checks
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		// AnnotateHTTPRoute will rename the span later to the final route pattern
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		// WithPublicEndpointFn is the replacement for WithPublicEndpoint()
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)

	// Metrics middleware for prometheus instrumentation
	h = m.Middleware(h)

	// Client IP resolution and spoofing protection middleware, outer so downstream middleware
	// and handlers can use the resolved client ip from context for consistency and security
	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
		TrustedHops: httpmwCfg.TrustedProxyHops,
	})(h)

	// Request ID (outer so everything downstream sees it)
	h = httpmw.RequestID("X-Request-Id")(h) // request ID

	// Recovery middleware to recover and log panics and serve 500 response.
	// Outer to catch panics from any downstream middleware or handlers
	h = httpmw.Recover(L, nil)(h)

	// Security headers outermost to ensure they are served on every response
	h = httpmw.SecurityHeaders(h)

	// Configure http server options from config
	apiOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}

	// Start API HTTP server with middleware and handlers
	apiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, apiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		return err
	}
	defer func() {
		err := apiHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop api http listener")
		}
	}()

	// Notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// Wait for ctrl+c / sigterm
	<-ctx.Done()

	L.Info(context.Background(), "shutdown signal received")

	// fail health checks to drain connections
	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	// Wait for in-flight requests to finish and for load balancer
	// to detect unhealthy and stop sending new requests.
	drainDuration := time.Duration(appCfg.DrainSeconds) * time.Second
	L.Info(context.Background(), "sleeping for drain period", "drain_seconds", appCfg.DrainSeconds)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainDuration):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	// Shutdown components with per-component budget sliced from total.
	// stopProf is synchronous and needs no context, so it's excluded.
	// The sink closes after every component that can still capture entries.
	type stopFn struct {
		name string
		fn   func(context.Context) error
	}
	stopFns := []stopFn{
		{"api http server", apiHTTPStop},
		{"workflow engine", engine.Shutdown},
		{"notify dispatcher", func(ctx context.Context) error { notifyQueue.Close(ctx); return nil }},
		{"reconcile dispatcher", func(ctx context.Context) error { reconcileQueue.Close(ctx); return nil }},
		{"dead-letter sink", func(ctx context.Context) error {
			sink.Close(ctx)
			if n := sink.Pending(); n > 0 {
				return fmt.Errorf("%d dead-letter entries not persisted", n)
			}
			return nil
		}},
		{"ops http server", opsHTTPStop},
		{"otel", shutdownOtelx},
	}

	budget := time.Duration(appCfg.ShutdownBudgetSeconds) * time.Second
	perComponent := budget / time.Duration(len(stopFns))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range stopFns {
		cctx, ccancel := context.WithTimeout(shutdownCtx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}

	stopProf()

	L.Info(context.Background(), "shutdown complete")
	return nil
}

// newNotifier builds the notification fan-out. The log notifier is always
// present so every status message at least reaches the logs.
func newNotifier(ctx context.Context, appCfg *wc.Config, L log.Logger) (notify.Multi, func(), error) {
	notifiers := notify.Multi{notify.Log{Logger: L}}
	closeFn := func() {}
	if appCfg.SlackWebhookURL != "" {
		notifiers = append(notifiers, slack.New(appCfg.SlackWebhookURL, L))
		L.Info(ctx, "notifier enabled", "type", "slack")
	}
	if appCfg.MQTTBroker != "" {
		mq, err := mqtt.New(mqtt.Config{
			Broker:   appCfg.MQTTBroker,
			Topic:    appCfg.MQTTTopic,
			ClientID: appCfg.MQTTClientID,
		}, L)
		if err != nil {
			return nil, nil, fmt.Errorf("mqtt notifier: %w", err)
		}
		closeFn = mq.Close
		notifiers = append(notifiers, mq)
		L.Info(ctx, "notifier enabled", "type", "mqtt", "broker", appCfg.MQTTBroker, "topic", appCfg.MQTTTopic)
	}
	return notifiers, closeFn, nil
}

// newActionTargets picks the subject action service and the findings
// registry. Without endpoints, actions run dry and statuses stay in memory.
func newActionTargets(ctx context.Context, appCfg *wc.Config, L log.Logger) (subject.Service, registry.Reconciler) {
	var subjects subject.Service
	if appCfg.SubjectActionEndpoint != "" {
		subjects = subject.NewClient(appCfg.SubjectActionEndpoint)
		L.Info(ctx, "subject actions enabled", "endpoint", appCfg.SubjectActionEndpoint)
	} else {
		subjects = subject.NewDryRun(L)
		L.Warn(ctx, "subject actions in dry-run mode (no subject-action-endpoint configured)")
	}

	var reconciler registry.Reconciler
	if appCfg.RegistryEndpoint != "" {
		reconciler = registry.NewClient(appCfg.RegistryEndpoint)
		L.Info(ctx, "registry write-back enabled", "endpoint", appCfg.RegistryEndpoint)
	} else {
		reconciler = registry.NewMemory(L)
		L.Info(ctx, "using in-memory registry (no registry-endpoint configured)")
	}
	return subjects, reconciler
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // G704: addr is from NOTIFY_SOCKET set by systemd not user input, no context support in net package for unixgram sockets
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
