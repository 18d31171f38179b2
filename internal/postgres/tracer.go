package postgres

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

// Sources label where a query originated. API requests use "api:<METHOD>";
// queries from runs launched by an API request inherit its source.
const (
	SourceStartup = "startup"
	SourceSweep   = "sweep"
	SourceUnknown = "unknown"
)

// modulePrefix is used to tell warden frames from library frames when
// attributing a query to its caller.
const modulePrefix = "github.com/linnemanlabs/warden/"

var queryObserver atomic.Pointer[queryObserverHolder]

type queryObserverHolder struct{ QueryObserver }

type sourceKey struct{}

type queryMetaKey struct{}

// queryMeta is carried from TraceQueryStart to TraceQueryEnd.
type queryMeta struct {
	sql      string
	argCount int
	start    time.Time
	caller   string
	handler  string
}

// QueryObserver receives per-query timings (wired by main for Prometheus).
type QueryObserver interface {
	ObserveQuery(ctx context.Context, source, route, outcome string, dur time.Duration)
}

// QueryObserverFunc adapts a plain function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, source, route, outcome string, dur time.Duration)

// ObserveQuery implements QueryObserver.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, source, route, outcome string, dur time.Duration) {
	f(ctx, source, route, outcome, dur)
}

// SetQueryObserver sets the global query observer.
func SetQueryObserver(o QueryObserver) {
	if o == nil {
		queryObserver.Store(nil)
		return
	}
	queryObserver.Store(&queryObserverHolder{QueryObserver: o})
}

func getQueryObserver() QueryObserver {
	h := queryObserver.Load()
	if h == nil {
		return nil
	}
	return h.QueryObserver
}

// WithSource labels queries issued under ctx with their origin.
func WithSource(ctx context.Context, source string) context.Context {
	if source == "" {
		return ctx
	}
	return context.WithValue(ctx, sourceKey{}, source)
}

func sourceFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sourceKey{}).(string); ok {
		return v
	}
	return SourceUnknown
}

// routeFor returns the chi route pattern for API queries, else the handler
// frame that issued the query.
func routeFor(ctx context.Context, m *queryMeta) string {
	if rc := chi.RouteContext(ctx); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	if m != nil && m.handler != "" {
		return m.handler
	}
	return "unknown"
}

// queryTracer wraps another pgx.QueryTracer (otelpgx) and adds caller
// attribution, per-request stats, metrics and a structured log line.
type queryTracer struct {
	inner pgx.QueryTracer
	// slow is the duration at or above which successful queries are logged.
	// Failures are always logged. 0 logs every query.
	slow time.Duration
}

func wrapQueryTracer(inner pgx.QueryTracer, slow time.Duration) pgx.QueryTracer {
	return queryTracer{inner: inner, slow: slow}
}

func (t queryTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	meta := &queryMeta{
		sql:      data.SQL,
		argCount: len(data.Args),
		start:    time.Now(),
	}
	meta.caller, meta.handler = findDBCallerAndHandler()

	// Let otelpgx create its span first so the attributes land on it.
	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}
	ctx = context.WithValue(ctx, queryMetaKey{}, meta)

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		attrs := []attribute.KeyValue{attribute.String("warden.db.source", sourceFromContext(ctx))}
		if meta.caller != "" {
			attrs = append(attrs, attribute.String("db.caller", meta.caller))
		}
		if meta.handler != "" {
			attrs = append(attrs, attribute.String("db.handler", meta.handler))
		}
		span.SetAttributes(attrs...)
	}
	return ctx
}

func (t queryTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	meta, _ := ctx.Value(queryMetaKey{}).(*queryMeta)
	var dur time.Duration
	if meta != nil {
		dur = time.Since(meta.start)
	}

	if s, ok := ReqDBStatsFromContext(ctx); ok {
		s.AddQuery(dur, data.Err)
	}

	outcome := "ok"
	if data.Err != nil {
		outcome = "error"
	}
	if obs := getQueryObserver(); obs != nil && dur > 0 {
		obs.ObserveQuery(ctx, sourceFromContext(ctx), routeFor(ctx, meta), outcome, dur)
	}

	if data.Err == nil && dur < t.slow {
		return
	}
	logQuery(ctx, meta, dur, data)
}

func logQuery(ctx context.Context, meta *queryMeta, dur time.Duration, data pgx.TraceQueryEndData) {
	fields := []any{
		"db.duration", dur.Seconds(),
		"db.source", sourceFromContext(ctx),
	}
	if meta != nil {
		// Values are not logged: run rows carry subject ids and failure text.
		fields = append(fields, "db.statement", meta.sql, "db.arg_count", meta.argCount)
		if meta.caller != "" {
			fields = append(fields, "db.caller", meta.caller)
		}
		if meta.handler != "" {
			fields = append(fields, "db.handler", meta.handler)
		}
	}

	if tag := strings.TrimSpace(data.CommandTag.String()); tag != "" {
		if parts := strings.Fields(tag); len(parts) > 0 {
			fields = append(fields, "db.operation.name", strings.ToUpper(parts[0]))
		}
		fields = append(fields, "pg.command_tag", tag, "db.rows", data.CommandTag.RowsAffected())
	}

	L := log.FromContext(ctx)
	if data.Err != nil {
		var pgErr *pgconn.PgError
		if errors.As(data.Err, &pgErr) {
			fields = append(fields,
				"db.error_code", pgErr.Code,
				"db.error_constraint", pgErr.ConstraintName,
			)
		}
		L.Error(ctx, data.Err, "db query failed", fields...)
		return
	}
	L.Info(ctx, "db query", fields...)
}

// findDBCallerAndHandler walks the stack to find:
//   - caller: the store function issuing the query
//   - handler: the first warden frame outside the store packages, e.g. the
//     engine step or API handler that needed the data
func findDBCallerAndHandler() (caller, handler string) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	for {
		fr, more := frames.Next()
		fn := fr.Function

		switch {
		case fn == "",
			strings.HasPrefix(fn, "runtime."),
			strings.Contains(fn, "github.com/jackc/pgx/v5"),
			strings.Contains(fn, "github.com/exaring/otelpgx"),
			strings.Contains(fn, "queryTracer.TraceQuery"):
		case caller == "":
			caller = shortenFuncName(fn)
		case isStoreFrame(fn):
		case strings.HasPrefix(fn, modulePrefix):
			return caller, shortenFuncName(fn)
		}

		if !more {
			return caller, handler
		}
	}
}

func isStoreFrame(fn string) bool {
	return strings.HasPrefix(fn, modulePrefix+"internal/postgres.") ||
		strings.Contains(fn, "/pgstore.")
}

func shortenFuncName(fn string) string {
	// Trim package path.
	if i := strings.LastIndex(fn, "/"); i >= 0 && i+1 < len(fn) {
		fn = fn[i+1:]
	}
	// Trim package name, keep receiver + method.
	if dot := strings.Index(fn, "."); dot >= 0 && dot+1 < len(fn) {
		fn = fn[dot+1:]
	}
	return fn
}
