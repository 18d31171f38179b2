// Package cfg holds the warden application configuration.
package cfg

import (
	"errors"
	"flag"
	"fmt"
	"math"
	"net/url"
	"time"

	"github.com/linnemanlabs/warden/internal/severity"
	"github.com/linnemanlabs/warden/internal/workflow"
)

// Config adds warden-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string

	// Intake and workflow.
	SeverityThreshold   string
	RetryBaseInterval   time.Duration
	RetryBackoffRate    float64
	RetryMaxAttempts    int
	ActionTimeout       time.Duration
	WorkflowPolicyFile  string
	ResumeInterval      time.Duration
	TriageMaxAttempts   int
	DispatchMaxAttempts int

	// Storage.
	DatabaseURL          string
	EvidenceBucket       string
	GCSCredentialsFile   string
	EvidenceDedupTTL     time.Duration
	DeadLetterDir        string
	DeadLetterBufferSize int

	// Collaborators.
	SubjectActionEndpoint string
	RegistryEndpoint      string
	SlackWebhookURL       string
	MQTTBroker            string
	MQTTTopic             string
	MQTTClientID          string
	LokiEndpoint          string
	LokiTenantID          string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	def := workflow.DefaultPolicy()

	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required on API requests (empty = unauthenticated)")

	fs.StringVar(&c.SeverityThreshold, "severity-threshold", string(severity.High), "minimum severity level admitted for remediation (LOW|MEDIUM|HIGH|CRITICAL)")
	fs.DurationVar(&c.RetryBaseInterval, "retry-base-interval", def.BaseInterval, "wait before the second attempt of a workflow state")
	fs.Float64Var(&c.RetryBackoffRate, "retry-backoff-rate", def.BackoffRate, "multiplier applied to the wait after each failed attempt (>= 1)")
	fs.IntVar(&c.RetryMaxAttempts, "retry-max-attempts", def.MaxAttempts, "attempts per workflow state before compensation (1..100)")
	fs.DurationVar(&c.ActionTimeout, "action-timeout", def.Timeout, "timeout for a single workflow action call")
	fs.StringVar(&c.WorkflowPolicyFile, "workflow-policy-file", "", "YAML file with per-state retry policy overrides")
	fs.DurationVar(&c.ResumeInterval, "resume-interval", time.Minute, "how often non-terminal runs without a worker are relaunched (0 = only at startup)")
	fs.IntVar(&c.TriageMaxAttempts, "triage-max-attempts", 5, "attempts for a triage hitting transient storage errors (1..100)")
	fs.IntVar(&c.DispatchMaxAttempts, "dispatch-max-attempts", 5, "delivery attempts per notification or status write-back (1..100)")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory run store)")
	fs.StringVar(&c.EvidenceBucket, "evidence-bucket", "", "GCS bucket for evidence (empty = in-memory evidence store)")
	fs.StringVar(&c.GCSCredentialsFile, "gcs-credentials-file", "", "service account JSON for the evidence bucket (empty = application default credentials)")
	fs.DurationVar(&c.EvidenceDedupTTL, "evidence-dedup-ttl", 0, "how long a finding id stays deduplicated in the in-memory evidence store (0 = forever)")
	fs.StringVar(&c.DeadLetterDir, "deadletter-dir", "", "directory for the durable dead-letter log (empty = in-memory)")
	fs.IntVar(&c.DeadLetterBufferSize, "deadletter-buffer-size", 1024, "dead-letter entries buffered while the store is unavailable (1..1048576)")

	fs.StringVar(&c.SubjectActionEndpoint, "subject-action-endpoint", "", "subject action service base URL (empty = dry run)")
	fs.StringVar(&c.RegistryEndpoint, "registry-endpoint", "", "findings registry base URL for status write-back (empty = in-memory)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for notifications")
	fs.StringVar(&c.MQTTBroker, "mqtt-broker", "", "MQTT broker URL for notifications, e.g. tcp://broker:1883")
	fs.StringVar(&c.MQTTTopic, "mqtt-topic", "warden/notifications", "MQTT topic notifications are published to")
	fs.StringVar(&c.MQTTClientID, "mqtt-client-id", "warden", "MQTT client identifier")
	fs.StringVar(&c.LokiEndpoint, "loki-endpoint", "", "Loki endpoint for evidence log context (empty = no enrichment)")
	fs.StringVar(&c.LokiTenantID, "loki-tenant-id", "", "Loki tenant ID for multi-tenant setups")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if _, err := severity.ParseLevel(c.SeverityThreshold); err != nil {
		errs = append(errs, fmt.Errorf("invalid SEVERITY_THRESHOLD %q (must be LOW, MEDIUM, HIGH or CRITICAL)", c.SeverityThreshold))
	}
	if c.RetryBaseInterval < 0 {
		errs = append(errs, fmt.Errorf("invalid RETRY_BASE_INTERVAL %s (must not be negative)", c.RetryBaseInterval))
	}
	if c.RetryBackoffRate < 1 || math.IsNaN(c.RetryBackoffRate) || math.IsInf(c.RetryBackoffRate, 0) {
		errs = append(errs, fmt.Errorf("invalid RETRY_BACKOFF_RATE %v (must be >= 1)", c.RetryBackoffRate))
	}
	if c.RetryMaxAttempts < 1 || c.RetryMaxAttempts > 100 {
		errs = append(errs, fmt.Errorf("invalid RETRY_MAX_ATTEMPTS %d (must be 1..100)", c.RetryMaxAttempts))
	}
	if c.ActionTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid ACTION_TIMEOUT %s (must be positive)", c.ActionTimeout))
	}
	if c.ResumeInterval < 0 {
		errs = append(errs, fmt.Errorf("invalid RESUME_INTERVAL %s (must not be negative)", c.ResumeInterval))
	}
	if c.TriageMaxAttempts < 1 || c.TriageMaxAttempts > 100 {
		errs = append(errs, fmt.Errorf("invalid TRIAGE_MAX_ATTEMPTS %d (must be 1..100)", c.TriageMaxAttempts))
	}
	if c.DispatchMaxAttempts < 1 || c.DispatchMaxAttempts > 100 {
		errs = append(errs, fmt.Errorf("invalid DISPATCH_MAX_ATTEMPTS %d (must be 1..100)", c.DispatchMaxAttempts))
	}

	if c.EvidenceDedupTTL < 0 {
		errs = append(errs, fmt.Errorf("invalid EVIDENCE_DEDUP_TTL %s (must not be negative)", c.EvidenceDedupTTL))
	}
	if c.GCSCredentialsFile != "" && c.EvidenceBucket == "" {
		errs = append(errs, errors.New("GCS_CREDENTIALS_FILE requires EVIDENCE_BUCKET"))
	}
	if c.DeadLetterBufferSize < 1 || c.DeadLetterBufferSize > 1<<20 {
		errs = append(errs, fmt.Errorf("invalid DEADLETTER_BUFFER_SIZE %d (must be 1..1048576)", c.DeadLetterBufferSize))
	}

	for _, ep := range []struct{ name, value string }{
		{"SUBJECT_ACTION_ENDPOINT", c.SubjectActionEndpoint},
		{"REGISTRY_ENDPOINT", c.RegistryEndpoint},
		{"SLACK_WEBHOOK_URL", c.SlackWebhookURL},
		{"LOKI_ENDPOINT", c.LokiEndpoint},
	} {
		if err := checkHTTPURL(ep.value); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", ep.name, err))
		}
	}
	if c.MQTTBroker != "" {
		if _, err := url.Parse(c.MQTTBroker); err != nil {
			errs = append(errs, fmt.Errorf("invalid MQTT_BROKER: %w", err))
		}
		if c.MQTTTopic == "" {
			errs = append(errs, errors.New("MQTT_TOPIC is required when MQTT_BROKER is set"))
		}
		if c.MQTTClientID == "" {
			errs = append(errs, errors.New("MQTT_CLIENT_ID is required when MQTT_BROKER is set"))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Threshold returns the parsed severity threshold. Call after Validate.
func (c *Config) Threshold() severity.Level {
	l, _ := severity.ParseLevel(c.SeverityThreshold)
	return l
}

// DefaultPolicy returns the retry policy applied to states without an
// override.
func (c *Config) DefaultPolicy() workflow.RetryPolicy {
	return workflow.RetryPolicy{
		BaseInterval: c.RetryBaseInterval,
		BackoffRate:  c.RetryBackoffRate,
		MaxAttempts:  c.RetryMaxAttempts,
		Timeout:      c.ActionTimeout,
	}
}

// Policies returns the workflow retry policies, applying the policy file
// when one is configured.
func (c *Config) Policies() (workflow.Policies, error) {
	if c.WorkflowPolicyFile == "" {
		return workflow.Policies{Default: c.DefaultPolicy()}, nil
	}
	return LoadPolicyFile(c.WorkflowPolicyFile, c.DefaultPolicy())
}

// checkHTTPURL accepts an empty value or an absolute http(s) URL.
func checkHTTPURL(s string) error {
	if s == "" {
		return nil
	}
	u, err := url.ParseRequestURI(s)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme %q must be http or https", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}
