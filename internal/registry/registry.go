// Package registry writes final remediation outcomes back to the external
// findings registry, which serves as the audit trail.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/go-core/log"
)

// Statuses written to the registry.
const (
	StatusResolved     = "RESOLVED"
	StatusCompensated  = "COMPENSATED"
	StatusDeadLettered = "DEAD_LETTERED"
)

// Reconciler updates the status of a finding. Errors are retryable.
type Reconciler interface {
	UpdateStatus(ctx context.Context, findingID, status string) error
}

const httpTimeout = 10 * time.Second

// Client is the HTTP findings-registry client.
type Client struct {
	endpoint   string
	httpClient *http.Client
}

// NewClient creates a client for the registry at endpoint.
func NewClient(endpoint string) *Client {
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		httpClient: &http.Client{
			Timeout:   httpTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type statusRequest struct {
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UpdateStatus sends PUT <endpoint>/v1/findings/<id>/status. The write is a
// full replacement, so repeating it is harmless.
func (c *Client) UpdateStatus(ctx context.Context, findingID, status string) error {
	body, err := json.Marshal(statusRequest{Status: status, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("registry: marshal: %w", err)
	}

	u := c.endpoint + "/v1/findings/" + url.PathEscape(findingID) + "/status"
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("registry: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req) //nolint:gosec // endpoint is from trusted config
	if err != nil {
		return fmt.Errorf("registry: update %s: %w", findingID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("registry: update %s returned %d: %s", findingID, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return nil
}

// Memory keeps the latest status per finding. It is used when no registry
// endpoint is configured.
type Memory struct {
	mu       sync.Mutex
	statuses map[string]string
	logger   log.Logger
}

// NewMemory creates an in-memory reconciler.
func NewMemory(logger log.Logger) *Memory {
	if logger == nil {
		logger = log.Nop()
	}
	return &Memory{statuses: make(map[string]string), logger: logger}
}

// UpdateStatus records the status.
func (m *Memory) UpdateStatus(ctx context.Context, findingID, status string) error {
	m.mu.Lock()
	m.statuses[findingID] = status
	m.mu.Unlock()
	m.logger.Info(ctx, "finding status reconciled", "finding_id", findingID, "status", status)
	return nil
}

// Status returns the recorded status.
func (m *Memory) Status(findingID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.statuses[findingID]
	return s, ok
}
