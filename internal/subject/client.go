package subject

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/warden/internal/finding"
)

const httpTimeout = 15 * time.Second

// Client calls the Subject Action service over HTTP.
type Client struct {
	endpoint   string
	httpClient *http.Client
}

type actionRequest struct {
	Subject finding.Subject `json:"subject"`
	Action  ActionSpec      `json:"action"`
}

// NewClient creates a client for the service at endpoint.
func NewClient(endpoint string) *Client {
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		httpClient: &http.Client{
			Timeout:   httpTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// ApplyAction posts the action. 2xx is success; 408, 429, 5xx and transport
// failures are retryable; any other status is fatal.
func (c *Client) ApplyAction(ctx context.Context, ref finding.Subject, spec ActionSpec) error {
	body, err := json.Marshal(actionRequest{Subject: ref, Action: spec})
	if err != nil {
		return fmt.Errorf("%w: marshal request: %v", ErrFatal, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v1/actions", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: create request: %v", ErrFatal, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if spec.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", spec.IdempotencyKey)
	}

	resp, err := c.httpClient.Do(req) //nolint:gosec // endpoint is from trusted config
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrRetryable, spec.Name, ref, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	kind := ErrFatal
	if retryableStatus(resp.StatusCode) {
		kind = ErrRetryable
	}
	return fmt.Errorf("%w: %s %s returned %d: %s", kind, spec.Name, ref, resp.StatusCode, strings.TrimSpace(string(respBody)))
}

func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}
