// Package enrich attaches operational context about a finding's subject to
// its evidence before the evidence is committed.
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"github.com/linnemanlabs/warden/internal/finding"
)

const (
	defaultWindow = time.Hour
	defaultLimit  = 100
	maxLimit      = 500
	maxWindow     = 6 * time.Hour

	successStatus = "success"
)

// subjectLabels maps a subject type to the stream label carrying its id.
var subjectLabels = map[string]string{
	finding.SubjectInstance:  "instance_id",
	finding.SubjectS3Bucket:  "bucket",
	finding.SubjectAccessKey: "access_key_id",
}

// Loki fetches recent log lines for a finding's subject.
type Loki struct {
	endpoint   string
	tenantID   string
	window     time.Duration
	limit      int
	httpClient *http.Client
}

// Option configures a Loki enricher.
type Option func(*Loki)

// WithWindow sets how far before the finding's receipt to search. It is
// capped at six hours.
func WithWindow(d time.Duration) Option {
	return func(l *Loki) {
		if d > 0 {
			l.window = min(d, maxWindow)
		}
	}
}

// WithLimit sets the maximum number of lines attached. It is capped at 500.
func WithLimit(n int) Option {
	return func(l *Loki) {
		if n > 0 {
			l.limit = min(n, maxLimit)
		}
	}
}

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(l *Loki) { l.httpClient = c }
}

// NewLoki creates a Loki enricher with the given endpoint and tenant ID.
func NewLoki(endpoint, tenantID string, opts ...Option) *Loki {
	l := &Loki{
		endpoint:   endpoint,
		tenantID:   tenantID,
		window:     defaultWindow,
		limit:      defaultLimit,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

type logLine struct {
	Timestamp string            `json:"ts"`
	Line      string            `json:"line"`
	Labels    map[string]string `json:"labels,omitempty"`
}

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

type lokiResponse struct {
	Status string `json:"status"`
	Data   struct {
		ResultType string       `json:"resultType"`
		Result     []lokiStream `json:"result"`
	} `json:"data"`
}

// logContext is the document attached to the evidence blob.
type logContext struct {
	Query     string    `json:"query"`
	Start     string    `json:"start"`
	End       string    `json:"end"`
	LineCount int       `json:"line_count"`
	Lines     []logLine `json:"lines"`
	Truncated bool      `json:"truncated"`
}

// Selector returns the LogQL stream selector for a subject, or "" when the
// subject type has no known label.
func Selector(s finding.Subject) string {
	label, ok := subjectLabels[s.Type]
	if !ok || s.ID == "" {
		return ""
	}
	return "{" + label + "=" + strconv.Quote(s.ID) + "}"
}

// Enrich queries the log lines for the finding's subject in the window
// leading up to its receipt. It returns nil when the subject type is not
// mapped or no lines matched.
func (l *Loki) Enrich(ctx context.Context, f *finding.Finding) (json.RawMessage, error) {
	query := Selector(f.Subject)
	if query == "" {
		return nil, nil
	}

	end := f.ReceivedAt.UTC()
	if end.IsZero() {
		end = time.Now().UTC()
	}
	start := end.Add(-l.window)

	u, err := url.Parse(l.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	u.Path = path.Join(u.Path, "loki/api/v1/query_range")

	q := u.Query()
	q.Set("query", query)
	q.Set("start", start.Format(time.RFC3339Nano))
	q.Set("end", end.Format(time.RFC3339Nano))
	q.Set("limit", strconv.Itoa(l.limit))
	q.Set("direction", "backward")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if l.tenantID != "" {
		req.Header.Set("X-Scope-OrgID", l.tenantID)
	}

	resp, err := l.httpClient.Do(req) //nolint:gosec // endpoint comes from config; the subject id is query-string encoded.
	if err != nil {
		return nil, fmt.Errorf("loki query failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5<<20)) // 5 MB
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("loki returned %d: %s", resp.StatusCode, string(body))
	}

	var lokiResp lokiResponse
	if err := json.Unmarshal(body, &lokiResp); err != nil {
		return nil, fmt.Errorf("decode loki response: %w", err)
	}
	if lokiResp.Status != successStatus {
		return nil, fmt.Errorf("loki query failed: %s", string(body))
	}

	lines := flattenStreams(lokiResp.Data.Result, l.limit)
	if len(lines) == 0 {
		return nil, nil
	}
	return json.Marshal(logContext{
		Query:     query,
		Start:     start.Format(time.RFC3339Nano),
		End:       end.Format(time.RFC3339Nano),
		LineCount: len(lines),
		Lines:     lines,
		Truncated: len(lines) >= l.limit,
	})
}

func flattenStreams(results []lokiStream, limit int) []logLine {
	lines := make([]logLine, 0, limit)

	for _, stream := range results {
		includeLabels := true
		for _, entry := range stream.Values {
			if len(entry) < 2 {
				continue
			}
			ll := logLine{
				Timestamp: entry[0],
				Line:      entry[1],
			}
			if includeLabels {
				ll.Labels = stream.Stream
				includeLabels = false
			}
			lines = append(lines, ll)
			if len(lines) >= limit {
				return lines
			}
		}
	}
	return lines
}
