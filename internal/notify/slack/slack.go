// Package slack sends remediation notifications to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/warden/internal/notify"
)

const (
	maxDetailLen = 3000
	httpTimeout  = 10 * time.Second
)

// Terminal statuses that get distinct styling.
const (
	statusSucceeded    = "SUCCEEDED"
	statusCompensated  = "COMPENSATED"
	statusDeadLettered = "DEAD_LETTERED"
)

// Notifier sends remediation messages to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, Publish is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// Publish posts a message to the configured Slack webhook.
// If no webhook URL is configured, it returns nil immediately.
func (n *Notifier) Publish(ctx context.Context, msg *notify.Message) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(buildMessage(msg))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}

	n.logger.Info(ctx, "slack notification sent", "finding_id", msg.FindingID, "status", msg.Status)
	return nil
}

func buildMessage(m *notify.Message) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(m),
			{"type": "divider"},
			fieldsBlock(m),
			{"type": "divider"},
			detailBlock(m),
			{"type": "divider"},
			contextBlock(m),
		},
	}
}

func headerBlock(m *notify.Message) map[string]any {
	title := "Remediation Initiated"
	switch m.Status {
	case statusSucceeded:
		title = "Remediation Succeeded"
	case statusCompensated:
		title = "Remediation Compensated"
	case statusDeadLettered:
		title = "Remediation Dead-Lettered"
	}
	text := fmt.Sprintf("%s %s: %s", statusEmoji(m.Status, m.Severity), title, m.Category)

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func fieldsBlock(m *notify.Message) map[string]any {
	status := m.Status
	if status == "" {
		status = "IN_PROGRESS"
	}
	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Finding:* %s", m.FindingID),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Severity:* %.1f", m.Severity),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Resource:* %s/%s", m.ResourceType, m.ResourceID),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Status:* %s", status),
		},
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func detailBlock(m *notify.Message) map[string]any {
	text := m.Action
	if m.Detail != "" {
		text += "\n\n" + m.Detail
	}
	text = truncate(text, maxDetailLen)
	if text == "" {
		text = "_No detail available._"
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Action*\n\n%s", text),
		},
	}
}

func contextBlock(m *notify.Message) map[string]any {
	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	text := fmt.Sprintf("warden • run %s • %s", m.RunID, ts.UTC().Format("2006-01-02 15:04 UTC"))
	if m.EvidenceLocation != "" {
		text += " • " + m.EvidenceLocation
	}

	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{"type": "mrkdwn", "text": text},
		},
	}
}

func statusEmoji(status string, severity float64) string {
	switch status {
	case statusDeadLettered:
		return "\U0001f534" // red circle
	case statusCompensated:
		return "\U0001f7e1" // yellow circle
	case statusSucceeded:
		return "\U0001f7e2" // green circle
	}
	if severity >= 9 {
		return "\U0001f534"
	}
	return "\U0001f7e0" // orange circle
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
