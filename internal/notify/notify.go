// Package notify defines the human-readable status message published for
// findings and the Notifier contract implemented by each channel.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// Message is one status update for a finding's remediation.
type Message struct {
	FindingID        string    `json:"finding_id"`
	RunID            string    `json:"run_id,omitempty"`
	Severity         float64   `json:"severity"`
	Category         string    `json:"category,omitempty"`
	ResourceType     string    `json:"resource_type"`
	ResourceID       string    `json:"resource_id"`
	Action           string    `json:"action"`
	Status           string    `json:"status,omitempty"`
	Detail           string    `json:"detail,omitempty"`
	EvidenceLocation string    `json:"evidence_location,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// Notifier publishes a message to one channel. A returned error is treated as
// retryable by the caller.
type Notifier interface {
	Publish(ctx context.Context, msg *Message) error
}

// Multi publishes to every notifier and joins their errors.
type Multi []Notifier

// Publish fans the message out to all notifiers.
func (m Multi) Publish(ctx context.Context, msg *Message) error {
	var errs []error
	for _, n := range m {
		if err := n.Publish(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes messages to the logger. It is the fallback when no channel is
// configured.
type Log struct {
	Logger log.Logger
}

// Publish logs the message.
func (l Log) Publish(ctx context.Context, msg *Message) error {
	L := l.Logger
	if L == nil {
		L = log.Nop()
	}
	L.Info(ctx, "notification",
		"finding_id", msg.FindingID,
		"run_id", msg.RunID,
		"action", msg.Action,
		"status", msg.Status,
		"severity", msg.Severity,
		"resource_type", msg.ResourceType,
	)
	return nil
}
