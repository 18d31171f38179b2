// Package mqtt publishes remediation notifications to an MQTT topic.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/warden/internal/notify"
)

const (
	qosAtLeastOnce = 1
	connectTimeout = 10 * time.Second
	disconnectWait = 250 // milliseconds
)

// Config holds broker settings.
type Config struct {
	Broker   string
	Topic    string
	ClientID string
	Username string
	Password string
}

// payload is the wire format consumed by subscribers.
type payload struct {
	FindingID    string    `json:"finding_id"`
	RunID        string    `json:"run_id,omitempty"`
	Severity     float64   `json:"severity"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id"`
	Action       string    `json:"action"`
	Status       string    `json:"status,omitempty"`
	Detail       string    `json:"detail,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Notifier publishes messages with QoS 1.
type Notifier struct {
	client paho.Client
	topic  string
	logger log.Logger
}

// New connects to the broker and returns a Notifier.
func New(cfg Config, logger log.Logger) (*Notifier, error) {
	if cfg.Broker == "" || cfg.Topic == "" {
		return nil, errors.New("mqtt: broker and topic are required")
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(connectTimeout).
		SetOrderMatters(false)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username).SetPassword(cfg.Password)
	}

	client := paho.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(connectTimeout) {
		// SetConnectRetry keeps trying in the background; publishes wait on it
		if logger != nil {
			logger.Warn(context.Background(), "mqtt broker not reachable yet, retrying in background", "broker", cfg.Broker)
		}
	} else if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect %s: %w", cfg.Broker, err)
	}

	return NewWithClient(client, cfg.Topic, logger), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client paho.Client, topic string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{client: client, topic: topic, logger: logger}
}

// Publish sends the message and waits for the broker acknowledgement or ctx.
func (n *Notifier) Publish(ctx context.Context, msg *notify.Message) error {
	body, err := json.Marshal(payload{
		FindingID:    msg.FindingID,
		RunID:        msg.RunID,
		Severity:     msg.Severity,
		ResourceType: msg.ResourceType,
		ResourceID:   msg.ResourceID,
		Action:       msg.Action,
		Status:       msg.Status,
		Detail:       msg.Detail,
		Timestamp:    msg.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("mqtt: marshal: %w", err)
	}

	tok := n.client.Publish(n.topic, qosAtLeastOnce, false, body)
	select {
	case <-tok.Done():
	case <-ctx.Done():
		return fmt.Errorf("mqtt: publish to %s: %w", n.topic, ctx.Err())
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt: publish to %s: %w", n.topic, err)
	}

	n.logger.Info(ctx, "mqtt notification sent", "finding_id", msg.FindingID, "topic", n.topic)
	return nil
}

// Close disconnects from the broker.
func (n *Notifier) Close() {
	n.client.Disconnect(disconnectWait)
}
