package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (community) or NATS (pro).
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// Request sends a message and waits for a response (request-reply pattern).
	Request(ctx context.Context, topic string, payload []byte) ([]byte, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string

	// Channel settings
	ChannelBufferSize int

	// NATS settings
	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds
}

// Topics of the detection pipeline and configuration changes.
const (
	TopicBillIssued           = "billscope.bill.issued"
	TopicAnomalyDetected      = "billscope.anomaly.detected"
	TopicAlert                = "billscope.alert"
	TopicConfigurationApplied = "billscope.configuration.applied"
)

// BillIssuedEvent is published when a bill is stored.
type BillIssuedEvent struct {
	UserID  string `json:"userId"`
	Period  Period `json:"period"`
	BillID  string `json:"billId"`
	TraceID string `json:"traceId,omitempty"`
}

// AnomalyDetectedEvent carries a detection run and its findings.
type AnomalyDetectedEvent struct {
	Run      *DetectionRun     `json:"run"`
	Findings []*AnomalyFinding `json:"anomalies"`
}
