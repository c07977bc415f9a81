package queue

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// QueueType defines the type of queue implementation
type QueueType string

const (
	QueueTypeSQS      QueueType = "SQS"      // AWS SQS FIFO
	QueueTypeEmbedded QueueType = "EMBEDDED" // Embedded SQLite FIFO broker
	QueueTypeActiveMQ QueueType = "ACTIVEMQ" // ActiveMQ over STOMP
	QueueTypeNATS     QueueType = "NATS"     // NATS JetStream
)

// ParseQueueType normalizes a queue type string. Empty defaults to EMBEDDED.
func ParseQueueType(s string) (QueueType, error) {
	switch QueueType(strings.ToUpper(strings.TrimSpace(s))) {
	case QueueTypeSQS:
		return QueueTypeSQS, nil
	case QueueTypeActiveMQ:
		return QueueTypeActiveMQ, nil
	case QueueTypeNATS:
		return QueueTypeNATS, nil
	case QueueTypeEmbedded, "":
		return QueueTypeEmbedded, nil
	default:
		return "", fmt.Errorf("unknown queue type: %q (use SQS, EMBEDDED, ACTIVEMQ or NATS)", s)
	}
}

// Factory creates queue implementations
type Factory struct {
	config *Config
}

// NewFactory creates a new queue factory
func NewFactory(cfg *Config) *Factory {
	return &Factory{config: cfg}
}

// Type returns the configured queue type
func (f *Factory) Type() QueueType {
	t, err := ParseQueueType(f.config.Type)
	if err != nil {
		return QueueTypeEmbedded
	}
	return t
}

// IsEmbedded returns true if using the embedded SQLite broker
func (f *Factory) IsEmbedded() bool {
	return f.Type() == QueueTypeEmbedded
}

// IsNATS returns true if using NATS JetStream
func (f *Factory) IsNATS() bool {
	return f.Type() == QueueTypeNATS
}

// IsSQS returns true if using AWS SQS
func (f *Factory) IsSQS() bool {
	return f.Type() == QueueTypeSQS
}

// IsActiveMQ returns true if using ActiveMQ
func (f *Factory) IsActiveMQ() bool {
	return f.Type() == QueueTypeActiveMQ
}

// Config returns the queue configuration
func (f *Factory) Config() *Config {
	return f.config
}

// DefaultConfig returns default queue configuration
func DefaultConfig() *Config {
	return &Config{
		Type:    string(QueueTypeEmbedded),
		DataDir: "./data",
		NATS: NATSConfig{
			StreamName:   "MESSAGES",
			ConsumerName: "flowcatalyst-router",
			Subjects:     []string{"messages.>"},
		},
		SQS: SQSConfig{
			WaitTimeSeconds:     20,
			VisibilityTimeout:   120,
			MaxNumberOfMessages: 10,
		},
		ActiveMQ: ActiveMQConfig{
			BrokerAddr:        "localhost:61613",
			QueueName:         "/queue/message-router",
			HeartbeatInterval: 30 * time.Second,
		},
		Embedded: EmbeddedConfig{
			DatabasePath:      "./data/broker.db",
			QueueName:         "message-router",
			VisibilityTimeout: 2 * time.Minute,
			PollInterval:      250 * time.Millisecond,
		},
	}
}

// QueueManager provides a unified interface for queue operations
type QueueManager interface {
	// Publisher returns the queue publisher
	Publisher() Publisher

	// CreateConsumer creates a consumer for the given pool
	CreateConsumer(ctx context.Context, poolCode string) (Consumer, error)

	// Close closes the queue manager
	Close() error
}

// Ensure consistent types across queue implementations
var (
	_ Message   = (*messageAdapter)(nil)
	_ Publisher = (*publisherAdapter)(nil)
	_ Consumer  = (*consumerAdapter)(nil)
)

// messageAdapter adapts any message implementation to the Message interface
type messageAdapter struct {
	id           string
	data         []byte
	subject      string
	messageGroup string
	metadata     map[string]string
	ackFn        func() error
	nakFn        func() error
	nakDelayFn   func(delay time.Duration) error
	inProgressFn func() error
}

func (m *messageAdapter) ID() string                         { return m.id }
func (m *messageAdapter) Data() []byte                       { return m.data }
func (m *messageAdapter) Subject() string                    { return m.subject }
func (m *messageAdapter) MessageGroup() string               { return m.messageGroup }
func (m *messageAdapter) Metadata() map[string]string        { return m.metadata }
func (m *messageAdapter) Ack() error                         { return m.ackFn() }
func (m *messageAdapter) Nak() error                         { return m.nakFn() }
func (m *messageAdapter) NakWithDelay(d time.Duration) error { return m.nakDelayFn(d) }
func (m *messageAdapter) InProgress() error                  { return m.inProgressFn() }

// publisherAdapter adapts any publisher implementation
type publisherAdapter struct {
	publishFn      func(ctx context.Context, subject string, data []byte) error
	publishGroupFn func(ctx context.Context, subject string, data []byte, group string) error
	publishDedupFn func(ctx context.Context, subject string, data []byte, dedupID string) error
	closeFn        func() error
}

func (p *publisherAdapter) Publish(ctx context.Context, subject string, data []byte) error {
	return p.publishFn(ctx, subject, data)
}
func (p *publisherAdapter) PublishWithGroup(ctx context.Context, subject string, data []byte, group string) error {
	if p.publishGroupFn == nil {
		return fmt.Errorf("publish with group not supported")
	}
	return p.publishGroupFn(ctx, subject, data, group)
}
func (p *publisherAdapter) PublishWithDeduplication(ctx context.Context, subject string, data []byte, dedupID string) error {
	if p.publishDedupFn == nil {
		return fmt.Errorf("publish with deduplication not supported")
	}
	return p.publishDedupFn(ctx, subject, data, dedupID)
}
func (p *publisherAdapter) Close() error { return p.closeFn() }

// consumerAdapter adapts any consumer implementation
type consumerAdapter struct {
	consumeFn func(ctx context.Context, handler func(Message) error) error
	closeFn   func() error
}

func (c *consumerAdapter) Consume(ctx context.Context, handler func(Message) error) error {
	return c.consumeFn(ctx, handler)
}
func (c *consumerAdapter) Close() error { return c.closeFn() }
