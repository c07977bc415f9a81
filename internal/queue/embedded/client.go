package embedded

import (
	"context"
	"fmt"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"go.flowcatalyst.tech/router/internal/common/metrics"
	"go.flowcatalyst.tech/router/internal/queue"
)

// Client wraps a Broker and provides queue.Publisher / queue.Consumer surfaces
// on one logical queue.
type Client struct {
	broker     *Broker
	queueName  string
	visibility time.Duration
	pollEvery  time.Duration
	publisher  *Publisher
}

// NewClient opens an embedded broker client for the configured queue.
func NewClient(cfg *queue.EmbeddedConfig) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("embedded queue config is required")
	}

	broker, err := NewBroker(BrokerOptions{DatabasePath: cfg.DatabasePath})
	if err != nil {
		return nil, err
	}

	queueName := cfg.QueueName
	if queueName == "" {
		queueName = "message-router"
	}
	visibility := cfg.VisibilityTimeout
	if visibility <= 0 {
		visibility = 2 * time.Minute
	}
	pollEvery := cfg.PollInterval
	if pollEvery <= 0 {
		pollEvery = 250 * time.Millisecond
	}

	c := &Client{
		broker:     broker,
		queueName:  queueName,
		visibility: visibility,
		pollEvery:  pollEvery,
	}
	c.publisher = &Publisher{broker: broker, queueName: queueName}
	return c, nil
}

// Broker exposes the underlying broker (used by health checks and tests).
func (c *Client) Broker() *Broker {
	return c.broker
}

// Publisher returns the client's publisher.
func (c *Client) Publisher() queue.Publisher {
	return c.publisher
}

// CreateConsumer creates a polling consumer with its own claim owner identity.
func (c *Client) CreateConsumer(ctx context.Context, name string) (*Consumer, error) {
	owner := name
	if owner == "" {
		owner = "consumer-" + uuid.NewString()
	}
	return &Consumer{
		broker:     c.broker,
		queueName:  c.queueName,
		owner:      owner,
		visibility: c.visibility,
		pollEvery:  c.pollEvery,
	}, nil
}

// HealthCheck verifies the broker is reachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.broker.HealthCheck(ctx)
}

// Close closes the broker database.
func (c *Client) Close() error {
	return c.broker.Close()
}

// Publisher publishes into the embedded broker.
type Publisher struct {
	broker    *Broker
	queueName string
}

// Publish sends a message without group or deduplication semantics.
func (p *Publisher) Publish(ctx context.Context, subject string, data []byte) error {
	return p.enqueue(ctx, uuid.NewString(), "", "", data)
}

// PublishWithGroup sends a message into a FIFO group.
func (p *Publisher) PublishWithGroup(ctx context.Context, subject string, data []byte, messageGroup string) error {
	return p.enqueue(ctx, uuid.NewString(), messageGroup, "", data)
}

// PublishWithDeduplication sends a message with a deduplication ID; duplicates
// within the broker are dropped.
func (p *Publisher) PublishWithDeduplication(ctx context.Context, subject string, data []byte, deduplicationID string) error {
	return p.enqueue(ctx, deduplicationID, "", deduplicationID, data)
}

// PublishMessage publishes a message built with MessageBuilder.
func (p *Publisher) PublishMessage(ctx context.Context, builder *queue.MessageBuilder) error {
	id := builder.DeduplicationID()
	if id == "" {
		id = uuid.NewString()
	}
	return p.enqueue(ctx, id, builder.MessageGroup(), builder.DeduplicationID(), builder.Data())
}

func (p *Publisher) enqueue(ctx context.Context, messageID, group, dedupID string, data []byte) error {
	if err := p.broker.Enqueue(ctx, p.queueName, messageID, group, dedupID, data); err != nil {
		metrics.QueuePublishErrors.WithLabelValues("embedded").Inc()
		return err
	}
	metrics.QueueMessagesPublished.WithLabelValues("embedded").Inc()
	return nil
}

// Close closes the publisher.
func (p *Publisher) Close() error {
	return nil
}

// Consumer polls the broker for claimable messages.
type Consumer struct {
	broker     *Broker
	queueName  string
	owner      string
	visibility time.Duration
	pollEvery  time.Duration
}

// Consume polls until the context is cancelled, invoking handler per message.
func (c *Consumer) Consume(ctx context.Context, handler func(queue.Message) error) error {
	slog.Info("Starting embedded broker consumer", "queue", c.queueName, "owner", c.owner)

	for {
		select {
		case <-ctx.Done():
			slog.Info("Consumer context cancelled, stopping", "owner", c.owner)
			return ctx.Err()
		default:
		}

		if _, err := c.broker.ReleaseExpired(ctx, c.queueName); err != nil {
			slog.Error("Failed to release expired claims", "error", err, "queue", c.queueName)
		}

		claimed, err := c.broker.Claim(ctx, c.queueName, c.owner, 10, c.visibility)
		if err != nil {
			slog.Error("Failed to claim messages", "error", err, "queue", c.queueName)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		if len(claimed) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.pollEvery):
			}
			continue
		}

		for _, m := range claimed {
			metrics.QueueMessagesConsumed.WithLabelValues("embedded").Inc()
			wrapped := &EmbeddedMessage{
				broker:     c.broker,
				owner:      c.owner,
				visibility: c.visibility,
				seq:        m.Seq,
				messageID:  m.MessageID,
				group:      m.GroupID,
				body:       m.Body,
				deliveries: m.DeliveryCount,
			}
			if err := handler(wrapped); err != nil {
				slog.Error("Message handler error", "error", err, "queue", c.queueName, "messageId", m.MessageID)
			}
		}
	}
}

// Close closes the consumer.
func (c *Consumer) Close() error {
	slog.Info("Consumer closed", "owner", c.owner)
	return nil
}

// EmbeddedMessage wraps a claimed broker row as a queue.Message.
type EmbeddedMessage struct {
	broker     *Broker
	owner      string
	visibility time.Duration
	seq        int64
	messageID  string
	group      string
	body       []byte
	deliveries int
}

// ID returns the message ID used for deduplication.
func (m *EmbeddedMessage) ID() string {
	return m.messageID
}

// Data returns the message payload.
func (m *EmbeddedMessage) Data() []byte {
	return m.body
}

// Subject returns the logical subject (the broker has a single queue per client).
func (m *EmbeddedMessage) Subject() string {
	return ""
}

// MessageGroup returns the FIFO group.
func (m *EmbeddedMessage) MessageGroup() string {
	if m.group == defaultGroup {
		return ""
	}
	return m.group
}

// Ack removes the row from the broker.
func (m *EmbeddedMessage) Ack() error {
	return m.broker.Ack(context.Background(), m.seq, m.owner)
}

// Nak returns the row to the queue immediately.
func (m *EmbeddedMessage) Nak() error {
	return m.broker.Nack(context.Background(), m.seq, m.owner, 0)
}

// NakWithDelay returns the row to the queue after delay.
func (m *EmbeddedMessage) NakWithDelay(delay time.Duration) error {
	return m.broker.Nack(context.Background(), m.seq, m.owner, delay)
}

// InProgress extends the claim deadline.
func (m *EmbeddedMessage) InProgress() error {
	return m.broker.ExtendClaim(context.Background(), m.seq, m.owner, m.visibility)
}

// Metadata returns broker-level metadata.
func (m *EmbeddedMessage) Metadata() map[string]string {
	return map[string]string{
		"deliveryCount": fmt.Sprintf("%d", m.deliveries),
	}
}
