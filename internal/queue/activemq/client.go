// Package activemq provides an ActiveMQ queue implementation over STOMP
package activemq

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"

	"go.flowcatalyst.tech/router/internal/common/metrics"
	"go.flowcatalyst.tech/router/internal/queue"
)

// Header names understood by ActiveMQ. JMSXGroupID drives broker-side message
// grouping so one consumer at a time receives a group's messages in order.
const (
	headerGroupID   = "JMSXGroupID"
	headerMessageID = "message-id"
	headerDedupID   = "x-dedup-id"
)

// Client wraps a STOMP connection and provides publishing and consuming.
type Client struct {
	conn      *stomp.Conn
	config    *queue.ActiveMQConfig
	publisher *Publisher
	closed    atomic.Bool
}

// NewClient connects to the ActiveMQ broker over STOMP.
func NewClient(cfg *queue.ActiveMQConfig) (*Client, error) {
	if cfg == nil || cfg.BrokerAddr == "" {
		return nil, fmt.Errorf("activemq broker address is required")
	}

	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}

	opts := []func(*stomp.Conn) error{
		stomp.ConnOpt.HeartBeat(heartbeat, heartbeat),
	}
	if cfg.Username != "" {
		opts = append(opts, stomp.ConnOpt.Login(cfg.Username, cfg.Password))
	}

	conn, err := stomp.Dial("tcp", cfg.BrokerAddr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ActiveMQ at %s: %w", cfg.BrokerAddr, err)
	}

	slog.Info("Connected to ActiveMQ", "broker", cfg.BrokerAddr, "queue", cfg.QueueName)

	c := &Client{conn: conn, config: cfg}
	c.publisher = &Publisher{conn: conn, queueName: cfg.QueueName}
	return c, nil
}

// Publisher returns the client's publisher.
func (c *Client) Publisher() queue.Publisher {
	return c.publisher
}

// CreateConsumer subscribes to the configured queue with client-individual acks.
func (c *Client) CreateConsumer(ctx context.Context, name string) (*Consumer, error) {
	sub, err := c.conn.Subscribe(c.config.QueueName, stomp.AckClientIndividual)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", c.config.QueueName, err)
	}
	return &Consumer{
		conn: c.conn,
		sub:  sub,
		name: name,
	}, nil
}

// HealthCheck reports whether the STOMP session is still usable.
func (c *Client) HealthCheck() error {
	if c.closed.Load() {
		return fmt.Errorf("activemq connection closed")
	}
	return nil
}

// Close disconnects from the broker.
func (c *Client) Close() error {
	slog.Info("Disconnecting from ActiveMQ")
	c.closed.Store(true)
	return c.conn.Disconnect()
}

// Publisher publishes messages to an ActiveMQ queue.
type Publisher struct {
	conn      *stomp.Conn
	queueName string
}

// Publish sends a message to the queue.
func (p *Publisher) Publish(ctx context.Context, subject string, data []byte) error {
	return p.send(data, nil)
}

// PublishWithGroup sends a message with a JMSXGroupID for ordered processing.
func (p *Publisher) PublishWithGroup(ctx context.Context, subject string, data []byte, messageGroup string) error {
	return p.send(data, stomp.SendOpt.Header(headerGroupID, messageGroup))
}

// PublishWithDeduplication sends a message tagged with a deduplication ID.
// ActiveMQ does not deduplicate broker-side; the router's in-flight table
// covers redeliveries.
func (p *Publisher) PublishWithDeduplication(ctx context.Context, subject string, data []byte, deduplicationID string) error {
	return p.send(data, stomp.SendOpt.Header(headerDedupID, deduplicationID))
}

// PublishMessage publishes a message built with MessageBuilder.
func (p *Publisher) PublishMessage(ctx context.Context, builder *queue.MessageBuilder) error {
	var opts []func(*frame.Frame) error
	if builder.MessageGroup() != "" {
		opts = append(opts, stomp.SendOpt.Header(headerGroupID, builder.MessageGroup()))
	}
	if builder.DeduplicationID() != "" {
		opts = append(opts, stomp.SendOpt.Header(headerDedupID, builder.DeduplicationID()))
	}
	for k, v := range builder.Metadata() {
		opts = append(opts, stomp.SendOpt.Header("x-meta-"+k, v))
	}
	return p.send(builder.Data(), opts...)
}

func (p *Publisher) send(data []byte, opts ...func(*frame.Frame) error) error {
	err := p.conn.Send(p.queueName, "application/json", data, opts...)
	if err != nil {
		metrics.QueuePublishErrors.WithLabelValues("activemq").Inc()
		return fmt.Errorf("failed to publish to ActiveMQ: %w", err)
	}
	metrics.QueueMessagesPublished.WithLabelValues("activemq").Inc()
	return nil
}

// Close closes the publisher.
func (p *Publisher) Close() error {
	return nil
}

// Consumer consumes messages from an ActiveMQ subscription.
type Consumer struct {
	conn *stomp.Conn
	sub  *stomp.Subscription
	name string
}

// Consume reads from the subscription channel until the context is cancelled.
func (c *Consumer) Consume(ctx context.Context, handler func(queue.Message) error) error {
	slog.Info("Starting ActiveMQ consumer", "consumer", c.name)

	for {
		select {
		case <-ctx.Done():
			slog.Info("Consumer context cancelled, stopping", "consumer", c.name)
			return ctx.Err()
		case msg, ok := <-c.sub.C:
			if !ok {
				return fmt.Errorf("activemq subscription closed")
			}
			if msg.Err != nil {
				slog.Error("ActiveMQ receive error", "error", msg.Err, "consumer", c.name)
				continue
			}

			metrics.QueueMessagesConsumed.WithLabelValues("activemq").Inc()
			wrapped := &AMQMessage{conn: c.conn, msg: msg}
			if err := handler(wrapped); err != nil {
				slog.Error("Message handler error", "error", err, "consumer", c.name)
			}
		}
	}
}

// Close unsubscribes from the queue.
func (c *Consumer) Close() error {
	slog.Info("Consumer closed", "consumer", c.name)
	return c.sub.Unsubscribe()
}

// AMQMessage wraps a STOMP message.
type AMQMessage struct {
	conn *stomp.Conn
	msg  *stomp.Message
}

// ID returns the deduplication ID when present, otherwise the broker message ID.
func (m *AMQMessage) ID() string {
	if id := m.msg.Header.Get(headerDedupID); id != "" {
		return id
	}
	if id := m.msg.Header.Get(headerMessageID); id != "" {
		return id
	}
	return uuid.NewString()
}

// Data returns the message payload.
func (m *AMQMessage) Data() []byte {
	return m.msg.Body
}

// Subject returns the destination the message arrived on.
func (m *AMQMessage) Subject() string {
	return m.msg.Destination
}

// MessageGroup returns the JMSXGroupID.
func (m *AMQMessage) MessageGroup() string {
	return m.msg.Header.Get(headerGroupID)
}

// Ack acknowledges the message.
func (m *AMQMessage) Ack() error {
	return m.conn.Ack(m.msg)
}

// Nak returns the message to the broker for redelivery.
func (m *AMQMessage) Nak() error {
	return m.conn.Nack(m.msg)
}

// NakWithDelay returns the message for redelivery. STOMP has no per-message
// delay; the broker's redelivery policy governs timing.
func (m *AMQMessage) NakWithDelay(delay time.Duration) error {
	slog.Debug("ActiveMQ nack ignores delay, broker redelivery policy applies", "delay", delay)
	return m.conn.Nack(m.msg)
}

// InProgress is a no-op: ActiveMQ has no visibility extension.
func (m *AMQMessage) InProgress() error {
	return nil
}

// Metadata returns message headers as a map.
func (m *AMQMessage) Metadata() map[string]string {
	result := make(map[string]string)
	if m.msg.Header == nil {
		return result
	}
	for i := 0; i < m.msg.Header.Len(); i++ {
		k, v := m.msg.Header.GetAt(i)
		result[k] = v
	}
	return result
}
