package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.flowcatalyst.tech/router/internal/common/metrics"
	"go.flowcatalyst.tech/router/internal/queue"
	routermetrics "go.flowcatalyst.tech/router/internal/router/metrics"
)

// Micro-batch defaults. Brokers hand messages to the adapter one at a time;
// the consumer coalesces them into small batches so the failure barrier in
// SubmitBatch can scope {batch, group} ordering.
const (
	DefaultMaxBatchSize  = 10
	DefaultBatchWindow   = 20 * time.Millisecond
	defaultIncomingDepth = 64
)

// BatchConfig controls how the consumer coalesces broker deliveries into
// routing batches.
type BatchConfig struct {
	// MaxBatchSize is the most messages routed in one batch
	MaxBatchSize int
	// Window is how long the consumer waits for more messages once the
	// first one of a batch has arrived
	Window time.Duration
}

// DefaultBatchConfig returns sensible defaults
func DefaultBatchConfig() *BatchConfig {
	return &BatchConfig{
		MaxBatchSize: DefaultMaxBatchSize,
		Window:       DefaultBatchWindow,
	}
}

// Consumer pulls messages from one queue and feeds them to the manager in
// micro-batches. It tracks its own activity so the supervisor can detect
// stalls and restart it.
type Consumer struct {
	manager      *QueueManager
	consumer     queue.Consumer
	queueURI     string
	batchCfg     *BatchConfig
	queueMetrics routermetrics.QueueMetricsService

	incoming chan queue.Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Health monitoring
	lastActivity   atomic.Int64 // Unix timestamp of last activity (poll or message)
	restartCount   int
	restartCountMu sync.Mutex
	stalled        atomic.Bool
}

// NewConsumer creates a consumer for one queue. queueURI is used for
// logging and metrics labels only.
func NewConsumer(manager *QueueManager, queueConsumer queue.Consumer, queueURI string, batchCfg *BatchConfig) *Consumer {
	if batchCfg == nil {
		batchCfg = DefaultBatchConfig()
	}
	if batchCfg.MaxBatchSize <= 0 {
		batchCfg.MaxBatchSize = DefaultMaxBatchSize
	}
	if batchCfg.Window <= 0 {
		batchCfg.Window = DefaultBatchWindow
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Consumer{
		manager:  manager,
		consumer: queueConsumer,
		queueURI: queueURI,
		batchCfg: batchCfg,
		incoming: make(chan queue.Message, defaultIncomingDepth),
		ctx:      ctx,
		cancel:   cancel,
	}
	c.lastActivity.Store(time.Now().Unix())
	return c
}

// updateActivity updates the last activity timestamp
func (c *Consumer) updateActivity() {
	c.lastActivity.Store(time.Now().Unix())
}

// GetLastActivity returns the last activity timestamp
func (c *Consumer) GetLastActivity() time.Time {
	return time.Unix(c.lastActivity.Load(), 0)
}

// QueueURI returns the queue this consumer reads from
func (c *Consumer) QueueURI() string {
	return c.queueURI
}

// IsStalled returns whether the consumer is considered stalled
func (c *Consumer) IsStalled() bool {
	return c.stalled.Load()
}

// GetRestartCount returns the number of restart attempts
func (c *Consumer) GetRestartCount() int {
	c.restartCountMu.Lock()
	defer c.restartCountMu.Unlock()
	return c.restartCount
}

func (c *Consumer) incrementRestartCount() int {
	c.restartCountMu.Lock()
	defer c.restartCountMu.Unlock()
	c.restartCount++
	return c.restartCount
}

func (c *Consumer) resetRestartCount() {
	c.restartCountMu.Lock()
	defer c.restartCountMu.Unlock()
	c.restartCount = 0
}

// Start starts the receive loop and the batcher
func (c *Consumer) Start() {
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.receive()
	}()
	go func() {
		defer c.wg.Done()
		c.routeBatches()
	}()
	slog.Info("Consumer started", "queue", c.queueURI)
}

// Stop stops the consumer and waits for in-progress batches to be handed off
func (c *Consumer) Stop() {
	c.cancel()
	c.wg.Wait()
	if err := c.consumer.Close(); err != nil {
		slog.Warn("Error closing queue consumer", "error", err, "queue", c.queueURI)
	}
	slog.Info("Consumer stopped", "queue", c.queueURI)
}

// receive runs the adapter's blocking consume loop, pushing messages into the
// batcher. The bounded channel applies backpressure to the broker receive
// loop when routing falls behind.
func (c *Consumer) receive() {
	err := c.consumer.Consume(c.ctx, func(msg queue.Message) error {
		c.updateActivity()
		select {
		case c.incoming <- msg:
			return nil
		case <-c.ctx.Done():
			// Shutting down: leave the message to the visibility timeout
			return c.ctx.Err()
		}
	})

	if err != nil && err != context.Canceled {
		slog.Error("Consumer receive loop error", "error", err, "queue", c.queueURI)
	}
}

// routeBatches coalesces incoming messages and submits them to the manager.
// The global in-flight cap is honored before every batch: the consumer parks
// until the table drains below the low-water mark.
func (c *Consumer) routeBatches() {
	for {
		var first queue.Message
		select {
		case <-c.ctx.Done():
			c.drainOnShutdown()
			return
		case first = <-c.incoming:
		}

		batch := make([]queue.Message, 1, c.batchCfg.MaxBatchSize)
		batch[0] = first

		window := time.NewTimer(c.batchCfg.Window)
	collect:
		for len(batch) < c.batchCfg.MaxBatchSize {
			select {
			case <-c.ctx.Done():
				window.Stop()
				break collect
			case msg := <-c.incoming:
				batch = append(batch, msg)
			case <-window.C:
				break collect
			}
		}
		window.Stop()

		if err := c.manager.WaitForCapacity(c.ctx); err != nil {
			// Shutting down while parked: return the batch to the broker
			for _, msg := range batch {
				msg.Nak()
			}
			continue
		}

		c.updateActivity()
		result := c.manager.SubmitBatch(batch, c.queueURI)
		metrics.QueueMessagesConsumed.WithLabelValues(c.queueURI).Add(float64(len(batch)))
		c.recordBatchStats(len(batch), result)

		if result.Rejected > 0 || result.FailBarrier > 0 {
			slog.Debug("Batch partially rejected",
				"queue", c.queueURI,
				"rejected", result.Rejected,
				"failBarrier", result.FailBarrier)
		}
	}
}

// recordBatchStats feeds the dashboard's per-queue statistics. Admitted and
// deduplicated messages count as handled; rejections and barrier nacks go
// back to the broker and count as failures.
func (c *Consumer) recordBatchStats(received int, result BatchRouteResult) {
	if c.queueMetrics == nil {
		return
	}
	for i := 0; i < received; i++ {
		c.queueMetrics.RecordMessageReceived(c.queueURI)
	}
	for i := 0; i < result.Submitted+result.Deduplicated; i++ {
		c.queueMetrics.RecordMessageProcessed(c.queueURI, true)
	}
	for i := 0; i < result.Rejected+result.FailBarrier+result.Malformed; i++ {
		c.queueMetrics.RecordMessageProcessed(c.queueURI, false)
	}
}

// drainOnShutdown nacks anything still buffered so it redelivers promptly
func (c *Consumer) drainOnShutdown() {
	for {
		select {
		case msg := <-c.incoming:
			msg.Nak()
		default:
			return
		}
	}
}

// ConsumerFactory creates a queue consumer for a queue URI. The supervisor
// calls it on initial start, on config changes, and when restarting a
// stalled consumer.
type ConsumerFactory func(queueURI string) (queue.Consumer, error)

// Supervisor runs one consumer per configured queue, monitors their health,
// and restarts stalled ones.
type Supervisor struct {
	manager      *QueueManager
	factory      ConsumerFactory
	batchCfg     *BatchConfig
	queueMetrics routermetrics.QueueMetricsService

	consumersMu sync.Mutex
	consumers   map[string]*Consumer // queue URI -> consumer
	desired     []string             // queue URIs that should have consumers
	paused      bool

	healthConfig *ConsumerHealthConfig
	healthCtx    context.Context
	healthCancel context.CancelFunc
	healthWg     sync.WaitGroup
}

// NewSupervisor creates a supervisor over the manager. Consumers are created
// lazily by ApplyQueues once the control plane delivers the queue set.
func NewSupervisor(manager *QueueManager, factory ConsumerFactory) *Supervisor {
	return &Supervisor{
		manager:      manager,
		factory:      factory,
		batchCfg:     DefaultBatchConfig(),
		consumers:    make(map[string]*Consumer),
		healthConfig: DefaultConsumerHealthConfig(),
	}
}

// WithConsumerHealthConfig configures consumer health monitoring
func (s *Supervisor) WithConsumerHealthConfig(cfg *ConsumerHealthConfig) *Supervisor {
	if cfg == nil {
		cfg = DefaultConsumerHealthConfig()
	}
	s.healthConfig = cfg
	return s
}

// WithBatchConfig configures micro-batching for all consumers
func (s *Supervisor) WithBatchConfig(cfg *BatchConfig) *Supervisor {
	if cfg == nil {
		cfg = DefaultBatchConfig()
	}
	s.batchCfg = cfg
	return s
}

// WithQueueMetrics sets the per-queue statistics service fed by every
// consumer this supervisor creates.
func (s *Supervisor) WithQueueMetrics(svc routermetrics.QueueMetricsService) *Supervisor {
	s.queueMetrics = svc
	return s
}

// Start starts the manager and the health monitor
func (s *Supervisor) Start() {
	s.manager.Start()

	if s.healthConfig.Enabled {
		s.healthCtx, s.healthCancel = context.WithCancel(context.Background())
		s.healthWg.Add(1)
		go s.runConsumerHealthMonitor()
		slog.Info("Consumer health monitor started",
			"checkInterval", s.healthConfig.CheckInterval,
			"stallThreshold", s.healthConfig.StallThreshold,
			"maxRestarts", s.healthConfig.MaxRestartAttempts)
	}

	slog.Info("Message router supervisor started")
}

// Stop stops all consumers, the health monitor, and the manager
func (s *Supervisor) Stop() {
	if s.healthCancel != nil {
		s.healthCancel()
		s.healthWg.Wait()
	}

	s.consumersMu.Lock()
	consumers := make([]*Consumer, 0, len(s.consumers))
	for _, c := range s.consumers {
		consumers = append(consumers, c)
	}
	s.consumers = make(map[string]*Consumer)
	s.consumersMu.Unlock()

	for _, c := range consumers {
		c.Stop()
	}
	s.manager.Stop()
	slog.Info("Message router supervisor stopped")
}

// ApplyQueues reconciles running consumers against the desired queue set:
// new queues get consumers, removed queues have theirs stopped. Existing
// consumers keep running untouched.
func (s *Supervisor) ApplyQueues(queueURIs []string) error {
	s.consumersMu.Lock()
	defer s.consumersMu.Unlock()

	s.desired = append([]string(nil), queueURIs...)

	if s.paused {
		// Remembered for Resume
		return nil
	}

	desired := make(map[string]bool, len(queueURIs))
	for _, uri := range queueURIs {
		desired[uri] = true
	}

	var firstErr error
	for _, uri := range queueURIs {
		if _, running := s.consumers[uri]; running {
			continue
		}
		if err := s.startConsumerLocked(uri, 0); err != nil {
			slog.Error("Failed to start consumer for queue", "error", err, "queue", uri)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	for uri, c := range s.consumers {
		if desired[uri] {
			continue
		}
		delete(s.consumers, uri)
		slog.Info("Queue removed from configuration, stopping consumer", "queue", uri)
		go c.Stop()
	}

	return firstErr
}

// startConsumerLocked creates and starts a consumer. Caller holds consumersMu.
func (s *Supervisor) startConsumerLocked(uri string, restartCount int) error {
	if s.factory == nil {
		return fmt.Errorf("no consumer factory configured")
	}
	qc, err := s.factory(uri)
	if err != nil {
		return fmt.Errorf("create consumer for %s: %w", uri, err)
	}
	c := NewConsumer(s.manager, qc, uri, s.batchCfg)
	c.queueMetrics = s.queueMetrics
	c.restartCount = restartCount
	c.Start()
	s.consumers[uri] = c
	return nil
}

// Pause stops all consumers but remembers the desired queue set. Used when
// this instance loses (or has not yet acquired) the primary role.
func (s *Supervisor) Pause() {
	s.consumersMu.Lock()
	if s.paused {
		s.consumersMu.Unlock()
		return
	}
	s.paused = true
	consumers := make([]*Consumer, 0, len(s.consumers))
	for _, c := range s.consumers {
		consumers = append(consumers, c)
	}
	s.consumers = make(map[string]*Consumer)
	s.consumersMu.Unlock()

	for _, c := range consumers {
		c.Stop()
	}
	slog.Info("Consumers paused", "count", len(consumers))
}

// Resume recreates consumers for the remembered queue set. Used when this
// instance becomes primary.
func (s *Supervisor) Resume() {
	s.consumersMu.Lock()
	defer s.consumersMu.Unlock()

	if !s.paused {
		return
	}
	s.paused = false

	for _, uri := range s.desired {
		if _, running := s.consumers[uri]; running {
			continue
		}
		if err := s.startConsumerLocked(uri, 0); err != nil {
			slog.Error("Failed to resume consumer for queue", "error", err, "queue", uri)
		}
	}
	slog.Info("Consumers resumed", "count", len(s.consumers))
}

// Manager returns the queue manager
func (s *Supervisor) Manager() *QueueManager {
	return s.manager
}

// Consumers returns a snapshot of running consumers keyed by queue URI
func (s *Supervisor) Consumers() map[string]*Consumer {
	s.consumersMu.Lock()
	defer s.consumersMu.Unlock()
	out := make(map[string]*Consumer, len(s.consumers))
	for uri, c := range s.consumers {
		out[uri] = c
	}
	return out
}

// runConsumerHealthMonitor monitors consumer health and auto-restarts stalls
func (s *Supervisor) runConsumerHealthMonitor() {
	defer s.healthWg.Done()

	ticker := time.NewTicker(s.healthConfig.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.healthCtx.Done():
			slog.Info("Consumer health monitor stopped")
			return
		case <-ticker.C:
			s.checkConsumerHealth()
		}
	}
}

// checkConsumerHealth checks each consumer for stalls and restarts as needed
func (s *Supervisor) checkConsumerHealth() {
	for uri, consumer := range s.Consumers() {
		lastActivity := consumer.GetLastActivity()
		stalledDuration := time.Since(lastActivity)

		if stalledDuration < s.healthConfig.StallThreshold {
			// Healthy: clear any previous stall state
			if consumer.IsStalled() {
				consumer.stalled.Store(false)
				consumer.resetRestartCount()
				slog.Info("Consumer recovered from stalled state", "queue", uri)
			}
			continue
		}

		consumer.stalled.Store(true)
		restartCount := consumer.GetRestartCount()
		metrics.ConsumerStallEvents.Inc()

		slog.Warn("Consumer appears stalled",
			"queue", uri,
			"stalledFor", stalledDuration,
			"restartAttempts", restartCount,
			"maxAttempts", s.healthConfig.MaxRestartAttempts)

		if restartCount >= s.healthConfig.MaxRestartAttempts {
			slog.Error("Consumer exceeded max restart attempts - requires manual intervention",
				"queue", uri,
				"attempts", restartCount)
			continue
		}

		s.restartConsumer(uri)
	}
}

// restartConsumer stops a stalled consumer and creates a fresh one from the
// factory, preserving the restart count so repeated stalls eventually give up
func (s *Supervisor) restartConsumer(uri string) {
	s.consumersMu.Lock()
	oldConsumer, ok := s.consumers[uri]
	if !ok || s.paused {
		s.consumersMu.Unlock()
		return
	}
	delete(s.consumers, uri)
	s.consumersMu.Unlock()

	attempt := oldConsumer.incrementRestartCount()
	metrics.ConsumerRestarts.Inc()

	slog.Info("Restarting stalled consumer",
		"queue", uri,
		"attempt", attempt,
		"maxAttempts", s.healthConfig.MaxRestartAttempts)

	oldConsumer.Stop()
	time.Sleep(s.healthConfig.RestartDelay)

	s.consumersMu.Lock()
	defer s.consumersMu.Unlock()
	if s.paused {
		return
	}
	if err := s.startConsumerLocked(uri, attempt); err != nil {
		slog.Error("Consumer restart failed", "error", err, "queue", uri, "attempt", attempt)
		// Keep the old consumer object around so the next health check
		// can try again with the incremented count
		s.consumers[uri] = oldConsumer
		return
	}
	slog.Info("Consumer restarted successfully", "queue", uri, "attempt", attempt)
}
