// Package pool provides the per-pool message scheduler with group workers.
package pool

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"go.flowcatalyst.tech/router/internal/common/metrics"
	"go.flowcatalyst.tech/router/internal/router/breaker"
	"go.flowcatalyst.tech/router/internal/router/model"
)

// MediationResult classifies the outcome of one mediation attempt.
type MediationResult string

const (
	// MediationResultSuccess means the target accepted the pointer
	MediationResultSuccess MediationResult = "SUCCESS"

	// MediationResultNack means the attempt should be retried after a delay
	MediationResultNack MediationResult = "NACK"

	// MediationResultErrorConfig means the pointer can never succeed as
	// configured (bad URL, auth rejection). ACKed as poison, never retried.
	MediationResultErrorConfig MediationResult = "ERROR_CONFIG"
)

// MediationOutcome is the result of mediation including the retry delay.
type MediationOutcome struct {
	Result     MediationResult
	Delay      *time.Duration
	Reason     string
	StatusCode int
	Err        error
}

// HasCustomDelay returns true if the mediator suggested a specific delay.
func (o *MediationOutcome) HasCustomDelay() bool {
	return o.Delay != nil
}

// GetEffectiveDelaySeconds returns the suggested delay in whole seconds.
func (o *MediationOutcome) GetEffectiveDelaySeconds() int {
	if o.Delay == nil {
		return 0
	}
	return int(o.Delay.Seconds())
}

// Mediator delivers a pointer to its mediation target.
type Mediator interface {
	Process(msg *model.MessagePointer) *MediationOutcome
}

// MessageCallback handles broker-side ack/nack for a pointer.
type MessageCallback interface {
	Ack(msg *model.MessagePointer)
	Nack(msg *model.MessagePointer)
	SetVisibilityDelay(msg *model.MessagePointer, seconds int)
	SetFastFailVisibility(msg *model.MessagePointer)
	ResetVisibilityToDefault(msg *model.MessagePointer)
}

// Pool schedules pointers for one processing pool.
type Pool interface {
	Start()
	Drain()
	Submit(msg *model.MessagePointer) bool
	GetPoolCode() string
	GetConcurrency() int
	GetRateLimitPerMinute() *int
	IsFullyDrained() bool
	Shutdown()
	GetQueueSize() int
	GetActiveWorkers() int
	GetQueueCapacity() int
	IsRateLimited() bool
	UpdateConcurrency(newLimit int, timeoutSeconds int) bool
	UpdateRateLimit(newRateLimitPerMinute *int)
	Breaker() *breaker.Breaker
}

// Options configures a ProcessPool beyond the required constructor arguments.
type Options struct {
	// IdleWorkerTimeout before an inactive group worker exits (default 5m)
	IdleWorkerTimeout time.Duration

	// Breaker settings for this pool's circuit breaker
	Breaker breaker.Config

	// Registry, when set, tracks the pool's breaker under its pool code so
	// the admin API can find it by name
	Registry *breaker.Registry
}

// ProcessPool implements Pool with per-message-group FIFO workers.
//
// Every group gets a dedicated goroutine reading from a bounded channel, so
// in-group ordering is the channel order and cross-group work proceeds in
// parallel up to the concurrency limit (semaphore permits).
type ProcessPool struct {
	poolCode      string
	concurrency   int32
	queueCapacity int
	semaphore     chan struct{}

	running            atomic.Bool
	rateLimiter        *rate.Limiter
	rateLimitMu        sync.RWMutex
	rateLimitPerMinute *int

	circuitBreaker *breaker.Breaker

	mediator        Mediator
	messageCallback MessageCallback

	idleWorkerTimeout time.Duration

	// Per-message-group queues for FIFO ordering. groupMu serializes group
	// registration and sends against idle-worker retirement, so a submitter
	// can never send into a channel the reaper has already dropped.
	groupMu            sync.Mutex
	messageGroupQueues sync.Map // map[string]chan *model.MessagePointer
	activeGroupThreads sync.Map // map[string]bool

	// Total messages across all group queues
	totalQueuedMessages atomic.Int32

	// Batch+group FIFO failure barrier (BLOCK_ON_ERROR)
	failedBatchGroups      sync.Map // map[string]bool - "batchId|groupId" -> failed
	batchGroupMessageCount sync.Map // map[string]*atomic.Int32

	// Shutdown coordination
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	shutdownMu sync.Mutex

	// Gauge update scheduling
	gaugeCtx    context.Context
	gaugeCancel context.CancelFunc
	gaugeWg     sync.WaitGroup
}

const (
	// DefaultGroup for pointers without a messageGroupId
	DefaultGroup = "__DEFAULT__"

	// DefaultIdleWorkerTimeout before cleaning up inactive group workers
	DefaultIdleWorkerTimeout = 5 * time.Minute
)

// NewProcessPool creates a new process pool.
func NewProcessPool(
	poolCode string,
	concurrency int,
	queueCapacity int,
	rateLimitPerMinute *int,
	mediator Mediator,
	messageCallback MessageCallback,
	opts Options,
) *ProcessPool {
	ctx, cancel := context.WithCancel(context.Background())
	gaugeCtx, gaugeCancel := context.WithCancel(context.Background())

	idleTimeout := opts.IdleWorkerTimeout
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleWorkerTimeout
	}

	var circuitBreaker *breaker.Breaker
	if opts.Registry != nil {
		circuitBreaker = opts.Registry.GetOrCreate(poolCode, opts.Breaker)
	} else {
		circuitBreaker = breaker.New(poolCode, opts.Breaker)
	}

	pool := &ProcessPool{
		poolCode:           poolCode,
		concurrency:        int32(concurrency),
		queueCapacity:      queueCapacity,
		semaphore:          make(chan struct{}, concurrency),
		mediator:           mediator,
		messageCallback:    messageCallback,
		rateLimitPerMinute: rateLimitPerMinute,
		idleWorkerTimeout:  idleTimeout,
		circuitBreaker:     circuitBreaker,
		ctx:                ctx,
		cancel:             cancel,
		gaugeCtx:           gaugeCtx,
		gaugeCancel:        gaugeCancel,
	}

	// Initialize semaphore with permits
	for i := 0; i < concurrency; i++ {
		pool.semaphore <- struct{}{}
	}

	if rateLimitPerMinute != nil && *rateLimitPerMinute > 0 {
		// rate.Limiter uses per-second rate
		perSecond := float64(*rateLimitPerMinute) / 60.0
		pool.rateLimiter = rate.NewLimiter(rate.Limit(perSecond), *rateLimitPerMinute)
		slog.Info("Created pool-level rate limiter",
			"pool", poolCode,
			"rateLimit", *rateLimitPerMinute)
	}

	return pool
}

// Start begins processing.
func (p *ProcessPool) Start() {
	if p.running.CompareAndSwap(false, true) {
		p.gaugeWg.Add(1)
		go p.runGaugeUpdater()

		slog.Info("Starting process pool with per-group workers",
			"pool", p.poolCode,
			"concurrency", atomic.LoadInt32(&p.concurrency))
	}
}

// Drain stops accepting new work but finishes processing.
func (p *ProcessPool) Drain() {
	slog.Info("Draining process pool",
		"pool", p.poolCode,
		"queued", p.totalQueuedMessages.Load())
	p.running.Store(false)
}

// Submit submits a pointer for processing. Returns false when the pool is
// stopped or saturated; the caller keeps the pointer in-flight and retries.
func (p *ProcessPool) Submit(msg *model.MessagePointer) bool {
	if !p.running.Load() {
		return false
	}

	groupID := msg.MessageGroupID
	if groupID == "" {
		groupID = DefaultGroup
	}

	// Track for batch+group FIFO failure barrier
	batchGroupKey := p.batchGroupKey(msg, groupID)
	if batchGroupKey != "" {
		counter, _ := p.batchGroupMessageCount.LoadOrStore(batchGroupKey, &atomic.Int32{})
		counter.(*atomic.Int32).Add(1)
	}

	// Group lookup, worker liveness and the send happen under groupMu so the
	// idle reaper cannot retire the queue between the lookup and the send.
	p.groupMu.Lock()

	queueIface, loaded := p.messageGroupQueues.LoadOrStore(groupID, make(chan *model.MessagePointer, p.queueCapacity))
	queue := queueIface.(chan *model.MessagePointer)

	if !loaded {
		p.startGroupWorker(groupID, queue)
		slog.Debug("Created new message group with dedicated worker",
			"pool", p.poolCode,
			"group", groupID)
	} else if _, active := p.activeGroupThreads.Load(groupID); !active {
		// Worker died (panic path) but the queue entry survived
		slog.Warn("Worker for message group appears to have exited - restarting",
			"pool", p.poolCode,
			"group", groupID)
		p.startGroupWorker(groupID, queue)
	}

	// Check total capacity
	current := p.totalQueuedMessages.Load()
	if int(current) >= p.queueCapacity {
		p.groupMu.Unlock()
		slog.Debug("Pool at capacity, rejecting message",
			"pool", p.poolCode,
			"current", current,
			"capacity", p.queueCapacity,
			"messageId", msg.ID)
		metrics.RouterSaturationEvents.WithLabelValues(p.poolCode).Inc()
		if batchGroupKey != "" {
			p.decrementAndCleanupBatchGroup(batchGroupKey)
		}
		return false
	}

	select {
	case queue <- msg:
		p.totalQueuedMessages.Add(1)
		p.groupMu.Unlock()
		return true
	default:
		// Group queue full
		p.groupMu.Unlock()
		metrics.RouterSaturationEvents.WithLabelValues(p.poolCode).Inc()
		if batchGroupKey != "" {
			p.decrementAndCleanupBatchGroup(batchGroupKey)
		}
		return false
	}
}

// batchGroupKey returns the failure-barrier key, or "" when the pointer's
// dispatch mode opts out of barrier tracking.
func (p *ProcessPool) batchGroupKey(msg *model.MessagePointer, groupID string) string {
	if msg.BatchID == "" {
		return ""
	}
	if msg.EffectiveDispatchMode() == model.DispatchModeImmediate {
		return ""
	}
	return msg.BatchID + "|" + groupID
}

// startGroupWorker starts a dedicated goroutine for a message group.
func (p *ProcessPool) startGroupWorker(groupID string, queue chan *model.MessagePointer) {
	p.activeGroupThreads.Store(groupID, true)
	p.wg.Add(1)
	go p.processMessageGroup(groupID, queue)
}

// processMessageGroup processes pointers for a single group in FIFO order.
func (p *ProcessPool) processMessageGroup(groupID string, queue chan *model.MessagePointer) {
	defer p.wg.Done()

	slog.Debug("Starting message group worker",
		"pool", p.poolCode,
		"group", groupID)

	timer := time.NewTimer(p.idleWorkerTimeout)
	defer timer.Stop()

	for {
		select {
		case <-p.ctx.Done():
			slog.Debug("Message group worker shutting down",
				"pool", p.poolCode,
				"group", groupID)
			p.activeGroupThreads.Delete(groupID)
			return

		case msg := <-queue:
			if msg == nil {
				continue
			}

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(p.idleWorkerTimeout)

			p.totalQueuedMessages.Add(-1)
			p.processMessage(groupID, msg)

		case <-timer.C:
			// Idle timeout - retire if nothing is queued. Done under groupMu
			// so a submitter holding this queue cannot send after the drop.
			p.groupMu.Lock()
			if len(queue) == 0 {
				p.messageGroupQueues.Delete(groupID)
				p.activeGroupThreads.Delete(groupID)
				p.groupMu.Unlock()
				slog.Debug("Message group idle, undeploying worker",
					"pool", p.poolCode,
					"group", groupID,
					"idleTimeout", p.idleWorkerTimeout)
				return
			}
			p.groupMu.Unlock()
			timer.Reset(p.idleWorkerTimeout)
		}
	}
}

// processMessage processes a single pointer.
func (p *ProcessPool) processMessage(groupID string, msg *model.MessagePointer) {
	var semaphoreAcquired bool

	defer func() {
		if semaphoreAcquired {
			p.semaphore <- struct{}{}
		}

		if r := recover(); r != nil {
			slog.Error("Panic during message processing",
				"pool", p.poolCode,
				"messageId", msg.ID,
				"panic", r)
			p.nackSafely(msg)
		}
	}()

	messageGroupID := msg.MessageGroupID
	if messageGroupID == "" {
		messageGroupID = DefaultGroup
	}
	batchGroupKey := p.batchGroupKey(msg, messageGroupID)

	// FIFO failure barrier: once a {batch, group} fails under BLOCK_ON_ERROR,
	// the rest of the batch's pointers for that group go back to the broker
	// untried so they redeliver behind the failed one.
	if batchGroupKey != "" {
		if _, failed := p.failedBatchGroups.Load(batchGroupKey); failed {
			slog.Warn("Message from failed batch+group, nacking to preserve FIFO ordering",
				"pool", p.poolCode,
				"messageId", msg.ID,
				"batchGroup", batchGroupKey)
			p.messageCallback.SetFastFailVisibility(msg)
			p.nackSafely(msg)
			p.decrementAndCleanupBatchGroup(batchGroupKey)
			return
		}
	}

	// Check rate limiting BEFORE acquiring a permit
	if p.shouldRateLimit() {
		metrics.RateLimiterRejected.WithLabelValues(p.poolCode).Inc()
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "rate_limited").Inc()
		slog.Warn("Rate limit exceeded, nacking message",
			"pool", p.poolCode,
			"messageId", msg.ID)
		p.messageCallback.SetFastFailVisibility(msg)
		p.nackSafely(msg)
		if batchGroupKey != "" {
			p.decrementAndCleanupBatchGroup(batchGroupKey)
		}
		return
	}
	metrics.RateLimiterAcquired.WithLabelValues(p.poolCode).Inc()

	// Acquire concurrency permit
	select {
	case <-p.semaphore:
		semaphoreAcquired = true
	case <-p.ctx.Done():
		p.nackSafely(msg)
		return
	}

	slog.Debug("Processing message via mediator",
		"pool", p.poolCode,
		"messageId", msg.ID,
		"target", msg.MediationTarget)

	startTime := time.Now()
	outcome := p.mediate(msg)
	duration := time.Since(startTime)

	metrics.MediatorDuration.WithLabelValues(p.poolCode, resultLabel(outcome)).Observe(duration.Seconds())

	slog.Info("Message processing completed",
		"pool", p.poolCode,
		"messageId", msg.ID,
		"result", string(outcome.Result),
		"duration", duration)

	p.handleMediationOutcome(msg, outcome, batchGroupKey)
}

// mediate invokes the mediator inside the pool's circuit breaker. Breaker
// rejections become NACKs with the breaker's wait duration as the delay, so
// the pointer redelivers after the open window instead of hammering the
// target.
func (p *ProcessPool) mediate(msg *model.MessagePointer) *MediationOutcome {
	var outcome *MediationOutcome
	err := p.circuitBreaker.Execute(func() error {
		outcome = p.mediator.Process(msg)
		if outcome == nil {
			outcome = &MediationOutcome{Result: MediationResultNack, Reason: "nil mediation outcome"}
		}
		if outcome.Result == MediationResultNack {
			return errFailedMediation
		}
		return nil
	})

	if err != nil && breaker.IsRejection(err) {
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "circuit_open").Inc()
		delay := p.circuitBreaker.WaitDuration()
		return &MediationOutcome{
			Result: MediationResultNack,
			Delay:  &delay,
			Reason: "circuit breaker open",
		}
	}
	return outcome
}

// errFailedMediation marks a NACK outcome as a breaker failure without
// carrying any information of its own.
var errFailedMediation = &mediationFailure{}

type mediationFailure struct{}

func (*mediationFailure) Error() string { return "mediation failed" }

// shouldRateLimit checks if the pointer should be rate limited.
func (p *ProcessPool) shouldRateLimit() bool {
	p.rateLimitMu.RLock()
	limiter := p.rateLimiter
	p.rateLimitMu.RUnlock()

	if limiter == nil {
		return false
	}

	// Non-blocking check
	return !limiter.Allow()
}

func resultLabel(outcome *MediationOutcome) string {
	if outcome == nil {
		return "nack"
	}
	return strings.ToLower(string(outcome.Result))
}

// handleMediationOutcome translates the mediation outcome into broker calls.
func (p *ProcessPool) handleMediationOutcome(msg *model.MessagePointer, outcome *MediationOutcome, batchGroupKey string) {
	if outcome == nil {
		outcome = &MediationOutcome{Result: MediationResultNack}
	}

	switch outcome.Result {
	case MediationResultSuccess:
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "success").Inc()
		slog.Debug("Message processed successfully - ACKing",
			"pool", p.poolCode,
			"messageId", msg.ID)
		p.messageCallback.Ack(msg)
		if batchGroupKey != "" {
			p.decrementAndCleanupBatchGroup(batchGroupKey)
		}

	case MediationResultErrorConfig:
		// Poison: retrying cannot succeed, ACK so it never redelivers
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "poison").Inc()
		slog.Warn("Configuration error - ACKing to prevent retry",
			"pool", p.poolCode,
			"messageId", msg.ID,
			"statusCode", outcome.StatusCode,
			"reason", outcome.Reason)
		p.messageCallback.Ack(msg)
		if batchGroupKey != "" {
			p.decrementAndCleanupBatchGroup(batchGroupKey)
		}

	case MediationResultNack:
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "failed").Inc()
		if outcome.HasCustomDelay() {
			delaySeconds := outcome.GetEffectiveDelaySeconds()
			slog.Warn("Transient error with delay - NACKing",
				"pool", p.poolCode,
				"messageId", msg.ID,
				"delaySeconds", delaySeconds,
				"reason", outcome.Reason)
			p.messageCallback.SetVisibilityDelay(msg, delaySeconds)
		} else {
			slog.Warn("Transient error - NACKing for retry",
				"pool", p.poolCode,
				"messageId", msg.ID,
				"reason", outcome.Reason)
			p.messageCallback.ResetVisibilityToDefault(msg)
		}
		p.messageCallback.Nack(msg)

		p.markBatchGroupFailed(msg, batchGroupKey)

	default:
		slog.Warn("Unknown result - NACKing for retry",
			"pool", p.poolCode,
			"messageId", msg.ID,
			"result", string(outcome.Result))
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "failed").Inc()
		p.messageCallback.ResetVisibilityToDefault(msg)
		p.messageCallback.Nack(msg)
		p.markBatchGroupFailed(msg, batchGroupKey)
	}
}

// markBatchGroupFailed raises the FIFO barrier for the pointer's batch+group
// when its dispatch mode demands it. NEXT_ON_ERROR continues the batch.
func (p *ProcessPool) markBatchGroupFailed(msg *model.MessagePointer, batchGroupKey string) {
	if batchGroupKey == "" {
		return
	}
	if msg.EffectiveDispatchMode() == model.DispatchModeBlockOnError {
		p.failedBatchGroups.Store(batchGroupKey, true)
		slog.Warn("Batch+group marked as failed",
			"pool", p.poolCode,
			"batchGroup", batchGroupKey)
	}
	p.decrementAndCleanupBatchGroup(batchGroupKey)
}

// nackSafely nacks a pointer, swallowing panics from the callback.
func (p *ProcessPool) nackSafely(msg *model.MessagePointer) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Panic during message nack",
				"pool", p.poolCode,
				"messageId", msg.ID,
				"panic", r)
		}
	}()
	p.messageCallback.Nack(msg)
}

// decrementAndCleanupBatchGroup decrements count and cleans up at zero.
func (p *ProcessPool) decrementAndCleanupBatchGroup(batchGroupKey string) {
	if counterIface, ok := p.batchGroupMessageCount.Load(batchGroupKey); ok {
		counter := counterIface.(*atomic.Int32)
		remaining := counter.Add(-1)
		if remaining <= 0 {
			p.batchGroupMessageCount.Delete(batchGroupKey)
			p.failedBatchGroups.Delete(batchGroupKey)
			slog.Debug("Batch+group fully processed, cleaned up",
				"pool", p.poolCode,
				"batchGroup", batchGroupKey)
		}
	}
}

// GetPoolCode returns the pool code.
func (p *ProcessPool) GetPoolCode() string {
	return p.poolCode
}

// GetConcurrency returns the concurrency limit.
func (p *ProcessPool) GetConcurrency() int {
	return int(atomic.LoadInt32(&p.concurrency))
}

// GetRateLimitPerMinute returns the rate limit.
func (p *ProcessPool) GetRateLimitPerMinute() *int {
	p.rateLimitMu.RLock()
	defer p.rateLimitMu.RUnlock()
	return p.rateLimitPerMinute
}

// Breaker returns the pool's circuit breaker.
func (p *ProcessPool) Breaker() *breaker.Breaker {
	return p.circuitBreaker
}

// IsFullyDrained returns true if nothing is queued or processing.
func (p *ProcessPool) IsFullyDrained() bool {
	return p.totalQueuedMessages.Load() == 0 && len(p.semaphore) == int(atomic.LoadInt32(&p.concurrency))
}

// Shutdown shuts down the pool.
func (p *ProcessPool) Shutdown() {
	p.shutdownMu.Lock()
	defer p.shutdownMu.Unlock()

	p.running.Store(false)

	// Stop gauge updater first
	p.gaugeCancel()
	p.gaugeWg.Wait()

	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Pool shutdown complete", "pool", p.poolCode)
	case <-time.After(10 * time.Second):
		slog.Warn("Pool shutdown timed out", "pool", p.poolCode)
	}
}

// GetQueueSize returns the total queued pointers.
func (p *ProcessPool) GetQueueSize() int {
	return int(p.totalQueuedMessages.Load())
}

// GetActiveWorkers returns the number of pointers being processed.
func (p *ProcessPool) GetActiveWorkers() int {
	return int(atomic.LoadInt32(&p.concurrency)) - len(p.semaphore)
}

// GetQueueCapacity returns the queue capacity.
func (p *ProcessPool) GetQueueCapacity() int {
	return p.queueCapacity
}

// HasCapacity returns true if the pool can accept the given number of pointers.
func (p *ProcessPool) HasCapacity(needed int) bool {
	return p.GetQueueSize()+needed <= p.queueCapacity
}

// IsRateLimited returns true if the token bucket is currently empty.
func (p *ProcessPool) IsRateLimited() bool {
	p.rateLimitMu.RLock()
	limiter := p.rateLimiter
	p.rateLimitMu.RUnlock()

	if limiter == nil {
		return false
	}
	return limiter.Tokens() <= 0
}

// UpdateConcurrency updates the concurrency limit. Decreases wait up to
// timeoutSeconds for permits to return; running workers are never killed.
func (p *ProcessPool) UpdateConcurrency(newLimit int, timeoutSeconds int) bool {
	if newLimit <= 0 {
		return false
	}

	current := int(atomic.LoadInt32(&p.concurrency))
	if newLimit == current {
		return true
	}

	if newLimit > current {
		// Increasing - add permits
		diff := newLimit - current
		for i := 0; i < diff; i++ {
			p.semaphore <- struct{}{}
		}
		atomic.StoreInt32(&p.concurrency, int32(newLimit))
		slog.Info("Concurrency increased",
			"pool", p.poolCode,
			"from", current,
			"to", newLimit)
		return true
	}

	// Decreasing - try to acquire permits with timeout
	diff := current - newLimit
	timeout := time.Duration(timeoutSeconds) * time.Second
	deadline := time.Now().Add(timeout)

	acquired := 0
	for acquired < diff {
		select {
		case <-p.semaphore:
			acquired++
		case <-time.After(time.Until(deadline)):
			// Timeout - release acquired permits and fail
			for i := 0; i < acquired; i++ {
				p.semaphore <- struct{}{}
			}
			slog.Warn("Concurrency decrease timed out",
				"pool", p.poolCode,
				"from", current,
				"to", newLimit)
			return false
		}
	}

	atomic.StoreInt32(&p.concurrency, int32(newLimit))
	slog.Info("Concurrency decreased",
		"pool", p.poolCode,
		"from", current,
		"to", newLimit)
	return true
}

// UpdateRateLimit updates the rate limit live.
func (p *ProcessPool) UpdateRateLimit(newRateLimitPerMinute *int) {
	p.rateLimitMu.Lock()
	defer p.rateLimitMu.Unlock()

	if newRateLimitPerMinute == nil || *newRateLimitPerMinute <= 0 {
		p.rateLimiter = nil
		p.rateLimitPerMinute = nil
		slog.Info("Rate limiting disabled", "pool", p.poolCode)
		return
	}

	perSecond := float64(*newRateLimitPerMinute) / 60.0
	p.rateLimiter = rate.NewLimiter(rate.Limit(perSecond), *newRateLimitPerMinute)
	p.rateLimitPerMinute = newRateLimitPerMinute
	slog.Info("Rate limit updated",
		"pool", p.poolCode,
		"rateLimit", *newRateLimitPerMinute)
}

// runGaugeUpdater refreshes pool gauges on a fixed cadence.
func (p *ProcessPool) runGaugeUpdater() {
	defer p.gaugeWg.Done()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	p.updateGauges()

	for {
		select {
		case <-p.gaugeCtx.Done():
			return
		case <-ticker.C:
			p.updateGauges()
		}
	}
}

// updateGauges updates all pool gauge metrics.
func (p *ProcessPool) updateGauges() {
	activeWorkers := p.GetActiveWorkers()
	queueSize := p.GetQueueSize()
	availablePermits := int(atomic.LoadInt32(&p.concurrency)) - activeWorkers
	messageGroupCount := p.countMessageGroups()

	metrics.PoolActiveWorkers.WithLabelValues(p.poolCode).Set(float64(activeWorkers))
	metrics.PoolQueueDepth.WithLabelValues(p.poolCode).Set(float64(queueSize))
	metrics.PoolAvailablePermits.WithLabelValues(p.poolCode).Set(float64(availablePermits))
	metrics.PoolMessageGroupCount.WithLabelValues(p.poolCode).Set(float64(messageGroupCount))
}

// countMessageGroups returns the number of active message groups.
func (p *ProcessPool) countMessageGroups() int {
	count := 0
	p.messageGroupQueues.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}
