// Package manager provides the queue manager for the message router
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.flowcatalyst.tech/router/internal/common/metrics"
	"go.flowcatalyst.tech/router/internal/common/tsid"
	"go.flowcatalyst.tech/router/internal/queue"
	"go.flowcatalyst.tech/router/internal/router/breaker"
	"go.flowcatalyst.tech/router/internal/router/mediator"
	routermetrics "go.flowcatalyst.tech/router/internal/router/metrics"
	"go.flowcatalyst.tech/router/internal/router/model"
	"go.flowcatalyst.tech/router/internal/router/pool"
)

// Default pool configuration constants
const (
	DefaultPoolConcurrency  = 20
	QueueCapacityMultiplier = 2
	MinQueueCapacity        = 50
	DefaultPoolCode         = "DEFAULT-POOL"

	// DefaultGlobalInFlightCap bounds pointers held across all pools
	DefaultGlobalInFlightCap = 1000

	// inFlightLowWaterRatio is the fraction of the cap at which a parked
	// consumer resumes
	inFlightLowWaterRatio = 0.75
)

// StandbyChecker reports whether this instance holds the primary lock.
type StandbyChecker interface {
	// IsPrimary returns true if this instance is the active leader
	IsPrimary() bool
}

// PoolConfig holds configuration for a processing pool
type PoolConfig struct {
	Code               string
	Concurrency        int
	QueueCapacity      int
	RateLimitPerMinute *int
	MediatorTimeout    time.Duration
	MaxRetries         int
	IdleWorkerTimeout  time.Duration
	Breaker            breaker.Config
}

// withDefaults fills zero-value fields with the manager defaults.
func (c *PoolConfig) withDefaults() *PoolConfig {
	cfg := *c
	if cfg.Code == "" {
		cfg.Code = DefaultPoolCode
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultPoolConcurrency
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = cfg.Concurrency * QueueCapacityMultiplier
		if cfg.QueueCapacity < MinQueueCapacity {
			cfg.QueueCapacity = MinQueueCapacity
		}
	}
	return &cfg
}

// ResubmitConfig controls how pool-full rejections are retried. The pointer
// stays in the in-flight table while retries run.
type ResubmitConfig struct {
	// MaxAttempts before the pointer is nacked back to the broker
	MaxAttempts int
	// BaseDelay between attempts; jitter of up to BaseDelay is added
	BaseDelay time.Duration
	// MaxDelay caps the per-attempt delay
	MaxDelay time.Duration
}

// DefaultResubmitConfig returns sensible defaults
func DefaultResubmitConfig() *ResubmitConfig {
	return &ResubmitConfig{
		MaxAttempts: 5,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    time.Second,
	}
}

// PipelineCleanupConfig holds configuration for stale in-flight entry cleanup
type PipelineCleanupConfig struct {
	// Enabled controls whether cleanup is active
	Enabled bool
	// Interval is how often to run the cleanup
	Interval time.Duration
	// TTL is how long a pointer can be in flight before being considered stale
	TTL time.Duration
}

// DefaultPipelineCleanupConfig returns sensible defaults
func DefaultPipelineCleanupConfig() *PipelineCleanupConfig {
	return &PipelineCleanupConfig{
		Enabled:  true,
		Interval: 5 * time.Minute,
		TTL:      1 * time.Hour,
	}
}

// VisibilityExtenderConfig holds configuration for visibility timeout extension
type VisibilityExtenderConfig struct {
	// Enabled controls whether visibility extension is active
	Enabled bool
	// Interval is how often to check for messages needing extension (default 55s)
	Interval time.Duration
	// Threshold is how long a message must be processing before we extend (default 50s)
	Threshold time.Duration
}

// DefaultVisibilityExtenderConfig returns sensible defaults
func DefaultVisibilityExtenderConfig() *VisibilityExtenderConfig {
	return &VisibilityExtenderConfig{
		Enabled:   true,
		Interval:  55 * time.Second,
		Threshold: 50 * time.Second,
	}
}

// ConsumerHealthConfig holds configuration for consumer health monitoring
type ConsumerHealthConfig struct {
	// Enabled controls whether consumer health monitoring is active
	Enabled bool
	// CheckInterval is how often to check consumer health (default 60s)
	CheckInterval time.Duration
	// StallThreshold is how long without activity before considering stalled (default 60s)
	StallThreshold time.Duration
	// MaxRestartAttempts is the maximum restart attempts before giving up (default 3)
	MaxRestartAttempts int
	// RestartDelay is the delay between restart attempts (default 5s)
	RestartDelay time.Duration
}

// DefaultConsumerHealthConfig returns sensible defaults
func DefaultConsumerHealthConfig() *ConsumerHealthConfig {
	return &ConsumerHealthConfig{
		Enabled:            true,
		CheckInterval:      60 * time.Second,
		StallThreshold:     60 * time.Second,
		MaxRestartAttempts: 3,
		RestartDelay:       5 * time.Second,
	}
}

// LeakDetectionConfig holds configuration for in-flight table leak detection
type LeakDetectionConfig struct {
	// Enabled controls whether leak detection is active
	Enabled bool
	// Interval is how often to check for leaks
	Interval time.Duration
}

// DefaultLeakDetectionConfig returns sensible defaults
func DefaultLeakDetectionConfig() *LeakDetectionConfig {
	return &LeakDetectionConfig{
		Enabled:  true,
		Interval: 30 * time.Second,
	}
}

// WarningService records operational warnings for the monitoring API.
type WarningService interface {
	AddWarning(category, severity, message, source string)
}

// pipelineEntry tracks one in-flight pointer together with the broker message
// it arrived on. All ack/nack traffic back to the broker goes through here.
type pipelineEntry struct {
	pointer    *model.MessagePointer
	queueMsg   queue.Message
	enqueuedAt int64 // unix millis

	// pendingDelaySeconds set by the pool before a nack; 0 means broker default
	pendingDelaySeconds atomic.Int32
}

// QueueManager routes pointers to processing pools and owns the in-flight table
type QueueManager struct {
	pools         map[string]*pool.ProcessPool
	poolsMu       sync.RWMutex
	drainingPools sync.Map // map[string]*pool.ProcessPool - pools being drained

	// Per-pool breakers, keyed by pool code, for the admin API
	breakers *breaker.Registry

	// In-flight table: dual-ID deduplication
	inFlight        sync.Map // pipelineKey (broker message ID or pointer ID) -> *pipelineEntry
	idToPipelineKey sync.Map // pointer ID -> pipelineKey (for requeue detection)
	inFlightCount   atomic.Int32

	globalInFlightCap int

	mediatorCfg     *mediator.HTTPMediatorConfig
	credentials     mediator.CredentialSource
	messageCallback *messageCallback
	running         bool
	runningMu       sync.Mutex

	standbyChecker StandbyChecker
	warningService WarningService
	poolMetrics    routermetrics.PoolMetricsService

	resubmitCfg *ResubmitConfig

	// Pipeline cleanup
	cleanupConfig *PipelineCleanupConfig
	cleanupCtx    context.Context
	cleanupCancel context.CancelFunc
	cleanupWg     sync.WaitGroup

	// Visibility extender (for long-running messages)
	visibilityConfig *VisibilityExtenderConfig
	visibilityCtx    context.Context
	visibilityCancel context.CancelFunc
	visibilityWg     sync.WaitGroup

	// Leak detection on the in-flight table
	leakDetectionConfig *LeakDetectionConfig
	leakDetectionCtx    context.Context
	leakDetectionCancel context.CancelFunc
	leakDetectionWg     sync.WaitGroup
}

// NewQueueManager creates a new queue manager
func NewQueueManager(mediatorCfg *mediator.HTTPMediatorConfig) *QueueManager {
	if mediatorCfg == nil {
		mediatorCfg = mediator.DefaultHTTPMediatorConfig()
	}

	qm := &QueueManager{
		pools:               make(map[string]*pool.ProcessPool),
		breakers:            breaker.NewRegistry(),
		mediatorCfg:         mediatorCfg,
		globalInFlightCap:   DefaultGlobalInFlightCap,
		resubmitCfg:         DefaultResubmitConfig(),
		cleanupConfig:       DefaultPipelineCleanupConfig(),
		visibilityConfig:    DefaultVisibilityExtenderConfig(),
		leakDetectionConfig: DefaultLeakDetectionConfig(),
	}

	qm.messageCallback = &messageCallback{manager: qm}

	return qm
}

// WithCredentialSource enables credential:// reference resolution on the
// mediators of every pool created after this call.
func (m *QueueManager) WithCredentialSource(src mediator.CredentialSource) *QueueManager {
	m.credentials = src
	return m
}

// WithVisibilityExtender configures visibility timeout extension for long-running messages
func (m *QueueManager) WithVisibilityExtender(cfg *VisibilityExtenderConfig) *QueueManager {
	if cfg == nil {
		cfg = DefaultVisibilityExtenderConfig()
	}
	m.visibilityConfig = cfg
	return m
}

// WithPipelineCleanup configures stale in-flight entry cleanup
func (m *QueueManager) WithPipelineCleanup(cfg *PipelineCleanupConfig) *QueueManager {
	if cfg == nil {
		cfg = DefaultPipelineCleanupConfig()
	}
	m.cleanupConfig = cfg
	return m
}

// WithStandbyChecker sets the standby checker for HA mode. Consumers stop
// admitting while this instance is not the primary.
func (m *QueueManager) WithStandbyChecker(checker StandbyChecker) *QueueManager {
	m.standbyChecker = checker
	return m
}

// WithLeakDetection configures in-flight table leak detection
func (m *QueueManager) WithLeakDetection(cfg *LeakDetectionConfig) *QueueManager {
	if cfg == nil {
		cfg = DefaultLeakDetectionConfig()
	}
	m.leakDetectionConfig = cfg
	return m
}

// WithWarningService sets the warning service for reporting issues
func (m *QueueManager) WithWarningService(ws WarningService) *QueueManager {
	m.warningService = ws
	return m
}

// WithPoolMetrics sets the per-pool statistics service fed by routing,
// ack and nack traffic. The dashboard reads it through a StatsCollector.
func (m *QueueManager) WithPoolMetrics(svc routermetrics.PoolMetricsService) *QueueManager {
	m.poolMetrics = svc
	return m
}

// WithGlobalInFlightCap bounds the pointers held in flight across all pools.
// Zero disables the cap.
func (m *QueueManager) WithGlobalInFlightCap(cap int) *QueueManager {
	m.globalInFlightCap = cap
	return m
}

// WithResubmit configures the pool-full resubmission backoff
func (m *QueueManager) WithResubmit(cfg *ResubmitConfig) *QueueManager {
	if cfg == nil {
		cfg = DefaultResubmitConfig()
	}
	m.resubmitCfg = cfg
	return m
}

// Start starts the queue manager
func (m *QueueManager) Start() {
	m.runningMu.Lock()
	defer m.runningMu.Unlock()

	m.running = true

	if m.cleanupConfig.Enabled {
		m.cleanupCtx, m.cleanupCancel = context.WithCancel(context.Background())
		m.cleanupWg.Add(1)
		go m.runPipelineCleanup()
		slog.Info("Pipeline cleanup started",
			"interval", m.cleanupConfig.Interval,
			"ttl", m.cleanupConfig.TTL)
	}

	if m.visibilityConfig.Enabled {
		m.visibilityCtx, m.visibilityCancel = context.WithCancel(context.Background())
		m.visibilityWg.Add(1)
		go m.runVisibilityExtender()
		slog.Info("Visibility extender started",
			"interval", m.visibilityConfig.Interval,
			"threshold", m.visibilityConfig.Threshold)
	}

	if m.leakDetectionConfig.Enabled {
		m.leakDetectionCtx, m.leakDetectionCancel = context.WithCancel(context.Background())
		m.leakDetectionWg.Add(1)
		go m.runLeakDetection()
		slog.Info("Leak detection started", "interval", m.leakDetectionConfig.Interval)
	}

	slog.Info("Queue manager started", "globalInFlightCap", m.globalInFlightCap)
}

// Stop stops the queue manager and all pools
func (m *QueueManager) Stop() {
	m.runningMu.Lock()
	m.running = false
	m.runningMu.Unlock()

	if m.cleanupCancel != nil {
		m.cleanupCancel()
		m.cleanupWg.Wait()
	}

	if m.visibilityCancel != nil {
		m.visibilityCancel()
		m.visibilityWg.Wait()
	}

	if m.leakDetectionCancel != nil {
		m.leakDetectionCancel()
		m.leakDetectionWg.Wait()
	}

	m.poolsMu.Lock()
	defer m.poolsMu.Unlock()

	for code, p := range m.pools {
		slog.Info("Shutting down pool", "pool", code)
		p.Shutdown()
	}

	slog.Info("Queue manager stopped")
}

// isAdmitting reports whether this instance should route messages: running
// and, when standby mode is configured, holding the primary lock.
func (m *QueueManager) isAdmitting() bool {
	m.runningMu.Lock()
	running := m.running
	m.runningMu.Unlock()

	if !running {
		return false
	}
	if m.standbyChecker != nil && !m.standbyChecker.IsPrimary() {
		return false
	}
	return true
}

// buildPool constructs a pool with its own mediator honoring the per-pool
// timeout and retry settings.
func (m *QueueManager) buildPool(cfg *PoolConfig) *pool.ProcessPool {
	medCfg := &mediator.HTTPMediatorConfig{
		Timeout:         m.mediatorCfg.Timeout,
		HTTPVersion:     m.mediatorCfg.HTTPVersion,
		MaxRetries:      m.mediatorCfg.MaxRetries,
		RetryMinBackoff: m.mediatorCfg.RetryMinBackoff,
		RetryMaxBackoff: m.mediatorCfg.RetryMaxBackoff,
	}
	if cfg.MediatorTimeout > 0 {
		medCfg.Timeout = cfg.MediatorTimeout
	}
	if cfg.MaxRetries > 0 {
		medCfg.MaxRetries = cfg.MaxRetries
	}

	med := mediator.NewHTTPMediator(medCfg)
	if m.credentials != nil {
		med.WithCredentialSource(m.credentials)
	}

	return pool.NewProcessPool(
		cfg.Code,
		cfg.Concurrency,
		cfg.QueueCapacity,
		cfg.RateLimitPerMinute,
		med,
		m.messageCallback,
		pool.Options{
			IdleWorkerTimeout: cfg.IdleWorkerTimeout,
			Breaker:           cfg.Breaker,
			Registry:          m.breakers,
		},
	)
}

// GetOrCreatePool gets or creates a processing pool
func (m *QueueManager) GetOrCreatePool(cfg *PoolConfig) *pool.ProcessPool {
	cfg = cfg.withDefaults()

	m.poolsMu.Lock()
	defer m.poolsMu.Unlock()

	if p, exists := m.pools[cfg.Code]; exists {
		return p
	}

	p := m.buildPool(cfg)
	m.pools[cfg.Code] = p
	p.Start()

	if m.poolMetrics != nil {
		m.poolMetrics.InitializePoolCapacity(cfg.Code, cfg.Concurrency, cfg.QueueCapacity)
	}

	slog.Info("Created new processing pool",
		"pool", cfg.Code,
		"concurrency", cfg.Concurrency,
		"queueCapacity", cfg.QueueCapacity)

	return p
}

// GetPool gets a pool by code
func (m *QueueManager) GetPool(code string) *pool.ProcessPool {
	m.poolsMu.RLock()
	defer m.poolsMu.RUnlock()
	return m.pools[code]
}

// GetPools returns a snapshot of all pools keyed by code
func (m *QueueManager) GetPools() map[string]*pool.ProcessPool {
	m.poolsMu.RLock()
	defer m.poolsMu.RUnlock()

	out := make(map[string]*pool.ProcessPool, len(m.pools))
	for code, p := range m.pools {
		out[code] = p
	}
	return out
}

// UpdatePool updates a pool's configuration live
func (m *QueueManager) UpdatePool(cfg *PoolConfig) bool {
	m.poolsMu.RLock()
	p, exists := m.pools[cfg.Code]
	m.poolsMu.RUnlock()

	if !exists {
		return false
	}

	if cfg.Concurrency > 0 && cfg.Concurrency != p.GetConcurrency() {
		p.UpdateConcurrency(cfg.Concurrency, 60)
	}

	p.UpdateRateLimit(cfg.RateLimitPerMinute)

	if m.poolMetrics != nil {
		m.poolMetrics.InitializePoolCapacity(cfg.Code, p.GetConcurrency(), p.GetQueueCapacity())
	}

	return true
}

// RemovePool drains and removes a pool
func (m *QueueManager) RemovePool(code string) {
	m.drainPool(code)
}

// ApplyPoolConfigs diffs the desired pool set against the running one:
// missing pools are created, existing ones updated live, and pools absent
// from the new config are drained and removed.
func (m *QueueManager) ApplyPoolConfigs(configs []*PoolConfig) {
	activeCodes := make(map[string]bool, len(configs))

	for _, cfg := range configs {
		cfg = cfg.withDefaults()
		activeCodes[cfg.Code] = true

		m.poolsMu.RLock()
		_, exists := m.pools[cfg.Code]
		m.poolsMu.RUnlock()

		if exists {
			m.UpdatePool(cfg)
		} else {
			m.GetOrCreatePool(cfg)
		}
	}

	m.poolsMu.RLock()
	poolsToRemove := make([]string, 0)
	for code := range m.pools {
		if !activeCodes[code] && code != DefaultPoolCode {
			poolsToRemove = append(poolsToRemove, code)
		}
	}
	m.poolsMu.RUnlock()

	for _, code := range poolsToRemove {
		m.drainPool(code)
	}

	if len(configs) > 0 || len(poolsToRemove) > 0 {
		metrics.ConfigApplied.Inc()
		slog.Info("Pool configuration applied",
			"activeCount", len(configs),
			"removedCount", len(poolsToRemove))
	}
}

// drainPool gracefully drains and removes a pool
func (m *QueueManager) drainPool(code string) {
	m.poolsMu.Lock()
	p, exists := m.pools[code]
	if !exists {
		m.poolsMu.Unlock()
		return
	}
	delete(m.pools, code)
	m.poolsMu.Unlock()

	m.drainingPools.Store(code, p)

	slog.Info("Draining pool (removed from configuration)", "pool", code)

	go func() {
		p.Drain()
		p.Shutdown()
		m.drainingPools.Delete(code)
		m.breakers.Remove(code)
		if m.poolMetrics != nil {
			m.poolMetrics.RemovePoolMetrics(code)
		}
		slog.Info("Pool drained and removed", "pool", code)
	}()
}

// BatchRouteResult contains the results of batch routing
type BatchRouteResult struct {
	Submitted    int // Successfully submitted to pools
	Deduplicated int // Skipped as duplicates
	Rejected     int // Rejected due to capacity/rate limiting
	FailBarrier  int // Nacked due to failure barrier
	Malformed    int // Acked as undecodable
}

// SubmitBatch routes a batch of broker messages. The batch gets a fresh batch
// ID so the pool's FIFO failure barrier can scope {batch, group} failures.
//
// Phases:
//  1. Decode and deduplicate against the in-flight table (dual-ID: broker
//     message ID catches visibility-timeout redelivery, pointer ID catches
//     external requeues).
//  2. Capacity and rate-limit check per pool.
//  3. Submit per group in order with a failure barrier: once a submit is
//     rejected, the rest of that group goes back to the broker untried.
func (m *QueueManager) SubmitBatch(messages []queue.Message, queueType string) BatchRouteResult {
	result := BatchRouteResult{}

	if len(messages) == 0 {
		return result
	}

	if !m.isAdmitting() {
		// Not running or standing by: let visibility timeouts redeliver
		for _, msg := range messages {
			msg.Nak()
		}
		result.Rejected = len(messages)
		return result
	}

	batchID := tsid.Generate()

	type decoded struct {
		msg     queue.Message
		pointer *model.MessagePointer
	}

	// Phase 1: decode + dual-ID deduplication
	admitted := make([]decoded, 0, len(messages))

	for _, msg := range messages {
		metrics.RouterMessagesReceived.WithLabelValues(queueType).Inc()

		var pointer model.MessagePointer
		if err := json.Unmarshal(msg.Data(), &pointer); err != nil || pointer.ID == "" {
			slog.Error("Undecodable message pointer - acking as poison",
				"brokerMessageId", msg.ID(),
				"error", err)
			msg.Ack()
			result.Malformed++
			continue
		}

		brokerID := msg.ID()

		// Check 1: same broker message ID (visibility timeout redelivery).
		// Refresh the stored receipt handle so the eventual ack uses the
		// valid one, then nack the redelivery.
		if brokerID != "" {
			if existing, exists := m.inFlight.Load(brokerID); exists {
				slog.Debug("Duplicate: visibility timeout redelivery",
					"brokerMessageId", brokerID,
					"messageId", pointer.ID)
				m.updateReceiptHandle(existing.(*pipelineEntry), msg)
				msg.Nak()
				result.Deduplicated++
				continue
			}
		}

		// Check 2: same pointer ID already in flight (external requeue).
		// ACK immediately so the duplicate never redelivers.
		if existingKey, loaded := m.idToPipelineKey.Load(pointer.ID); loaded {
			slog.Info("In-flight duplicate detected - acking without delivery",
				"messageId", pointer.ID,
				"existingKey", existingKey.(string),
				"newBrokerMessageId", brokerID)
			msg.Ack()
			metrics.RouterDuplicatesDropped.Inc()
			result.Deduplicated++
			continue
		}

		pointer.BatchID = batchID
		pointer.BrokerMessageID = brokerID
		admitted = append(admitted, decoded{msg: msg, pointer: &pointer})
	}

	if len(admitted) == 0 {
		return result
	}

	// Phase 2: group by pool and pre-check capacity
	byPool := make(map[string][]decoded)
	poolOrder := make([]string, 0)
	for _, d := range admitted {
		poolCode := d.pointer.PoolCode
		if poolCode == "" {
			poolCode = DefaultPoolCode
		}
		if _, seen := byPool[poolCode]; !seen {
			poolOrder = append(poolOrder, poolCode)
		}
		byPool[poolCode] = append(byPool[poolCode], d)
	}

	for _, poolCode := range poolOrder {
		poolMessages := byPool[poolCode]

		p := m.GetPool(poolCode)
		if p != nil {
			if p.IsRateLimited() {
				slog.Warn("Pool rate limited, nacking batch for pool",
					"pool", poolCode,
					"messageCount", len(poolMessages))
				for _, d := range poolMessages {
					d.msg.Nak()
				}
				result.Rejected += len(poolMessages)
				continue
			}
			if !p.HasCapacity(len(poolMessages)) {
				slog.Warn("Pool at capacity, nacking batch for pool",
					"pool", poolCode,
					"messageCount", len(poolMessages))
				for _, d := range poolMessages {
					d.msg.Nak()
				}
				result.Rejected += len(poolMessages)
				continue
			}
		} else {
			p = m.GetOrCreatePool(&PoolConfig{Code: poolCode})
		}

		// Phase 3: submit per group in order with a failure barrier
		type groupEntry struct {
			groupID string
			items   []decoded
		}
		groups := make([]groupEntry, 0)
		groupIndex := make(map[string]int)

		for _, d := range poolMessages {
			groupID := d.pointer.MessageGroupID
			if groupID == "" {
				groupID = pool.DefaultGroup
			}
			if idx, ok := groupIndex[groupID]; ok {
				groups[idx].items = append(groups[idx].items, d)
			} else {
				groupIndex[groupID] = len(groups)
				groups = append(groups, groupEntry{groupID: groupID, items: []decoded{d}})
			}
		}

		for _, group := range groups {
			nackRemaining := false

			for _, d := range group.items {
				if nackRemaining {
					d.msg.Nak()
					result.FailBarrier++
					continue
				}

				entry := m.trackInFlight(d.pointer, d.msg)

				if !p.Submit(d.pointer) {
					slog.Warn("Pool rejected message, scheduling resubmit",
						"pool", poolCode,
						"messageId", d.pointer.ID,
						"group", group.groupID)
					go m.resubmitWithBackoff(p, d.pointer, entry)
					nackRemaining = true
					result.Rejected++
				} else {
					if m.poolMetrics != nil {
						m.poolMetrics.RecordMessageSubmitted(poolCode)
					}
					result.Submitted++
				}
			}
		}
	}

	slog.Info("Batch routing complete",
		"batchId", batchID,
		"submitted", result.Submitted,
		"deduplicated", result.Deduplicated,
		"rejected", result.Rejected,
		"failBarrier", result.FailBarrier,
		"malformed", result.Malformed)

	return result
}

// trackInFlight inserts a pointer into the in-flight table.
func (m *QueueManager) trackInFlight(pointer *model.MessagePointer, msg queue.Message) *pipelineEntry {
	entry := &pipelineEntry{
		pointer:    pointer,
		queueMsg:   msg,
		enqueuedAt: time.Now().UnixMilli(),
	}

	pipelineKey := pipelineKeyFor(pointer)
	m.inFlight.Store(pipelineKey, entry)
	m.idToPipelineKey.Store(pointer.ID, pipelineKey)
	m.inFlightCount.Add(1)
	return entry
}

// poolCodeOrDefault maps an empty pointer pool code to the default pool so
// stats land on the pool that actually processed the message.
func poolCodeOrDefault(msg *model.MessagePointer) string {
	if msg.PoolCode == "" {
		return DefaultPoolCode
	}
	return msg.PoolCode
}

// pipelineKeyFor prefers the broker message ID; brokers without one fall back
// to the pointer ID.
func pipelineKeyFor(pointer *model.MessagePointer) string {
	if pointer.BrokerMessageID != "" {
		return pointer.BrokerMessageID
	}
	return pointer.ID
}

// takeEntry removes and returns the in-flight entry for a pointer, or nil.
func (m *QueueManager) takeEntry(pointer *model.MessagePointer) *pipelineEntry {
	pipelineKey := pipelineKeyFor(pointer)
	value, loaded := m.inFlight.LoadAndDelete(pipelineKey)
	if !loaded {
		return nil
	}
	m.idToPipelineKey.Delete(pointer.ID)
	m.inFlightCount.Add(-1)
	return value.(*pipelineEntry)
}

// lookupEntry returns the in-flight entry without removing it, or nil.
func (m *QueueManager) lookupEntry(pointer *model.MessagePointer) *pipelineEntry {
	value, ok := m.inFlight.Load(pipelineKeyFor(pointer))
	if !ok {
		return nil
	}
	return value.(*pipelineEntry)
}

// resubmitWithBackoff retries a pool-full rejection with jittered backoff.
// The pointer stays in flight during retries so duplicates are still caught;
// when retries are exhausted it goes back to the broker.
func (m *QueueManager) resubmitWithBackoff(p *pool.ProcessPool, pointer *model.MessagePointer, entry *pipelineEntry) {
	cfg := m.resubmitCfg

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		delay := time.Duration(attempt) * cfg.BaseDelay
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
		// Jitter to avoid thundering resubmits
		delay += time.Duration(rand.Int63n(int64(cfg.BaseDelay)))
		time.Sleep(delay)

		if !m.isAdmitting() {
			break
		}

		if p.Submit(pointer) {
			slog.Debug("Resubmit succeeded",
				"pool", p.GetPoolCode(),
				"messageId", pointer.ID,
				"attempt", attempt)
			return
		}
	}

	slog.Warn("Resubmit attempts exhausted, nacking back to broker",
		"pool", p.GetPoolCode(),
		"messageId", pointer.ID,
		"attempts", cfg.MaxAttempts)
	m.Nack(pointer)
}

// Ack acknowledges a pointer back to the broker and removes it from the
// in-flight table. A second Ack for the same pointer is a no-op.
func (m *QueueManager) Ack(msg *model.MessagePointer) {
	entry := m.takeEntry(msg)
	if entry == nil {
		slog.Debug("Ack for pointer not in flight - ignoring", "messageId", msg.ID)
		return
	}

	if err := entry.queueMsg.Ack(); err != nil {
		slog.Error("Failed to ack message", "error", err, "messageId", msg.ID)
		return
	}
	if m.poolMetrics != nil {
		m.poolMetrics.RecordProcessingSuccess(poolCodeOrDefault(msg), time.Now().UnixMilli()-entry.enqueuedAt)
	}
	metrics.RouterMessagesAcked.WithLabelValues(msg.PoolCode).Inc()
}

// Nack returns a pointer to the broker for redelivery, honoring any pending
// visibility delay set by the pool.
func (m *QueueManager) Nack(msg *model.MessagePointer) {
	entry := m.takeEntry(msg)
	if entry == nil {
		slog.Debug("Nack for pointer not in flight - ignoring", "messageId", msg.ID)
		return
	}

	delaySeconds := entry.pendingDelaySeconds.Load()

	var err error
	if delaySeconds > 0 {
		err = entry.queueMsg.NakWithDelay(time.Duration(delaySeconds) * time.Second)
	} else {
		err = entry.queueMsg.Nak()
	}
	if err != nil {
		slog.Error("Failed to nack message", "error", err, "messageId", msg.ID)
		return
	}
	if m.poolMetrics != nil {
		m.poolMetrics.RecordProcessingFailure(poolCodeOrDefault(msg), time.Now().UnixMilli()-entry.enqueuedAt, "NACK")
	}
	metrics.RouterMessagesNacked.WithLabelValues(msg.PoolCode).Inc()
}

// updateReceiptHandle refreshes the stored broker message's receipt handle
// from a redelivered copy, when the adapter supports it (SQS).
func (m *QueueManager) updateReceiptHandle(entry *pipelineEntry, newMsg queue.Message) {
	stored, ok := entry.queueMsg.(queue.ReceiptHandleUpdatable)
	if !ok {
		return
	}
	fresh, ok := newMsg.(queue.ReceiptHandleUpdatable)
	if !ok {
		return
	}

	newHandle := fresh.GetReceiptHandle()
	if newHandle == "" {
		slog.Warn("Redelivered message has empty receipt handle - cannot update",
			"messageId", entry.pointer.ID)
		return
	}

	oldHandle := stored.GetReceiptHandle()
	stored.UpdateReceiptHandle(newHandle)

	slog.Info("Updated receipt handle for in-flight message after redelivery",
		"messageId", entry.pointer.ID,
		"oldHandle", truncateHandle(oldHandle),
		"newHandle", truncateHandle(newHandle))
}

// truncateHandle truncates a receipt handle for logging (first 20 chars)
func truncateHandle(handle string) string {
	if len(handle) <= 20 {
		return handle
	}
	return handle[:20] + "..."
}

// WaitForCapacity blocks while the global in-flight count is at or above the
// cap, resuming once it drops below the low-water mark (0.75 of the cap).
func (m *QueueManager) WaitForCapacity(ctx context.Context) error {
	if m.globalInFlightCap <= 0 {
		return nil
	}
	if int(m.inFlightCount.Load()) < m.globalInFlightCap {
		return nil
	}

	lowWater := int(float64(m.globalInFlightCap) * inFlightLowWaterRatio)
	slog.Warn("Global in-flight cap reached, parking consumer",
		"inFlight", m.inFlightCount.Load(),
		"cap", m.globalInFlightCap,
		"resumeAt", lowWater)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if int(m.inFlightCount.Load()) <= lowWater {
				slog.Info("In-flight count below low-water mark, resuming consumer",
					"inFlight", m.inFlightCount.Load())
				return nil
			}
		}
	}
}

// messageCallback implements pool.MessageCallback against the in-flight table
type messageCallback struct {
	manager *QueueManager
}

func (c *messageCallback) Ack(msg *model.MessagePointer) {
	c.manager.Ack(msg)
}

func (c *messageCallback) Nack(msg *model.MessagePointer) {
	c.manager.Nack(msg)
}

func (c *messageCallback) SetVisibilityDelay(msg *model.MessagePointer, seconds int) {
	if entry := c.manager.lookupEntry(msg); entry != nil {
		entry.pendingDelaySeconds.Store(int32(seconds))
	}
}

func (c *messageCallback) SetFastFailVisibility(msg *model.MessagePointer) {
	// Fast fail = 1 second visibility for quick retry
	c.SetVisibilityDelay(msg, 1)
}

func (c *messageCallback) ResetVisibilityToDefault(msg *model.MessagePointer) {
	if entry := c.manager.lookupEntry(msg); entry != nil {
		entry.pendingDelaySeconds.Store(0)
	}
}

// QueryInFlight returns the pointer IDs currently in flight
func (m *QueueManager) QueryInFlight() []string {
	ids := make([]string, 0)
	m.idToPipelineKey.Range(func(key, _ interface{}) bool {
		ids = append(ids, key.(string))
		return true
	})
	return ids
}

// GetPipelineSize returns the current size of the in-flight table
func (m *QueueManager) GetPipelineSize() int {
	return int(m.inFlightCount.Load())
}

// GetTotalPoolCapacity returns the total capacity across all pools
func (m *QueueManager) GetTotalPoolCapacity() int {
	m.poolsMu.RLock()
	defer m.poolsMu.RUnlock()

	total := 0
	for _, p := range m.pools {
		total += p.GetQueueCapacity()
	}
	return total
}

// runPipelineCleanup removes in-flight entries older than the configured TTL.
// Their broker messages redeliver through visibility timeout.
func (m *QueueManager) runPipelineCleanup() {
	defer m.cleanupWg.Done()

	ticker := time.NewTicker(m.cleanupConfig.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.cleanupCtx.Done():
			slog.Info("Pipeline cleanup stopped")
			return
		case <-ticker.C:
			m.cleanupStaleEntries()
		}
	}
}

// cleanupStaleEntries removes stale entries from the in-flight table
func (m *QueueManager) cleanupStaleEntries() {
	now := time.Now().UnixMilli()
	ttlMillis := m.cleanupConfig.TTL.Milliseconds()
	cleanedCount := 0

	m.inFlight.Range(func(key, value interface{}) bool {
		entry := value.(*pipelineEntry)
		if now-entry.enqueuedAt > ttlMillis {
			if _, loaded := m.inFlight.LoadAndDelete(key); loaded {
				m.idToPipelineKey.Delete(entry.pointer.ID)
				m.inFlightCount.Add(-1)
				cleanedCount++
			}
		}
		return true
	})

	if cleanedCount > 0 {
		slog.Warn("Cleaned up stale in-flight entries - messages may have been stuck",
			"count", cleanedCount,
			"ttl", m.cleanupConfig.TTL)
		if m.warningService != nil {
			m.warningService.AddWarning("PIPELINE_STALE_ENTRIES", "WARN",
				fmt.Sprintf("removed %d in-flight entries older than %s", cleanedCount, m.cleanupConfig.TTL),
				"QueueManager")
		}
	}
}

// runVisibilityExtender extends broker visibility for long-running pointers so
// they are not redelivered mid-mediation.
func (m *QueueManager) runVisibilityExtender() {
	defer m.visibilityWg.Done()

	ticker := time.NewTicker(m.visibilityConfig.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.visibilityCtx.Done():
			slog.Info("Visibility extender stopped")
			return
		case <-ticker.C:
			m.extendLongRunningVisibility()
		}
	}
}

// extendLongRunningVisibility extends visibility for pointers in flight longer
// than the threshold
func (m *QueueManager) extendLongRunningVisibility() {
	now := time.Now().UnixMilli()
	thresholdMillis := m.visibilityConfig.Threshold.Milliseconds()
	extendedCount := 0

	m.inFlight.Range(func(_, value interface{}) bool {
		entry := value.(*pipelineEntry)
		elapsedMillis := now - entry.enqueuedAt

		if elapsedMillis < thresholdMillis {
			return true
		}

		if err := entry.queueMsg.InProgress(); err != nil {
			slog.Warn("Failed to extend visibility for long-running message",
				"error", err,
				"messageId", entry.pointer.ID,
				"elapsedMs", elapsedMillis)
		} else {
			extendedCount++
			slog.Debug("Extended visibility for long-running message",
				"messageId", entry.pointer.ID,
				"elapsedMs", elapsedMillis)
		}

		return true
	})

	if extendedCount > 0 {
		slog.Info("Extended visibility for long-running messages",
			"count", extendedCount,
			"threshold", m.visibilityConfig.Threshold)
	}
}

// runLeakDetection watches the in-flight table size against pool capacity
func (m *QueueManager) runLeakDetection() {
	defer m.leakDetectionWg.Done()

	ticker := time.NewTicker(m.leakDetectionConfig.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.leakDetectionCtx.Done():
			slog.Info("Leak detection stopped")
			return
		case <-ticker.C:
			m.checkForTableLeaks()
		}
	}
}

// checkForTableLeaks warns when the in-flight table outgrows total pool
// capacity, which indicates entries are not being removed after processing.
func (m *QueueManager) checkForTableLeaks() {
	m.runningMu.Lock()
	running := m.running
	m.runningMu.Unlock()

	if !running {
		return
	}

	pipelineSize := m.GetPipelineSize()
	totalCapacity := m.GetTotalPoolCapacity()
	if totalCapacity == 0 {
		totalCapacity = MinQueueCapacity
	}

	if pipelineSize > totalCapacity {
		message := fmt.Sprintf("in-flight table size (%d) exceeds total pool capacity (%d) - possible leak",
			pipelineSize, totalCapacity)

		slog.Warn("LEAK DETECTION: "+message,
			"pipelineSize", pipelineSize,
			"totalCapacity", totalCapacity)

		if m.warningService != nil {
			m.warningService.AddWarning("PIPELINE_MAP_LEAK", "WARN", message, "QueueManager")
		}
	}

	metrics.PipelineMapSize.Set(float64(pipelineSize))
	metrics.PipelineTotalCapacity.Set(float64(totalCapacity))
}

// GenerateBatchID generates a new batch ID
func GenerateBatchID() string {
	return tsid.Generate()
}
