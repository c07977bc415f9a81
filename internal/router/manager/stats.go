package manager

import (
	"sort"
	"time"

	"github.com/sony/gobreaker"

	"go.flowcatalyst.tech/router/internal/router/health"
	routermetrics "go.flowcatalyst.tech/router/internal/router/metrics"
)

// StatsCollector exposes the manager's runtime state to the monitoring and
// admin APIs. Counters come from the in-memory metrics services; gauges
// (workers, queue sizes, breaker states) are read live from the pools.
type StatsCollector struct {
	manager      *QueueManager
	poolMetrics  routermetrics.PoolMetricsService
	queueMetrics routermetrics.QueueMetricsService
}

// NewStatsCollector creates a collector over the manager and its metrics
// services. queueMetrics may be nil when no consumers feed it.
func NewStatsCollector(m *QueueManager, poolMetrics routermetrics.PoolMetricsService, queueMetrics routermetrics.QueueMetricsService) *StatsCollector {
	return &StatsCollector{
		manager:      m,
		poolMetrics:  poolMetrics,
		queueMetrics: queueMetrics,
	}
}

// GetAllPoolStats returns statistics for every running pool, counters merged
// with live pool gauges.
func (s *StatsCollector) GetAllPoolStats() map[string]*health.PoolStats {
	out := make(map[string]*health.PoolStats)
	for code := range s.manager.GetPools() {
		out[code] = s.GetPoolStats(code)
	}
	return out
}

// GetPoolStats returns statistics for one pool, or nil when no such pool runs.
func (s *StatsCollector) GetPoolStats(code string) *health.PoolStats {
	p := s.manager.GetPool(code)
	if p == nil {
		return nil
	}

	var counters *routermetrics.PoolStats
	if s.poolMetrics != nil {
		counters = s.poolMetrics.GetPoolStats(code)
	} else {
		counters = routermetrics.EmptyPoolStats(code)
	}

	active := p.GetActiveWorkers()
	concurrency := p.GetConcurrency()

	return &health.PoolStats{
		PoolCode:                code,
		TotalProcessed:          counters.TotalProcessed,
		TotalSucceeded:          counters.TotalSucceeded,
		TotalFailed:             counters.TotalFailed,
		TotalRateLimited:        counters.TotalRateLimited,
		SuccessRate:             counters.SuccessRate,
		ActiveWorkers:           active,
		AvailablePermits:        concurrency - active,
		MaxConcurrency:          concurrency,
		QueueSize:               p.GetQueueSize(),
		MaxQueueCapacity:        p.GetQueueCapacity(),
		AverageProcessingTimeMs: counters.AverageProcessingTimeMs,
	}
}

// GetLastActivityTimestamp returns the last processed-message time for a pool.
func (s *StatsCollector) GetLastActivityTimestamp(poolCode string) *time.Time {
	if s.poolMetrics == nil {
		return nil
	}
	return s.poolMetrics.GetLastActivityTimestamp(poolCode)
}

// GetAllCircuitBreakerStats returns stats for every pool's breaker.
func (s *StatsCollector) GetAllCircuitBreakerStats() map[string]*health.CircuitBreakerStats {
	out := make(map[string]*health.CircuitBreakerStats)
	for code, p := range s.manager.GetPools() {
		b := p.Breaker()
		if b == nil {
			continue
		}
		counts := b.Counts()

		failureRate := 0.0
		if counts.Requests > 0 {
			failureRate = float64(counts.TotalFailures) / float64(counts.Requests)
		}

		out[code] = &health.CircuitBreakerStats{
			Name:            b.Name(),
			State:           breakerStateName(b.State()),
			SuccessfulCalls: int64(counts.TotalSuccesses),
			FailedCalls:     int64(counts.TotalFailures),
			FailureRate:     failureRate,
			BufferedCalls:   int(counts.Requests),
			BufferSize:      int(b.MinimumCalls()),
		}
	}
	return out
}

// GetOpenCircuitBreakerCount returns how many breakers are currently open.
func (s *StatsCollector) GetOpenCircuitBreakerCount() int {
	open := 0
	for _, p := range s.manager.GetPools() {
		if b := p.Breaker(); b != nil && b.State() == gobreaker.StateOpen {
			open++
		}
	}
	return open
}

// GetCircuitBreakerState returns the named breaker's state, or "" if unknown.
func (s *StatsCollector) GetCircuitBreakerState(name string) string {
	p := s.manager.GetPool(name)
	if p == nil || p.Breaker() == nil {
		return ""
	}
	return breakerStateName(p.Breaker().State())
}

// ResetCircuitBreaker forces the named breaker back to closed. The lookup
// goes through the manager's breaker registry, which also covers pools
// still draining out of the config.
func (s *StatsCollector) ResetCircuitBreaker(name string) bool {
	b := s.manager.breakers.Get(name)
	if b == nil {
		return false
	}
	b.Reset()
	return true
}

// ResetAllCircuitBreakers forces every registered breaker back to closed.
func (s *StatsCollector) ResetAllCircuitBreakers() {
	for _, b := range s.manager.breakers.All() {
		b.Reset()
	}
}

// GetInFlightMessages returns a snapshot of the in-flight table, oldest first.
// A non-empty messageID filters to that pointer; limit <= 0 means no limit.
func (s *StatsCollector) GetInFlightMessages(limit int, messageID string) []*health.InFlightMessage {
	now := time.Now().UnixMilli()
	messages := make([]*health.InFlightMessage, 0)

	s.manager.inFlight.Range(func(_, value interface{}) bool {
		entry := value.(*pipelineEntry)
		if messageID != "" && entry.pointer.ID != messageID {
			return true
		}
		poolCode := poolCodeOrDefault(entry.pointer)
		messages = append(messages, &health.InFlightMessage{
			MessageID:      entry.pointer.ID,
			PoolCode:       poolCode,
			MessageGroup:   entry.pointer.MessageGroupID,
			TargetURL:      entry.pointer.MediationTarget,
			StartedAt:      time.UnixMilli(entry.enqueuedAt),
			DurationMs:     now - entry.enqueuedAt,
			CircuitBreaker: poolCode,
		})
		return true
	})

	sort.Slice(messages, func(i, j int) bool {
		return messages[i].StartedAt.Before(messages[j].StartedAt)
	})

	if limit > 0 && len(messages) > limit {
		messages = messages[:limit]
	}
	return messages
}

// GetAllQueueStats returns per-queue statistics fed by the consumers.
func (s *StatsCollector) GetAllQueueStats() map[string]*health.QueueStats {
	out := make(map[string]*health.QueueStats)
	if s.queueMetrics == nil {
		return out
	}
	for name, qs := range s.queueMetrics.GetAllQueueStats() {
		out[name] = &health.QueueStats{
			Name:               qs.Name,
			TotalMessages:      qs.TotalMessages,
			TotalConsumed:      qs.TotalConsumed,
			TotalFailed:        qs.TotalFailed,
			SuccessRate:        qs.SuccessRate,
			CurrentSize:        qs.CurrentSize,
			Throughput:         qs.Throughput,
			PendingMessages:    qs.PendingMessages,
			MessagesNotVisible: qs.MessagesNotVisible,
		}
	}
	return out
}

// GetTotalQueueDepth returns the summed reported depth across all queues.
func (s *StatsCollector) GetTotalQueueDepth() int64 {
	if s.queueMetrics == nil {
		return 0
	}
	var total int64
	for _, qs := range s.queueMetrics.GetAllQueueStats() {
		total += qs.CurrentSize + qs.PendingMessages
	}
	return total
}

// GetThroughput returns the summed consume rate across all queues, in
// messages per second.
func (s *StatsCollector) GetThroughput() float64 {
	if s.queueMetrics == nil {
		return 0
	}
	var total float64
	for _, qs := range s.queueMetrics.GetAllQueueStats() {
		total += qs.Throughput
	}
	return total
}

// breakerStateName maps gobreaker states onto the dashboard's naming.
func breakerStateName(state gobreaker.State) string {
	switch state {
	case gobreaker.StateOpen:
		return "OPEN"
	case gobreaker.StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}
