package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// === Router Metrics Tests ===

func TestRouterMessageCounters_Labels(t *testing.T) {
	RouterMessagesReceived.WithLabelValues("sqs").Inc()
	RouterMessagesReceived.WithLabelValues("embedded").Add(10)
	RouterMessagesAcked.WithLabelValues("test-pool").Inc()
	RouterMessagesNacked.WithLabelValues("test-pool").Inc()
	RouterDuplicatesDropped.Inc()
	RouterSaturationEvents.WithLabelValues("test-pool").Inc()

	counter := RouterMessagesAcked.WithLabelValues("test-pool")
	if counter == nil {
		t.Error("Expected counter to be non-nil")
	}
}

// === Pool Metrics Tests ===

func TestPoolMessagesProcessed_Labels(t *testing.T) {
	results := []string{"success", "failed", "rate_limited", "circuit_open", "poison"}
	for _, result := range results {
		PoolMessagesProcessed.WithLabelValues("test-pool", result).Inc()
	}

	counter := PoolMessagesProcessed.WithLabelValues("test-pool", "success")
	if counter == nil {
		t.Error("Expected counter to be non-nil")
	}
}

func TestPoolGauges_Operations(t *testing.T) {
	PoolActiveWorkers.WithLabelValues("test-pool-workers").Set(5)
	PoolActiveWorkers.WithLabelValues("test-pool-workers").Inc()
	PoolActiveWorkers.WithLabelValues("test-pool-workers").Dec()

	PoolQueueDepth.WithLabelValues("test-pool-queue").Set(100)
	PoolQueueDepth.WithLabelValues("test-pool-queue").Sub(25)

	PoolAvailablePermits.WithLabelValues("test-pool-permits").Set(10)
	PoolMessageGroupCount.WithLabelValues("test-pool-groups").Set(3)
}

// === Rate Limiter Metrics Tests ===

func TestRateLimiterCounters(t *testing.T) {
	RateLimiterAcquired.WithLabelValues("test-pool-rl").Add(100)
	RateLimiterRejected.WithLabelValues("test-pool-rl").Inc()

	counter := RateLimiterRejected.WithLabelValues("test-pool-rl")
	if counter == nil {
		t.Error("Expected counter to be non-nil")
	}
}

// === Mediator Metrics Tests ===

func TestMediatorDuration_Labels(t *testing.T) {
	outcomes := []string{"success", "nack", "error_config"}
	for _, outcome := range outcomes {
		MediatorDuration.WithLabelValues("test-pool", outcome).Observe(0.123)
	}

	histogram := MediatorDuration.WithLabelValues("test-pool", "success")
	if histogram == nil {
		t.Error("Expected histogram to be non-nil")
	}
}

func TestMediatorHTTPRequests_Labels(t *testing.T) {
	statusCodes := []string{"200", "400", "429", "500", "503"}
	for _, code := range statusCodes {
		MediatorHTTPRequests.WithLabelValues(code, "POST").Inc()
	}

	counter := MediatorHTTPRequests.WithLabelValues("200", "POST")
	if counter == nil {
		t.Error("Expected counter to be non-nil")
	}
}

// === Circuit Breaker Metrics Tests ===

func TestCircuitBreakerState_Values(t *testing.T) {
	gauge := CircuitBreakerState.WithLabelValues("pool-test")

	gauge.Set(CircuitBreakerClosed)
	gauge.Set(CircuitBreakerOpen)
	gauge.Set(CircuitBreakerHalfOpen)
}

func TestCircuitBreakerCalls_Labels(t *testing.T) {
	results := []string{"success", "failure", "rejected"}
	for _, result := range results {
		CircuitBreakerCalls.WithLabelValues("pool-test", result).Inc()
	}
	CircuitBreakerTrips.WithLabelValues("pool-test").Inc()

	counter := CircuitBreakerCalls.WithLabelValues("pool-test", "rejected")
	if counter == nil {
		t.Error("Expected counter to be non-nil")
	}
}

// === Queue Metrics Tests ===

func TestQueueCounters_Labels(t *testing.T) {
	queueTypes := []string{"sqs", "activemq", "nats", "embedded"}

	for _, qType := range queueTypes {
		QueueMessagesPublished.WithLabelValues(qType).Inc()
		QueueMessagesConsumed.WithLabelValues(qType).Add(100)
		QueuePublishErrors.WithLabelValues(qType).Inc()
	}

	counter := QueueMessagesConsumed.WithLabelValues("embedded")
	if counter == nil {
		t.Error("Expected counter to be non-nil")
	}
}

// === Consumer Metrics Tests ===

func TestConsumerCounters(t *testing.T) {
	ConsumerRestarts.Inc()
	ConsumerStallEvents.Inc()

	desc := ConsumerRestarts.Desc()
	if desc == nil {
		t.Error("Expected Desc to be non-nil")
	}
}

// === Pipeline Metrics Tests ===

func TestPipelineGauges(t *testing.T) {
	PipelineMapSize.Set(42)
	PipelineTotalCapacity.Set(500)

	desc := PipelineMapSize.Desc()
	if desc == nil {
		t.Error("Expected Desc to be non-nil")
	}
}

// === Standby Metrics Tests ===

func TestStandbyRoleGauge(t *testing.T) {
	StandbyRole.Set(StandbyRoleStandby)
	StandbyRole.Set(StandbyRolePrimary)

	val := testutil.ToFloat64(StandbyRole)
	if val != StandbyRolePrimary {
		t.Errorf("Expected standby role %d, got %f", StandbyRolePrimary, val)
	}
}

// === Config Metrics Tests ===

func TestConfigCounters(t *testing.T) {
	ConfigFetches.WithLabelValues("http://cp-1.local", "success").Inc()
	ConfigFetches.WithLabelValues("http://cp-2.local", "failure").Inc()
	ConfigApplied.Inc()

	counter := ConfigFetches.WithLabelValues("http://cp-1.local", "success")
	if counter == nil {
		t.Error("Expected counter to be non-nil")
	}
}

// === Circuit Breaker Constants Tests ===

func TestCircuitBreakerConstants(t *testing.T) {
	if CircuitBreakerClosed != 0 {
		t.Errorf("Expected CircuitBreakerClosed=0, got %d", CircuitBreakerClosed)
	}
	if CircuitBreakerOpen != 1 {
		t.Errorf("Expected CircuitBreakerOpen=1, got %d", CircuitBreakerOpen)
	}
	if CircuitBreakerHalfOpen != 2 {
		t.Errorf("Expected CircuitBreakerHalfOpen=2, got %d", CircuitBreakerHalfOpen)
	}
}

func TestStandbyRoleConstants(t *testing.T) {
	if StandbyRoleStandby != 0 {
		t.Errorf("Expected StandbyRoleStandby=0, got %d", StandbyRoleStandby)
	}
	if StandbyRolePrimary != 1 {
		t.Errorf("Expected StandbyRolePrimary=1, got %d", StandbyRolePrimary)
	}
}

// === Counter Value Tests ===

func TestCounterValue(t *testing.T) {
	// Create a new registry for isolated testing
	reg := prometheus.NewRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_counter",
		Help: "Test counter",
	})

	reg.MustRegister(counter)

	counter.Add(5)

	val := testutil.ToFloat64(counter)
	if val != 5 {
		t.Errorf("Expected counter value 5, got %f", val)
	}

	counter.Inc()

	val = testutil.ToFloat64(counter)
	if val != 6 {
		t.Errorf("Expected counter value 6, got %f", val)
	}
}

// === Gauge Value Tests ===

func TestGaugeValue(t *testing.T) {
	reg := prometheus.NewRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "test_gauge",
		Help: "Test gauge",
	})

	reg.MustRegister(gauge)

	gauge.Set(100)
	val := testutil.ToFloat64(gauge)
	if val != 100 {
		t.Errorf("Expected gauge value 100, got %f", val)
	}

	gauge.Add(50)
	val = testutil.ToFloat64(gauge)
	if val != 150 {
		t.Errorf("Expected gauge value 150, got %f", val)
	}
}

// === Integration-style Tests ===

func TestPoolMetricsIntegration(t *testing.T) {
	poolCode := "integration-test-pool"

	for i := 0; i < 100; i++ {
		if i%10 == 0 {
			PoolMessagesProcessed.WithLabelValues(poolCode, "failed").Inc()
		} else if i%20 == 0 {
			PoolMessagesProcessed.WithLabelValues(poolCode, "rate_limited").Inc()
		} else {
			PoolMessagesProcessed.WithLabelValues(poolCode, "success").Inc()
		}

		MediatorDuration.WithLabelValues(poolCode, "success").Observe(float64(i) * 0.001)
	}

	PoolActiveWorkers.WithLabelValues(poolCode).Set(10)
	PoolQueueDepth.WithLabelValues(poolCode).Set(25)

	// All operations should succeed without panic
}

// Benchmark for counter operations
func BenchmarkCounterInc(b *testing.B) {
	counter := PoolMessagesProcessed.WithLabelValues("bench-pool", "success")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		counter.Inc()
	}
}

// Benchmark for histogram observations
func BenchmarkHistogramObserve(b *testing.B) {
	histogram := MediatorDuration.WithLabelValues("bench-pool", "success")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		histogram.Observe(0.123)
	}
}
