package pool

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.flowcatalyst.tech/router/internal/router/model"
)

// MockMediator implements Mediator for testing
type MockMediator struct {
	processFunc func(msg *model.MessagePointer) *MediationOutcome
	callCount   atomic.Int32
	mu          sync.Mutex
	calls       []*model.MessagePointer
}

func NewMockMediator() *MockMediator {
	return &MockMediator{
		processFunc: func(msg *model.MessagePointer) *MediationOutcome {
			return &MediationOutcome{Result: MediationResultSuccess}
		},
		calls: make([]*model.MessagePointer, 0),
	}
}

func (m *MockMediator) Process(msg *model.MessagePointer) *MediationOutcome {
	m.callCount.Add(1)
	m.mu.Lock()
	m.calls = append(m.calls, msg)
	m.mu.Unlock()
	return m.processFunc(msg)
}

func (m *MockMediator) GetCallCount() int {
	return int(m.callCount.Load())
}

func (m *MockMediator) GetCalls() []*model.MessagePointer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*model.MessagePointer{}, m.calls...)
}

// MockCallback implements MessageCallback for testing
type MockCallback struct {
	ackCount  atomic.Int32
	nackCount atomic.Int32
	acked     sync.Map
	nacked    sync.Map

	mu     sync.Mutex
	delays []int
}

func NewMockCallback() *MockCallback {
	return &MockCallback{}
}

func (c *MockCallback) Ack(msg *model.MessagePointer) {
	c.ackCount.Add(1)
	c.acked.Store(msg.ID, msg)
}

func (c *MockCallback) Nack(msg *model.MessagePointer) {
	c.nackCount.Add(1)
	c.nacked.Store(msg.ID, msg)
}

func (c *MockCallback) SetVisibilityDelay(msg *model.MessagePointer, seconds int) {
	c.mu.Lock()
	c.delays = append(c.delays, seconds)
	c.mu.Unlock()
}

func (c *MockCallback) SetFastFailVisibility(msg *model.MessagePointer) {}

func (c *MockCallback) ResetVisibilityToDefault(msg *model.MessagePointer) {}

func (c *MockCallback) GetAckCount() int {
	return int(c.ackCount.Load())
}

func (c *MockCallback) GetNackCount() int {
	return int(c.nackCount.Load())
}

func (c *MockCallback) GetDelays() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int{}, c.delays...)
}

func newTestPool(code string, concurrency int, rateLimit *int, mediator Mediator, callback MessageCallback) *ProcessPool {
	return NewProcessPool(code, concurrency, 100, rateLimit, mediator, callback, Options{})
}

func TestNewProcessPool(t *testing.T) {
	mediator := NewMockMediator()
	callback := NewMockCallback()

	pool := newTestPool("test-pool", 5, nil, mediator, callback)

	if pool == nil {
		t.Fatal("NewProcessPool returned nil")
	}

	if pool.poolCode != "test-pool" {
		t.Errorf("Expected poolCode 'test-pool', got '%s'", pool.poolCode)
	}

	if pool.GetConcurrency() != 5 {
		t.Errorf("Expected concurrency 5, got %d", pool.GetConcurrency())
	}

	if pool.Breaker() == nil {
		t.Error("Pool should carry a circuit breaker")
	}
}

func TestProcessPoolSubmit(t *testing.T) {
	mediator := NewMockMediator()
	callback := NewMockCallback()

	pool := newTestPool("test-pool", 5, nil, mediator, callback)
	pool.Start()
	defer pool.Shutdown()

	msg := &model.MessagePointer{
		ID:              "msg-1",
		MessageGroupID:  "group-1",
		MediationTarget: "http://example.com/webhook",
	}

	if !pool.Submit(msg) {
		t.Error("Submit returned false for valid message")
	}

	// Wait for processing
	time.Sleep(100 * time.Millisecond)

	if mediator.GetCallCount() != 1 {
		t.Errorf("Expected 1 mediator call, got %d", mediator.GetCallCount())
	}

	if callback.GetAckCount() != 1 {
		t.Errorf("Expected 1 ack, got %d", callback.GetAckCount())
	}
}

func TestProcessPoolConcurrency(t *testing.T) {
	var processingCount atomic.Int32
	var maxConcurrent atomic.Int32

	mediator := &MockMediator{
		processFunc: func(msg *model.MessagePointer) *MediationOutcome {
			current := processingCount.Add(1)
			// Track max concurrent
			for {
				max := maxConcurrent.Load()
				if current <= max || maxConcurrent.CompareAndSwap(max, current) {
					break
				}
			}
			time.Sleep(50 * time.Millisecond) // Simulate work
			processingCount.Add(-1)
			return &MediationOutcome{Result: MediationResultSuccess}
		},
	}
	callback := NewMockCallback()

	concurrency := 3
	pool := newTestPool("test-pool", concurrency, nil, mediator, callback)
	pool.Start()
	defer pool.Shutdown()

	// Submit messages from different groups (to allow parallel processing)
	for i := 0; i < 10; i++ {
		msg := &model.MessagePointer{
			ID:              fmt.Sprintf("msg-%d", i),
			MessageGroupID:  fmt.Sprintf("group-%d", i), // Different group per message
			MediationTarget: "http://example.com",
		}
		pool.Submit(msg)
	}

	// Wait for all to complete
	time.Sleep(500 * time.Millisecond)

	if maxConcurrent.Load() > int32(concurrency) {
		t.Errorf("Max concurrent %d exceeded concurrency limit %d", maxConcurrent.Load(), concurrency)
	}
}

func TestProcessPoolMessageGroupFIFO(t *testing.T) {
	var processOrder []string
	var mu sync.Mutex

	mediator := &MockMediator{
		processFunc: func(msg *model.MessagePointer) *MediationOutcome {
			mu.Lock()
			processOrder = append(processOrder, msg.ID)
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			return &MediationOutcome{Result: MediationResultSuccess}
		},
	}
	callback := NewMockCallback()

	pool := newTestPool("test-pool", 1, nil, mediator, callback)
	pool.Start()
	defer pool.Shutdown()

	// Submit messages in order for same group
	group := "same-group"
	for i := 1; i <= 5; i++ {
		msg := &model.MessagePointer{
			ID:              fmt.Sprintf("%d", i),
			MessageGroupID:  group,
			MediationTarget: "http://example.com",
		}
		pool.Submit(msg)
	}

	// Wait for processing
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	// Verify FIFO order within group
	expected := []string{"1", "2", "3", "4", "5"}
	if len(processOrder) != len(expected) {
		t.Fatalf("Expected %d messages processed, got %d", len(expected), len(processOrder))
	}

	for i, id := range expected {
		if processOrder[i] != id {
			t.Errorf("Position %d: expected %s, got %s", i, id, processOrder[i])
		}
	}
}

func TestProcessPoolSubmitAfterIdleWorkerRetires(t *testing.T) {
	mediator := NewMockMediator()
	callback := NewMockCallback()

	pool := NewProcessPool("test-pool", 2, 100, nil, mediator, callback,
		Options{IdleWorkerTimeout: 20 * time.Millisecond})
	pool.Start()
	defer pool.Shutdown()

	group := "retiring-group"
	pool.Submit(&model.MessagePointer{
		ID:              "msg-1",
		MessageGroupID:  group,
		MediationTarget: "http://example.com",
	})

	// Wait for processing and for the idle worker to retire
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := pool.messageGroupQueues.Load(group); !ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, ok := pool.messageGroupQueues.Load(group); ok {
		t.Fatal("Idle worker should have retired and dropped the group queue")
	}

	// A submit after retirement must reach a live worker, not a dropped queue
	if !pool.Submit(&model.MessagePointer{
		ID:              "msg-2",
		MessageGroupID:  group,
		MediationTarget: "http://example.com",
	}) {
		t.Fatal("Submit after worker retirement returned false")
	}

	time.Sleep(100 * time.Millisecond)
	if callback.GetAckCount() != 2 {
		t.Errorf("Expected 2 acks, got %d", callback.GetAckCount())
	}
}

func TestProcessPoolIdleRetirementLosesNoMessages(t *testing.T) {
	mediator := NewMockMediator()
	callback := NewMockCallback()

	// Aggressive idle timeout so retirements race submissions constantly
	pool := NewProcessPool("test-pool", 4, 1000, nil, mediator, callback,
		Options{IdleWorkerTimeout: time.Millisecond})
	pool.Start()
	defer pool.Shutdown()

	accepted := 0
	for i := 0; i < 200; i++ {
		msg := &model.MessagePointer{
			ID:              fmt.Sprintf("msg-%d", i),
			MessageGroupID:  "hot-group",
			MediationTarget: "http://example.com",
		}
		if pool.Submit(msg) {
			accepted++
		}
		if i%10 == 0 {
			time.Sleep(2 * time.Millisecond)
		}
	}

	// Every accepted message must be delivered; none may sit in a queue no
	// worker drains
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && callback.GetAckCount() < accepted {
		time.Sleep(10 * time.Millisecond)
	}
	if got := callback.GetAckCount(); got != accepted {
		t.Errorf("Accepted %d messages but only %d were delivered", accepted, got)
	}
}

func TestProcessPoolMediationNack(t *testing.T) {
	mediator := &MockMediator{
		processFunc: func(msg *model.MessagePointer) *MediationOutcome {
			return &MediationOutcome{
				Result: MediationResultNack,
				Reason: "target returned 503",
			}
		},
	}
	callback := NewMockCallback()

	pool := newTestPool("test-pool", 5, nil, mediator, callback)
	pool.Start()
	defer pool.Shutdown()

	msg := &model.MessagePointer{
		ID:              "msg-1",
		MessageGroupID:  "group-1",
		MediationTarget: "http://example.com",
	}

	pool.Submit(msg)
	time.Sleep(100 * time.Millisecond)

	// Failed mediation should result in nack
	if callback.GetNackCount() != 1 {
		t.Errorf("Expected 1 nack for failed mediation, got %d", callback.GetNackCount())
	}
	if callback.GetAckCount() != 0 {
		t.Errorf("Expected 0 acks, got %d", callback.GetAckCount())
	}
}

func TestProcessPoolNackHonorsSuggestedDelay(t *testing.T) {
	delay := 5 * time.Second
	mediator := &MockMediator{
		processFunc: func(msg *model.MessagePointer) *MediationOutcome {
			return &MediationOutcome{
				Result: MediationResultNack,
				Delay:  &delay,
				Reason: "Retry-After",
			}
		},
	}
	callback := NewMockCallback()

	pool := newTestPool("test-pool", 2, nil, mediator, callback)
	pool.Start()
	defer pool.Shutdown()

	pool.Submit(&model.MessagePointer{ID: "msg-1", MediationTarget: "http://example.com"})
	time.Sleep(100 * time.Millisecond)

	delays := callback.GetDelays()
	if len(delays) != 1 || delays[0] != 5 {
		t.Errorf("Expected visibility delay [5], got %v", delays)
	}
}

func TestProcessPoolErrorConfigAcksAsPoison(t *testing.T) {
	mediator := &MockMediator{
		processFunc: func(msg *model.MessagePointer) *MediationOutcome {
			return &MediationOutcome{
				Result:     MediationResultErrorConfig,
				StatusCode: 404,
				Reason:     "target not found",
			}
		},
	}
	callback := NewMockCallback()

	pool := newTestPool("test-pool", 2, nil, mediator, callback)
	pool.Start()
	defer pool.Shutdown()

	pool.Submit(&model.MessagePointer{ID: "msg-poison", MediationTarget: "http://example.com/missing"})
	time.Sleep(100 * time.Millisecond)

	// Poison messages are ACKed so they never redeliver
	if callback.GetAckCount() != 1 {
		t.Errorf("Expected 1 ack for poison message, got %d", callback.GetAckCount())
	}
	if callback.GetNackCount() != 0 {
		t.Errorf("Expected 0 nacks for poison message, got %d", callback.GetNackCount())
	}
}

func TestProcessPoolBlockOnErrorBarrier(t *testing.T) {
	var mu sync.Mutex
	var attempted []string

	mediator := &MockMediator{
		processFunc: func(msg *model.MessagePointer) *MediationOutcome {
			mu.Lock()
			attempted = append(attempted, msg.ID)
			mu.Unlock()
			if msg.ID == "p1" {
				return &MediationOutcome{Result: MediationResultNack}
			}
			return &MediationOutcome{Result: MediationResultSuccess}
		},
	}
	callback := NewMockCallback()

	pool := newTestPool("test-pool", 1, nil, mediator, callback)
	pool.Start()
	defer pool.Shutdown()

	// Same batch, same group, default BLOCK_ON_ERROR
	for _, id := range []string{"p1", "p2", "p3"} {
		pool.Submit(&model.MessagePointer{
			ID:              id,
			BatchID:         "batch-1",
			MessageGroupID:  "g",
			MediationTarget: "http://example.com",
		})
	}

	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	// p1 fails; p2 and p3 must be nacked back without a delivery attempt
	if len(attempted) != 1 || attempted[0] != "p1" {
		t.Errorf("Expected only p1 attempted, got %v", attempted)
	}
	if callback.GetNackCount() != 3 {
		t.Errorf("Expected 3 nacks (p1 failed, p2/p3 barriered), got %d", callback.GetNackCount())
	}
}

func TestProcessPoolNextOnErrorContinues(t *testing.T) {
	var mu sync.Mutex
	var attempted []string

	mediator := &MockMediator{
		processFunc: func(msg *model.MessagePointer) *MediationOutcome {
			mu.Lock()
			attempted = append(attempted, msg.ID)
			mu.Unlock()
			if msg.ID == "p1" {
				return &MediationOutcome{Result: MediationResultNack}
			}
			return &MediationOutcome{Result: MediationResultSuccess}
		},
	}
	callback := NewMockCallback()

	pool := newTestPool("test-pool", 1, nil, mediator, callback)
	pool.Start()
	defer pool.Shutdown()

	for _, id := range []string{"p1", "p2", "p3"} {
		pool.Submit(&model.MessagePointer{
			ID:              id,
			BatchID:         "batch-1",
			MessageGroupID:  "g",
			DispatchMode:    model.DispatchModeNextOnError,
			MediationTarget: "http://example.com",
		})
	}

	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	if len(attempted) != 3 {
		t.Errorf("NEXT_ON_ERROR should attempt all pointers, got %v", attempted)
	}
	if callback.GetAckCount() != 2 {
		t.Errorf("Expected 2 acks (p2, p3), got %d", callback.GetAckCount())
	}
}

func TestProcessPoolDrain(t *testing.T) {
	mediator := &MockMediator{
		calls: make([]*model.MessagePointer, 0),
		processFunc: func(msg *model.MessagePointer) *MediationOutcome {
			time.Sleep(20 * time.Millisecond)
			return &MediationOutcome{Result: MediationResultSuccess}
		},
	}
	callback := NewMockCallback()

	pool := newTestPool("test-pool", 5, nil, mediator, callback)
	pool.Start()

	// Submit some messages
	for i := 0; i < 5; i++ {
		msg := &model.MessagePointer{
			ID:              fmt.Sprintf("msg-%d", i),
			MessageGroupID:  fmt.Sprintf("group-%d", i),
			MediationTarget: "http://example.com",
		}
		pool.Submit(msg)
	}

	// Give time for messages to be picked up by goroutines
	time.Sleep(100 * time.Millisecond)

	// Drain should wait for completion
	pool.Drain()
	pool.Shutdown()

	ackCount := callback.GetAckCount()
	if ackCount != 5 {
		t.Logf("Expected 5 acks after drain, got %d (this may indicate a timing issue)", ackCount)
	}
}

func TestProcessPoolUpdateConcurrency(t *testing.T) {
	mediator := NewMockMediator()
	callback := NewMockCallback()

	pool := newTestPool("test-pool", 5, nil, mediator, callback)
	pool.Start()
	defer pool.Shutdown()

	if pool.GetConcurrency() != 5 {
		t.Errorf("Initial concurrency should be 5, got %d", pool.GetConcurrency())
	}

	// Increase concurrency - use a goroutine to avoid blocking
	done := make(chan bool, 1)
	go func() {
		pool.UpdateConcurrency(10, 0)
		done <- true
	}()

	select {
	case <-done:
		// Success
	case <-time.After(2 * time.Second):
		t.Log("UpdateConcurrency took longer than expected (may be waiting for drain)")
	}

	// Verify concurrency was updated
	newConcurrency := pool.GetConcurrency()
	if newConcurrency != 5 && newConcurrency != 10 {
		t.Errorf("Concurrency should be 5 or 10, got %d", newConcurrency)
	}
}

func TestProcessPoolRateLimit(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping rate limit test in short mode")
	}

	mediator := NewMockMediator()
	callback := NewMockCallback()

	rateLimit := 600 // 600 per minute = 10 per second (faster for testing)
	pool := newTestPool("test-pool", 10, &rateLimit, mediator, callback)
	pool.Start()
	defer pool.Shutdown()

	// Submit several messages quickly
	for i := 0; i < 3; i++ {
		msg := &model.MessagePointer{
			ID:              fmt.Sprintf("msg-%d", i),
			MessageGroupID:  fmt.Sprintf("group-%d", i),
			MediationTarget: "http://example.com",
		}
		pool.Submit(msg)
	}

	// Wait for processing
	time.Sleep(500 * time.Millisecond)

	// Verify messages were processed (rate limit doesn't block at this rate)
	if callback.GetAckCount() < 3 {
		t.Logf("Processed %d messages with rate limiting enabled", callback.GetAckCount())
	}
}

func BenchmarkProcessPoolSubmit(b *testing.B) {
	mediator := NewMockMediator()
	callback := NewMockCallback()

	pool := NewProcessPool("bench-pool", 10, 1000, nil, mediator, callback, Options{})
	pool.Start()
	defer pool.Shutdown()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		msg := &model.MessagePointer{
			ID:              fmt.Sprintf("msg-%d", i),
			MessageGroupID:  "group",
			MediationTarget: "http://example.com",
		}
		pool.Submit(msg)
	}
}
