package router

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.flowcatalyst.tech/router/internal/queue"
	"go.flowcatalyst.tech/router/internal/router/manager"
	"go.flowcatalyst.tech/router/internal/router/mediator"
	"go.flowcatalyst.tech/router/internal/router/model"
)

// testMessage implements queue.Message for end-to-end routing tests
type testMessage struct {
	id   string
	data []byte

	mu       sync.Mutex
	acks     int
	naks     int
	nakDelay time.Duration
}

func (m *testMessage) ID() string           { return m.id }
func (m *testMessage) Data() []byte         { return m.data }
func (m *testMessage) Subject() string      { return "message-router" }
func (m *testMessage) MessageGroup() string { return "" }

func (m *testMessage) Ack() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acks++
	return nil
}

func (m *testMessage) Nak() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.naks++
	return nil
}

func (m *testMessage) NakWithDelay(delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.naks++
	m.nakDelay = delay
	return nil
}

func (m *testMessage) InProgress() error           { return nil }
func (m *testMessage) Metadata() map[string]string { return nil }

func (m *testMessage) acked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acks > 0
}

func (m *testMessage) nacked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.naks > 0
}

func (m *testMessage) delay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nakDelay
}

// newPointer builds a broker message carrying a pointer aimed at target
func newPointer(t *testing.T, id, target, group string, mutate func(*model.MessagePointer)) *testMessage {
	t.Helper()
	pointer := &model.MessagePointer{
		ID:              id,
		PoolCode:        "TEST",
		MediationType:   model.MediationTypeHTTP,
		MediationTarget: target,
		MessageGroupID:  group,
	}
	if mutate != nil {
		mutate(pointer)
	}
	data, err := json.Marshal(pointer)
	if err != nil {
		t.Fatalf("marshal pointer: %v", err)
	}
	return &testMessage{id: "broker-" + id, data: data}
}

// newRoutingManager builds a started manager with a fast dev-style mediator
func newRoutingManager(t *testing.T) *manager.QueueManager {
	t.Helper()
	m := manager.NewQueueManager(&mediator.HTTPMediatorConfig{
		Timeout:         2 * time.Second,
		HTTPVersion:     mediator.HTTPVersion1,
		MaxRetries:      1,
		RetryMinBackoff: 10 * time.Millisecond,
		RetryMaxBackoff: 50 * time.Millisecond,
	}).
		WithPipelineCleanup(&manager.PipelineCleanupConfig{Enabled: false}).
		WithVisibilityExtender(&manager.VisibilityExtenderConfig{Enabled: false}).
		WithLeakDetection(&manager.LeakDetectionConfig{Enabled: false}).
		WithResubmit(&manager.ResubmitConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond})
	m.Start()
	t.Cleanup(m.Stop)
	m.GetOrCreatePool(&manager.PoolConfig{Code: "TEST", Concurrency: 4})
	return m
}

func await(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestRouting_SuccessAcks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	m := newRoutingManager(t)
	msg := newPointer(t, "m1", server.URL, "", nil)

	result := m.SubmitBatch([]queue.Message{msg}, "test-queue")
	if result.Submitted != 1 {
		t.Fatalf("Expected 1 submitted, got %+v", result)
	}

	await(t, 3*time.Second, msg.acked, "200 response should ack the pointer")
}

func TestRouting_ServerErrorNacks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	m := newRoutingManager(t)
	msg := newPointer(t, "m1", server.URL, "", nil)

	m.SubmitBatch([]queue.Message{msg}, "test-queue")
	await(t, 3*time.Second, msg.nacked, "500 response should nack for redelivery")
	if msg.acked() {
		t.Error("500 response must not ack")
	}
}

func TestRouting_ClientErrorAckedAsPoison(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	m := newRoutingManager(t)
	msg := newPointer(t, "m1", server.URL, "", nil)

	m.SubmitBatch([]queue.Message{msg}, "test-queue")
	await(t, 3*time.Second, msg.acked, "400 response should ack as poison")
	if msg.nacked() {
		t.Error("Poison pointer must not redeliver")
	}
}

func TestRouting_AckFalseDefersWithDelay(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"ack":          false,
			"delaySeconds": 7,
		})
	}))
	defer server.Close()

	m := newRoutingManager(t)
	msg := newPointer(t, "m1", server.URL, "", nil)

	m.SubmitBatch([]queue.Message{msg}, "test-queue")
	await(t, 3*time.Second, msg.nacked, "ack=false should nack for retry")
	if msg.delay() != 7*time.Second {
		t.Errorf("Expected 7s redelivery delay, got %v", msg.delay())
	}
}

func TestRouting_RetryAfterHonored(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "12")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	m := newRoutingManager(t)
	msg := newPointer(t, "m1", server.URL, "", nil)

	m.SubmitBatch([]queue.Message{msg}, "test-queue")
	await(t, 3*time.Second, msg.nacked, "429 should nack")
	if msg.delay() != 12*time.Second {
		t.Errorf("Expected Retry-After delay of 12s, got %v", msg.delay())
	}
}

func TestRouting_AuthAndSignatureHeaders(t *testing.T) {
	var gotAuth, gotSignature, gotTimestamp atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		gotSignature.Store(r.Header.Get(mediator.SignatureHeader))
		gotTimestamp.Store(r.Header.Get(mediator.TimestampHeader))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	m := newRoutingManager(t)
	msg := newPointer(t, "m1", server.URL, "", func(p *model.MessagePointer) {
		p.AuthToken = "secret-token"
		p.SigningSecret = "signing-key"
	})

	m.SubmitBatch([]queue.Message{msg}, "test-queue")
	await(t, 3*time.Second, msg.acked, "Delivery should succeed")

	if gotAuth.Load() != "Bearer secret-token" {
		t.Errorf("Expected bearer token header, got %v", gotAuth.Load())
	}
	if sig, _ := gotSignature.Load().(string); sig == "" {
		t.Error("Expected a signature header when signingSecret is set")
	}
	if ts, _ := gotTimestamp.Load().(string); ts == "" {
		t.Error("Expected a timestamp header when signingSecret is set")
	}
}

func TestRouting_FIFOWithinGroup(t *testing.T) {
	var mu sync.Mutex
	var order []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ID string `json:"id"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		order = append(order, body.ID)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	m := newRoutingManager(t)
	msgs := []queue.Message{
		newPointer(t, "m1", server.URL, "order-1", nil),
		newPointer(t, "m2", server.URL, "order-1", nil),
		newPointer(t, "m3", server.URL, "order-1", nil),
	}

	result := m.SubmitBatch(msgs, "test-queue")
	if result.Submitted != 3 {
		t.Fatalf("Expected 3 submitted, got %+v", result)
	}

	await(t, 3*time.Second, func() bool {
		for _, msg := range msgs {
			if !msg.(*testMessage).acked() {
				return false
			}
		}
		return true
	}, "All pointers should deliver")

	mu.Lock()
	defer mu.Unlock()
	want := []string{"m1", "m2", "m3"}
	if len(order) != 3 {
		t.Fatalf("Expected 3 deliveries, got %d", len(order))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("Group deliveries out of order: got %v want %v", order, want)
		}
	}
}

func TestRouting_GroupsProcessConcurrently(t *testing.T) {
	// Each delivery blocks briefly; four groups on a concurrency-4 pool
	// should overlap rather than serialize.
	var inflight, peak atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := inflight.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(100 * time.Millisecond)
		inflight.Add(-1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	m := newRoutingManager(t)
	msgs := []queue.Message{
		newPointer(t, "m1", server.URL, "g1", nil),
		newPointer(t, "m2", server.URL, "g2", nil),
		newPointer(t, "m3", server.URL, "g3", nil),
		newPointer(t, "m4", server.URL, "g4", nil),
	}

	m.SubmitBatch(msgs, "test-queue")

	await(t, 5*time.Second, func() bool {
		for _, msg := range msgs {
			if !msg.(*testMessage).acked() {
				return false
			}
		}
		return true
	}, "All groups should deliver")

	if peak.Load() < 2 {
		t.Errorf("Expected concurrent deliveries across groups, peak=%d", peak.Load())
	}
}

func TestRouting_FailureBlocksRestOfGroup(t *testing.T) {
	// First delivery for the group fails; the rest of the batch's group must
	// go back to the broker untried to preserve FIFO order.
	var delivered atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delivered.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	m := newRoutingManager(t)
	msgs := []queue.Message{
		newPointer(t, "m1", server.URL, "order-1", nil),
		newPointer(t, "m2", server.URL, "order-1", nil),
		newPointer(t, "m3", server.URL, "order-1", nil),
	}

	m.SubmitBatch(msgs, "test-queue")

	await(t, 5*time.Second, func() bool {
		for _, msg := range msgs {
			if !msg.(*testMessage).nacked() {
				return false
			}
		}
		return true
	}, "Whole group should go back to the broker")

	// Only the head of the group reaches the target; the barrier holds the
	// rest back.
	if delivered.Load() > 1 {
		t.Errorf("Expected only the head delivery, target saw %d", delivered.Load())
	}
}

func TestRouting_NextOnErrorContinuesGroup(t *testing.T) {
	// NEXT_ON_ERROR dispatch mode: a failure does not raise the barrier
	var mu sync.Mutex
	seen := map[string]bool{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ID string `json:"id"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		seen[body.ID] = true
		mu.Unlock()
		if body.ID == "m1" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	m := newRoutingManager(t)
	nextOnError := func(p *model.MessagePointer) { p.DispatchMode = model.DispatchModeNextOnError }
	first := newPointer(t, "m1", server.URL, "order-1", nextOnError)
	second := newPointer(t, "m2", server.URL, "order-1", nextOnError)

	m.SubmitBatch([]queue.Message{first, second}, "test-queue")

	await(t, 5*time.Second, func() bool {
		return first.nacked() && second.acked()
	}, "Failure should not block later group members under NEXT_ON_ERROR")

	mu.Lock()
	defer mu.Unlock()
	if !seen["m2"] {
		t.Error("m2 should have been delivered despite m1 failing")
	}
}

// flippableStandby lets tests flip the primary role
type flippableStandby struct{ primary atomic.Bool }

func (s *flippableStandby) IsPrimary() bool { return s.primary.Load() }

func TestRouting_StandbyGate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	m := newRoutingManager(t)
	standby := &flippableStandby{}
	m.WithStandbyChecker(standby)

	// Standing by: everything goes back to the broker untried
	msg := newPointer(t, "m1", server.URL, "", nil)
	result := m.SubmitBatch([]queue.Message{msg}, "test-queue")
	if result.Rejected != 1 || !msg.nacked() {
		t.Fatalf("Standby instance should nack, got %+v", result)
	}

	// Promoted: the redelivered pointer routes normally
	standby.primary.Store(true)
	redelivered := newPointer(t, "m1", server.URL, "", nil)
	result = m.SubmitBatch([]queue.Message{redelivered}, "test-queue")
	if result.Submitted != 1 {
		t.Fatalf("Primary should route, got %+v", result)
	}
	await(t, 3*time.Second, redelivered.acked, "Pointer should deliver once primary")
}
