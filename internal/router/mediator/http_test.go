package mediator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.flowcatalyst.tech/router/internal/router/model"
	"go.flowcatalyst.tech/router/internal/router/pool"
)

func fastConfig() *HTTPMediatorConfig {
	return &HTTPMediatorConfig{
		Timeout:         5 * time.Second,
		MaxRetries:      1,
		RetryMinBackoff: 10 * time.Millisecond,
		RetryMaxBackoff: 20 * time.Millisecond,
	}
}

func TestNewHTTPMediator(t *testing.T) {
	mediator := NewHTTPMediator(nil)

	if mediator == nil {
		t.Fatal("NewHTTPMediator returned nil")
	}

	if mediator.client == nil {
		t.Error("HTTP client is nil")
	}

	if mediator.maxRetries != 3 {
		t.Errorf("Expected maxRetries 3, got %d", mediator.maxRetries)
	}
}

func TestHTTPMediatorProcess_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]bool{"ack": true})
	}))
	defer server.Close()

	mediator := NewHTTPMediator(fastConfig())

	msg := &model.MessagePointer{
		ID:              "test-1",
		MediationTarget: server.URL,
	}

	outcome := mediator.Process(msg)

	if outcome.Result != pool.MediationResultSuccess {
		t.Errorf("Expected Success, got %v", outcome.Result)
	}
}

func TestHTTPMediatorProcess_ClientError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	mediator := NewHTTPMediator(fastConfig())

	msg := &model.MessagePointer{
		ID:              "test-1",
		MediationTarget: server.URL,
	}

	outcome := mediator.Process(msg)

	if outcome.Result != pool.MediationResultErrorConfig {
		t.Errorf("Expected ErrorConfig for 400, got %v", outcome.Result)
	}

	if outcome.StatusCode != 400 {
		t.Errorf("Expected status code 400, got %d", outcome.StatusCode)
	}
}

func TestHTTPMediatorProcess_ServerError(t *testing.T) {
	var callCount atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cfg := fastConfig()
	cfg.MaxRetries = 3
	mediator := NewHTTPMediator(cfg)

	msg := &model.MessagePointer{
		ID:              "test-1",
		MediationTarget: server.URL,
	}

	outcome := mediator.Process(msg)

	if outcome.Result != pool.MediationResultNack {
		t.Errorf("Expected Nack for 500, got %v", outcome.Result)
	}

	// Should have retried 3 times
	if callCount.Load() != 3 {
		t.Errorf("Expected 3 retry attempts, got %d", callCount.Load())
	}

	// Retries exhausted without Retry-After: backoff delay is suggested
	if outcome.Delay == nil {
		t.Error("Expected a suggested delay after retries exhausted")
	}
}

func TestHTTPMediatorProcess_AckFalse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"ack":          false,
			"delaySeconds": 5,
		})
	}))
	defer server.Close()

	mediator := NewHTTPMediator(fastConfig())

	msg := &model.MessagePointer{
		ID:              "test-1",
		MediationTarget: server.URL,
	}

	outcome := mediator.Process(msg)

	if outcome.Result != pool.MediationResultNack {
		t.Errorf("Expected Nack for ack=false, got %v", outcome.Result)
	}

	if outcome.Delay == nil {
		t.Error("Expected delay to be set")
	} else if *outcome.Delay != 5*time.Second {
		t.Errorf("Expected 5s delay, got %v", *outcome.Delay)
	}
}

func TestHTTPMediatorProcess_TooManyRequests(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "10")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	mediator := NewHTTPMediator(fastConfig())

	msg := &model.MessagePointer{
		ID:              "test-1",
		MediationTarget: server.URL,
	}

	outcome := mediator.Process(msg)

	if outcome.Result != pool.MediationResultNack {
		t.Errorf("Expected Nack for 429, got %v", outcome.Result)
	}

	if outcome.StatusCode != 429 {
		t.Errorf("Expected status code 429, got %d", outcome.StatusCode)
	}

	if outcome.Delay == nil || *outcome.Delay != 10*time.Second {
		t.Errorf("Expected 10s delay from Retry-After, got %v", outcome.Delay)
	}
}

func TestHTTPMediatorProcess_NilMessage(t *testing.T) {
	mediator := NewHTTPMediator(nil)

	outcome := mediator.Process(nil)

	if outcome.Result != pool.MediationResultErrorConfig {
		t.Errorf("Expected ErrorConfig for nil message, got %v", outcome.Result)
	}
}

func TestHTTPMediatorProcess_NoTargetURL(t *testing.T) {
	mediator := NewHTTPMediator(nil)

	msg := &model.MessagePointer{
		ID:              "test-1",
		MediationTarget: "",
	}

	outcome := mediator.Process(msg)

	if outcome.Result != pool.MediationResultErrorConfig {
		t.Errorf("Expected ErrorConfig for empty target URL, got %v", outcome.Result)
	}
}

func TestHTTPMediatorProcess_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := fastConfig()
	cfg.Timeout = 100 * time.Millisecond
	mediator := NewHTTPMediator(cfg)

	msg := &model.MessagePointer{
		ID:              "test-1",
		MediationTarget: server.URL,
	}

	outcome := mediator.Process(msg)

	if outcome.Result != pool.MediationResultNack {
		t.Errorf("Expected Nack for timeout, got %v", outcome.Result)
	}
}

func TestHTTPMediatorProcess_ConnectionRefused(t *testing.T) {
	cfg := fastConfig()
	cfg.Timeout = 1 * time.Second
	mediator := NewHTTPMediator(cfg)

	msg := &model.MessagePointer{
		ID:              "test-1",
		MediationTarget: "http://localhost:59999", // Unlikely to be in use
	}

	outcome := mediator.Process(msg)

	if outcome.Result != pool.MediationResultNack {
		t.Errorf("Expected Nack for connection refused, got %v", outcome.Result)
	}
}

func TestHTTPMediatorProcess_Headers(t *testing.T) {
	var receivedHeaders http.Header

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	mediator := NewHTTPMediator(fastConfig())

	msg := &model.MessagePointer{
		ID:              "test-1",
		MediationTarget: server.URL,
		AuthToken:       "token123",
	}

	mediator.Process(msg)

	if receivedHeaders.Get("Authorization") != "Bearer token123" {
		t.Errorf("Expected Authorization header, got '%s'", receivedHeaders.Get("Authorization"))
	}

	if receivedHeaders.Get("Content-Type") != "application/json" {
		t.Errorf("Expected Content-Type 'application/json', got '%s'", receivedHeaders.Get("Content-Type"))
	}

	if receivedHeaders.Get(CorrelationHeader) == "" {
		t.Error("Expected a correlation ID header")
	}

	if receivedHeaders.Get(SignatureHeader) != "" {
		t.Error("Signature header should be absent without a signing secret")
	}
}

func TestHTTPMediatorProcess_SignedRequest(t *testing.T) {
	var receivedHeaders http.Header
	var receivedBody []byte

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedHeaders = r.Header.Clone()
		body := make([]byte, r.ContentLength)
		r.Body.Read(body)
		receivedBody = body
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	mediator := NewHTTPMediator(fastConfig())

	msg := &model.MessagePointer{
		ID:              "test-1",
		MediationTarget: server.URL,
		AuthToken:       "token123",
		SigningSecret:   "secret456",
	}

	outcome := mediator.Process(msg)

	if outcome.Result != pool.MediationResultSuccess {
		t.Fatalf("Expected Success, got %v", outcome.Result)
	}

	signature := receivedHeaders.Get(SignatureHeader)
	timestamp := receivedHeaders.Get(TimestampHeader)
	if signature == "" || timestamp == "" {
		t.Fatal("Expected signature and timestamp headers on signed request")
	}

	// Receiver-side verification must succeed with the shared secret
	if !NewSigner().Verify(receivedBody, timestamp, signature, "secret456") {
		t.Error("Signature did not verify against the received body")
	}
}

type fakeCredentialSource struct {
	creds map[string]Credentials
	err   error
}

func (f *fakeCredentialSource) Credentials(_ context.Context, serviceAccountID string) (Credentials, error) {
	if f.err != nil {
		return Credentials{}, f.err
	}
	creds, ok := f.creds[serviceAccountID]
	if !ok {
		return Credentials{}, errors.New("unknown service account")
	}
	return creds, nil
}

func TestHTTPMediatorProcess_CredentialReference(t *testing.T) {
	var receivedHeaders http.Header

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	source := &fakeCredentialSource{creds: map[string]Credentials{
		"sa-1": {AuthToken: "resolved-token", SigningSecret: "resolved-secret"},
	}}
	mediator := NewHTTPMediator(fastConfig()).WithCredentialSource(source)

	msg := &model.MessagePointer{
		ID:              "test-1",
		MediationTarget: server.URL,
		AuthToken:       "credential://sa-1",
	}

	outcome := mediator.Process(msg)

	if outcome.Result != pool.MediationResultSuccess {
		t.Fatalf("Expected Success, got %v", outcome.Result)
	}
	if receivedHeaders.Get("Authorization") != "Bearer resolved-token" {
		t.Errorf("Expected resolved token, got '%s'", receivedHeaders.Get("Authorization"))
	}
	// The account's signing secret applies when the pointer carries none
	if receivedHeaders.Get(SignatureHeader) == "" {
		t.Error("Expected signature header from resolved signing secret")
	}
}

func TestHTTPMediatorProcess_CredentialReferenceWithoutSource(t *testing.T) {
	mediator := NewHTTPMediator(fastConfig())

	msg := &model.MessagePointer{
		ID:              "test-1",
		MediationTarget: "http://localhost:59999",
		AuthToken:       "credential://sa-1",
	}

	outcome := mediator.Process(msg)

	if outcome.Result != pool.MediationResultErrorConfig {
		t.Errorf("Expected ErrorConfig without a credential source, got %v", outcome.Result)
	}
}

func TestHTTPMediatorProcess_CredentialLookupFailure(t *testing.T) {
	source := &fakeCredentialSource{err: errors.New("control plane unavailable")}
	mediator := NewHTTPMediator(fastConfig()).WithCredentialSource(source)

	msg := &model.MessagePointer{
		ID:              "test-1",
		MediationTarget: "http://localhost:59999",
		AuthToken:       "credential://sa-1",
	}

	outcome := mediator.Process(msg)

	if outcome.Result != pool.MediationResultNack {
		t.Errorf("Expected Nack on lookup failure, got %v", outcome.Result)
	}
}

func BenchmarkHTTPMediatorProcess(b *testing.B) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	mediator := NewHTTPMediator(fastConfig())

	msg := &model.MessagePointer{
		ID:              "bench",
		MediationTarget: server.URL,
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		mediator.Process(msg)
	}
}
