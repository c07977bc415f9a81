package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeSecrets is a map-backed secrets provider
type fakeSecrets struct {
	mu     sync.Mutex
	values map[string]string
	gets   int
}

func (f *fakeSecrets) Get(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	v, ok := f.values[key]
	if !ok {
		return "", fmt.Errorf("secret %s not found", key)
	}
	return v, nil
}

func (f *fakeSecrets) Set(ctx context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.values == nil {
		f.values = make(map[string]string)
	}
	f.values[key] = value
	return nil
}

func (f *fakeSecrets) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.values, key)
	return nil
}

func (f *fakeSecrets) Name() string { return "fake" }

// credentialsServer serves webhook credentials for one service account
type credentialsServer struct {
	*httptest.Server
	creds   WebhookCredentials
	hits    atomic.Int32
	failing atomic.Bool
}

func newCredentialsServer(creds WebhookCredentials) *credentialsServer {
	cs := &credentialsServer{creds: creds}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cs.hits.Add(1)
		if cs.failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if r.URL.Path != "/api/service-accounts/sa-1/webhook-credentials" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(cs.creds)
	}))
	return cs
}

func TestCredentialsCache_FetchAndResolve(t *testing.T) {
	cs := newCredentialsServer(WebhookCredentials{
		AuthToken:        "vault://hook-token",
		SigningSecret:    "literal-signing-key",
		SigningAlgorithm: "HMAC_SHA256",
	})
	defer cs.Close()

	resolver := &fakeSecrets{values: map[string]string{"hook-token": "resolved-token"}}
	cache := NewCredentialsCache(cs.URL, nil, resolver)

	creds, err := cache.Get(context.Background(), "sa-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if creds.AuthToken != "resolved-token" {
		t.Errorf("Secret reference should resolve through the provider, got %q", creds.AuthToken)
	}
	if creds.SigningSecret != "literal-signing-key" {
		t.Errorf("Literal values pass through unchanged, got %q", creds.SigningSecret)
	}
	if creds.SigningAlgorithm != "HMAC_SHA256" {
		t.Errorf("Unexpected algorithm %q", creds.SigningAlgorithm)
	}
}

func TestCredentialsCache_CachesWithinTTL(t *testing.T) {
	cs := newCredentialsServer(WebhookCredentials{AuthToken: "tok"})
	defer cs.Close()

	cache := NewCredentialsCache(cs.URL, nil, nil)

	ctx := context.Background()
	if _, err := cache.Get(ctx, "sa-1"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := cache.Get(ctx, "sa-1"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cs.hits.Load() != 1 {
		t.Errorf("Second Get within the TTL should hit the cache, fetches=%d", cs.hits.Load())
	}
}

func TestCredentialsCache_ServesStaleOnFailure(t *testing.T) {
	cs := newCredentialsServer(WebhookCredentials{AuthToken: "tok"})
	defer cs.Close()

	cache := NewCredentialsCache(cs.URL, nil, nil).WithTTL(time.Nanosecond)

	ctx := context.Background()
	if _, err := cache.Get(ctx, "sa-1"); err != nil {
		t.Fatalf("Get: %v", err)
	}

	cs.failing.Store(true)
	creds, err := cache.Get(ctx, "sa-1")
	if err != nil {
		t.Fatalf("Expected stale credentials during an outage, got error: %v", err)
	}
	if creds.AuthToken != "tok" {
		t.Errorf("Stale entry should carry the last known credentials, got %q", creds.AuthToken)
	}
}

func TestCredentialsCache_FailsWithoutCachedEntry(t *testing.T) {
	cs := newCredentialsServer(WebhookCredentials{})
	defer cs.Close()
	cs.failing.Store(true)

	cache := NewCredentialsCache(cs.URL, nil, nil)
	if _, err := cache.Get(context.Background(), "sa-1"); err == nil {
		t.Error("Expected error when the endpoint fails and nothing is cached")
	}
}

func TestCredentialsCache_SecretRefWithoutResolver(t *testing.T) {
	cs := newCredentialsServer(WebhookCredentials{AuthToken: "vault://hook-token"})
	defer cs.Close()

	cache := NewCredentialsCache(cs.URL, nil, nil)
	if _, err := cache.Get(context.Background(), "sa-1"); err == nil {
		t.Error("Expected error when a secret reference arrives with no provider configured")
	}
}

func TestCredentialsCache_Invalidate(t *testing.T) {
	cs := newCredentialsServer(WebhookCredentials{AuthToken: "tok"})
	defer cs.Close()

	cache := NewCredentialsCache(cs.URL, nil, nil)

	ctx := context.Background()
	cache.Get(ctx, "sa-1")
	cache.Invalidate("sa-1")
	cache.Get(ctx, "sa-1")

	if cs.hits.Load() != 2 {
		t.Errorf("Invalidate should force a refetch, fetches=%d", cs.hits.Load())
	}
}
