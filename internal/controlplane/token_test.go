package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// oidcStub serves a discovery document and issues sequential tokens
type oidcStub struct {
	*httptest.Server
	tokenRequests     atomic.Int32
	discoveryRequests atomic.Int32
	expiresIn         int64
	lastGrant         atomic.Value
}

func newOIDCStub(t *testing.T) *oidcStub {
	t.Helper()
	stub := &oidcStub{expiresIn: 3600}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		stub.discoveryRequests.Add(1)
		json.NewEncoder(w).Encode(map[string]string{
			"token_endpoint": stub.URL + "/oauth/token",
		})
	})
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		stub.lastGrant.Store(r.PostForm.Get("grant_type") + "|" +
			r.PostForm.Get("client_id") + "|" + r.PostForm.Get("client_secret"))

		n := stub.tokenRequests.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": fmt.Sprintf("tok-%d", n),
			"expires_in":   stub.expiresIn,
		})
	})

	stub.Server = httptest.NewServer(mux)
	return stub
}

func TestTokenSource_FetchesAndCaches(t *testing.T) {
	issuer := newOIDCStub(t)
	defer issuer.Close()

	ts := NewTokenSource(issuer.URL, "router", "s3cret", nil)
	ctx := context.Background()

	token, err := ts.Token(ctx)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if token != "tok-1" {
		t.Errorf("Expected tok-1, got %s", token)
	}

	grant, _ := issuer.lastGrant.Load().(string)
	if grant != "client_credentials|router|s3cret" {
		t.Errorf("Unexpected grant request: %s", grant)
	}

	// Cached: no second token request, no second discovery
	token, err = ts.Token(ctx)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if token != "tok-1" {
		t.Errorf("Expected cached tok-1, got %s", token)
	}
	if issuer.tokenRequests.Load() != 1 {
		t.Errorf("Expected 1 token request, got %d", issuer.tokenRequests.Load())
	}
	if issuer.discoveryRequests.Load() != 1 {
		t.Errorf("Expected 1 discovery request, got %d", issuer.discoveryRequests.Load())
	}
}

func TestTokenSource_Invalidate(t *testing.T) {
	issuer := newOIDCStub(t)
	defer issuer.Close()

	ts := NewTokenSource(issuer.URL, "router", "s3cret", nil)
	ctx := context.Background()

	if _, err := ts.Token(ctx); err != nil {
		t.Fatalf("Token: %v", err)
	}

	ts.Invalidate()

	token, err := ts.Token(ctx)
	if err != nil {
		t.Fatalf("Token after invalidate: %v", err)
	}
	if token != "tok-2" {
		t.Errorf("Expected fresh tok-2 after invalidate, got %s", token)
	}
}

func TestTokenSource_RefreshesNearExpiry(t *testing.T) {
	issuer := newOIDCStub(t)
	defer issuer.Close()
	// Lifetime inside the expiry skew: every call refetches
	issuer.expiresIn = 10

	ts := NewTokenSource(issuer.URL, "router", "s3cret", nil)
	ctx := context.Background()

	ts.Token(ctx)
	ts.Token(ctx)

	if issuer.tokenRequests.Load() != 2 {
		t.Errorf("Token inside the skew window should refetch, requests=%d", issuer.tokenRequests.Load())
	}
}

func TestTokenSource_EndpointError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	ts := NewTokenSource(server.URL, "router", "s3cret", nil)
	if _, err := ts.Token(context.Background()); err == nil {
		t.Error("Expected error when discovery fails")
	}
}

func TestTokenExpiry_PrefersExpiresIn(t *testing.T) {
	expiresAt := tokenExpiry("opaque-token", 3600)

	want := time.Now().Add(time.Hour)
	if expiresAt.Before(want.Add(-time.Minute)) || expiresAt.After(want.Add(time.Minute)) {
		t.Errorf("Expected expiry around +1h, got %v", expiresAt)
	}
}

func TestTokenExpiry_FallsBackToJWTExp(t *testing.T) {
	exp := time.Now().Add(30 * time.Minute).Truncate(time.Second)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": exp.Unix(),
		"sub": "router",
	})
	signed, err := token.SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("sign test token: %v", err)
	}

	expiresAt := tokenExpiry(signed, 0)
	if !expiresAt.Equal(exp) {
		t.Errorf("Expected exp claim %v, got %v", exp, expiresAt)
	}
}

func TestTokenExpiry_NoInformation(t *testing.T) {
	expiresAt := tokenExpiry("not-a-jwt", 0)

	// Falls back to a short refresh interval
	if time.Until(expiresAt) > 2*time.Minute {
		t.Errorf("Expected short fallback expiry, got %v", expiresAt)
	}
	if time.Until(expiresAt) <= 0 {
		t.Errorf("Fallback expiry should be in the future, got %v", expiresAt)
	}
}
