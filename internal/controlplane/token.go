// Package controlplane is the client side of the control plane: it pulls
// routing configuration and webhook credentials over HTTP, authenticated
// with an OIDC client-credentials token.
package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenExpirySkew is subtracted from the token lifetime so a token is never
// used right at its expiry boundary.
const tokenExpirySkew = 30 * time.Second

// TokenSource obtains and caches an OIDC client-credentials access token.
// The token endpoint is resolved once from the issuer's discovery document.
type TokenSource struct {
	issuerURL    string
	clientID     string
	clientSecret string
	client       *http.Client

	mu            sync.Mutex
	tokenEndpoint string
	accessToken   string
	expiresAt     time.Time
}

// NewTokenSource creates a token source for the given issuer and client.
func NewTokenSource(issuerURL, clientID, clientSecret string, client *http.Client) *TokenSource {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &TokenSource{
		issuerURL:    strings.TrimRight(issuerURL, "/"),
		clientID:     clientID,
		clientSecret: clientSecret,
		client:       client,
	}
}

// Token returns a valid access token, fetching a new one if the cached token
// is missing or within the expiry skew.
func (t *TokenSource) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.accessToken != "" && time.Now().Before(t.expiresAt.Add(-tokenExpirySkew)) {
		return t.accessToken, nil
	}

	if t.tokenEndpoint == "" {
		endpoint, err := t.discoverTokenEndpoint(ctx)
		if err != nil {
			return "", err
		}
		t.tokenEndpoint = endpoint
	}

	token, expiresAt, err := t.fetchToken(ctx)
	if err != nil {
		return "", err
	}

	t.accessToken = token
	t.expiresAt = expiresAt
	slog.Debug("Obtained control plane access token", "expiresAt", expiresAt)
	return token, nil
}

// Invalidate discards the cached token so the next Token call fetches fresh.
// Called after a 401 from the control plane.
func (t *TokenSource) Invalidate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.accessToken = ""
	t.expiresAt = time.Time{}
}

// discoverTokenEndpoint reads the issuer's OIDC discovery document.
func (t *TokenSource) discoverTokenEndpoint(ctx context.Context) (string, error) {
	discoveryURL := t.issuerURL + "/.well-known/openid-configuration"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return "", fmt.Errorf("build discovery request: %w", err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch OIDC discovery document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("OIDC discovery returned status %d", resp.StatusCode)
	}

	var doc struct {
		TokenEndpoint string `json:"token_endpoint"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("decode OIDC discovery document: %w", err)
	}
	if doc.TokenEndpoint == "" {
		return "", fmt.Errorf("OIDC discovery document has no token_endpoint")
	}
	return doc.TokenEndpoint, nil
}

// fetchToken performs the client_credentials grant. Caller holds t.mu.
func (t *TokenSource) fetchToken(ctx context.Context) (string, time.Time, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", t.clientID)
	form.Set("client_secret", t.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.tokenEndpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", time.Time{}, fmt.Errorf("token endpoint returned status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", time.Time{}, fmt.Errorf("decode token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return "", time.Time{}, fmt.Errorf("token response has no access_token")
	}

	expiresAt := tokenExpiry(tokenResp.AccessToken, tokenResp.ExpiresIn)
	return tokenResp.AccessToken, expiresAt, nil
}

// tokenExpiry prefers expires_in; when the server omits it, the exp claim of
// the JWT itself is used (unverified parse - we only need the timestamp, the
// control plane verifies the signature).
func tokenExpiry(accessToken string, expiresIn int64) time.Time {
	if expiresIn > 0 {
		return time.Now().Add(time.Duration(expiresIn) * time.Second)
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}

	// No expiry information at all: refresh every minute
	return time.Now().Add(time.Minute)
}
