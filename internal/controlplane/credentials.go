package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.flowcatalyst.tech/router/internal/common/secrets"
)

// DefaultCredentialsTTL is how long resolved webhook credentials are cached.
const DefaultCredentialsTTL = 5 * time.Minute

// WebhookCredentials holds a service account's outbound webhook credentials.
// Values never appear in logs or serialized output.
type WebhookCredentials struct {
	AuthToken        string `json:"authToken"`
	SigningSecret    string `json:"signingSecret"`
	SigningAlgorithm string `json:"signingAlgorithm"`
}

type credentialsEntry struct {
	creds     WebhookCredentials
	fetchedAt time.Time
}

// CredentialsCache fetches webhook credentials per service account from the
// control plane, resolves secret references through the secrets provider,
// and caches the result with a TTL.
type CredentialsCache struct {
	baseURL  string
	client   *http.Client
	tokens   *TokenSource
	resolver secrets.Provider
	ttl      time.Duration

	mu      sync.RWMutex
	entries map[string]credentialsEntry
}

// NewCredentialsCache creates a cache against one control plane base URL.
// resolver may be nil when credentials arrive as literal values.
func NewCredentialsCache(baseURL string, tokens *TokenSource, resolver secrets.Provider) *CredentialsCache {
	return &CredentialsCache{
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: 10 * time.Second},
		tokens:   tokens,
		resolver: resolver,
		ttl:      DefaultCredentialsTTL,
		entries:  make(map[string]credentialsEntry),
	}
}

// WithTTL overrides the cache TTL.
func (c *CredentialsCache) WithTTL(ttl time.Duration) *CredentialsCache {
	if ttl > 0 {
		c.ttl = ttl
	}
	return c
}

// WithHTTPClient overrides the HTTP client (tests).
func (c *CredentialsCache) WithHTTPClient(client *http.Client) *CredentialsCache {
	c.client = client
	return c
}

// Get returns the credentials for a service account, from cache when fresh.
func (c *CredentialsCache) Get(ctx context.Context, serviceAccountID string) (*WebhookCredentials, error) {
	c.mu.RLock()
	entry, ok := c.entries[serviceAccountID]
	c.mu.RUnlock()

	if ok && time.Since(entry.fetchedAt) < c.ttl {
		creds := entry.creds
		return &creds, nil
	}

	creds, err := c.fetch(ctx, serviceAccountID)
	if err != nil {
		// Serve a stale entry over an outage rather than failing delivery
		if ok {
			slog.Warn("Credentials refresh failed - serving cached entry",
				"serviceAccountId", serviceAccountID,
				"age", time.Since(entry.fetchedAt),
				"error", err)
			stale := entry.creds
			return &stale, nil
		}
		return nil, err
	}

	c.mu.Lock()
	c.entries[serviceAccountID] = credentialsEntry{creds: *creds, fetchedAt: time.Now()}
	c.mu.Unlock()
	return creds, nil
}

// Invalidate drops a cached entry (credential rotation).
func (c *CredentialsCache) Invalidate(serviceAccountID string) {
	c.mu.Lock()
	delete(c.entries, serviceAccountID)
	c.mu.Unlock()
}

func (c *CredentialsCache) fetch(ctx context.Context, serviceAccountID string) (*WebhookCredentials, error) {
	endpoint := fmt.Sprintf("%s/api/service-accounts/%s/webhook-credentials", c.baseURL, serviceAccountID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build credentials request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("obtain access token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch webhook credentials: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized && c.tokens != nil {
		c.tokens.Invalidate()
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("credentials endpoint returned status %d", resp.StatusCode)
	}

	var creds WebhookCredentials
	if err := json.NewDecoder(resp.Body).Decode(&creds); err != nil {
		return nil, fmt.Errorf("decode webhook credentials: %w", err)
	}

	if creds.AuthToken, err = c.resolve(ctx, creds.AuthToken); err != nil {
		return nil, fmt.Errorf("resolve authToken: %w", err)
	}
	if creds.SigningSecret, err = c.resolve(ctx, creds.SigningSecret); err != nil {
		return nil, fmt.Errorf("resolve signingSecret: %w", err)
	}
	return &creds, nil
}

// resolve dereferences secret-reference values of the form scheme://key
// (vault://, aws-sm://, gcp-sm://, env://) through the provider. Literal
// values pass through unchanged.
func (c *CredentialsCache) resolve(ctx context.Context, value string) (string, error) {
	idx := strings.Index(value, "://")
	if idx < 0 {
		return value, nil
	}
	if c.resolver == nil {
		return "", fmt.Errorf("secret reference %q but no secrets provider configured", value[:idx])
	}
	key := value[idx+3:]
	resolved, err := c.resolver.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("secrets provider %s: %w", c.resolver.Name(), err)
	}
	return resolved, nil
}
