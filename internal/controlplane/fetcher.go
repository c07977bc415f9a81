package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"go.flowcatalyst.tech/router/internal/common/metrics"
)

// configPath is the control plane endpoint serving router configuration.
const configPath = "/api/config/message-router"

// Defaults for the fetch loop. Initial sync retries match the platform's
// 12 attempts x 5 s startup window.
const (
	DefaultRefreshInterval      = 60 * time.Second
	DefaultInitialRetryAttempts = 12
	DefaultInitialRetryDelay    = 5 * time.Second
)

// QueueConfig is one queue the router should consume from.
type QueueConfig struct {
	QueueURI    string `json:"queueUri"`
	QueueName   string `json:"queueName"`
	Connections int    `json:"connections"`
}

// PoolDefinition is one processing pool as the control plane describes it.
type PoolDefinition struct {
	Code                string `json:"code"`
	Concurrency         int    `json:"concurrency"`
	RateLimitPerMinute  *int   `json:"rateLimitPerMinute,omitempty"`
	MediatorTimeoutMs   int    `json:"mediatorTimeoutMs,omitempty"`
	MaxRetries          int    `json:"maxRetries,omitempty"`
	IdleWorkerTimeoutMs int    `json:"idleWorkerTimeoutMs,omitempty"`
}

// RouterConfig is the full configuration document for this router.
type RouterConfig struct {
	Queues          []QueueConfig    `json:"queues"`
	ProcessingPools []PoolDefinition `json:"processingPools"`
	Connections     int              `json:"connections"`
}

// WarningSink records operational warnings (the router's warning service).
type WarningSink interface {
	AddWarning(category, severity, message, source string)
}

// Merge combines configuration documents from multiple sources. Queues are
// unioned by queueUri and pools by code, first source winning on conflict;
// identical duplicates collapse silently, differing ones raise a warning
// through warn. Connections is the max across sources.
func Merge(sources []*RouterConfig, warn func(message string)) *RouterConfig {
	merged := &RouterConfig{}
	seenQueues := make(map[string]QueueConfig)
	seenPools := make(map[string]PoolDefinition)

	for _, src := range sources {
		if src == nil {
			continue
		}
		for _, q := range src.Queues {
			if prior, ok := seenQueues[q.QueueURI]; ok {
				if !reflect.DeepEqual(prior, q) && warn != nil {
					warn(fmt.Sprintf("conflicting definitions for queue %s; keeping first", q.QueueURI))
				}
				continue
			}
			seenQueues[q.QueueURI] = q
			merged.Queues = append(merged.Queues, q)
		}
		for _, p := range src.ProcessingPools {
			if prior, ok := seenPools[p.Code]; ok {
				if !reflect.DeepEqual(prior, p) && warn != nil {
					warn(fmt.Sprintf("conflicting definitions for pool %s; keeping first", p.Code))
				}
				continue
			}
			seenPools[p.Code] = p
			merged.ProcessingPools = append(merged.ProcessingPools, p)
		}
		if src.Connections > merged.Connections {
			merged.Connections = src.Connections
		}
	}
	return merged
}

// Fetcher periodically pulls configuration from every control plane URL,
// merges the results, and hands changed configuration to the applier.
// When every source fails, the prior configuration is retained.
type Fetcher struct {
	urls     []string
	interval time.Duration
	client   *http.Client
	tokens   *TokenSource
	warnings WarningSink
	apply    func(*RouterConfig) error

	initialRetryAttempts int
	initialRetryDelay    time.Duration

	mu          sync.Mutex
	current     *RouterConfig
	initialized bool

	stopCh chan struct{}
}

// NewFetcher creates a fetcher over the given control plane base URLs.
// apply is called with the merged configuration whenever it changes.
func NewFetcher(urls []string, interval time.Duration, apply func(*RouterConfig) error) *Fetcher {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	trimmed := make([]string, 0, len(urls))
	for _, u := range urls {
		if u = strings.TrimSpace(u); u != "" {
			trimmed = append(trimmed, strings.TrimRight(u, "/"))
		}
	}
	return &Fetcher{
		urls:                 trimmed,
		interval:             interval,
		client:               &http.Client{Timeout: 30 * time.Second},
		apply:                apply,
		initialRetryAttempts: DefaultInitialRetryAttempts,
		initialRetryDelay:    DefaultInitialRetryDelay,
		stopCh:               make(chan struct{}),
	}
}

// WithTokenSource authenticates fetches with OIDC client-credentials tokens.
func (f *Fetcher) WithTokenSource(ts *TokenSource) *Fetcher {
	f.tokens = ts
	return f
}

// WithWarningSink routes fetch and merge anomalies to the warning service.
func (f *Fetcher) WithWarningSink(ws WarningSink) *Fetcher {
	f.warnings = ws
	return f
}

// WithHTTPClient overrides the HTTP client (tests).
func (f *Fetcher) WithHTTPClient(c *http.Client) *Fetcher {
	f.client = c
	return f
}

// WithInitialRetry overrides the startup retry policy.
func (f *Fetcher) WithInitialRetry(attempts int, delay time.Duration) *Fetcher {
	f.initialRetryAttempts = attempts
	f.initialRetryDelay = delay
	return f
}

// Current returns the last successfully merged configuration, or nil.
func (f *Fetcher) Current() *RouterConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// Name implements lifecycle.Service.
func (f *Fetcher) Name() string {
	return "config-fetcher"
}

// Start performs the initial fetch (with retries) and then polls on the
// refresh interval until ctx is cancelled.
func (f *Fetcher) Start(ctx context.Context) error {
	if len(f.urls) == 0 {
		slog.Warn("No control plane URLs configured - router runs on defaults")
		<-ctx.Done()
		return nil
	}

	for attempt := 1; attempt <= f.initialRetryAttempts; attempt++ {
		if f.FetchOnce(ctx) {
			break
		}
		if attempt == f.initialRetryAttempts {
			slog.Error("Initial config fetch failed after all retries - continuing with empty config",
				"attempts", attempt)
			if f.warnings != nil {
				f.warnings.AddWarning("CONFIG_FETCH", "CRITICAL",
					"initial configuration fetch failed from all sources", "ConfigFetcher")
			}
			break
		}
		slog.Warn("Initial config fetch failed, retrying",
			"attempt", attempt,
			"maxAttempts", f.initialRetryAttempts,
			"retryDelay", f.initialRetryDelay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(f.initialRetryDelay):
		}
	}

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-f.stopCh:
			return nil
		case <-ticker.C:
			f.FetchOnce(ctx)
		}
	}
}

// Stop implements lifecycle.Service.
func (f *Fetcher) Stop(ctx context.Context) error {
	select {
	case <-f.stopCh:
	default:
		close(f.stopCh)
	}
	return nil
}

// Health reports unhealthy until the first successful fetch.
func (f *Fetcher) Health() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.urls) > 0 && !f.initialized {
		return fmt.Errorf("no configuration fetched yet")
	}
	return nil
}

// FetchOnce pulls from every source in parallel, merges, and applies the
// result if it differs from the current configuration. Returns true when at
// least one source succeeded.
func (f *Fetcher) FetchOnce(ctx context.Context) bool {
	results := make([]*RouterConfig, len(f.urls))

	var wg sync.WaitGroup
	for i, u := range f.urls {
		wg.Add(1)
		go func(idx int, base string) {
			defer wg.Done()
			cfg, err := f.fetchFrom(ctx, base)
			if err != nil {
				metrics.ConfigFetches.WithLabelValues(base, "failure").Inc()
				slog.Warn("Config fetch from source failed", "source", base, "error", err)
				return
			}
			metrics.ConfigFetches.WithLabelValues(base, "success").Inc()
			results[idx] = cfg
		}(i, u)
	}
	wg.Wait()

	// Ordered successes: slice order preserves the configured URL priority
	succeeded := make([]*RouterConfig, 0, len(results))
	for _, r := range results {
		if r != nil {
			succeeded = append(succeeded, r)
		}
	}

	if len(succeeded) == 0 {
		slog.Warn("All config sources failed - retaining current configuration",
			"sources", len(f.urls))
		if f.warnings != nil {
			f.warnings.AddWarning("CONFIG_FETCH", "WARN",
				"all configuration sources failed; retaining prior configuration", "ConfigFetcher")
		}
		return false
	}

	merged := Merge(succeeded, func(message string) {
		slog.Warn("Config merge conflict", "detail", message)
		if f.warnings != nil {
			f.warnings.AddWarning("CONFIG_MERGE", "WARN", message, "ConfigFetcher")
		}
	})

	f.mu.Lock()
	changed := !reflect.DeepEqual(f.current, merged)
	f.mu.Unlock()

	if changed {
		if err := f.apply(merged); err != nil {
			slog.Error("Failed to apply configuration", "error", err)
			if f.warnings != nil {
				f.warnings.AddWarning("CONFIG_APPLY", "ERROR", err.Error(), "ConfigFetcher")
			}
			return true
		}
		slog.Info("Configuration applied",
			"queues", len(merged.Queues),
			"pools", len(merged.ProcessingPools),
			"connections", merged.Connections)
	}

	f.mu.Lock()
	f.current = merged
	f.initialized = true
	f.mu.Unlock()
	return true
}

// fetchFrom pulls one source's configuration document.
func (f *Fetcher) fetchFrom(ctx context.Context, baseURL string) (*RouterConfig, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+configPath, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	if f.tokens != nil {
		token, err := f.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("obtain access token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized && f.tokens != nil {
		f.tokens.Invalidate()
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("config endpoint returned status %d", resp.StatusCode)
	}

	var cfg RouterConfig
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode configuration: %w", err)
	}
	return &cfg, nil
}
