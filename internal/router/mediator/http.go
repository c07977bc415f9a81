// Package mediator provides HTTP webhook mediation
package mediator

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.flowcatalyst.tech/router/internal/common/metrics"
	"go.flowcatalyst.tech/router/internal/common/tsid"
	"go.flowcatalyst.tech/router/internal/router/model"
	"go.flowcatalyst.tech/router/internal/router/pool"
)

// CredentialRefPrefix marks an auth token as a service-account reference to be
// resolved through the credential source instead of sent literally.
const CredentialRefPrefix = "credential://"

// credentialLookupTimeout bounds one credential resolution; lookups normally
// hit the in-process cache.
const credentialLookupTimeout = 10 * time.Second

// Credentials holds resolved outbound credentials for one service account.
// Values never appear in logs or serialized output.
type Credentials struct {
	AuthToken     string
	SigningSecret string
}

// CredentialSource resolves a service-account credential reference. Backed by
// the control plane webhook credentials cache.
type CredentialSource interface {
	Credentials(ctx context.Context, serviceAccountID string) (Credentials, error)
}

// HTTPMediator delivers pointers to their mediation targets over HTTP
type HTTPMediator struct {
	client      *http.Client
	signer      *Signer
	credentials CredentialSource
	maxRetries  int
	retryMin    time.Duration
	retryMax    time.Duration
	timeout     time.Duration
}

// HTTPVersion represents the HTTP protocol version to use
type HTTPVersion string

const (
	// HTTPVersion1 forces HTTP/1.1
	HTTPVersion1 HTTPVersion = "HTTP_1_1"
	// HTTPVersion2 enables HTTP/2 (default for production)
	HTTPVersion2 HTTPVersion = "HTTP_2"
)

// HTTPMediatorConfig configures the HTTP mediator
type HTTPMediatorConfig struct {
	// Timeout is the per-attempt deadline
	Timeout time.Duration

	// HTTPVersion controls which HTTP version to use
	// HTTP_2 (default for production) or HTTP_1_1 (recommended for dev)
	HTTPVersion HTTPVersion

	// MaxRetries for transient errors within one mediation call
	MaxRetries int

	// RetryMinBackoff is the floor of the exponential retry backoff
	RetryMinBackoff time.Duration

	// RetryMaxBackoff is the ceiling of the exponential retry backoff
	RetryMaxBackoff time.Duration
}

// DefaultHTTPMediatorConfig returns sensible defaults for production
// Note: Timeout is 900s (15 minutes) to support long-running webhooks
func DefaultHTTPMediatorConfig() *HTTPMediatorConfig {
	return &HTTPMediatorConfig{
		Timeout:         900 * time.Second,
		HTTPVersion:     HTTPVersion2,
		MaxRetries:      3,
		RetryMinBackoff: time.Second,
		RetryMaxBackoff: 30 * time.Second,
	}
}

// DevHTTPMediatorConfig returns config suitable for development
func DevHTTPMediatorConfig() *HTTPMediatorConfig {
	cfg := DefaultHTTPMediatorConfig()
	cfg.HTTPVersion = HTTPVersion1
	return cfg
}

// NewHTTPMediator creates a new HTTP mediator
func NewHTTPMediator(cfg *HTTPMediatorConfig) *HTTPMediator {
	if cfg == nil {
		cfg = DefaultHTTPMediatorConfig()
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	if cfg.HTTPVersion == HTTPVersion1 {
		// Force HTTP/1.1 by disabling HTTP/2
		transport.ForceAttemptHTTP2 = false
		transport.TLSNextProto = make(map[string]func(authority string, c *tls.Conn) http.RoundTripper)
		slog.Info("HTTP mediator configured", "version", "HTTP/1.1")
	} else {
		transport.ForceAttemptHTTP2 = true
		slog.Info("HTTP mediator configured", "version", "HTTP/2")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 900 * time.Second
	}
	retryMin := cfg.RetryMinBackoff
	if retryMin <= 0 {
		retryMin = time.Second
	}
	retryMax := cfg.RetryMaxBackoff
	if retryMax < retryMin {
		retryMax = retryMin
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}

	return &HTTPMediator{
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		signer:     NewSigner(),
		maxRetries: maxRetries,
		retryMin:   retryMin,
		retryMax:   retryMax,
		timeout:    timeout,
	}
}

// WithCredentialSource enables resolution of credential:// auth token
// references on inbound pointers.
func (m *HTTPMediator) WithCredentialSource(src CredentialSource) *HTTPMediator {
	m.credentials = src
	return m
}

// Process delivers a pointer to its mediation target.
func (m *HTTPMediator) Process(msg *model.MessagePointer) *pool.MediationOutcome {
	if msg == nil {
		return &pool.MediationOutcome{
			Result: pool.MediationResultErrorConfig,
			Reason: "nil message",
			Err:    errors.New("nil message"),
		}
	}

	if msg.MediationTarget == "" {
		return &pool.MediationOutcome{
			Result: pool.MediationResultErrorConfig,
			Reason: "no target URL",
			Err:    errors.New("no target URL"),
		}
	}

	body, err := msg.DeliveryBody()
	if err != nil {
		return &pool.MediationOutcome{
			Result: pool.MediationResultErrorConfig,
			Reason: "unencodable pointer",
			Err:    fmt.Errorf("failed to encode delivery body: %w", err),
		}
	}

	creds, outcome := m.resolveCredentials(msg)
	if outcome != nil {
		return outcome
	}

	return m.executeWithRetry(msg, body, creds)
}

// resolveCredentials dereferences a credential:// auth token through the
// credential source. Literal tokens pass through unchanged.
func (m *HTTPMediator) resolveCredentials(msg *model.MessagePointer) (Credentials, *pool.MediationOutcome) {
	creds := Credentials{AuthToken: msg.AuthToken, SigningSecret: msg.SigningSecret}

	serviceAccountID, ok := strings.CutPrefix(msg.AuthToken, CredentialRefPrefix)
	if !ok {
		return creds, nil
	}
	if m.credentials == nil {
		return creds, &pool.MediationOutcome{
			Result: pool.MediationResultErrorConfig,
			Reason: "credential reference without credential source",
			Err:    errors.New("credential reference without credential source"),
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), credentialLookupTimeout)
	defer cancel()

	resolved, err := m.credentials.Credentials(ctx, serviceAccountID)
	if err != nil {
		slog.Warn("Credential lookup failed",
			"messageId", msg.ID,
			"serviceAccountId", serviceAccountID,
			"error", err)
		// The control plane may recover, so the pointer is retried
		return creds, &pool.MediationOutcome{
			Result: pool.MediationResultNack,
			Reason: "credential lookup failed",
			Err:    err,
		}
	}

	creds.AuthToken = resolved.AuthToken
	if creds.SigningSecret == "" {
		creds.SigningSecret = resolved.SigningSecret
	}
	return creds, nil
}

// executeWithRetry executes the HTTP request, retrying transient failures
// with exponential backoff between attempts.
func (m *HTTPMediator) executeWithRetry(msg *model.MessagePointer, body []byte, creds Credentials) *pool.MediationOutcome {
	var lastOutcome *pool.MediationOutcome

	for attempt := 1; attempt <= m.maxRetries; attempt++ {
		outcome := m.executeOnce(msg, body, creds, attempt)
		lastOutcome = outcome

		// Only transient failures are retried; SUCCESS and ERROR_CONFIG
		// are final
		if outcome.Result != pool.MediationResultNack {
			return outcome
		}

		if attempt < m.maxRetries {
			backoff := m.backoff(attempt)
			slog.Info("Retrying after backoff",
				"messageId", msg.ID,
				"attempt", attempt,
				"backoff", backoff)
			time.Sleep(backoff)
		}
	}

	// Retries exhausted. If the target did not dictate a delay, suggest the
	// capped exponential backoff so the redelivery backs off too.
	if lastOutcome.Delay == nil {
		delay := m.backoff(m.maxRetries)
		lastOutcome.Delay = &delay
	}
	return lastOutcome
}

// backoff returns retryMin * 2^(attempt-1), capped at retryMax.
func (m *HTTPMediator) backoff(attempt int) time.Duration {
	d := m.retryMin
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= m.retryMax {
			return m.retryMax
		}
	}
	if d > m.retryMax {
		return m.retryMax
	}
	return d
}

// executeOnce executes a single HTTP request.
func (m *HTTPMediator) executeOnce(msg *model.MessagePointer, body []byte, creds Credentials, attempt int) *pool.MediationOutcome {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, msg.MediationTarget, bytes.NewReader(body))
	if err != nil {
		return &pool.MediationOutcome{
			Result: pool.MediationResultErrorConfig,
			Reason: "invalid target URL",
			Err:    fmt.Errorf("failed to create request: %w", err),
		}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(CorrelationHeader, tsid.Generate())

	if creds.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+creds.AuthToken)
	}

	if creds.SigningSecret != "" {
		signed := m.signer.Sign(body, creds.SigningSecret)
		req.Header.Set(SignatureHeader, signed.Signature)
		req.Header.Set(TimestampHeader, signed.Timestamp)
	}

	slog.Debug("Executing HTTP request",
		"messageId", msg.ID,
		"target", msg.MediationTarget,
		"attempt", attempt)

	resp, err := m.client.Do(req)
	if err != nil {
		metrics.MediatorHTTPRequests.WithLabelValues("error", "POST").Inc()
		return m.handleError(msg, err)
	}
	defer resp.Body.Close()

	metrics.MediatorHTTPRequests.WithLabelValues(strconv.Itoa(resp.StatusCode), "POST").Inc()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024)) // Limit to 64KB

	slog.Debug("HTTP response received",
		"messageId", msg.ID,
		"statusCode", resp.StatusCode,
		"bodyLen", len(respBody))

	return m.handleResponse(msg, resp, respBody)
}

// handleError classifies transport-level failures. Connection errors and
// timeouts are transient: the target may recover, so the pointer is NACKed.
func (m *HTTPMediator) handleError(msg *model.MessagePointer, err error) *pool.MediationOutcome {
	if errors.Is(err, context.DeadlineExceeded) {
		slog.Warn("Request timeout",
			"messageId", msg.ID,
			"error", err)
		return &pool.MediationOutcome{
			Result: pool.MediationResultNack,
			Reason: "request timeout",
			Err:    err,
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		slog.Warn("Network error",
			"messageId", msg.ID,
			"error", err,
			"timeout", netErr.Timeout())
	}

	return &pool.MediationOutcome{
		Result: pool.MediationResultNack,
		Reason: "connection error",
		Err:    err,
	}
}

// handleResponse maps the HTTP status to a mediation outcome.
func (m *HTTPMediator) handleResponse(msg *model.MessagePointer, resp *http.Response, body []byte) *pool.MediationOutcome {
	statusCode := resp.StatusCode

	if statusCode >= 200 && statusCode < 300 {
		// The target may accept the delivery but defer processing with
		// ack=false and an optional delay
		var mediationResp model.MediationResponse
		if len(body) > 0 && json.Unmarshal(body, &mediationResp) == nil && hasAckField(body) && !mediationResp.Ack {
			delay := time.Duration(mediationResp.GetEffectiveDelaySeconds()) * time.Second
			slog.Info("Response ack=false, will retry",
				"messageId", msg.ID,
				"statusCode", statusCode,
				"delay", delay)
			return &pool.MediationOutcome{
				Result:     pool.MediationResultNack,
				StatusCode: statusCode,
				Delay:      &delay,
				Reason:     mediationResp.Message,
			}
		}

		return &pool.MediationOutcome{
			Result:     pool.MediationResultSuccess,
			StatusCode: statusCode,
		}
	}

	if isTransientStatus(statusCode) {
		slog.Warn("Transient status - will retry",
			"messageId", msg.ID,
			"statusCode", statusCode)
		return &pool.MediationOutcome{
			Result:     pool.MediationResultNack,
			StatusCode: statusCode,
			Delay:      parseRetryAfter(resp.Header.Get("Retry-After")),
			Reason:     "status " + strconv.Itoa(statusCode),
		}
	}

	if statusCode >= 400 && statusCode < 500 {
		slog.Warn("Client error - will not retry",
			"messageId", msg.ID,
			"statusCode", statusCode)
		return &pool.MediationOutcome{
			Result:     pool.MediationResultErrorConfig,
			StatusCode: statusCode,
			Reason:     "status " + strconv.Itoa(statusCode),
		}
	}

	// 3xx after redirects and anything else unexpected
	return &pool.MediationOutcome{
		Result:     pool.MediationResultNack,
		StatusCode: statusCode,
		Reason:     "status " + strconv.Itoa(statusCode),
	}
}

// isTransientStatus reports whether the status indicates a failure the target
// may recover from: request timeout, too early, rate limited, or any 5xx.
func isTransientStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return statusCode >= 500
}

// parseRetryAfter parses a Retry-After header as delta-seconds or HTTP-date.
func parseRetryAfter(value string) *time.Duration {
	if value == "" {
		return nil
	}

	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		d := time.Duration(seconds) * time.Second
		return &d
	}

	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return &d
		}
	}

	return nil
}

// hasAckField reports whether the response body carries an explicit ack field.
// Bodies without one (plain 200s) are treated as acknowledged.
func hasAckField(body []byte) bool {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return false
	}
	_, ok := raw["ack"]
	return ok
}
