// Package breaker provides per-pool circuit breakers with half-open probing.
package breaker

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"go.flowcatalyst.tech/router/internal/common/metrics"
)

// Config holds the count-windowed breaker settings for one pool.
type Config struct {
	// MinimumCalls before the failure rate is evaluated
	MinimumCalls uint32

	// FailureRateThreshold in [0,1]; at or above this the breaker opens
	FailureRateThreshold float64

	// WaitDuration the breaker stays open before probing
	WaitDuration time.Duration

	// PermittedCallsInHalfOpen is the number of probe calls admitted half-open
	PermittedCallsInHalfOpen uint32

	// WindowInterval is the cyclic period over which call counts are tracked
	// while closed. Zero keeps counts for the whole closed phase.
	WindowInterval time.Duration
}

// DefaultConfig returns the breaker settings used when the control plane
// does not specify any.
func DefaultConfig() Config {
	return Config{
		MinimumCalls:             10,
		FailureRateThreshold:     0.5,
		WaitDuration:             30 * time.Second,
		PermittedCallsInHalfOpen: 3,
		WindowInterval:           60 * time.Second,
	}
}

// Breaker wraps a gobreaker circuit breaker with metrics and reset support.
type Breaker struct {
	name   string
	config Config
	cb     atomic.Pointer[gobreaker.CircuitBreaker]
}

// New creates a named breaker. The name appears in metrics and in the
// admin reset endpoint.
func New(name string, cfg Config) *Breaker {
	if cfg.MinimumCalls == 0 {
		cfg.MinimumCalls = DefaultConfig().MinimumCalls
	}
	if cfg.FailureRateThreshold <= 0 {
		cfg.FailureRateThreshold = DefaultConfig().FailureRateThreshold
	}
	if cfg.WaitDuration <= 0 {
		cfg.WaitDuration = DefaultConfig().WaitDuration
	}
	if cfg.PermittedCallsInHalfOpen == 0 {
		cfg.PermittedCallsInHalfOpen = DefaultConfig().PermittedCallsInHalfOpen
	}

	b := &Breaker{name: name, config: cfg}
	b.cb.Store(b.newCircuitBreaker())
	metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(metrics.CircuitBreakerClosed))
	return b
}

func (b *Breaker) newCircuitBreaker() *gobreaker.CircuitBreaker {
	cfg := b.config
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        b.name,
		MaxRequests: cfg.PermittedCallsInHalfOpen,
		Interval:    cfg.WindowInterval,
		Timeout:     cfg.WaitDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinimumCalls {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureRateThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			slog.Info("Circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String())

			var stateValue float64
			switch to {
			case gobreaker.StateClosed:
				stateValue = float64(metrics.CircuitBreakerClosed)
			case gobreaker.StateOpen:
				stateValue = float64(metrics.CircuitBreakerOpen)
				metrics.CircuitBreakerTrips.WithLabelValues(name).Inc()
			case gobreaker.StateHalfOpen:
				stateValue = float64(metrics.CircuitBreakerHalfOpen)
			}
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue)
		},
	})
}

// Execute runs fn inside the breaker. A non-nil error from fn counts as a
// failure; rejections while open or half-open-saturated are reported via
// IsRejection on the returned error.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Load().Execute(func() (interface{}, error) {
		return nil, fn()
	})

	switch {
	case err == nil:
		metrics.CircuitBreakerCalls.WithLabelValues(b.name, "success").Inc()
	case IsRejection(err):
		metrics.CircuitBreakerCalls.WithLabelValues(b.name, "rejected").Inc()
	default:
		metrics.CircuitBreakerCalls.WithLabelValues(b.name, "failure").Inc()
	}
	return err
}

// IsRejection reports whether err is a breaker rejection rather than a
// failure of the wrapped call.
func IsRejection(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// Name returns the breaker's name.
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current breaker state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.Load().State()
}

// Counts returns the current call counts.
func (b *Breaker) Counts() gobreaker.Counts {
	return b.cb.Load().Counts()
}

// WaitDuration returns the configured open-state duration. The pool scheduler
// uses it as the NACK delay for rejected calls.
func (b *Breaker) WaitDuration() time.Duration {
	return b.config.WaitDuration
}

// MinimumCalls returns the configured call floor below which the failure
// rate is not evaluated.
func (b *Breaker) MinimumCalls() uint32 {
	return b.config.MinimumCalls
}

// Reset forces the breaker back to CLOSED with a fresh window.
func (b *Breaker) Reset() {
	b.cb.Store(b.newCircuitBreaker())
	metrics.CircuitBreakerState.WithLabelValues(b.name).Set(float64(metrics.CircuitBreakerClosed))
	slog.Info("Circuit breaker reset", "name", b.name)
}

// Registry tracks named breakers for the admin API.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty breaker registry.
func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*Breaker)}
}

// GetOrCreate returns the breaker registered under name, creating it with
// cfg if absent.
func (r *Registry) GetOrCreate(name string, cfg Config) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[name]; ok {
		return b
	}
	b = New(name, cfg)
	r.breakers[name] = b
	return b
}

// Get returns the breaker registered under name, or nil.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[name]
}

// Remove drops a breaker from the registry (pool removed from config).
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, name)
}

// All returns a snapshot of registered breakers keyed by name.
func (r *Registry) All() map[string]*Breaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Breaker, len(r.breakers))
	for k, v := range r.breakers {
		out[k] = v
	}
	return out
}
