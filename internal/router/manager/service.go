package manager

import (
	"context"
	"fmt"
	"sync"
)

// RouterService wraps a Supervisor to implement lifecycle.Service.
// This enables coordinated startup/shutdown with the HTTP server and the
// config fetcher.
type RouterService struct {
	supervisor *Supervisor
	mu         sync.Mutex
	running    bool
	stopCh     chan struct{}
}

// NewRouterService creates a service wrapper for the router supervisor.
func NewRouterService(supervisor *Supervisor) *RouterService {
	return &RouterService{
		supervisor: supervisor,
		stopCh:     make(chan struct{}),
	}
}

// Name returns the service identifier.
func (s *RouterService) Name() string {
	return "message-router"
}

// Start begins message processing and blocks until ctx is cancelled.
func (s *RouterService) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.supervisor.Start()

	select {
	case <-ctx.Done():
	case <-s.stopCh:
	}

	return nil
}

// Stop gracefully stops message processing.
func (s *RouterService) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.supervisor.Stop()
	s.running = false

	select {
	case <-s.stopCh:
		// Already closed
	default:
		close(s.stopCh)
	}

	return nil
}

// Health returns nil while the router is running and no consumer has
// exhausted its restart budget.
func (s *RouterService) Health() error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	if !running {
		return fmt.Errorf("router not running")
	}

	for uri, c := range s.supervisor.Consumers() {
		if c.IsStalled() && c.GetRestartCount() >= s.supervisor.healthConfig.MaxRestartAttempts {
			return fmt.Errorf("consumer for %s stalled beyond restart budget", uri)
		}
	}
	return nil
}

// Pause stops consuming but keeps pools and connections alive.
// Used by the standby service when this instance loses the primary role.
func (s *RouterService) Pause() {
	s.supervisor.Pause()
}

// Resume restarts consuming. Used when this instance becomes primary.
func (s *RouterService) Resume() {
	s.supervisor.Resume()
}
