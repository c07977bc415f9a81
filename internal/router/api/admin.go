package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"go.flowcatalyst.tech/router/internal/common/tsid"
	"go.flowcatalyst.tech/router/internal/queue"
	"go.flowcatalyst.tech/router/internal/router/health"
	"go.flowcatalyst.tech/router/internal/router/model"
)

// PoolStatsProvider exposes per-pool statistics for the admin API.
type PoolStatsProvider interface {
	GetAllPoolStats() map[string]*health.PoolStats
	GetPoolStats(poolCode string) *health.PoolStats
}

// AdminHandler serves the operational /api/* endpoints: pool inspection,
// circuit breaker reset, and (in dev mode) synthetic message seeding.
type AdminHandler struct {
	poolStats PoolStatsProvider
	breakers  CircuitBreakerMutator
	publisher queue.Publisher
	subject   string
	devMode   bool
}

// NewAdminHandler creates an admin handler. publisher may be nil when the
// seed endpoint is not wired (it is only mounted in dev mode anyway).
func NewAdminHandler(poolStats PoolStatsProvider, breakers CircuitBreakerMutator) *AdminHandler {
	return &AdminHandler{
		poolStats: poolStats,
		breakers:  breakers,
	}
}

// EnableSeeding wires the seed endpoint to a queue publisher. Only effective
// in dev mode.
func (h *AdminHandler) EnableSeeding(publisher queue.Publisher, subject string, devMode bool) {
	h.publisher = publisher
	h.subject = subject
	h.devMode = devMode
}

// Routes returns the /api router.
func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/pools", h.handleListPools)
	r.Get("/pools/{code}/stats", h.handlePoolStats)
	r.Post("/circuit-breakers/{name}/reset", h.handleBreakerReset)
	r.Post("/seed/messages", h.handleSeedMessages)

	return r
}

func (h *AdminHandler) handleListPools(w http.ResponseWriter, r *http.Request) {
	if h.poolStats == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "pool metrics not available")
		return
	}

	all := h.poolStats.GetAllPoolStats()
	pools := make([]*health.PoolStats, 0, len(all))
	for _, stats := range all {
		pools = append(pools, stats)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"pools": pools,
		"count": len(pools),
	})
}

func (h *AdminHandler) handlePoolStats(w http.ResponseWriter, r *http.Request) {
	if h.poolStats == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "pool metrics not available")
		return
	}

	code := chi.URLParam(r, "code")
	stats := h.poolStats.GetPoolStats(code)
	if stats == nil {
		writeJSONError(w, http.StatusNotFound, fmt.Sprintf("unknown pool %q", code))
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

func (h *AdminHandler) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	if h.breakers == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "circuit breakers not available")
		return
	}

	name := chi.URLParam(r, "name")
	if !h.breakers.ResetCircuitBreaker(name) {
		writeJSONError(w, http.StatusNotFound, fmt.Sprintf("unknown circuit breaker %q", name))
		return
	}

	slog.Info("Circuit breaker reset via admin API", "name", name)
	writeJSON(w, http.StatusOK, map[string]any{
		"name":  name,
		"state": h.breakers.GetCircuitBreakerState(name),
	})
}

// SeedRequest describes a batch of synthetic pointers to publish.
type SeedRequest struct {
	Count           int    `json:"count"`
	PoolCode        string `json:"poolCode"`
	MediationTarget string `json:"mediationTarget"`
	MessageGroupID  string `json:"messageGroupId"`
	AuthToken       string `json:"authToken"`
}

func (h *AdminHandler) handleSeedMessages(w http.ResponseWriter, r *http.Request) {
	if !h.devMode {
		writeJSONError(w, http.StatusForbidden, "seeding is only available in dev mode")
		return
	}
	if h.publisher == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "no publisher configured")
		return
	}

	var req SeedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Count <= 0 {
		req.Count = 1
	}
	if req.Count > 1000 {
		writeJSONError(w, http.StatusBadRequest, "count must be <= 1000")
		return
	}
	if req.MediationTarget == "" {
		writeJSONError(w, http.StatusBadRequest, "mediationTarget is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	ids := make([]string, 0, req.Count)
	for i := 0; i < req.Count; i++ {
		pointer := &model.MessagePointer{
			ID:              tsid.Generate(),
			PoolCode:        req.PoolCode,
			AuthToken:       req.AuthToken,
			MediationType:   model.MediationTypeHTTP,
			MediationTarget: req.MediationTarget,
			MessageGroupID:  req.MessageGroupID,
		}

		data, err := json.Marshal(pointer)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "marshal failed: "+err.Error())
			return
		}

		if req.MessageGroupID != "" {
			err = h.publisher.PublishWithGroup(ctx, h.subject, data, req.MessageGroupID)
		} else {
			err = h.publisher.Publish(ctx, h.subject, data)
		}
		if err != nil {
			writeJSONError(w, http.StatusBadGateway, fmt.Sprintf("publish failed after %d messages: %v", len(ids), err))
			return
		}
		ids = append(ids, pointer.ID)
	}

	slog.Info("Seeded synthetic messages", "count", len(ids), "poolCode", req.PoolCode)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"seeded":     len(ids),
		"messageIds": ids,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
