package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nvoss/callgate/internal/admission"
	"github.com/nvoss/callgate/internal/events"
	"github.com/nvoss/callgate/internal/ledger"
	"github.com/nvoss/callgate/internal/registry"
	"github.com/nvoss/callgate/internal/stats"
	"github.com/nvoss/callgate/internal/store"
)

// Handlers contains HTTP handlers for the management API
type Handlers struct {
	controller  *admission.Controller
	registry    *registry.Registry
	ledger      *ledger.Ledger
	reporter    *stats.Reporter
	broadcaster *events.Broadcaster
	redis       *store.RedisClient // nil when redis is disabled

	upgrader websocket.Upgrader
}

// NewHandlers creates a new Handlers instance
func NewHandlers(
	controller *admission.Controller,
	reg *registry.Registry,
	led *ledger.Ledger,
	reporter *stats.Reporter,
	broadcaster *events.Broadcaster,
	redis *store.RedisClient,
) *Handlers {
	return &Handlers{
		controller:  controller,
		registry:    reg,
		ledger:      led,
		reporter:    reporter,
		broadcaster: broadcaster,
		redis:       redis,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// AdmitSession handles POST /sessions
func (h *Handlers) AdmitSession(w http.ResponseWriter, r *http.Request) {
	var req AdmitSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}
	if req.Username == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "username is required")
		return
	}
	if req.SessionID == "" {
		req.SessionID = "sess_" + uuid.NewString()
	}

	decision, err := h.controller.TryAdmit(r.Context(), req.Username, req.SessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	response := AdmitSessionResponse{
		Username:         req.Username,
		SessionID:        req.SessionID,
		Outcome:          decision.Outcome,
		Reason:           decision.Reason,
		EvictedSessionID: decision.EvictedSessionID,
	}

	switch {
	case decision.Outcome == admission.Rejected && decision.Reason == admission.ReasonBackend:
		writeJSON(w, http.StatusServiceUnavailable, response)
	case decision.Outcome == admission.Rejected:
		writeJSON(w, http.StatusTooManyRequests, response)
	default:
		writeJSON(w, http.StatusCreated, response)
	}
}

// ReleaseSession handles DELETE /sessions/{id}
func (h *Handlers) ReleaseSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	username := r.URL.Query().Get("username")
	if username == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "username query parameter is required")
		return
	}

	if err := h.controller.Release(r.Context(), username, sessionID); err != nil {
		if errors.Is(err, store.ErrBackendUnavailable) {
			// The release was not lost: the session stays on the ledger
			// and the caller is expected to retry.
			writeError(w, http.StatusServiceUnavailable, ErrCodeBackendUnavailable, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	// Releasing an unknown session is a no-op, not an error
	w.WriteHeader(http.StatusNoContent)
}

// ListSessions handles GET /sessions
func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	all := h.ledger.ListAll()

	infos := make([]SessionInfo, 0)
	for _, records := range all {
		infos = append(infos, toSessionInfos(records)...)
	}

	writeJSON(w, http.StatusOK, ListSessionsResponse{Sessions: infos, Count: len(infos)})
}

// ListUserSessions handles GET /users/{username}/sessions
func (h *Handlers) ListUserSessions(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	infos := toSessionInfos(h.ledger.List(username))
	writeJSON(w, http.StatusOK, ListSessionsResponse{Sessions: infos, Count: len(infos)})
}

// GetUserLimit handles GET /users/{username}/limit. A user with no
// override is not an error; the response reports the default applied.
func (h *Handlers) GetUserLimit(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	limit, source := h.registry.GetUserLimit(r.Context(), username)

	writeJSON(w, http.StatusOK, UserLimitResponse{
		Username: username,
		Limit:    limit,
		Source:   source,
	})
}

// SetUserLimit handles PUT /users/{username}/limit
func (h *Handlers) SetUserLimit(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")

	var req SetUserLimitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}

	if err := h.registry.SetUserLimit(r.Context(), username, req.Limit); err != nil {
		if errors.Is(err, registry.ErrConfigInvalid) {
			writeError(w, http.StatusBadRequest, ErrCodeInvalidLimit, err.Error())
			return
		}
		writeError(w, http.StatusServiceUnavailable, ErrCodeBackendUnavailable, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, UserLimitResponse{
		Username: username,
		Limit:    req.Limit,
		Source:   registry.SourceOverride,
	})
}

// DeleteUserLimit handles DELETE /users/{username}/limit. Deleting a
// non-existent override succeeds silently.
func (h *Handlers) DeleteUserLimit(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")

	if err := h.registry.DeleteUserLimit(r.Context(), username); err != nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeBackendUnavailable, err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListLimits handles GET /limits
func (h *Handlers) ListLimits(w http.ResponseWriter, r *http.Request) {
	overrides, err := h.registry.ListOverrides(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeBackendUnavailable, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, ListLimitsResponse{
		DefaultLimit: h.registry.GlobalConfig().DefaultLimit,
		Overrides:    overrides,
		Count:        len(overrides),
	})
}

// GetConfig handles GET /config
func (h *Handlers) GetConfig(w http.ResponseWriter, r *http.Request) {
	cfg := h.registry.GlobalConfig()
	writeJSON(w, http.StatusOK, ConfigResponse{
		Enabled:        cfg.Enabled,
		DefaultLimit:   cfg.DefaultLimit,
		OverflowAction: string(cfg.OverflowAction),
	})
}

// UpdateConfig handles PUT /config. An invalid config is rejected
// whole; nothing is partially applied.
func (h *Handlers) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	var req UpdateConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}

	cfg := registry.GlobalConfig{
		Enabled:        req.Enabled,
		DefaultLimit:   req.DefaultLimit,
		OverflowAction: registry.OverflowAction(req.OverflowAction),
	}
	if err := h.registry.SetGlobalConfig(cfg); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidLimit, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, SuccessResponse{Success: true, Message: "configuration updated"})
}

// GetStats handles GET /stats
func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.reporter.Stats())
}

// Healthz handles GET /healthz
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Healthy: true, Redis: "disabled"}

	if h.redis != nil {
		if err := h.redis.Ping(r.Context()); err != nil {
			resp.Healthy = false
			resp.Redis = "unreachable"
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
		resp.Redis = "connected"
	}

	writeJSON(w, http.StatusOK, resp)
}

// StreamEvents handles GET /events: upgrades to a websocket and streams
// admission events as JSON until the client disconnects.
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub, cancel := h.broadcaster.Subscribe()
	defer cancel()

	// Drain client frames so pings and close messages are processed
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for ev := range sub {
		if err := conn.WriteJSON(ev); err != nil {
			slog.Debug("event subscriber gone", "error", err)
			return
		}
	}
}
