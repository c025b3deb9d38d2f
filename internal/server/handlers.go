package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/canopy-eco/canopy/internal/auth"
	"github.com/canopy-eco/canopy/internal/lifecycle"
	"github.com/canopy-eco/canopy/internal/model"
)

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	mgr             *lifecycle.Manager
	jwtMgr          *auth.JWTManager
	adminAPIKeyHash string
	logger          *slog.Logger
	version         string
	startedAt       time.Time
	maxBodyBytes    int64
}

// HandlersDeps are the dependencies for NewHandlers.
type HandlersDeps struct {
	Manager         *lifecycle.Manager
	JWTMgr          *auth.JWTManager
	AdminAPIKeyHash string
	Logger          *slog.Logger
	Version         string
	MaxBodyBytes    int64
}

// NewHandlers creates the handler set.
func NewHandlers(deps HandlersDeps) *Handlers {
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = 16 << 20
	}
	return &Handlers{
		mgr:             deps.Manager,
		jwtMgr:          deps.JWTMgr,
		adminAPIKeyHash: deps.AdminAPIKeyHash,
		logger:          deps.Logger,
		version:         deps.Version,
		startedAt:       time.Now().UTC(),
		maxBodyBytes:    deps.MaxBodyBytes,
	}
}

type tokenRequest struct {
	APIKey     string `json:"api_key"`
	ClientName string `json:"client_name,omitempty"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HandleAuthToken handles POST /auth/token: exchanges the admin API key for
// a short-lived JWT.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	if h.jwtMgr == nil || h.adminAPIKeyHash == "" {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "authentication is not configured")
		return
	}

	var req tokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid request body")
		return
	}
	if req.APIKey == "" {
		// Burn the same hashing cost as a real check so response timing
		// does not reveal whether the key field was present.
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid api key")
		return
	}

	ok, err := auth.VerifyAPIKey(req.APIKey, h.adminAPIKeyHash)
	if err != nil {
		h.logger.Error("api key verification failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "verification failed")
		return
	}
	if !ok {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid api key")
		return
	}

	clientName := req.ClientName
	if clientName == "" {
		clientName = "admin"
	}
	token, expiresAt, err := h.jwtMgr.IssueToken(clientName)
	if err != nil {
		h.logger.Error("token issuance failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "token issuance failed")
		return
	}

	h.logger.Info("token issued", "client", clientName, "request_id", RequestIDFromContext(r.Context()))
	writeJSON(w, r, http.StatusOK, tokenResponse{Token: token, ExpiresAt: expiresAt})
}

// HandleCreateAnalysis handles POST /v1/analyses: validates the request and
// starts the analysis pipeline in the background.
func (h *Handlers) HandleCreateAnalysis(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)

	var req model.AnalysisRequest
	if err := decodeJSON(r, &req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, r, http.StatusRequestEntityTooLarge, model.ErrCodeValidation, "request body too large")
			return
		}
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid request body")
		return
	}

	rec, err := h.mgr.Start(r.Context(), req)
	switch {
	case errors.Is(err, lifecycle.ErrNotInitialized):
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "analysis system not initialized")
		return
	case err != nil:
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, err.Error())
		return
	}

	writeJSON(w, r, http.StatusAccepted, rec)
}

// HandleListAnalyses handles GET /v1/analyses.
func (h *Handlers) HandleListAnalyses(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "limit must be a positive integer")
			return
		}
		if n > 200 {
			n = 200
		}
		limit = n
	}

	recs, err := h.mgr.ListRecent(r.Context(), limit)
	if err != nil {
		h.logger.Error("list analyses failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "failed to list analyses")
		return
	}
	if recs == nil {
		recs = []model.AnalysisRecord{}
	}
	writeJSON(w, r, http.StatusOK, recs)
}

// HandleGetAnalysis handles GET /v1/analyses/{id}.
func (h *Handlers) HandleGetAnalysis(w http.ResponseWriter, r *http.Request) {
	id, ok := h.analysisID(w, r)
	if !ok {
		return
	}

	rec, err := h.mgr.Get(r.Context(), id)
	if errors.Is(err, lifecycle.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "analysis not found")
		return
	}
	if err != nil {
		h.logger.Error("get analysis failed", "analysis_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "failed to load analysis")
		return
	}
	writeJSON(w, r, http.StatusOK, rec)
}

// HandleGetResult handles GET /v1/analyses/{id}/result. Only completed
// analyses have a result; anything else is a conflict.
func (h *Handlers) HandleGetResult(w http.ResponseWriter, r *http.Request) {
	id, ok := h.analysisID(w, r)
	if !ok {
		return
	}

	rec, err := h.mgr.Get(r.Context(), id)
	if errors.Is(err, lifecycle.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "analysis not found")
		return
	}
	if err != nil {
		h.logger.Error("get analysis failed", "analysis_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "failed to load analysis")
		return
	}

	if rec.Status != model.AnalysisStatusCompleted || rec.Result == nil {
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict,
			"analysis is "+string(rec.Status)+", result not available")
		return
	}
	writeJSON(w, r, http.StatusOK, rec.Result)
}

// HandleCancelAnalysis handles DELETE /v1/analyses/{id}.
func (h *Handlers) HandleCancelAnalysis(w http.ResponseWriter, r *http.Request) {
	id, ok := h.analysisID(w, r)
	if !ok {
		return
	}

	err := h.mgr.Cancel(r.Context(), id)
	switch {
	case errors.Is(err, lifecycle.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "analysis not found")
		return
	case errors.Is(err, lifecycle.ErrCannotCancel):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "analysis has already settled")
		return
	case err != nil:
		h.logger.Error("cancel analysis failed", "analysis_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "failed to cancel analysis")
		return
	}

	rec, err := h.mgr.Get(r.Context(), id)
	if err != nil {
		writeJSON(w, r, http.StatusOK, map[string]any{"id": id, "status": model.AnalysisStatusCancelled})
		return
	}
	writeJSON(w, r, http.StatusOK, rec)
}

type healthResponse struct {
	Status         string              `json:"status"`
	Version        string              `json:"version"`
	UptimeSeconds  int64               `json:"uptime_seconds"`
	Initialized    bool                `json:"initialized"`
	ActiveAnalyses int                 `json:"active_analyses"`
	Agents         []model.AgentHealth `json:"agents"`
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	health := h.mgr.Health(r.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !health.Healthy {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, r, httpStatus, healthResponse{
		Status:         status,
		Version:        h.version,
		UptimeSeconds:  int64(time.Since(h.startedAt).Seconds()),
		Initialized:    health.Initialized,
		ActiveAnalyses: health.ActiveAnalyses,
		Agents:         health.Agents,
	})
}

// analysisID parses the {id} path value, writing a 400 on failure.
func (h *Handlers) analysisID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid analysis id")
		return uuid.UUID{}, false
	}
	return id, true
}
