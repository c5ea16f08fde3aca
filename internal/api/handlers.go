package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/outreach/internal/models"
	"github.com/foxzi/outreach/internal/ratelimit"
	"github.com/foxzi/outreach/internal/repository"
	"github.com/foxzi/outreach/internal/tracker"
	"github.com/foxzi/outreach/internal/webhook"
)

// maxWebhookBytes bounds a provider callback body
const maxWebhookBytes = 1 << 20

// defaultTrendDays is used when GET /trends has no days parameter
const defaultTrendDays = 7

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// TrendsResponse is the response for GET /trends and GET /trends/month
type TrendsResponse struct {
	Scope   models.Scope          `json:"scope"`
	Buckets []tracker.TrendBucket `json:"buckets"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	version := s.version
	if version == "" {
		version = "dev"
	}
	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: version,
		Uptime:  time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

// handleWebhook handles POST /api/v1/webhooks/{provider}
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "provider")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		s.sendError(w, http.StatusRequestEntityTooLarge, "Request body too large")
		return
	}

	res, err := s.ingestor.Ingest(r.Context(), source, body)
	switch {
	case errors.Is(err, webhook.ErrUnknownSource):
		s.sendError(w, http.StatusNotFound, "Unknown webhook provider")
		return
	case errors.Is(err, webhook.ErrInvalidPayload):
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Error("failed to ingest webhook", "provider", source, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to ingest webhook")
		return
	}

	s.sendJSON(w, http.StatusOK, res)
}

// handleStats handles GET /api/v1/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.tracker.Stats(r.Context(), scopeFromQuery(r))
	if err != nil {
		s.logger.Error("failed to compute stats", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to compute stats")
		return
	}
	s.sendJSON(w, http.StatusOK, stats)
}

// handleTrends handles GET /api/v1/trends?days=N
func (s *Server) handleTrends(w http.ResponseWriter, r *http.Request) {
	days := defaultTrendDays
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.sendError(w, http.StatusBadRequest, "days must be an integer")
			return
		}
		days = n
	}

	scope := scopeFromQuery(r)
	buckets, err := s.tracker.Trends(r.Context(), days, scope)
	if errors.Is(err, tracker.ErrInvalidDays) {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("failed to compute trends", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to compute trends")
		return
	}
	s.sendJSON(w, http.StatusOK, TrendsResponse{Scope: scope, Buckets: buckets})
}

// handleMonthTrends handles GET /api/v1/trends/month
func (s *Server) handleMonthTrends(w http.ResponseWriter, r *http.Request) {
	scope := scopeFromQuery(r)
	buckets, err := s.tracker.CurrentMonthTrends(r.Context(), scope)
	if err != nil {
		s.logger.Error("failed to compute month trends", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to compute trends")
		return
	}
	s.sendJSON(w, http.StatusOK, TrendsResponse{Scope: scope, Buckets: buckets})
}

// handleQuota handles GET /api/v1/quota?user_id=&org_id=
func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	orgID := r.URL.Query().Get("org_id")
	if userID == "" || orgID == "" {
		s.sendError(w, http.StatusBadRequest, "user_id and org_id are required")
		return
	}

	quota, err := s.limiter.Remaining(r.Context(), userID, orgID)
	if errors.Is(err, ratelimit.ErrUnavailable) {
		s.logger.Error("quota unavailable", "user_id", userID, "org_id", orgID, "error", err)
		s.sendError(w, http.StatusServiceUnavailable, "Quota usage unavailable")
		return
	}
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "Failed to read quota")
		return
	}
	s.sendJSON(w, http.StatusOK, quota)
}

func scopeFromQuery(r *http.Request) models.Scope {
	q := r.URL.Query()
	return models.Scope{
		CampaignID: q.Get("campaign_id"),
		UserID:     q.Get("user_id"),
		OrgID:      q.Get("org_id"),
	}
}

// sendStoreError maps repository errors to HTTP statuses
func (s *Server) sendStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		s.sendError(w, http.StatusNotFound, "Checkpoint not found")
	case errors.Is(err, repository.ErrInvalidTransition), errors.Is(err, repository.ErrDuplicateRetry):
		s.sendError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("checkpoint operation failed", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Internal error")
	}
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}
