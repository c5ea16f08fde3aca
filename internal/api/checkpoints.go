package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
)

// actorHeader names the operator on whose behalf a request acts
const actorHeader = "X-Actor"

// RetryRequest is the request body for POST /checkpoints/{id}/retry
type RetryRequest struct {
	IdempotencyKey string   `json:"idempotency_key"`
	Reasons        []string `json:"reasons,omitempty"`
}

// RetryResponse is the response for POST /checkpoints/{id}/retry
type RetryResponse struct {
	ID    string `json:"id"`
	Reset int    `json:"reset"`
}

// handleGetCheckpoint handles GET /api/v1/checkpoints/{id}
func (s *Server) handleGetCheckpoint(w http.ResponseWriter, r *http.Request) {
	withLeads, _ := strconv.ParseBool(r.URL.Query().Get("leads"))

	d, err := s.control.Show(r.Context(), chi.URLParam(r, "id"), withLeads)
	if err != nil {
		s.sendStoreError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, d)
}

// handleCheckpointHistory handles GET /api/v1/checkpoints/{id}/history
func (s *Server) handleCheckpointHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	entries, err := s.control.History(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.sendStoreError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, entries)
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	s.applyTransition(w, r, s.control.Activate)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.applyTransition(w, r, s.control.Pause)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.applyTransition(w, r, s.control.Resume)
}

// applyTransition runs a lifecycle action and responds with the updated checkpoint
func (s *Server) applyTransition(w http.ResponseWriter, r *http.Request, action func(ctx context.Context, actor, id string) error) {
	id := chi.URLParam(r, "id")
	if err := action(r.Context(), actor(r), id); err != nil {
		s.sendStoreError(w, err)
		return
	}

	d, err := s.control.Show(r.Context(), id, false)
	if err != nil {
		s.sendStoreError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, d)
}

// handleRetry handles POST /api/v1/checkpoints/{id}/retry. The idempotency key comes
// from the body or the Idempotency-Key header.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	var req RetryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	}
	if req.IdempotencyKey == "" {
		s.sendError(w, http.StatusBadRequest, "idempotency_key is required")
		return
	}

	id := chi.URLParam(r, "id")
	n, err := s.control.Retry(r.Context(), actor(r), id, req.IdempotencyKey, req.Reasons)
	if err != nil {
		s.sendStoreError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, RetryResponse{ID: id, Reset: n})
}

func actor(r *http.Request) string {
	if a := strings.TrimSpace(r.Header.Get(actorHeader)); a != "" {
		return a
	}
	return "api"
}
