package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/scrivia/agentcore/internal/api/middleware"
	"github.com/scrivia/agentcore/internal/orchestrator"
	"github.com/scrivia/agentcore/pkg/models"
)

// ══════════════════════════════════════════════════════════════
// ── Session Handlers ─────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

type createSessionRequest struct {
	DocumentRef string `json:"document_ref"`
}

func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}
	if req.DocumentRef != "" {
		if _, err := h.Store.GetDocument(r.Context(), req.DocumentRef); err != nil {
			respondToolError(w, err)
			return
		}
	}

	sess := &models.Session{
		UserID:      middleware.GetUserID(r.Context()),
		DocumentRef: req.DocumentRef,
		Messages:    []models.ChatMessage{},
	}
	if err := h.Sessions.CreateSession(r.Context(), sess); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, sess)
}

func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	list, err := h.Sessions.ListSessions(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, list)
}

func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.ownedSession(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (h *Handlers) DeleteSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.ownedSession(w, r)
	if !ok {
		return
	}
	if err := h.Sessions.DeleteSession(r.Context(), sess.ID); err != nil {
		respondToolError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type turnRequest struct {
	Message string `json:"message"`
}

type turnResponse struct {
	*orchestrator.TurnResult
	SessionID string `json:"session_id"`
	TurnCount int    `json:"turn_count"`
}

// RunTurn sends one user message through the agent loop.
// POST /api/v1/sessions/{sessionId}/turns
//
// A turn that hits the round cap is still persisted and returned with
// truncated=true; model failures answer 502 and leave the session untouched.
func (h *Handlers) RunTurn(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.ownedSession(w, r)
	if !ok {
		return
	}

	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		respondError(w, http.StatusBadRequest, "message is required")
		return
	}

	res, err := h.Orchestrator.RunTurn(r.Context(), orchestrator.TurnRequest{
		SessionID:   sess.ID,
		UserID:      sess.UserID,
		DocumentRef: sess.DocumentRef,
		History:     sess.Messages,
		UserMessage: req.Message,
	})
	switch {
	case err == nil, errors.Is(err, orchestrator.ErrRoundLimit):
	case errors.Is(err, orchestrator.ErrModelUnavailable), errors.Is(err, orchestrator.ErrMalformedResponse):
		log.Warn().Err(err).Str("session", sess.ID).Msg("Agent turn failed")
		respondError(w, http.StatusBadGateway, err.Error())
		return
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	updated, err := h.Sessions.AppendTurn(r.Context(), sess.ID, res.Appended())
	if err != nil {
		respondToolError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, turnResponse{TurnResult: res, SessionID: updated.ID, TurnCount: updated.TurnCount})
}

// ownedSession loads the session in the URL and hides sessions of other
// users behind a 404.
func (h *Handlers) ownedSession(w http.ResponseWriter, r *http.Request) (*models.Session, bool) {
	id := chi.URLParam(r, "sessionId")
	sess, err := h.Sessions.GetSession(r.Context(), id)
	if err != nil {
		respondToolError(w, err)
		return nil, false
	}
	if sess.UserID != middleware.GetUserID(r.Context()) {
		respondError(w, http.StatusNotFound, "session not found: "+id)
		return nil, false
	}
	return sess, true
}
