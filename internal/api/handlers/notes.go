package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/scrivia/agentcore/internal/api/middleware"
	"github.com/scrivia/agentcore/internal/notetools"
	"github.com/scrivia/agentcore/pkg/models"
)

// ══════════════════════════════════════════════════════════════
// ── Note Handlers ────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListNotes(w http.ResponseWriter, r *http.Request) {
	docs, err := h.Store.ListDocuments(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if docs == nil {
		docs = []models.Document{}
	}
	respondJSON(w, http.StatusOK, docs)
}

type createNoteRequest struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

func (h *Handlers) CreateNote(w http.ResponseWriter, r *http.Request) {
	var req createNoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		respondError(w, http.StatusBadRequest, "title is required")
		return
	}

	doc := &models.Document{
		Title:   strings.TrimSpace(req.Title),
		Content: req.Content,
		OwnerID: middleware.GetUserID(r.Context()),
	}
	if err := h.Store.CreateDocument(r.Context(), doc); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().Str("ref", doc.Ref).Str("user", doc.OwnerID).Msg("Note created")
	w.Header().Set("ETag", quoteEtag(doc.Etag))
	respondJSON(w, http.StatusCreated, doc)
}

func (h *Handlers) GetNote(w http.ResponseWriter, r *http.Request) {
	doc, err := h.Store.GetDocument(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		respondToolError(w, err)
		return
	}
	w.Header().Set("ETag", quoteEtag(doc.Etag))
	respondJSON(w, http.StatusOK, doc)
}

func (h *Handlers) DeleteNote(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	if err := h.Store.DeleteDocument(r.Context(), ref); err != nil {
		respondToolError(w, err)
		return
	}
	log.Info().Str("ref", ref).Msg("Note deleted")
	w.WriteHeader(http.StatusNoContent)
}

type applyRequest struct {
	Ops           []models.ContentOperation `json:"ops"`
	DryRun        bool                      `json:"dry_run"`
	ReturnDiff    bool                      `json:"return_diff"`
	ReturnContent bool                      `json:"return_content"`
}

// ApplyContent runs a batch of content operations against a note.
// POST /api/v1/notes/{ref}/content/apply
//
// An If-Match header makes the request conditional on the note's current
// etag; a stale value yields 412 Precondition Failed.
func (h *Handlers) ApplyContent(w http.ResponseWriter, r *http.Request) {
	var req applyRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	ifMatch := unquoteEtag(r.Header.Get("If-Match"))
	ec := models.ExecutionContext{
		UserID:      middleware.GetUserID(r.Context()),
		DocumentRef: chi.URLParam(r, "ref"),
	}
	res, err := h.Tools.Apply(r.Context(), notetools.ApplyRequest{
		Ref:           ec.DocumentRef,
		Ops:           req.Ops,
		DryRun:        req.DryRun,
		ReturnDiff:    req.ReturnDiff,
		ReturnContent: req.ReturnContent,
		ExpectedEtag:  ifMatch,
	}, ec)
	if err != nil {
		var te *models.ToolError
		if ifMatch != "" && errors.As(err, &te) && te.Code == models.CodeConflict && !te.Retryable {
			respondError(w, http.StatusPreconditionFailed, te.Message)
			return
		}
		respondToolError(w, err)
		return
	}

	w.Header().Set("ETag", quoteEtag(res.Etag))
	respondJSON(w, http.StatusOK, res)
}

func quoteEtag(etag string) string {
	return `"` + etag + `"`
}

func unquoteEtag(v string) string {
	v = strings.TrimSpace(v)
	if v == "*" {
		return ""
	}
	v = strings.TrimPrefix(v, "W/")
	return strings.Trim(v, `"`)
}
