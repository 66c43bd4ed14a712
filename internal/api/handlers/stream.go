package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/scrivia/agentcore/pkg/models"
)

// keepAliveInterval spaces SSE comments sent to idle streams.
var keepAliveInterval = 15 * time.Second

// StreamNote pushes applied edits of a note as Server-Sent Events.
// GET /api/v1/notes/{ref}/stream
//
// The first event is a snapshot of the stored note; every later "apply"
// event carries the operations, the new content and its etag.
func (h *Handlers) StreamNote(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	doc, err := h.Store.GetDocument(r.Context(), ref)
	if err != nil {
		respondToolError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	events, cancel := h.Live.Subscribe(ref)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	snapshot := models.StreamEvent{Ref: ref, NewContent: doc.Content, Etag: doc.Etag, At: doc.UpdatedAt}
	if err := writeEvent(w, "snapshot", snapshot); err != nil {
		return
	}
	flusher.Flush()

	log.Debug().Str("ref", ref).Msg("Live viewer connected")
	defer log.Debug().Str("ref", ref).Msg("Live viewer disconnected")

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			if err := writeEvent(w, "apply", ev); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, name string, ev models.StreamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}
