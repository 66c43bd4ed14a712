package middleware

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Resource names what a request addressed once chi has routed it.
type Resource struct {
	Route     string
	NoteRef   string
	SessionID string
}

// RouteResource reads the matched route pattern and the note or session
// URL parameters. It is only meaningful after the router has run.
func RouteResource(r *http.Request) Resource {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return Resource{Route: r.URL.Path}
	}
	res := Resource{
		Route:     rctx.RoutePattern(),
		NoteRef:   rctx.URLParam("ref"),
		SessionID: rctx.URLParam("sessionId"),
	}
	if res.Route == "" {
		res.Route = r.URL.Path
	}
	return res
}
