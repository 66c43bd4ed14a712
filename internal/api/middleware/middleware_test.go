package middleware_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrivia/agentcore/internal/api/middleware"
)

func ok(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(middleware.GetUserID(r.Context())))
}

func TestAPIKeyAuth(t *testing.T) {
	handler := middleware.NewAPIKeyAuth([]string{"key-1", " key-2 "}).Middleware(http.HandlerFunc(ok))

	tests := []struct {
		name   string
		path   string
		header map[string]string
		want   int
	}{
		{"public health", "/health", nil, http.StatusOK},
		{"missing key", "/api/v1/notes", nil, http.StatusUnauthorized},
		{"bearer", "/api/v1/notes", map[string]string{"Authorization": "Bearer key-1"}, http.StatusOK},
		{"x-api-key", "/api/v1/notes", map[string]string{"X-API-Key": "key-2"}, http.StatusOK},
		{"query", "/api/v1/notes?api_key=key-1", nil, http.StatusOK},
		{"invalid", "/api/v1/notes", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestAPIKeyAuth_DisabledWithoutKeys(t *testing.T) {
	auth := middleware.NewAPIKeyAuth([]string{"", "  "})
	assert.False(t, auth.Enabled())

	w := httptest.NewRecorder()
	auth.Middleware(http.HandlerFunc(ok)).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/notes", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestUserExtractor(t *testing.T) {
	handler := middleware.UserExtractor("X-User-ID")(http.HandlerFunc(ok))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-User-ID", " u1 ")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, "u1", w.Body.String())

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/?user=u2", nil))
	assert.Equal(t, "u2", w.Body.String())

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, middleware.AnonymousUser, w.Body.String())
}

func TestLogger_PreservesFlusher(t *testing.T) {
	var flushable bool
	handler := middleware.Logger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, flushable = w.(http.Flusher)
		w.WriteHeader(http.StatusTeapot)
	}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, flushable)
	assert.Equal(t, http.StatusTeapot, w.Code)
}

func TestLogger_RecordsRoutedResource(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/notes/{ref}", ok)
		r.Post("/sessions/{sessionId}/turns", ok)
	})

	tests := []struct {
		name   string
		method string
		path   string
		want   map[string]string
	}{
		{"note", http.MethodGet, "/api/v1/notes/n1", map[string]string{"route": "/api/v1/notes/{ref}", "note": "n1"}},
		{"session", http.MethodPost, "/api/v1/sessions/s1/turns", map[string]string{"route": "/api/v1/sessions/{sessionId}/turns", "session": "s1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(tt.method, tt.path, nil))

			var entry map[string]any
			require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
			for k, v := range tt.want {
				assert.Equal(t, v, entry[k], k)
			}
		})
	}
}
