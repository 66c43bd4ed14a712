// Package handlers implements the HTTP API of the agent core: notes, the
// content-apply endpoint, live note streams, agent sessions and ledger
// inspection.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/scrivia/agentcore/internal/executor"
	"github.com/scrivia/agentcore/internal/livestream"
	"github.com/scrivia/agentcore/internal/notetools"
	"github.com/scrivia/agentcore/internal/orchestrator"
	"github.com/scrivia/agentcore/internal/router"
	"github.com/scrivia/agentcore/internal/sessions"
	"github.com/scrivia/agentcore/internal/store"
	"github.com/scrivia/agentcore/pkg/contracts"
	"github.com/scrivia/agentcore/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store        store.Store
	Tools        *notetools.Tools
	Live         *livestream.Forwarder
	Orchestrator *orchestrator.Orchestrator
	Registry     *executor.Registry
	Sessions     *sessions.MemorySessionStore
	Ledger       contracts.Ledger
	Router       *router.ModelRouter
}

// ── Helpers ──────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondToolError maps a tool-level failure onto an HTTP status.
func respondToolError(w http.ResponseWriter, err error) {
	var te *models.ToolError
	if !errors.As(err, &te) {
		if store.IsNotFound(err) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		log.Error().Err(err).Msg("Request failed")
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := http.StatusInternalServerError
	switch te.Code {
	case models.CodeValidationFailed:
		status = http.StatusBadRequest
	case models.CodeNotFound:
		status = http.StatusNotFound
	case models.CodeConflict:
		status = http.StatusConflict
	case models.CodeTimeout:
		status = http.StatusGatewayTimeout
	}
	respondJSON(w, status, map[string]interface{}{
		"error":     te.Message,
		"code":      te.Code,
		"retryable": te.Retryable,
	})
}
