package handlers

import (
	"net/http"
)

// ══════════════════════════════════════════════════════════════
// ── Agent Introspection ──────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// ListTools returns the tool specs advertised to the model.
func (h *Handlers) ListTools(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Registry.Specs())
}

// LedgerStats returns the dedup ledger counters.
func (h *Handlers) LedgerStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Ledger.Stats())
}

// ResetLedger forgets every tracked signature.
func (h *Handlers) ResetLedger(w http.ResponseWriter, r *http.Request) {
	h.Ledger.Reset()
	w.WriteHeader(http.StatusNoContent)
}

// ModelLatency returns the rolling latency per model provider.
func (h *Handlers) ModelLatency(w http.ResponseWriter, r *http.Request) {
	if h.Router == nil {
		respondJSON(w, http.StatusOK, map[string]int64{})
		return
	}
	respondJSON(w, http.StatusOK, h.Router.Latencies())
}
