// Package httpapi implements the HTTP Surface (C11): the health listener
// (liveness, readiness, details, reload) and the metrics listener, each an
// independent net/http server per §4.11.
package httpapi

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/chalabi2/evm-chain-exporter/internal/readiness"
)

// HealthServer serves the five health routes. It holds only read-only
// access to the Readiness Evaluator plus the reload entry point; it never
// touches the metric registry.
type HealthServer struct {
	evaluator *readiness.Evaluator
	reloader  *ConfigReloader
	logger    *zap.Logger
}

// NewHealthServer builds a HealthServer.
func NewHealthServer(evaluator *readiness.Evaluator, reloader *ConfigReloader, logger *zap.Logger) *HealthServer {
	return &HealthServer{evaluator: evaluator, reloader: reloader, logger: logger}
}

// Handler returns the health listener's mux.
func (h *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/health/livez", h.handleLivez)
	mux.HandleFunc("/health/readyz", h.handleReadyz)
	mux.HandleFunc("/health/details", h.handleDetails)
	mux.HandleFunc("/health/reload", h.handleReload)
	return mux
}

func (h *HealthServer) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to encode health response", zap.Error(err))
	}
}

// handleHealth reports process liveness: 200 always, per §6.
func (h *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleLivez reports the liveness predicate: 200 iff at least one poll
// loop has started, 503 otherwise.
func (h *HealthServer) handleLivez(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.evaluator.Live() {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_live"})
}

// handleReadyz reports the readiness predicate: 200 iff at least one chain
// is fresh and none that ever succeeded has gone stale, 503 otherwise.
func (h *HealthServer) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.evaluator.Ready() {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
}

// handleDetails serves the per-chain status table behind /health/details.
func (h *HealthServer) handleDetails(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.writeJSON(w, http.StatusOK, h.evaluator.Details())
}

// handleReload drives the reload path: 202 on accepted, 409 if a reload is
// already in flight, 400 on invalid new config. Reload is atomic; a 400
// means the running system is untouched.
func (h *HealthServer) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	outcome, err := h.reloader.Reload()
	switch outcome {
	case ReloadApplied:
		h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	case ReloadConflict:
		h.writeJSON(w, http.StatusConflict, map[string]string{"status": "conflict", "error": "a reload is already in flight"})
	case ReloadInvalid:
		h.logger.Warn("rejected invalid config reload", zap.Error(err))
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"status": "invalid", "error": err.Error()})
	}
}
