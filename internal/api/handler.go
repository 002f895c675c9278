// Package api serves the run status endpoints while an osfleet command runs.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"osfleet/internal/health"
)

// Handler contains the status HTTP handlers.
type Handler struct {
	run    *RunState
	health *health.Checker
}

// NewHandler creates a new status handler.
func NewHandler(run *RunState, healthChecker *health.Checker) *Handler {
	return &Handler{
		run:    run,
		health: healthChecker,
	}
}

// Livez handles GET /livez - liveness probe.
// Returns 200 while the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 when the control plane is unreachable or the run is shutting
// down. A degraded cloud (open breakers) still answers 200.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if response.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// Run handles GET /v1/run
func (h *Handler) Run(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.run.Summary())
}

// RunKind handles GET /v1/run/{kind}
func (h *Handler) RunKind(w http.ResponseWriter, r *http.Request) {
	kind := r.PathValue("kind")
	if kind == "" {
		h.writeError(w, http.StatusBadRequest, "kind is required")
		return
	}

	detail, ok := h.run.Kind(kind)
	if !ok {
		h.writeError(w, http.StatusNotFound, "no items of kind "+kind)
		return
	}
	h.writeJSON(w, http.StatusOK, detail)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
