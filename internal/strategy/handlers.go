package strategy

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/papervest/trading-engine/internal/store"
)

// RunHandler handles POST /api/v1/allocations/{segmentID}/run. Scheduling
// of strategy passes is an external concern; this endpoint executes exactly
// one pass on demand.
func (r *Runner) RunHandler(w http.ResponseWriter, req *http.Request) {
	segmentID := chi.URLParam(req, "segmentID")

	alloc, err := r.store.GetAllocation(req.Context(), segmentID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrAllocationNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, err.Error(), status)
		return
	}

	if err := r.RunAllocation(req.Context(), alloc); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrUnknownStrategy) {
			status = http.StatusBadRequest
		}
		writeError(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "completed"})
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
