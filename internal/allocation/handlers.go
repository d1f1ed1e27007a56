package allocation

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/papervest/trading-engine/internal/store"
)

// AllocationRequest is the JSON body for POST /api/v1/allocations.
type AllocationRequest struct {
	UserID   string          `json:"user_id"`
	TraderID string          `json:"trader_id"`
	Amount   decimal.Decimal `json:"amount"`
}

// RequestHandler handles POST /api/v1/allocations.
func (g *Guard) RequestHandler(w http.ResponseWriter, r *http.Request) {
	var req AllocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.TraderID == "" {
		writeError(w, "user_id and trader_id are required", http.StatusBadRequest)
		return
	}

	alloc, err := g.RequestAllocation(r.Context(), req.UserID, req.TraderID, req.Amount)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(alloc)
}

// ReleaseHandler handles DELETE /api/v1/allocations/{segmentID}.
func (g *Guard) ReleaseHandler(w http.ResponseWriter, r *http.Request) {
	segmentID := chi.URLParam(r, "segmentID")
	userID := r.URL.Query().Get("user_id")

	if err := g.Release(r.Context(), userID, segmentID); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PauseRequest is the JSON body for POST /api/v1/allocations/{segmentID}/pause.
type PauseRequest struct {
	UserID string `json:"user_id"`
	Paused bool   `json:"paused"`
}

// PauseHandler handles POST /api/v1/allocations/{segmentID}/pause.
func (g *Guard) PauseHandler(w http.ResponseWriter, r *http.Request) {
	segmentID := chi.URLParam(r, "segmentID")

	var req PauseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := g.SetPaused(r.Context(), req.UserID, segmentID, req.Paused); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrAccountNotFound), errors.Is(err, store.ErrAllocationNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAllocationLimit), errors.Is(err, ErrDuplicateHire):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
