package trade

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/papervest/trading-engine/internal/marketdata"
	"github.com/papervest/trading-engine/internal/model"
	"github.com/papervest/trading-engine/internal/store"
)

// TradeRequest is the JSON body for POST /api/v1/trade.
type TradeRequest struct {
	UserID      string            `json:"user_id"`
	Ticker      string            `json:"ticker"`
	Action      string            `json:"action"` // "buy" or "sell"
	Quantity    decimal.Decimal   `json:"quantity"`
	SegmentKind model.SegmentKind `json:"segment_kind,omitempty"` // empty → main
	SegmentID   string            `json:"segment_id,omitempty"`
	Rationale   string            `json:"rationale,omitempty"`
}

// ExecuteTrade handles POST /api/v1/trade.
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	result, err := s.Execute(r.Context(), ExecuteRequest{
		UserID:    req.UserID,
		Segment:   model.Segment{Kind: req.SegmentKind, ID: req.SegmentID},
		Ticker:    req.Ticker,
		Action:    req.Action,
		Quantity:  req.Quantity,
		Rationale: req.Rationale,
	})
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// GetPortfolio handles GET /api/v1/portfolio/{userID}.
func (s *Service) GetPortfolioHandler(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	portfolio, err := s.GetPortfolio(r.Context(), userID)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(portfolio)
}

// ListTradesHandler handles GET /api/v1/trades/{userID}.
func (s *Service) ListTradesHandler(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	trades, err := s.ListTrades(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to list trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(trades)
}

// DayTradeCountHandler handles GET /api/v1/daytrades/{userID}.
func (s *Service) DayTradeCountHandler(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	count, err := s.DayTradeCount(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to count day trades", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{"day_trade_count": count})
}

// DividendRequest is the JSON body for POST /api/v1/admin/dividend.
type DividendRequest struct {
	Ticker   string          `json:"ticker"`
	PerShare decimal.Decimal `json:"per_share"`
	ExDate   string          `json:"ex_date"` // YYYY-MM-DD
}

// ApplyDividendHandler handles POST /api/v1/admin/dividend. The scheduling
// of corporate actions is external; this endpoint is idempotent against
// re-delivery of the same ex-date.
func (s *Service) ApplyDividendHandler(w http.ResponseWriter, r *http.Request) {
	var req DividendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := model.ValidateTicker(req.Ticker); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !req.PerShare.IsPositive() {
		writeError(w, "per_share must be positive", http.StatusBadRequest)
		return
	}
	exDate, err := time.Parse("2006-01-02", req.ExDate)
	if err != nil {
		writeError(w, "ex_date must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	if err := s.store.ApplyDividend(r.Context(), req.Ticker, req.PerShare, exDate); err != nil {
		writeError(w, "failed to apply dividend", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "applied"})
}

// SplitRequest is the JSON body for POST /api/v1/admin/split.
type SplitRequest struct {
	Ticker string          `json:"ticker"`
	Ratio  decimal.Decimal `json:"ratio"`
}

// ApplySplitHandler handles POST /api/v1/admin/split.
func (s *Service) ApplySplitHandler(w http.ResponseWriter, r *http.Request) {
	var req SplitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := model.ValidateTicker(req.Ticker); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.store.ApplySplit(r.Context(), req.Ticker, req.Ratio); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "applied"})
}

// statusFor maps engine and ledger errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidTicker),
		errors.Is(err, ErrInvalidQuantity),
		errors.Is(err, ErrInvalidAction),
		errors.Is(err, store.ErrInvalidSplitRatio):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInsufficientCash),
		errors.Is(err, store.ErrInsufficientHolding),
		errors.Is(err, ErrMarketClosed),
		errors.Is(err, ErrUnknownSegment):
		return http.StatusConflict
	case errors.Is(err, marketdata.ErrQuoteUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
