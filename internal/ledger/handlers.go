package ledger

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/parcelshare/ledger-engine/internal/model"
	"github.com/parcelshare/ledger-engine/internal/store"
)

// CreatePropertyRequest is the JSON body for POST /api/v1/properties.
type CreatePropertyRequest struct {
	Name        string          `json:"name"`
	Address     string          `json:"address"`
	Location    string          `json:"location"`
	Description string          `json:"description"`
	Value       decimal.Decimal `json:"value"`
	TotalShares int64           `json:"total_shares"` // 0 = default
}

// UpdateValueRequest is the JSON body for PUT /api/v1/properties/{propertyID}/value.
type UpdateValueRequest struct {
	Value decimal.Decimal `json:"value"`
}

// SetInvestmentsRequest is the JSON body for PUT /api/v1/properties/{propertyID}/investments.
type SetInvestmentsRequest struct {
	Enabled bool `json:"enabled"`
}

// InvestRequest is the JSON body for POST /api/v1/investments.
type InvestRequest struct {
	UserID     string `json:"user_id"`
	PropertyID string `json:"property_id"`
	Shares     int64  `json:"shares"`
}

// InvestResponse is returned from a successful purchase.
type InvestResponse struct {
	PositionID string          `json:"position_id"`
	UserID     string          `json:"user_id"`
	PropertyID string          `json:"property_id"`
	Shares     int64           `json:"shares"`
	CostBasis  decimal.Decimal `json:"cost_basis"`
	Amount     decimal.Decimal `json:"amount"`
	PaymentID  string          `json:"payment_id"`
}

// SellRequest is the JSON body for sell-request and direct-sell endpoints.
type SellRequest struct {
	UserID     string `json:"user_id"`
	PropertyID string `json:"property_id"`
	Shares     int64  `json:"shares"`
}

// ApproveSellRequest is the JSON body for POST /api/v1/investments/sell/approve.
type ApproveSellRequest struct {
	UserID     string `json:"user_id"`
	PropertyID string `json:"property_id"`
}

// CreateAccountRequest is the JSON body for POST /api/v1/accounts.
type CreateAccountRequest struct {
	UserID string `json:"user_id"`
}

// PortfolioResponse is the presentation form of a Valuation: money rounded
// to cents at the boundary, precision preserved inside.
type PortfolioResponse struct {
	UserID         string             `json:"user_id"`
	PortfolioValue decimal.Decimal    `json:"portfolio_value"`
	TotalInvested  decimal.Decimal    `json:"total_invested"`
	UnrealizedGain decimal.Decimal    `json:"unrealized_gain"`
	RealizedProfit decimal.Decimal    `json:"realized_profit"`
	AllTimeProfit  decimal.Decimal    `json:"all_time_profit"`
	Positions      []PositionResponse `json:"positions"`
}

// PositionResponse is one marked-to-market position in a portfolio response.
type PositionResponse struct {
	PropertyID          string          `json:"property_id"`
	Shares              int64           `json:"shares"`
	CostBasis           decimal.Decimal `json:"cost_basis"`
	MarketValue         decimal.Decimal `json:"market_value"`
	UnrealizedGain      decimal.Decimal `json:"unrealized_gain"`
	SellPending         bool            `json:"sell_pending"`
	PendingSharesToSell int64           `json:"pending_shares_to_sell"`
}

// --- HTTP Handlers ---

// HandleCreateProperty handles POST /api/v1/properties
func (s *Service) HandleCreateProperty(w http.ResponseWriter, r *http.Request) {
	var req CreatePropertyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	prop, err := s.CreateProperty(r.Context(), req.Name, req.Address, req.Location, req.Description, req.Value, req.TotalShares)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, prop)
}

// HandleListProperties handles GET /api/v1/properties
func (s *Service) HandleListProperties(w http.ResponseWriter, r *http.Request) {
	props, err := s.store.ListProperties(r.Context())
	if err != nil {
		writeError(w, "failed to list properties", http.StatusInternalServerError)
		return
	}
	if props == nil {
		props = []model.Property{}
	}
	writeJSON(w, http.StatusOK, props)
}

// HandleGetProperty handles GET /api/v1/properties/{propertyID}
func (s *Service) HandleGetProperty(w http.ResponseWriter, r *http.Request) {
	prop, err := s.store.GetProperty(r.Context(), chi.URLParam(r, "propertyID"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "property not found", http.StatusNotFound)
			return
		}
		writeError(w, "failed to load property", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, prop)
}

// HandleUpdatePropertyValue handles PUT /api/v1/properties/{propertyID}/value
func (s *Service) HandleUpdatePropertyValue(w http.ResponseWriter, r *http.Request) {
	var req UpdateValueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	prop, err := s.UpdatePropertyValue(r.Context(), chi.URLParam(r, "propertyID"), req.Value)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prop)
}

// HandleRevalueProperty handles POST /api/v1/properties/{propertyID}/revalue
// Refreshes every position's market value against the current share price
// without changing the property value itself.
func (s *Service) HandleRevalueProperty(w http.ResponseWriter, r *http.Request) {
	n, err := s.RevalueProperty(r.Context(), chi.URLParam(r, "propertyID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"positions_revalued": n})
}

// HandleSetInvestments handles PUT /api/v1/properties/{propertyID}/investments
func (s *Service) HandleSetInvestments(w http.ResponseWriter, r *http.Request) {
	var req SetInvestmentsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	prop, err := s.SetInvestmentsEnabled(r.Context(), chi.URLParam(r, "propertyID"), req.Enabled)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prop)
}

// HandleCreateAccount handles POST /api/v1/accounts
// Provisions an empty wallet and portfolio for a user.
func (s *Service) HandleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	if err := s.store.CreateAccount(r.Context(), req.UserID); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"user_id": req.UserID})
}

// HandleInvest handles POST /api/v1/investments
func (s *Service) HandleInvest(w http.ResponseWriter, r *http.Request) {
	var req InvestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.PropertyID == "" {
		writeError(w, "user_id and property_id are required", http.StatusBadRequest)
		return
	}

	pos, payment, err := s.Buy(r.Context(), req.UserID, req.PropertyID, req.Shares)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, InvestResponse{
		PositionID: pos.ID,
		UserID:     pos.UserID,
		PropertyID: pos.PropertyID,
		Shares:     pos.Shares,
		CostBasis:  pos.CostBasis.Round(2),
		Amount:     payment.Amount.Round(2),
		PaymentID:  payment.ID,
	})
}

// HandleRequestSell handles POST /api/v1/investments/sell/request
func (s *Service) HandleRequestSell(w http.ResponseWriter, r *http.Request) {
	var req SellRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	pos, err := s.RequestSell(r.Context(), req.UserID, req.PropertyID, req.Shares)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// HandleApproveSell handles POST /api/v1/investments/sell/approve
func (s *Service) HandleApproveSell(w http.ResponseWriter, r *http.Request) {
	var req ApproveSellRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	settlement, err := s.ApproveSell(r.Context(), req.UserID, req.PropertyID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settlement)
}

// HandleSell handles POST /api/v1/investments/sell
// Direct sale without the request/approve workflow.
func (s *Service) HandleSell(w http.ResponseWriter, r *http.Request) {
	var req SellRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	settlement, err := s.Sell(r.Context(), req.UserID, req.PropertyID, req.Shares)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settlement)
}

// HandlePendingSells handles GET /api/v1/investments/sell/pending
// Returns every position with a sell request awaiting approval.
func (s *Service) HandlePendingSells(w http.ResponseWriter, r *http.Request) {
	pending, err := s.store.ListPendingSells(r.Context())
	if err != nil {
		writeError(w, "failed to list pending sells", http.StatusInternalServerError)
		return
	}
	if pending == nil {
		pending = []model.Position{}
	}
	writeJSON(w, http.StatusOK, pending)
}

// HandleGetPositions handles GET /api/v1/users/{userID}/positions
func (s *Service) HandleGetPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.store.ListPositionsByUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// HandleGetPortfolio handles GET /api/v1/users/{userID}/portfolio
// Returns the portfolio marked to current share prices.
func (s *Service) HandleGetPortfolio(w http.ResponseWriter, r *http.Request) {
	v, err := s.Valuation(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	resp := PortfolioResponse{
		UserID:         v.UserID,
		PortfolioValue: v.PortfolioValue.Round(2),
		TotalInvested:  v.TotalInvested.Round(2),
		UnrealizedGain: v.UnrealizedGain.Round(2),
		RealizedProfit: v.RealizedProfit.Round(2),
		AllTimeProfit:  v.AllTimeProfit.Round(2),
		Positions:      make([]PositionResponse, 0, len(v.Positions)),
	}
	for _, p := range v.Positions {
		resp.Positions = append(resp.Positions, PositionResponse{
			PropertyID:          p.PropertyID,
			Shares:              p.Shares,
			CostBasis:           p.CostBasis.Round(2),
			MarketValue:         p.MarketValue.Round(2),
			UnrealizedGain:      p.UnrealizedGain.Round(2),
			SellPending:         p.SellPending,
			PendingSharesToSell: p.PendingSharesToSell,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

// writeServiceError maps service sentinel errors to HTTP status codes.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrValidation):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrPositionNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrInsufficientShares),
		errors.Is(err, ErrInvestmentsDisabled),
		errors.Is(err, ErrNoPendingRequest):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, store.ErrConflict):
		writeError(w, "concurrent modification, retry", http.StatusConflict)
	default:
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
