package payment

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/parcelshare/ledger-engine/internal/model"
)

// DepositRequest is the JSON body for POST /api/v1/payments/deposit.
type DepositRequest struct {
	UserID string          `json:"user_id"`
	Amount decimal.Decimal `json:"amount"`
}

// WithdrawRequest is the JSON body for POST /api/v1/payments/withdraw.
type WithdrawRequest struct {
	UserID string          `json:"user_id"`
	Amount decimal.Decimal `json:"amount"`
}

// RefundRequest is the JSON body for POST /api/v1/payments/refund.
type RefundRequest struct {
	UserID    string `json:"user_id"`
	PaymentID string `json:"payment_id"`
}

// WebhookRequest is the gateway's deposit-status callback payload.
type WebhookRequest struct {
	GatewayRef string `json:"gateway_ref"`
	Success    bool   `json:"success"`
}

// HandleDeposit handles POST /api/v1/payments/deposit
func (s *Service) HandleDeposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	result, err := s.Deposit(r.Context(), req.UserID, req.Amount)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleWebhook handles POST /api/v1/payments/webhook
// The gateway calls this when a deposit charge settles. Replays return 200
// without touching the wallet.
func (s *Service) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	var req WebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.GatewayRef == "" {
		writeError(w, "gateway_ref is required", http.StatusBadRequest)
		return
	}

	if err := s.UpdateDepositStatus(r.Context(), req.GatewayRef, req.Success); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleWithdraw handles POST /api/v1/payments/withdraw
func (s *Service) HandleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	payment, err := s.Withdraw(r.Context(), req.UserID, req.Amount)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payment)
}

// HandleRefund handles POST /api/v1/payments/refund
func (s *Service) HandleRefund(w http.ResponseWriter, r *http.Request) {
	var req RefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	payment, err := s.Refund(r.Context(), req.UserID, req.PaymentID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payment)
}

// HandleListPayments handles GET /api/v1/users/{userID}/payments
func (s *Service) HandleListPayments(w http.ResponseWriter, r *http.Request) {
	payments, err := s.ListPayments(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, "failed to list payments", http.StatusInternalServerError)
		return
	}
	if payments == nil {
		payments = []model.Payment{}
	}
	writeJSON(w, http.StatusOK, payments)
}

// writeServiceError maps payment sentinel errors to HTTP status codes.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidAmount):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrOnboardingRequired),
		errors.Is(err, ErrWithdrawalFailed):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrGateway):
		writeError(w, err.Error(), http.StatusBadGateway)
	default:
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
