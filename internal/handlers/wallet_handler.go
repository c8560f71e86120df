package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/roundbet/backend/internal/models"
	"github.com/roundbet/backend/internal/services"
)

// WalletHandler exposes balances, history views and funding requests.
type WalletHandler struct {
	ledger    *services.LedgerService
	wallet    *services.WalletService
	history   *services.HistoryService
	validator *services.ValidationHelper
}

func NewWalletHandler(ledger *services.LedgerService, wallet *services.WalletService, history *services.HistoryService) *WalletHandler {
	return &WalletHandler{
		ledger:    ledger,
		wallet:    wallet,
		history:   history,
		validator: services.NewValidationHelper(),
	}
}

// GetAccount returns the caller's balances.
func (h *WalletHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)
	if userID == "" {
		services.SendErrorResponse(w, "Missing user identity", http.StatusUnauthorized, nil)
		return
	}

	account, err := h.ledger.GetAccount(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

// ListTransactions returns the ledger log, optionally filtered by ?type=.
func (h *WalletHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)
	if userID == "" {
		services.SendErrorResponse(w, "Missing user identity", http.StatusUnauthorized, nil)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := h.history.TransactionHistory(r.Context(), userID,
		models.TransactionType(r.URL.Query().Get("type")), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// ListRecharges returns the deduplicated recharge history.
func (h *WalletHandler) ListRecharges(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)
	if userID == "" {
		services.SendErrorResponse(w, "Missing user identity", http.StatusUnauthorized, nil)
		return
	}

	entries, err := h.history.RechargeHistory(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// ListWithdrawals returns the caller's withdrawal requests.
func (h *WalletHandler) ListWithdrawals(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)
	if userID == "" {
		services.SendErrorResponse(w, "Missing user identity", http.StatusUnauthorized, nil)
		return
	}

	reqs, err := h.history.WithdrawalHistory(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}

type amountRequest struct {
	Amount int64 `json:"amount" validate:"required,gt=0"` // in cents
}

// RequestRecharge opens a pending top-up request.
func (h *WalletHandler) RequestRecharge(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)
	if userID == "" {
		services.SendErrorResponse(w, "Missing user identity", http.StatusUnauthorized, nil)
		return
	}

	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	created, err := h.wallet.RequestRecharge(r.Context(), userID, req.Amount)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// RequestWithdrawal opens a withdrawal request; the debit happens now, the
// payout on operator approval.
func (h *WalletHandler) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)
	if userID == "" {
		services.SendErrorResponse(w, "Missing user identity", http.StatusUnauthorized, nil)
		return
	}

	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	created, err := h.wallet.RequestWithdrawal(r.Context(), userID, req.Amount)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// WithdrawalFee previews the fee and net payout for an amount.
func (h *WalletHandler) WithdrawalFee(w http.ResponseWriter, r *http.Request) {
	amount, err := strconv.ParseInt(r.URL.Query().Get("amount"), 10, 64)
	if err != nil || amount <= 0 {
		services.SendErrorResponse(w, "Invalid amount", http.StatusBadRequest, nil)
		return
	}

	fee, net := h.wallet.WithdrawalFee(amount)
	writeJSON(w, http.StatusOK, map[string]int64{"amount": amount, "fee": fee, "net": net})
}
