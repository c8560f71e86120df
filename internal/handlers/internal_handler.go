package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/roundbet/backend/internal/services"
)

// InternalHandler serves the trusted-caller surface: admin credits, funding
// request approvals and round voids. Routes using it sit behind the service
// token middleware.
type InternalHandler struct {
	wallet    *services.WalletService
	rounds    *services.RoundService
	ledger    *services.LedgerService
	validator *services.ValidationHelper
}

func NewInternalHandler(wallet *services.WalletService, rounds *services.RoundService, ledger *services.LedgerService) *InternalHandler {
	return &InternalHandler{wallet: wallet, rounds: rounds, ledger: ledger, validator: services.NewValidationHelper()}
}

type adminCreditRequest struct {
	UserID      string `json:"user_id" validate:"required"`
	Amount      int64  `json:"amount" validate:"required,gt=0"` // in cents
	ReferenceID string `json:"reference_id" validate:"required"`
	Description string `json:"description"`
}

// AdminCredit applies an operator credit through the ledger. Retries with the
// same reference_id replay instead of double-crediting.
func (h *InternalHandler) AdminCredit(w http.ResponseWriter, r *http.Request) {
	var req adminCreditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	rec, err := h.wallet.AdminCredit(r.Context(), req.UserID, req.Amount, req.ReferenceID, req.Description)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// ApproveRecharge settles a pending recharge request.
func (h *InternalHandler) ApproveRecharge(w http.ResponseWriter, r *http.Request) {
	if err := h.wallet.ApproveRecharge(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

// RejectRecharge closes a pending recharge request without crediting.
func (h *InternalHandler) RejectRecharge(w http.ResponseWriter, r *http.Request) {
	if err := h.wallet.RejectRecharge(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

// ApproveWithdrawal releases the held funds out of the platform.
func (h *InternalHandler) ApproveWithdrawal(w http.ResponseWriter, r *http.Request) {
	if err := h.wallet.ApproveWithdrawal(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

// RejectWithdrawal returns the held funds to the user's balance.
func (h *InternalHandler) RejectWithdrawal(w http.ResponseWriter, r *http.Request) {
	if err := h.wallet.RejectWithdrawal(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

// VoidRound aborts a non-terminal round and reverses its stakes.
func (h *InternalHandler) VoidRound(w http.ResponseWriter, r *http.Request) {
	roundNumber, err := strconv.ParseInt(chi.URLParam(r, "number"), 10, 64)
	if err != nil {
		services.SendErrorResponse(w, "Invalid round number", http.StatusBadRequest, nil)
		return
	}

	if err := h.rounds.VoidRound(r.Context(), roundNumber); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "voided"})
}

// ReplayBalance audits one user: reconstructs the balance from the log and
// reports whether it matches the stored value.
func (h *InternalHandler) ReplayBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")

	replayed, err := h.ledger.ReplayBalance(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	account, err := h.ledger.GetAccount(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":  userID,
		"stored":   account.MainBalance,
		"replayed": replayed,
		"match":    account.MainBalance == replayed,
	})
}
