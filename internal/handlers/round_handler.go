package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/roundbet/backend/internal/services"
)

// RoundHandler exposes the round status and bet placement endpoints.
type RoundHandler struct {
	rounds    *services.RoundService
	bets      *services.BetService
	validator *services.ValidationHelper
}

func NewRoundHandler(rounds *services.RoundService, bets *services.BetService) *RoundHandler {
	return &RoundHandler{rounds: rounds, bets: bets, validator: services.NewValidationHelper()}
}

// CurrentRound returns {round_number, status, seconds_left, can_bet}.
func (h *RoundHandler) CurrentRound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.rounds.CurrentRoundStatus())
}

type placeBetRequest struct {
	RoundNumber int64  `json:"round_number" validate:"required,gt=0"`
	Choice      string `json:"choice" validate:"required"`
	StakeAmount int64  `json:"stake_amount" validate:"required,gt=0"` // in cents
}

// PlaceBet admits a wager for the authenticated user.
func (h *RoundHandler) PlaceBet(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)
	if userID == "" {
		services.SendErrorResponse(w, "Missing user identity", http.StatusUnauthorized, nil)
		return
	}

	var req placeBetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	bet, err := h.bets.PlaceBet(r.Context(), userID, req.RoundNumber, req.Choice, req.StakeAmount)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, bet)
}

// ListBets returns the user's recent bets.
func (h *RoundHandler) ListBets(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)
	if userID == "" {
		services.SendErrorResponse(w, "Missing user identity", http.StatusUnauthorized, nil)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	bets, err := h.bets.BetsForUser(r.Context(), userID, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bets)
}

// userIDFrom reads the identity the upstream auth layer attached to the
// request. Verification of the credential itself happens upstream.
func userIDFrom(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeServiceError maps typed service errors to caller-facing responses
// without leaking storage detail.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrInsufficientFunds):
		services.SendErrorResponse(w, "Insufficient funds", http.StatusPaymentRequired, nil)
	case errors.Is(err, services.ErrRoundNotBettable):
		services.SendErrorResponse(w, "Round is not accepting bets", http.StatusConflict, nil)
	case errors.Is(err, services.ErrInvalidAmount):
		services.SendErrorResponse(w, "Invalid amount", http.StatusBadRequest, nil)
	case errors.Is(err, services.ErrBelowMinimumWithdrawal):
		services.SendErrorResponse(w, "Amount below withdrawal minimum", http.StatusBadRequest, nil)
	case errors.Is(err, services.ErrDuplicateReference):
		services.SendErrorResponse(w, "Duplicate reference", http.StatusConflict, nil)
	case errors.Is(err, services.ErrUserNotFound):
		services.SendErrorResponse(w, "User not found", http.StatusNotFound, nil)
	case errors.Is(err, services.ErrRoundNotFound),
		errors.Is(err, services.ErrRequestNotFound),
		errors.Is(err, services.ErrTransactionNotFound):
		services.SendErrorResponse(w, "Not found", http.StatusNotFound, nil)
	case errors.Is(err, services.ErrRequestNotPending),
		errors.Is(err, services.ErrAlreadyReversed):
		services.SendErrorResponse(w, "Request already processed", http.StatusConflict, nil)
	default:
		services.SendErrorResponse(w, "Service temporarily unavailable", http.StatusServiceUnavailable, nil)
	}
}
