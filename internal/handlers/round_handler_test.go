package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/roundbet/backend/internal/config"
	"github.com/roundbet/backend/internal/services"
)

func gameTestConfig() config.GameConfig {
	return config.GameConfig{
		RoundDuration:     180 * time.Second,
		LockBefore:        30 * time.Second,
		SettleMaxAttempts: 3,
		SettleBackoffBase: time.Millisecond,
	}
}

func TestRoundHandler_PlaceBet_RequestValidation(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ledger := services.NewLedgerService(db)
	bets := services.NewBetService(db, ledger, gameTestConfig())
	rounds := services.NewRoundService(db, ledger, services.NewDigitDrawEngine("seed"), nil, gameTestConfig())
	handler := NewRoundHandler(rounds, bets)

	tests := []struct {
		name       string
		userID     string
		body       string
		wantStatus int
	}{
		{"missing user identity", "", `{"round_number":1,"choice":"big","stake_amount":100}`, http.StatusUnauthorized},
		{"malformed body", "user-1", `{round`, http.StatusBadRequest},
		{"missing choice", "user-1", `{"round_number":1,"stake_amount":100}`, http.StatusBadRequest},
		{"zero stake", "user-1", `{"round_number":1,"choice":"big","stake_amount":0}`, http.StatusBadRequest},
		{"negative round", "user-1", `{"round_number":-1,"choice":"big","stake_amount":100}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/bets", strings.NewReader(tt.body))
			if tt.userID != "" {
				req.Header.Set("X-User-ID", tt.userID)
			}
			rec := httptest.NewRecorder()

			handler.PlaceBet(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}

	// none of the rejected requests may reach storage
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRoundHandler_CurrentRound(t *testing.T) {
	rounds := services.NewRoundService(nil, nil, services.NewDigitDrawEngine("seed"), nil, gameTestConfig())
	handler := NewRoundHandler(rounds, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/rounds/current", nil)
	rec := httptest.NewRecorder()

	handler.CurrentRound(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var snap map[string]any
	assert.NoError(t, json.NewDecoder(rec.Body).Decode(&snap))
	assert.Equal(t, false, snap["can_bet"])
}

func TestWriteServiceError(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
	}{
		{services.ErrInsufficientFunds, http.StatusPaymentRequired},
		{services.ErrRoundNotBettable, http.StatusConflict},
		{services.ErrInvalidAmount, http.StatusBadRequest},
		{services.ErrBelowMinimumWithdrawal, http.StatusBadRequest},
		{services.ErrDuplicateReference, http.StatusConflict},
		{services.ErrUserNotFound, http.StatusNotFound},
		{services.ErrRoundNotFound, http.StatusNotFound},
		{services.ErrRequestNotPending, http.StatusConflict},
		{errors.New("pq: connection refused"), http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		writeServiceError(rec, tt.err)
		assert.Equal(t, tt.wantStatus, rec.Code, "status for %v", tt.err)
	}
}
