package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/roundbet/backend/internal/config"
	"github.com/roundbet/backend/internal/database"
	"github.com/roundbet/backend/internal/metrics"
	"github.com/roundbet/backend/internal/models"
)

// BetService is the admission gate: it joins the round phase check and the
// stake debit into one atomic step, so a round flipping to locked mid-flight
// can never leave an admitted bet behind.
type BetService struct {
	db     *sql.DB
	ledger *LedgerService
	cfg    config.GameConfig

	now func() time.Time
}

func NewBetService(db *sql.DB, ledger *LedgerService, cfg config.GameConfig) *BetService {
	return &BetService{db: db, ledger: ledger, cfg: cfg, now: time.Now}
}

// PlaceBet admits a wager on the given round. Inside one DB transaction it
// locks the round row, re-validates the bettable window against a single
// clock read, debits the stake through the ledger and inserts the bet.
func (s *BetService) PlaceBet(ctx context.Context, userID string, roundNumber int64, choice string, stake int64) (*models.Bet, error) {
	if stake <= 0 {
		return nil, ErrInvalidAmount
	}
	if !ValidChoice(choice) {
		return nil, fmt.Errorf("%w: unknown choice %q", ErrRoundNotBettable, choice)
	}

	bet := &models.Bet{
		ID:          uuid.New().String(),
		RoundNumber: roundNumber,
		UserID:      userID,
		Choice:      choice,
		StakeAmount: stake,
		Status:      models.BetPending,
	}
	bet.StakeRef = "bet:" + bet.ID

	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		round, err := lockRoundTx(tx, roundNumber)
		if err != nil {
			return err
		}

		now := s.now()
		if !bettableAt(round.Status, round.EndTime, now, s.cfg.LockBefore) {
			return ErrRoundNotBettable
		}

		if _, err := s.ledger.ApplyTransactionTx(tx, TransactionParams{
			UserID:      userID,
			Type:        models.TxBetStake,
			Amount:      -stake,
			ReferenceID: bet.StakeRef,
			Description: fmt.Sprintf("stake on round %d (%s)", roundNumber, choice),
		}); err != nil {
			return err
		}

		return tx.QueryRow(
			`INSERT INTO bets (id, round_number, user_id, choice, stake_amount, status, payout_amount, stake_ref) VALUES ($1, $2, $3, $4, $5, $6, 0, $7) RETURNING placed_at`,
			bet.ID, bet.RoundNumber, bet.UserID, bet.Choice, bet.StakeAmount, bet.Status, bet.StakeRef,
		).Scan(&bet.PlacedAt)
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrRoundNotBettable):
			metrics.BetsRejected.WithLabelValues("not_bettable").Inc()
		case errors.Is(err, ErrInsufficientFunds):
			metrics.BetsRejected.WithLabelValues("insufficient_funds").Inc()
		}
		return nil, err
	}

	metrics.BetsPlaced.Inc()
	log.WithFields(log.Fields{"user": userID, "round": roundNumber, "stake": stake}).Info("bet placed")
	return bet, nil
}

// BetsForUser lists a user's bets, newest first.
func (s *BetService) BetsForUser(ctx context.Context, userID string, limit int) ([]models.Bet, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, round_number, user_id, choice, stake_amount, status, payout_amount, stake_ref, placed_at FROM bets WHERE user_id = $1 ORDER BY placed_at DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list bets: %v", ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var bets []models.Bet
	for rows.Next() {
		var b models.Bet
		if err := rows.Scan(&b.ID, &b.RoundNumber, &b.UserID, &b.Choice, &b.StakeAmount, &b.Status, &b.PayoutAmount, &b.StakeRef, &b.PlacedAt); err != nil {
			return nil, fmt.Errorf("%w: scan bet: %v", ErrStorageUnavailable, err)
		}
		bets = append(bets, b)
	}
	return bets, rows.Err()
}

func lockRoundTx(tx *sql.Tx, roundNumber int64) (*models.GameRound, error) {
	var round models.GameRound
	err := tx.QueryRow(
		`SELECT round_number, status, start_time, end_time FROM rounds WHERE round_number = $1 FOR UPDATE`,
		roundNumber,
	).Scan(&round.RoundNumber, &round.Status, &round.StartTime, &round.EndTime)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRoundNotFound
		}
		return nil, fmt.Errorf("%w: lock round: %v", ErrStorageUnavailable, err)
	}
	return &round, nil
}
