package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"github.com/roundbet/backend/internal/config"
	"github.com/roundbet/backend/internal/database"
	"github.com/roundbet/backend/internal/metrics"
	"github.com/roundbet/backend/internal/models"
)

// schedulerLockKey is the advisory-lock key that elects the single tick
// driver per database. A second instance keeps serving reads but never
// advances rounds, which rules out double settlement.
const schedulerLockKey = 0x726f756e64 // "round"

const snapshotCacheKey = "round:current"

// RoundService owns the round lifecycle: creation, phase transitions, the
// lock deadline and settlement. It runs a 1-second cron tick and publishes an
// atomic snapshot of the current round for bettors.
type RoundService struct {
	db     *sql.DB
	ledger *LedgerService
	engine OutcomeEngine
	rdb    *redis.Client // optional snapshot cache
	cfg    config.GameConfig

	cron       *cron.Cron
	tickMu     sync.Mutex
	leaderConn *sql.Conn
	leader     bool

	// current holds an immutable copy of the latest round state; writers go
	// through cacheRound, never mutate a stored value in place.
	current atomic.Value // *models.GameRound

	now func() time.Time
}

func NewRoundService(db *sql.DB, ledger *LedgerService, engine OutcomeEngine, rdb *redis.Client, cfg config.GameConfig) *RoundService {
	return &RoundService{
		db:     db,
		ledger: ledger,
		engine: engine,
		rdb:    rdb,
		cfg:    cfg,
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		now:    time.Now,
	}
}

// Start launches the tick loop.
func (s *RoundService) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc("@every 1s", func() {
		if err := s.Tick(ctx); err != nil {
			log.WithError(err).Error("scheduler tick failed")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule tick: %w", err)
	}
	s.cron.Start()
	log.Info("Round scheduler started")
	return nil
}

// Stop halts the tick loop and releases leadership.
func (s *RoundService) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	if s.leaderConn != nil {
		_, _ = s.leaderConn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, schedulerLockKey)
		_ = s.leaderConn.Close()
	}
	log.Info("Round scheduler stopped")
}

// Tick advances the round state machine. It is a no-op on instances that do
// not hold the advisory lock. Missing rounds are self-healed: if no live
// round exists (the "bets hang" condition) a fresh one is created.
func (s *RoundService) Tick(ctx context.Context) error {
	// A settlement pass with backoff can outlast the 1s schedule; a second
	// tick overlapping it would mean two in-process drivers.
	if !s.tickMu.TryLock() {
		return nil
	}
	defer s.tickMu.Unlock()

	if !s.ensureLeader(ctx) {
		return nil
	}

	round, err := s.liveRound(ctx)
	if err != nil {
		if errors.Is(err, ErrRoundNotFound) {
			round, err = s.createNextRound(ctx)
			if err != nil {
				return err
			}
			log.WithField("round", round.RoundNumber).Warn("no live round found, created replacement")
		} else {
			return err
		}
	}

	now := s.now()
	switch round.Status {
	case models.RoundScheduled:
		if !now.Before(round.StartTime) {
			if err := s.transition(ctx, round, models.RoundScheduled, models.RoundActive); err != nil {
				return err
			}
		}
	case models.RoundActive:
		if !now.Before(round.EndTime.Add(-s.cfg.LockBefore)) {
			if err := s.transition(ctx, round, models.RoundActive, models.RoundLocked); err != nil {
				return err
			}
		}
	case models.RoundLocked:
		if !now.Before(round.EndTime) {
			if err := s.settleRound(ctx, round); err != nil {
				return err
			}
		}
	case models.RoundSettling:
		// Interrupted settlement from a previous tick or crashed leader;
		// resuming cannot double-pay because payout references replay.
		if err := s.settleRound(ctx, round); err != nil {
			return err
		}
	}

	s.publishSnapshot(ctx)
	return nil
}

// CurrentRoundStatus returns the bettable status of the current round. The
// double condition (phase and time) is evaluated against one clock read.
func (s *RoundService) CurrentRoundStatus() models.RoundSnapshot {
	round, ok := s.current.Load().(*models.GameRound)
	if !ok || round == nil {
		return models.RoundSnapshot{Status: models.RoundScheduled, CanBet: false}
	}

	now := s.now()
	secondsLeft := int64(round.EndTime.Sub(now) / time.Second)
	if secondsLeft < 0 {
		secondsLeft = 0
	}

	return models.RoundSnapshot{
		RoundNumber: round.RoundNumber,
		Status:      round.Status,
		SecondsLeft: secondsLeft,
		CanBet:      bettableAt(round.Status, round.EndTime, now, s.cfg.LockBefore),
	}
}

// VoidRound aborts a non-terminal round: bets are voided and their stakes
// reversed through the ledger.
func (s *RoundService) VoidRound(ctx context.Context, roundNumber int64) error {
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var status models.RoundStatus
		err := tx.QueryRow(`SELECT status FROM rounds WHERE round_number = $1 FOR UPDATE`, roundNumber).Scan(&status)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrRoundNotFound
			}
			return fmt.Errorf("%w: load round: %v", ErrStorageUnavailable, err)
		}
		if status.Terminal() {
			return fmt.Errorf("%w: round %d is %s", ErrRoundNotFound, roundNumber, status)
		}
		if _, err := tx.Exec(`UPDATE rounds SET status = $2 WHERE round_number = $1`, roundNumber, models.RoundVoided); err != nil {
			return fmt.Errorf("%w: void round: %v", ErrStorageUnavailable, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	bets, err := s.unresolvedBets(ctx, roundNumber)
	if err != nil {
		return err
	}
	for _, bet := range bets {
		if _, err := s.ledger.Reverse(ctx, bet.StakeRef, fmt.Sprintf("round %d voided", roundNumber)); err != nil && !errors.Is(err, ErrAlreadyReversed) {
			return err
		}
		if err := s.updateBet(ctx, bet.ID, models.BetVoid, 0); err != nil {
			return err
		}
	}

	log.WithFields(log.Fields{"round": roundNumber, "bets": len(bets)}).Warn("round voided")
	return nil
}

// settleRound resolves the outcome, pays every bet exactly once and marks the
// round settled. Safe to re-run: the outcome derivation is deterministic and
// payout references collapse in the ledger.
func (s *RoundService) settleRound(ctx context.Context, round *models.GameRound) error {
	outcome := round.Outcome
	if outcome == nil {
		v := s.engine.Resolve(round)
		outcome = &v
		res, err := s.db.ExecContext(ctx,
			`UPDATE rounds SET status = $2, outcome = $3 WHERE round_number = $1 AND status = $4`,
			round.RoundNumber, models.RoundSettling, v, models.RoundLocked)
		if err != nil {
			return fmt.Errorf("%w: enter settling: %v", ErrStorageUnavailable, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Lost the transition race (or resuming with a stored outcome);
			// reload and use whatever was committed.
			reloaded, err := s.roundByNumber(ctx, round.RoundNumber)
			if err != nil {
				return err
			}
			if reloaded.Outcome == nil {
				return fmt.Errorf("%w: round %d in %s without outcome", ErrStorageUnavailable, round.RoundNumber, reloaded.Status)
			}
			outcome = reloaded.Outcome
		}
		round.Status = models.RoundSettling
		round.Outcome = outcome
		s.cacheRound(round)
	}

	bets, err := s.unresolvedBets(ctx, round.RoundNumber)
	if err != nil {
		return err
	}

	for i := range bets {
		if err := s.settleBet(ctx, round, &bets[i], *outcome); err != nil {
			// settleBet already flagged the bet; keep going so one bad bet
			// does not block the round.
			log.WithError(err).WithFields(log.Fields{
				"round": round.RoundNumber, "bet": bets[i].ID,
			}).Error("bet settlement failed")
		}
	}

	if err := s.transition(ctx, round, models.RoundSettling, models.RoundSettled); err != nil {
		return err
	}
	metrics.RoundsSettled.Inc()
	log.WithFields(log.Fields{"round": round.RoundNumber, "outcome": *outcome, "bets": len(bets)}).Info("round settled")

	_, err = s.createNextRound(ctx)
	return err
}

// settleBet writes the payout record for one bet, retrying transient storage
// faults with backoff. The reference payout:<round>:<bet> makes every retry
// collapse into the first committed record.
func (s *RoundService) settleBet(ctx context.Context, round *models.GameRound, bet *models.Bet, outcome int) error {
	payout := s.engine.Payout(bet, outcome)
	ref := fmt.Sprintf("payout:%d:%s", round.RoundNumber, bet.ID)

	var lastErr error
	for attempt := 1; attempt <= s.cfg.SettleMaxAttempts; attempt++ {
		_, err := s.ledger.ApplyTransaction(ctx, TransactionParams{
			UserID:      bet.UserID,
			Type:        models.TxBetPayout,
			Amount:      payout,
			ReferenceID: ref,
			Description: fmt.Sprintf("round %d payout, outcome %d", round.RoundNumber, outcome),
		})
		if err == nil {
			status := models.BetLost
			if payout > 0 {
				status = models.BetWon
			}
			metrics.BetsSettled.Inc()
			return s.updateBet(ctx, bet.ID, status, payout)
		}
		if isDomainError(err) {
			lastErr = err
			break
		}
		lastErr = err
		metrics.SettlementRetries.Inc()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.SettleBackoffBase * time.Duration(attempt)):
		}
	}

	metrics.SettlementFailures.Inc()
	if err := s.updateBet(ctx, bet.ID, models.BetSettlementFailed, 0); err != nil {
		return err
	}
	return fmt.Errorf("settle bet %s: %w", bet.ID, lastErr)
}

func (s *RoundService) transition(ctx context.Context, round *models.GameRound, from, to models.RoundStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE rounds SET status = $3 WHERE round_number = $1 AND status = $2`,
		round.RoundNumber, from, to)
	if err != nil {
		return fmt.Errorf("%w: transition %s->%s: %v", ErrStorageUnavailable, from, to, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: round %d left %s concurrently", ErrStorageUnavailable, round.RoundNumber, from)
	}
	round.Status = to
	s.cacheRound(round)
	log.WithFields(log.Fields{"round": round.RoundNumber, "status": to}).Debug("round transition")
	return nil
}

func (s *RoundService) createNextRound(ctx context.Context) (*models.GameRound, error) {
	now := s.now()
	round := &models.GameRound{
		Status:    models.RoundScheduled,
		StartTime: now,
		EndTime:   now.Add(s.cfg.RoundDuration),
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO rounds (round_number, status, start_time, end_time) SELECT COALESCE(MAX(round_number), 0) + 1, $1, $2, $3 FROM rounds RETURNING round_number, created_at`,
		round.Status, round.StartTime, round.EndTime,
	).Scan(&round.RoundNumber, &round.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: create round: %v", ErrStorageUnavailable, err)
	}
	s.cacheRound(round)
	log.WithField("round", round.RoundNumber).Info("round created")
	return round, nil
}

// cacheRound publishes a copy of the round for concurrent readers. The tick
// loop keeps mutating its own round value, so the stored snapshot must be
// detached from it.
func (s *RoundService) cacheRound(round *models.GameRound) {
	snap := *round
	s.current.Store(&snap)
}

// liveRound returns the single non-terminal round, updating the snapshot.
func (s *RoundService) liveRound(ctx context.Context) (*models.GameRound, error) {
	round, err := s.scanRound(s.db.QueryRowContext(ctx,
		`SELECT round_number, status, start_time, end_time, outcome, created_at FROM rounds WHERE status IN ($1, $2, $3, $4) ORDER BY round_number DESC LIMIT 1`,
		models.RoundScheduled, models.RoundActive, models.RoundLocked, models.RoundSettling))
	if err != nil {
		return nil, err
	}
	s.cacheRound(round)
	return round, nil
}

func (s *RoundService) roundByNumber(ctx context.Context, n int64) (*models.GameRound, error) {
	return s.scanRound(s.db.QueryRowContext(ctx,
		`SELECT round_number, status, start_time, end_time, outcome, created_at FROM rounds WHERE round_number = $1`, n))
}

func (s *RoundService) scanRound(row *sql.Row) (*models.GameRound, error) {
	var round models.GameRound
	var outcome sql.NullInt64
	err := row.Scan(&round.RoundNumber, &round.Status, &round.StartTime, &round.EndTime, &outcome, &round.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRoundNotFound
		}
		return nil, fmt.Errorf("%w: load round: %v", ErrStorageUnavailable, err)
	}
	if outcome.Valid {
		v := int(outcome.Int64)
		round.Outcome = &v
	}
	return &round, nil
}

// unresolvedBets returns bets still owed a resolution, including earlier
// settlement_failed ones so a resumed pass retries them.
func (s *RoundService) unresolvedBets(ctx context.Context, roundNumber int64) ([]models.Bet, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, round_number, user_id, choice, stake_amount, status, payout_amount, stake_ref, placed_at FROM bets WHERE round_number = $1 AND status IN ($2, $3) ORDER BY placed_at ASC`,
		roundNumber, models.BetPending, models.BetSettlementFailed)
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

func (s *RoundService) updateBet(ctx context.Context, betID string, status models.BetStatus, payout int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE bets SET status = $2, payout_amount = $3 WHERE id = $1`, betID, status, payout)
	if err != nil {
		return fmt.Errorf("%w: update bet: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// ensureLeader acquires (or re-checks) the advisory lock on a dedicated
// connection. Postgres releases the lock the moment that session dies, so a
// leader must confirm its connection is still alive before acting on the
// flag; a dead connection demotes it back to candidate.
func (s *RoundService) ensureLeader(ctx context.Context) bool {
	if s.leader && s.leaderConn != nil {
		if err := s.leaderConn.PingContext(ctx); err == nil {
			return true
		}
		log.Warn("scheduler: leader connection lost, lock released by server")
		_ = s.leaderConn.Close()
		s.leaderConn = nil
		s.leader = false
	}

	if s.leaderConn == nil {
		conn, err := s.db.Conn(ctx)
		if err != nil {
			log.WithError(err).Warn("scheduler: no connection for leader election")
			return false
		}
		s.leaderConn = conn
	}

	var got bool
	if err := s.leaderConn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, schedulerLockKey).Scan(&got); err != nil {
		log.WithError(err).Warn("scheduler: leader election failed")
		_ = s.leaderConn.Close()
		s.leaderConn = nil
		return false
	}
	s.leader = got
	if got {
		log.Info("scheduler: acquired leadership")
	}
	return got
}

func (s *RoundService) publishSnapshot(ctx context.Context) {
	if s.rdb == nil {
		return
	}
	snap := s.CurrentRoundStatus()
	payload, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, snapshotCacheKey, payload, 5*time.Second).Err(); err != nil {
		log.WithError(err).Debug("snapshot cache publish failed")
	}
}

// bettableAt is the single admission rule: active phase and strictly more
// than lockBefore left on the clock, both judged at the same instant.
func bettableAt(status models.RoundStatus, end time.Time, now time.Time, lockBefore time.Duration) bool {
	return status == models.RoundActive && end.Sub(now) > lockBefore
}
