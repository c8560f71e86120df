package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"

	"github.com/roundbet/backend/internal/models"
)

type stubEngine struct {
	outcome int
	payout  int64
}

func (e stubEngine) Resolve(*models.GameRound) int { return e.outcome }
func (e stubEngine) Payout(*models.Bet, int) int64 { return e.payout }

func TestBettableAt(t *testing.T) {
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	lockBefore := 30 * time.Second

	tests := []struct {
		name   string
		status models.RoundStatus
		end    time.Time
		want   bool
	}{
		{"active with time to spare", models.RoundActive, now.Add(60 * time.Second), true},
		{"active just outside the window", models.RoundActive, now.Add(31 * time.Second), true},
		{"active exactly at the window edge", models.RoundActive, now.Add(30 * time.Second), false},
		{"active inside the window", models.RoundActive, now.Add(25 * time.Second), false},
		{"scheduled never bettable", models.RoundScheduled, now.Add(60 * time.Second), false},
		{"locked never bettable", models.RoundLocked, now.Add(60 * time.Second), false},
		{"settled never bettable", models.RoundSettled, now.Add(60 * time.Second), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, bettableAt(tt.status, tt.end, now, lockBefore))
		})
	}
}

func TestRoundService_CurrentRoundStatus(t *testing.T) {
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

	t.Run("no round yet", func(t *testing.T) {
		service := NewRoundService(nil, nil, stubEngine{}, nil, betTestConfig())
		snap := service.CurrentRoundStatus()
		assert.False(t, snap.CanBet)
	})

	t.Run("active round inside lock window reports not bettable", func(t *testing.T) {
		service := NewRoundService(nil, nil, stubEngine{}, nil, betTestConfig())
		service.now = func() time.Time { return now }
		service.current.Store(&models.GameRound{
			RoundNumber: 12,
			Status:      models.RoundActive,
			StartTime:   now.Add(-155 * time.Second),
			EndTime:     now.Add(25 * time.Second),
		})

		snap := service.CurrentRoundStatus()

		assert.Equal(t, int64(12), snap.RoundNumber)
		assert.Equal(t, int64(25), snap.SecondsLeft)
		assert.False(t, snap.CanBet)
	})

	t.Run("active round outside lock window is bettable", func(t *testing.T) {
		service := NewRoundService(nil, nil, stubEngine{}, nil, betTestConfig())
		service.now = func() time.Time { return now }
		service.current.Store(&models.GameRound{
			RoundNumber: 12,
			Status:      models.RoundActive,
			StartTime:   now.Add(-60 * time.Second),
			EndTime:     now.Add(120 * time.Second),
		})

		snap := service.CurrentRoundStatus()

		assert.Equal(t, int64(120), snap.SecondsLeft)
		assert.True(t, snap.CanBet)
	})
}

func TestRoundService_Tick_SelfHeals(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	service := NewRoundService(db, NewLedgerService(db), stubEngine{}, nil, betTestConfig())
	service.now = func() time.Time { return now }

	mock.ExpectQuery("pg_try_advisory_lock").
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	// no live round anywhere: the tick must create a replacement
	mock.ExpectQuery("FROM rounds WHERE status IN").
		WithArgs(models.RoundScheduled, models.RoundActive, models.RoundLocked, models.RoundSettling).
		WillReturnRows(sqlmock.NewRows([]string{"round_number", "status", "start_time", "end_time", "outcome", "created_at"}))
	mock.ExpectQuery("INSERT INTO rounds").
		WithArgs(models.RoundScheduled, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"round_number", "created_at"}).AddRow(1, now))
	// fresh round starts immediately, so the same tick activates it
	mock.ExpectExec("UPDATE rounds SET status").
		WithArgs(int64(1), models.RoundScheduled, models.RoundActive).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, service.Tick(context.Background()))

	snap := service.CurrentRoundStatus()
	assert.Equal(t, int64(1), snap.RoundNumber)
	assert.Equal(t, models.RoundActive, snap.Status)
	assert.True(t, snap.CanBet)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRoundService_SettleRound_Resume(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	service := NewRoundService(db, NewLedgerService(db), stubEngine{outcome: 7, payout: 900}, nil, betTestConfig())
	service.now = func() time.Time { return now }

	outcome := 7
	round := &models.GameRound{
		RoundNumber: 3,
		Status:      models.RoundSettling,
		StartTime:   now.Add(-4 * time.Minute),
		EndTime:     now.Add(-time.Minute),
		Outcome:     &outcome,
	}

	betCols := []string{"id", "round_number", "user_id", "choice", "stake_amount", "status", "payout_amount", "stake_ref", "placed_at"}
	mock.ExpectQuery("FROM bets WHERE round_number").
		WithArgs(int64(3), models.BetPending, models.BetSettlementFailed).
		WillReturnRows(sqlmock.NewRows(betCols).
			AddRow("b1", 3, "user-1", "7", 100, models.BetPending, 0, "bet:b1", now.Add(-3*time.Minute)))
	// payout applied through the ledger
	mock.ExpectBegin()
	mock.ExpectQuery("FROM transactions WHERE reference_id").
		WithArgs("payout:3:b1").
		WillReturnRows(sqlmock.NewRows(txColumns))
	mock.ExpectQuery("SELECT main_balance FROM accounts").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"main_balance"}).AddRow(50))
	mock.ExpectExec("UPDATE accounts SET main_balance").
		WithArgs("user-1", int64(900)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO transactions").
		WithArgs("user-1", models.TxBetPayout, int64(900), int64(50), int64(950),
			models.TxStatusCompleted, "payout:3:b1", "round 3 payout, outcome 7").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(31, now))
	mock.ExpectCommit()
	mock.ExpectExec("UPDATE bets SET status").
		WithArgs("b1", models.BetWon, int64(900)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE rounds SET status").
		WithArgs(int64(3), models.RoundSettling, models.RoundSettled).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO rounds").
		WithArgs(models.RoundScheduled, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"round_number", "created_at"}).AddRow(4, now))

	assert.NoError(t, service.settleRound(context.Background(), round))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRoundService_SettleBet_ReplaysStoredPayout(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	service := NewRoundService(db, NewLedgerService(db), stubEngine{outcome: 7, payout: 200}, nil, betTestConfig())
	service.now = func() time.Time { return now }

	round := &models.GameRound{RoundNumber: 3, Status: models.RoundSettling}
	bet := &models.Bet{ID: "b1", RoundNumber: 3, UserID: "user-1", Choice: "big", StakeAmount: 100, StakeRef: "bet:b1"}

	// a previous pass already committed the payout record; the retry must
	// collapse into it instead of crediting twice
	mock.ExpectBegin()
	mock.ExpectQuery("FROM transactions WHERE reference_id").
		WithArgs("payout:3:b1").
		WillReturnRows(sqlmock.NewRows(txColumns).
			AddRow(31, "user-1", models.TxBetPayout, 200, 50, 250, models.TxStatusCompleted, "payout:3:b1", "round 3 payout, outcome 7", now))
	mock.ExpectCommit()
	mock.ExpectExec("UPDATE bets SET status").
		WithArgs("b1", models.BetWon, int64(200)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, service.settleBet(context.Background(), round, bet, 7))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRoundService_VoidRound(t *testing.T) {
	ctx := context.Background()

	t.Run("void reverses stakes and voids bets", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
		service := NewRoundService(db, NewLedgerService(db), stubEngine{}, nil, betTestConfig())
		service.now = func() time.Time { return now }

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT status FROM rounds").
			WithArgs(int64(5)).
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(models.RoundActive))
		mock.ExpectExec("UPDATE rounds SET status").
			WithArgs(int64(5), models.RoundVoided).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		betCols := []string{"id", "round_number", "user_id", "choice", "stake_amount", "status", "payout_amount", "stake_ref", "placed_at"}
		mock.ExpectQuery("FROM bets WHERE round_number").
			WithArgs(int64(5), models.BetPending, models.BetSettlementFailed).
			WillReturnRows(sqlmock.NewRows(betCols).
				AddRow("b1", 5, "user-1", "big", 100, models.BetPending, 0, "bet:b1", now))

		// stake reversal through the ledger
		mock.ExpectBegin()
		mock.ExpectQuery("FROM transactions WHERE reference_id").
			WithArgs("bet:b1").
			WillReturnRows(sqlmock.NewRows(txColumns).
				AddRow(3, "user-1", models.TxBetStake, -100, 500, 400, models.TxStatusCompleted, "bet:b1", "", now))
		mock.ExpectQuery("FROM transactions WHERE reference_id").
			WithArgs("rev:bet:b1").
			WillReturnRows(sqlmock.NewRows(txColumns))
		mock.ExpectQuery("SELECT main_balance FROM accounts").
			WithArgs("user-1").
			WillReturnRows(sqlmock.NewRows([]string{"main_balance"}).AddRow(400))
		mock.ExpectExec("UPDATE accounts SET main_balance").
			WithArgs("user-1", int64(100)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("INSERT INTO transactions").
			WithArgs("user-1", models.TxBetStake, int64(100), int64(400), int64(500),
				models.TxStatusCompleted, "rev:bet:b1", "round 5 voided").
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(4, now))
		mock.ExpectExec("UPDATE transactions SET status").
			WithArgs("bet:b1", models.TxStatusReversed).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		mock.ExpectExec("UPDATE bets SET status").
			WithArgs("b1", models.BetVoid, int64(0)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, service.VoidRound(ctx, 5))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("terminal round cannot be voided", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewRoundService(db, NewLedgerService(db), stubEngine{}, nil, betTestConfig())

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT status FROM rounds").
			WithArgs(int64(5)).
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(models.RoundSettled))
		mock.ExpectRollback()

		assert.ErrorIs(t, service.VoidRound(ctx, 5), ErrRoundNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestRoundService_PublishSnapshot(t *testing.T) {
	rdb, rmock := redismock.NewClientMock()
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

	service := NewRoundService(nil, nil, stubEngine{}, rdb, betTestConfig())
	service.now = func() time.Time { return now }
	service.current.Store(&models.GameRound{
		RoundNumber: 12,
		Status:      models.RoundActive,
		StartTime:   now.Add(-60 * time.Second),
		EndTime:     now.Add(120 * time.Second),
	})

	payload, err := json.Marshal(service.CurrentRoundStatus())
	assert.NoError(t, err)
	rmock.ExpectSet(snapshotCacheKey, payload, 5*time.Second).SetVal("OK")

	service.publishSnapshot(context.Background())

	assert.NoError(t, rmock.ExpectationsWereMet())
}

func TestRoundService_SnapshotIsolation(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

	t.Run("mutating the tick loop's round leaves the snapshot intact", func(t *testing.T) {
		service := NewRoundService(nil, nil, stubEngine{}, nil, betTestConfig())
		service.now = func() time.Time { return now }

		round := &models.GameRound{
			RoundNumber: 9,
			Status:      models.RoundActive,
			StartTime:   now.Add(-time.Minute),
			EndTime:     now.Add(2 * time.Minute),
		}
		service.cacheRound(round)

		round.Status = models.RoundLocked
		round.EndTime = now

		snap := service.CurrentRoundStatus()
		assert.Equal(t, models.RoundActive, snap.Status)
		assert.Equal(t, int64(120), snap.SecondsLeft)
		assert.True(t, snap.CanBet)
	})

	t.Run("transition republishes before readers see the new phase", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewRoundService(db, NewLedgerService(db), stubEngine{}, nil, betTestConfig())
		service.now = func() time.Time { return now }

		round := &models.GameRound{
			RoundNumber: 9,
			Status:      models.RoundActive,
			StartTime:   now.Add(-time.Minute),
			EndTime:     now.Add(2 * time.Minute),
		}
		service.cacheRound(round)

		mock.ExpectExec("UPDATE rounds SET status").
			WithArgs(int64(9), models.RoundActive, models.RoundLocked).
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, service.transition(ctx, round, models.RoundActive, models.RoundLocked))

		snap := service.CurrentRoundStatus()
		assert.Equal(t, models.RoundLocked, snap.Status)
		assert.False(t, snap.CanBet)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("readers race transitions safely", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewRoundService(db, NewLedgerService(db), stubEngine{}, nil, betTestConfig())
		service.now = func() time.Time { return now }

		round := &models.GameRound{
			RoundNumber: 9,
			Status:      models.RoundActive,
			StartTime:   now.Add(-time.Minute),
			EndTime:     now.Add(2 * time.Minute),
		}
		service.cacheRound(round)

		const flips = 64
		for i := 0; i < flips; i++ {
			mock.ExpectExec("UPDATE rounds SET status").
				WillReturnResult(sqlmock.NewResult(0, 1))
		}

		var wg sync.WaitGroup
		done := make(chan struct{})
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
					_ = service.CurrentRoundStatus()
				}
			}
		}()

		for i := 0; i < flips; i++ {
			from, to := models.RoundActive, models.RoundLocked
			if i%2 == 1 {
				from, to = models.RoundLocked, models.RoundActive
			}
			assert.NoError(t, service.transition(ctx, round, from, to))
		}
		close(done)
		wg.Wait()

		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestRoundService_Tick_SkipsWhileRunning(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewRoundService(db, NewLedgerService(db), stubEngine{}, nil, betTestConfig())

	// simulate a tick still in flight: the next one must bail out without
	// touching storage or electing a second driver
	service.tickMu.Lock()
	defer service.tickMu.Unlock()

	assert.NoError(t, service.Tick(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRoundService_EnsureLeader_DemotesOnDeadConnection(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	assert.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	service := NewRoundService(db, NewLedgerService(db), stubEngine{}, nil, betTestConfig())

	mock.ExpectQuery("pg_try_advisory_lock").
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	assert.True(t, service.ensureLeader(ctx))

	// the session died: Postgres already released the advisory lock, and by
	// the time this instance re-elects, another one holds it
	mock.ExpectPing().WillReturnError(errors.New("driver: bad connection"))
	mock.ExpectQuery("pg_try_advisory_lock").
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))

	assert.False(t, service.ensureLeader(ctx))
	assert.False(t, service.leader)
	assert.NoError(t, mock.ExpectationsWereMet())
}
