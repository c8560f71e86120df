package services

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/roundbet/backend/internal/models"
)

func TestHistoryService_RechargeHistory(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewHistoryService(db)
	now := time.Now()

	cols := []string{"id", "amount", "status", "created_at", "reference_id", "status"}
	mock.ExpectQuery("FROM recharge_requests r LEFT JOIN transactions t").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows(cols).
			// approved request with a completed mirror: settled money, one entry
			AddRow("req-1", 500, models.RequestApproved, now, "recharge:req-1", models.TxStatusCompleted).
			// completed request with its mirror
			AddRow("req-2", 300, models.RequestCompleted, now, "recharge:req-2", models.TxStatusCompleted).
			// pending request, no mirror yet
			AddRow("req-3", 200, models.RequestPending, now, nil, nil))

	entries, err := service.RechargeHistory(context.Background(), "user-1")

	assert.NoError(t, err)
	assert.Len(t, entries, 3, "exactly one entry per request, never a request/mirror pair")

	assert.Equal(t, "req-1", entries[0].RequestID)
	assert.Equal(t, models.RequestCompleted, entries[0].Status)
	assert.Equal(t, "recharge:req-1", entries[0].ReferenceID)

	assert.Equal(t, models.RequestCompleted, entries[1].Status)

	assert.Equal(t, models.RequestPending, entries[2].Status)
	assert.Empty(t, entries[2].ReferenceID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHistoryService_TransactionHistory(t *testing.T) {
	t.Run("unfiltered", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewHistoryService(db)
		now := time.Now()

		mock.ExpectQuery("FROM transactions WHERE user_id").
			WithArgs("user-1").
			WillReturnRows(sqlmock.NewRows(txColumns).
				AddRow(2, "user-1", models.TxBetStake, -100, 600, 500, models.TxStatusCompleted, "bet:b1", "", now).
				AddRow(1, "user-1", models.TxRecharge, 600, 0, 600, models.TxStatusCompleted, "recharge:r1", "", now.Add(-time.Minute)))

		records, err := service.TransactionHistory(context.Background(), "user-1", "", 50)

		assert.NoError(t, err)
		assert.Len(t, records, 2)
		assert.Equal(t, models.TxBetStake, records[0].Type)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("filtered by type", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewHistoryService(db)

		mock.ExpectQuery("FROM transactions WHERE user_id").
			WithArgs("user-1", models.TxRecharge).
			WillReturnRows(sqlmock.NewRows(txColumns).
				AddRow(1, "user-1", models.TxRecharge, 600, 0, 600, models.TxStatusCompleted, "recharge:r1", "", time.Now()))

		records, err := service.TransactionHistory(context.Background(), "user-1", models.TxRecharge, 50)

		assert.NoError(t, err)
		assert.Len(t, records, 1)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestHistoryService_WithdrawalHistory(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewHistoryService(db)
	now := time.Now()

	cols := []string{"id", "user_id", "amount", "fee", "net_amount", "status", "created_at", "updated_at"}
	mock.ExpectQuery("FROM withdrawal_requests WHERE user_id").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("req-9", "user-1", 5000, 500, 4500, models.RequestCompleted, now, now))

	reqs, err := service.WithdrawalHistory(context.Background(), "user-1")

	assert.NoError(t, err)
	assert.Len(t, reqs, 1)
	assert.Equal(t, int64(4500), reqs[0].NetAmount)
	assert.NoError(t, mock.ExpectationsWereMet())
}
