package services

import (
	"context"
	"database/sql"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/roundbet/backend/internal/models"
)

// HistoryService is the read-only reconciliation view over the ledger and
// the funding requests. It never mutates anything.
type HistoryService struct {
	db *sql.DB
}

func NewHistoryService(db *sql.DB) *HistoryService {
	return &HistoryService{db: db}
}

// RechargeHistory returns one entry per recharge request, deduplicated
// against the mirroring recharge transaction: a request that already has a
// completed mirror is shown once, as completed, never as two rows. A mirror
// whose request is not terminal is a divergence and gets flagged in the log.
func (s *HistoryService) RechargeHistory(ctx context.Context, userID string) ([]models.RechargeHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, r.amount, r.status, r.created_at, t.reference_id, t.status FROM recharge_requests r LEFT JOIN transactions t ON t.reference_id = 'recharge:' || r.id WHERE r.user_id = $1 ORDER BY r.created_at DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("%w: recharge history: %v", ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var entries []models.RechargeHistoryEntry
	for rows.Next() {
		var e models.RechargeHistoryEntry
		var mirrorRef sql.NullString
		var mirrorStatus sql.NullString
		if err := rows.Scan(&e.RequestID, &e.Amount, &e.Status, &e.CreatedAt, &mirrorRef, &mirrorStatus); err != nil {
			return nil, fmt.Errorf("%w: scan recharge history: %v", ErrStorageUnavailable, err)
		}

		if mirrorRef.Valid {
			e.ReferenceID = mirrorRef.String
			// The request row is the source of truth; a mirror for a
			// non-terminal request means the two stores disagree.
			if e.Status == models.RequestPending || e.Status == models.RequestRejected {
				log.WithFields(log.Fields{
					"request": e.RequestID, "request_status": e.Status, "mirror": mirrorRef.String,
				}).Warn("recharge mirror exists for non-terminal request")
			}
			// An approved request with a completed mirror is settled money:
			// collapse to a single completed entry.
			if e.Status == models.RequestApproved && mirrorStatus.String == string(models.TxStatusCompleted) {
				e.Status = models.RequestCompleted
			}
		}

		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// TransactionHistory returns the raw ledger log for a user, newest first,
// optionally filtered by type.
func (s *HistoryService) TransactionHistory(ctx context.Context, userID string, typeFilter models.TransactionType, limit int) ([]models.TransactionRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `SELECT id, user_id, type, amount, balance_before, balance_after, status, reference_id, description, created_at FROM transactions WHERE user_id = $1`
	args := []any{userID}
	if typeFilter != "" {
		query += ` AND type = $2`
		args = append(args, typeFilter)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: transaction history: %v", ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var records []models.TransactionRecord
	for rows.Next() {
		var rec models.TransactionRecord
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Type, &rec.Amount, &rec.BalanceBefore,
			&rec.BalanceAfter, &rec.Status, &rec.ReferenceID, &rec.Description, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan transaction: %v", ErrStorageUnavailable, err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// WithdrawalHistory lists a user's withdrawal requests, newest first.
func (s *HistoryService) WithdrawalHistory(ctx context.Context, userID string) ([]models.WithdrawalRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, amount, fee, net_amount, status, created_at, updated_at FROM withdrawal_requests WHERE user_id = $1 ORDER BY created_at DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("%w: withdrawal history: %v", ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var reqs []models.WithdrawalRequest
	for rows.Next() {
		var r models.WithdrawalRequest
		if err := rows.Scan(&r.ID, &r.UserID, &r.Amount, &r.Fee, &r.NetAmount, &r.Status, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan withdrawal: %v", ErrStorageUnavailable, err)
		}
		reqs = append(reqs, r)
	}
	return reqs, rows.Err()
}
