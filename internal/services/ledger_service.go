package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	log "github.com/sirupsen/logrus"

	"github.com/roundbet/backend/internal/database"
	"github.com/roundbet/backend/internal/models"
)

// LedgerService owns per-user balances and the append-only transaction log.
// Every balance mutation goes through ApplyTransaction (or its in-transaction
// form), which locks the account row so operations on the same user are
// strictly serialized while different users proceed concurrently.
type LedgerService struct {
	db *sql.DB
}

func NewLedgerService(db *sql.DB) *LedgerService {
	return &LedgerService{db: db}
}

// TransactionParams describes one ledger operation. Amount is signed: debit
// types must be negative, credit types positive (bet_payout admits zero).
type TransactionParams struct {
	UserID      string
	Type        models.TransactionType
	Amount      int64
	ReferenceID string
	Description string
	Status      models.TransactionStatus // defaults to completed
}

// ApplyTransaction applies one balance mutation and appends exactly one
// transaction record, all inside a single DB transaction. A repeated call
// with the same ReferenceID and identical payload returns the original record
// without double-applying; the same reference with a different payload fails
// with ErrDuplicateReference.
func (s *LedgerService) ApplyTransaction(ctx context.Context, p TransactionParams) (*models.TransactionRecord, error) {
	var rec *models.TransactionRecord

	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		rec, err = s.ApplyTransactionTx(tx, p)
		return err
	})
	if err != nil {
		// Two callers can race past the reference pre-check; the unique index
		// aborts the loser. Re-read the committed record and apply the same
		// replay-vs-conflict rule.
		if isUniqueViolation(err) {
			existing, ferr := s.findByReference(ctx, p.ReferenceID)
			if ferr != nil {
				return nil, ferr
			}
			return replayOrConflict(existing, p)
		}
		return nil, err
	}

	return rec, nil
}

// ApplyTransactionTx is ApplyTransaction inside a caller-owned transaction,
// so composers (bet admission, settlement, funding flows) can join the ledger
// write into their own atomic scope.
func (s *LedgerService) ApplyTransactionTx(tx *sql.Tx, p TransactionParams) (*models.TransactionRecord, error) {
	return s.applyTx(tx, p, false)
}

func (s *LedgerService) applyTx(tx *sql.Tx, p TransactionParams, reversal bool) (*models.TransactionRecord, error) {
	if p.Status == "" {
		p.Status = models.TxStatusCompleted
	}

	if !reversal {
		if err := validateAmount(p.Type, p.Amount); err != nil {
			return nil, err
		}
	}

	existing, err := findByReferenceTx(tx, p.ReferenceID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return replayOrConflict(existing, p)
	}

	var before int64
	err = tx.QueryRow(`SELECT main_balance FROM accounts WHERE user_id = $1 FOR UPDATE`, p.UserID).Scan(&before)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("%w: lock account: %v", ErrStorageUnavailable, err)
	}

	after := before + p.Amount
	if after < 0 {
		return nil, ErrInsufficientFunds
	}

	if _, err := tx.Exec(`UPDATE accounts SET main_balance = main_balance + $2, updated_at = NOW() WHERE user_id = $1`, p.UserID, p.Amount); err != nil {
		return nil, fmt.Errorf("%w: update balance: %v", ErrStorageUnavailable, err)
	}

	rec := &models.TransactionRecord{
		UserID:        p.UserID,
		Type:          p.Type,
		Amount:        p.Amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		Status:        p.Status,
		ReferenceID:   p.ReferenceID,
		Description:   p.Description,
	}

	err = tx.QueryRow(
		`INSERT INTO transactions (user_id, type, amount, balance_before, balance_after, status, reference_id, description) VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id, created_at`,
		rec.UserID, rec.Type, rec.Amount, rec.BalanceBefore, rec.BalanceAfter, rec.Status, rec.ReferenceID, rec.Description,
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, err // surfaced to ApplyTransaction for the replay re-read
		}
		return nil, fmt.Errorf("%w: insert transaction: %v", ErrStorageUnavailable, err)
	}

	return rec, nil
}

// Reverse logically undoes a committed record: it appends an opposite-signed
// record of the same type with reference "rev:<original>" and marks the
// original reversed. History itself is never rewritten.
func (s *LedgerService) Reverse(ctx context.Context, referenceID, reason string) (*models.TransactionRecord, error) {
	var rec *models.TransactionRecord

	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		original, err := findByReferenceTx(tx, referenceID)
		if err != nil {
			return err
		}
		if original == nil {
			return ErrTransactionNotFound
		}
		if original.Status == models.TxStatusReversed {
			return ErrAlreadyReversed
		}

		rec, err = s.applyTx(tx, TransactionParams{
			UserID:      original.UserID,
			Type:        original.Type,
			Amount:      -original.Amount,
			ReferenceID: "rev:" + referenceID,
			Description: reason,
		}, true)
		if err != nil {
			return err
		}

		if _, err := tx.Exec(`UPDATE transactions SET status = $2 WHERE reference_id = $1`, referenceID, models.TxStatusReversed); err != nil {
			return fmt.Errorf("%w: mark reversed: %v", ErrStorageUnavailable, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{"reference": referenceID, "reversal": rec.ReferenceID}).Info("transaction reversed")
	return rec, nil
}

// MarkStatusTx moves a record between post-commit statuses (e.g. a pending
// withdrawal debit to completed or rejected).
func (s *LedgerService) MarkStatusTx(tx *sql.Tx, referenceID string, from, to models.TransactionStatus) error {
	res, err := tx.Exec(`UPDATE transactions SET status = $3 WHERE reference_id = $1 AND status = $2`, referenceID, from, to)
	if err != nil {
		return fmt.Errorf("%w: mark status: %v", ErrStorageUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %v", ErrStorageUnavailable, err)
	}
	if n == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

// HoldTx reserves already-debited funds in locked_balance; ReleaseTx frees
// them. Only the withdrawal flow calls these, always in the same transaction
// as the matching ledger records.
func (s *LedgerService) HoldTx(tx *sql.Tx, userID string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	res, err := tx.Exec(`UPDATE accounts SET locked_balance = locked_balance + $2, updated_at = NOW() WHERE user_id = $1`, userID, amount)
	if err != nil {
		return fmt.Errorf("%w: hold funds: %v", ErrStorageUnavailable, err)
	}
	return requireOneRow(res, ErrUserNotFound)
}

func (s *LedgerService) ReleaseTx(tx *sql.Tx, userID string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	res, err := tx.Exec(`UPDATE accounts SET locked_balance = locked_balance - $2, updated_at = NOW() WHERE user_id = $1 AND locked_balance >= $2`, userID, amount)
	if err != nil {
		return fmt.Errorf("%w: release funds: %v", ErrStorageUnavailable, err)
	}
	return requireOneRow(res, ErrInsufficientFunds)
}

// GetAccount returns the current balances without taking locks.
func (s *LedgerService) GetAccount(ctx context.Context, userID string) (*models.Account, error) {
	var a models.Account
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, main_balance, locked_balance, created_at, updated_at FROM accounts WHERE user_id = $1`,
		userID,
	).Scan(&a.UserID, &a.MainBalance, &a.LockedBalance, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("%w: get account: %v", ErrStorageUnavailable, err)
	}
	return &a, nil
}

// ReplayBalance folds the user's ordered transaction log from zero and
// returns the reconstructed main balance. Audit helper: the result must equal
// the stored main_balance at all times.
func (s *LedgerService) ReplayBalance(ctx context.Context, userID string) (int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT amount FROM transactions WHERE user_id = $1 ORDER BY id ASC`, userID)
	if err != nil {
		return 0, fmt.Errorf("%w: replay: %v", ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var balance int64
	for rows.Next() {
		var amount int64
		if err := rows.Scan(&amount); err != nil {
			return 0, fmt.Errorf("%w: replay scan: %v", ErrStorageUnavailable, err)
		}
		balance += amount
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("%w: replay rows: %v", ErrStorageUnavailable, err)
	}
	return balance, nil
}

func (s *LedgerService) findByReference(ctx context.Context, referenceID string) (*models.TransactionRecord, error) {
	row := s.db.QueryRowContext(ctx, selectByReference, referenceID)
	return scanRecord(row)
}

const selectByReference = `SELECT id, user_id, type, amount, balance_before, balance_after, status, reference_id, description, created_at FROM transactions WHERE reference_id = $1`

func findByReferenceTx(tx *sql.Tx, referenceID string) (*models.TransactionRecord, error) {
	row := tx.QueryRow(selectByReference, referenceID)
	rec, err := scanRecord(row)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.TransactionRecord, error) {
	var rec models.TransactionRecord
	err := row.Scan(&rec.ID, &rec.UserID, &rec.Type, &rec.Amount, &rec.BalanceBefore,
		&rec.BalanceAfter, &rec.Status, &rec.ReferenceID, &rec.Description, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: find by reference: %v", ErrStorageUnavailable, err)
	}
	return &rec, nil
}

// replayOrConflict distinguishes a benign retry from a genuine reference
// collision by comparing the stored payload with the incoming one.
func replayOrConflict(existing *models.TransactionRecord, p TransactionParams) (*models.TransactionRecord, error) {
	if existing.UserID == p.UserID && existing.Type == p.Type && existing.Amount == p.Amount {
		return existing, nil
	}
	return nil, ErrDuplicateReference
}

func validateAmount(t models.TransactionType, amount int64) error {
	if t.IsDebit() {
		if amount >= 0 {
			return ErrInvalidAmount
		}
		return nil
	}
	// Losing bets record a zero payout so the audit trail is complete.
	if t == models.TxBetPayout {
		if amount < 0 {
			return ErrInvalidAmount
		}
		return nil
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pq.Error
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func requireOneRow(res sql.Result, onZero error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %v", ErrStorageUnavailable, err)
	}
	if n == 0 {
		return onZero
	}
	return nil
}
