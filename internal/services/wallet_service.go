package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/roundbet/backend/internal/config"
	"github.com/roundbet/backend/internal/database"
	"github.com/roundbet/backend/internal/models"
)

// WalletService runs the user-initiated funding flows: recharge requests and
// withdrawal requests with operator approval, plus trusted admin credits.
type WalletService struct {
	db     *sql.DB
	ledger *LedgerService
	cfg    config.WalletConfig
}

func NewWalletService(db *sql.DB, ledger *LedgerService, cfg config.WalletConfig) *WalletService {
	return &WalletService{db: db, ledger: ledger, cfg: cfg}
}

// WithdrawalFee computes the fee and net payout for a gross amount in cents.
// Pure function: fee = amount * rate rounded half-up to a whole cent.
func (s *WalletService) WithdrawalFee(amount int64) (fee, net int64) {
	fee = int64(math.Round(float64(amount) * s.cfg.WithdrawalFeeRate))
	return fee, amount - fee
}

// RequestRecharge records a pending top-up. No money moves until approval.
func (s *WalletService) RequestRecharge(ctx context.Context, userID string, amount int64) (*models.RechargeRequest, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	req := &models.RechargeRequest{
		ID:     uuid.New().String(),
		UserID: userID,
		Amount: amount,
		Status: models.RequestPending,
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO recharge_requests (id, user_id, amount, status) VALUES ($1, $2, $3, $4) RETURNING created_at, updated_at`,
		req.ID, req.UserID, req.Amount, req.Status,
	).Scan(&req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: insert recharge request: %v", ErrStorageUnavailable, err)
	}
	return req, nil
}

// ApproveRecharge credits the balance and marks the request completed in one
// DB transaction; the mirroring ledger record carries reference
// "recharge:<id>", so a retried approval replays instead of double-crediting.
func (s *WalletService) ApproveRecharge(ctx context.Context, requestID string) error {
	return database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		req, err := lockRechargeTx(tx, requestID)
		if err != nil {
			return err
		}
		if req.Status != models.RequestPending {
			return ErrRequestNotPending
		}

		if _, err := s.ledger.ApplyTransactionTx(tx, TransactionParams{
			UserID:      req.UserID,
			Type:        models.TxRecharge,
			Amount:      req.Amount,
			ReferenceID: "recharge:" + req.ID,
			Description: "recharge approved",
		}); err != nil {
			return err
		}

		return markRequestTx(tx, "recharge_requests", requestID, models.RequestCompleted)
	})
}

// RejectRecharge closes a pending request without ledger effect.
func (s *WalletService) RejectRecharge(ctx context.Context, requestID string) error {
	return database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		req, err := lockRechargeTx(tx, requestID)
		if err != nil {
			return err
		}
		if req.Status != models.RequestPending {
			return ErrRequestNotPending
		}
		return markRequestTx(tx, "recharge_requests", requestID, models.RequestRejected)
	})
}

// RequestWithdrawal debits the full amount immediately (net + fee as two
// pending records) and holds it in locked_balance until the operator decides.
func (s *WalletService) RequestWithdrawal(ctx context.Context, userID string, amount int64) (*models.WithdrawalRequest, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if amount < s.cfg.MinWithdrawalCents {
		return nil, ErrBelowMinimumWithdrawal
	}

	fee, net := s.WithdrawalFee(amount)
	req := &models.WithdrawalRequest{
		ID:        uuid.New().String(),
		UserID:    userID,
		Amount:    amount,
		Fee:       fee,
		NetAmount: net,
		Status:    models.RequestPending,
	}

	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := s.ledger.ApplyTransactionTx(tx, TransactionParams{
			UserID:      userID,
			Type:        models.TxWithdrawal,
			Amount:      -net,
			ReferenceID: "wd:" + req.ID,
			Description: "withdrawal requested",
			Status:      models.TxStatusPending,
		}); err != nil {
			return err
		}
		if _, err := s.ledger.ApplyTransactionTx(tx, TransactionParams{
			UserID:      userID,
			Type:        models.TxWithdrawalFee,
			Amount:      -fee,
			ReferenceID: "wdfee:" + req.ID,
			Description: "withdrawal fee",
			Status:      models.TxStatusPending,
		}); err != nil {
			return err
		}
		if err := s.ledger.HoldTx(tx, userID, amount); err != nil {
			return err
		}

		return tx.QueryRow(
			`INSERT INTO withdrawal_requests (id, user_id, amount, fee, net_amount, status) VALUES ($1, $2, $3, $4, $5, $6) RETURNING created_at, updated_at`,
			req.ID, req.UserID, req.Amount, req.Fee, req.NetAmount, req.Status,
		).Scan(&req.CreatedAt, &req.UpdatedAt)
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			return nil, ErrInsufficientFunds
		}
		return nil, err
	}

	log.WithFields(log.Fields{"user": userID, "amount": amount, "fee": fee}).Info("withdrawal requested")
	return req, nil
}

// ApproveWithdrawal releases the hold (the money leaves the platform) and
// completes the pending ledger records. The balance was already debited at
// request time, so approval has no further main_balance effect.
func (s *WalletService) ApproveWithdrawal(ctx context.Context, requestID string) error {
	return database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		req, err := lockWithdrawalTx(tx, requestID)
		if err != nil {
			return err
		}
		if req.Status != models.RequestPending {
			return ErrRequestNotPending
		}

		if err := s.ledger.ReleaseTx(tx, req.UserID, req.Amount); err != nil {
			return err
		}
		if err := s.ledger.MarkStatusTx(tx, "wd:"+req.ID, models.TxStatusPending, models.TxStatusCompleted); err != nil {
			return err
		}
		if err := s.ledger.MarkStatusTx(tx, "wdfee:"+req.ID, models.TxStatusPending, models.TxStatusCompleted); err != nil {
			return err
		}

		return markRequestTx(tx, "withdrawal_requests", requestID, models.RequestCompleted)
	})
}

// RejectWithdrawal releases the hold and returns the money: the pending
// records are marked rejected and compensated by appended reversal credits,
// so the log still replays to the live balance.
func (s *WalletService) RejectWithdrawal(ctx context.Context, requestID string) error {
	return database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		req, err := lockWithdrawalTx(tx, requestID)
		if err != nil {
			return err
		}
		if req.Status != models.RequestPending {
			return ErrRequestNotPending
		}

		if err := s.ledger.ReleaseTx(tx, req.UserID, req.Amount); err != nil {
			return err
		}

		for _, part := range []struct {
			ref    string
			amount int64
			typ    models.TransactionType
		}{
			{"wd:" + req.ID, req.NetAmount, models.TxWithdrawal},
			{"wdfee:" + req.ID, req.Fee, models.TxWithdrawalFee},
		} {
			if _, err := s.ledger.applyTx(tx, TransactionParams{
				UserID:      req.UserID,
				Type:        part.typ,
				Amount:      part.amount,
				ReferenceID: "rev:" + part.ref,
				Description: "withdrawal rejected",
			}, true); err != nil {
				return err
			}
			if err := s.ledger.MarkStatusTx(tx, part.ref, models.TxStatusPending, models.TxStatusRejected); err != nil {
				return err
			}
		}

		return markRequestTx(tx, "withdrawal_requests", requestID, models.RequestRejected)
	})
}

// AdminCredit applies a trusted operator credit through the ledger.
func (s *WalletService) AdminCredit(ctx context.Context, userID string, amount int64, referenceID, description string) (*models.TransactionRecord, error) {
	return s.ledger.ApplyTransaction(ctx, TransactionParams{
		UserID:      userID,
		Type:        models.TxAdminCredit,
		Amount:      amount,
		ReferenceID: referenceID,
		Description: description,
	})
}

func lockRechargeTx(tx *sql.Tx, id string) (*models.RechargeRequest, error) {
	var req models.RechargeRequest
	err := tx.QueryRow(
		`SELECT id, user_id, amount, status FROM recharge_requests WHERE id = $1 FOR UPDATE`, id,
	).Scan(&req.ID, &req.UserID, &req.Amount, &req.Status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRequestNotFound
		}
		return nil, fmt.Errorf("%w: lock recharge request: %v", ErrStorageUnavailable, err)
	}
	return &req, nil
}

func lockWithdrawalTx(tx *sql.Tx, id string) (*models.WithdrawalRequest, error) {
	var req models.WithdrawalRequest
	err := tx.QueryRow(
		`SELECT id, user_id, amount, fee, net_amount, status FROM withdrawal_requests WHERE id = $1 FOR UPDATE`, id,
	).Scan(&req.ID, &req.UserID, &req.Amount, &req.Fee, &req.NetAmount, &req.Status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRequestNotFound
		}
		return nil, fmt.Errorf("%w: lock withdrawal request: %v", ErrStorageUnavailable, err)
	}
	return &req, nil
}

func markRequestTx(tx *sql.Tx, table, id string, status models.RequestStatus) error {
	_, err := tx.Exec(
		fmt.Sprintf(`UPDATE %s SET status = $2, updated_at = NOW() WHERE id = $1`, table), id, status)
	if err != nil {
		return fmt.Errorf("%w: mark request: %v", ErrStorageUnavailable, err)
	}
	return nil
}
