package models

import "time"

// TransactionType enumerates every balance-affecting operation.
type TransactionType string

const (
	TxBetStake      TransactionType = "bet_stake"
	TxBetPayout     TransactionType = "bet_payout"
	TxAdminCredit   TransactionType = "admin_credit"
	TxRecharge      TransactionType = "recharge"
	TxWithdrawal    TransactionType = "withdrawal"
	TxWithdrawalFee TransactionType = "withdrawal_fee"
)

// IsDebit reports whether the type moves money out of main_balance.
func (t TransactionType) IsDebit() bool {
	switch t {
	case TxBetStake, TxWithdrawal, TxWithdrawalFee:
		return true
	}
	return false
}

// TransactionStatus is the lifecycle of a committed ledger record. Every
// record affected the balance at commit time; pending/rejected/reversed only
// describe what happened to it afterwards.
type TransactionStatus string

const (
	TxStatusPending   TransactionStatus = "pending"
	TxStatusCompleted TransactionStatus = "completed"
	TxStatusRejected  TransactionStatus = "rejected"
	TxStatusReversed  TransactionStatus = "reversed"
)

// TransactionRecord is one append-only ledger entry. Amount is signed:
// negative for debits, positive (or zero for losing bet payouts) for credits.
// BalanceBefore/BalanceAfter snapshot main_balance inside the same atomic
// step that applied Amount, so BalanceAfter = BalanceBefore + Amount always.
type TransactionRecord struct {
	ID            int64             `json:"id" db:"id"`
	UserID        string            `json:"user_id" db:"user_id"`
	Type          TransactionType   `json:"type" db:"type"`
	Amount        int64             `json:"amount" db:"amount"` // in cents
	BalanceBefore int64             `json:"balance_before" db:"balance_before"`
	BalanceAfter  int64             `json:"balance_after" db:"balance_after"`
	Status        TransactionStatus `json:"status" db:"status"`
	ReferenceID   string            `json:"reference_id" db:"reference_id"`
	Description   string            `json:"description" db:"description"`
	CreatedAt     time.Time         `json:"created_at" db:"created_at"`
}
