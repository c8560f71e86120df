package models

import "time"

// RequestStatus is the lifecycle of a user-initiated funding request.
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestApproved  RequestStatus = "approved"
	RequestRejected  RequestStatus = "rejected"
	RequestCompleted RequestStatus = "completed"
)

// RechargeRequest is a user-initiated top-up. It is the source of truth for
// whether the money is in the balance; the mirroring recharge transaction
// (reference "recharge:<id>") is the audit record, created in the same DB
// transaction that marks the request completed.
type RechargeRequest struct {
	ID        string        `json:"id" db:"id"`
	UserID    string        `json:"user_id" db:"user_id"`
	Amount    int64         `json:"amount" db:"amount"` // in cents
	Status    RequestStatus `json:"status" db:"status"`
	CreatedAt time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt time.Time     `json:"updated_at" db:"updated_at"`
}

// WithdrawalRequest debits the full amount (net + fee) at request time and
// holds it in locked_balance until an operator approves or rejects it.
type WithdrawalRequest struct {
	ID        string        `json:"id" db:"id"`
	UserID    string        `json:"user_id" db:"user_id"`
	Amount    int64         `json:"amount" db:"amount"` // gross, in cents
	Fee       int64         `json:"fee" db:"fee"`
	NetAmount int64         `json:"net_amount" db:"net_amount"`
	Status    RequestStatus `json:"status" db:"status"`
	CreatedAt time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt time.Time     `json:"updated_at" db:"updated_at"`
}

// RechargeHistoryEntry is the deduplicated view row: one entry per request,
// never a second row for the mirroring ledger record.
type RechargeHistoryEntry struct {
	RequestID   string        `json:"request_id"`
	Amount      int64         `json:"amount"`
	Status      RequestStatus `json:"status"`
	ReferenceID string        `json:"reference_id,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}
