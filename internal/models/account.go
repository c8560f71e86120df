package models

import "time"

// Account holds a user's balances. All amounts are in minor units (cents).
// MainBalance and LockedBalance are mutated only by the ledger service.
type Account struct {
	UserID        string    `json:"user_id" db:"user_id"`
	MainBalance   int64     `json:"main_balance" db:"main_balance"`
	LockedBalance int64     `json:"locked_balance" db:"locked_balance"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}
