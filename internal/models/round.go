package models

import "time"

// RoundStatus is the round lifecycle state machine:
// scheduled -> active -> locked -> settling -> settled, with voided reachable
// from any non-terminal state on operator abort.
type RoundStatus string

const (
	RoundScheduled RoundStatus = "scheduled"
	RoundActive    RoundStatus = "active"
	RoundLocked    RoundStatus = "locked"
	RoundSettling  RoundStatus = "settling"
	RoundSettled   RoundStatus = "settled"
	RoundVoided    RoundStatus = "voided"
)

// Terminal reports whether no further transitions are possible.
func (s RoundStatus) Terminal() bool {
	return s == RoundSettled || s == RoundVoided
}

// GameRound is one timed betting cycle. StartTime/EndTime are fixed at
// creation; Outcome is set exactly once, during settlement.
type GameRound struct {
	RoundNumber int64       `json:"round_number" db:"round_number"`
	Status      RoundStatus `json:"status" db:"status"`
	StartTime   time.Time   `json:"start_time" db:"start_time"`
	EndTime     time.Time   `json:"end_time" db:"end_time"`
	Outcome     *int        `json:"outcome,omitempty" db:"outcome"`
	CreatedAt   time.Time   `json:"created_at" db:"created_at"`
}

// RoundSnapshot is the read-only view advertised to bettors.
type RoundSnapshot struct {
	RoundNumber int64       `json:"round_number"`
	Status      RoundStatus `json:"status"`
	SecondsLeft int64       `json:"seconds_left"`
	CanBet      bool        `json:"can_bet"`
}

// BetStatus is the resolution state of a single wager.
type BetStatus string

const (
	BetPending          BetStatus = "pending"
	BetWon              BetStatus = "won"
	BetLost             BetStatus = "lost"
	BetVoid             BetStatus = "void"
	BetSettlementFailed BetStatus = "settlement_failed"
)

// Bet ties a user's stake to a round. StakeRef is the reference_id of the
// bet_stake ledger record written at placement; PayoutAmount is filled at
// settlement (zero for a loss, recorded anyway for audit completeness).
type Bet struct {
	ID           string    `json:"id" db:"id"`
	RoundNumber  int64     `json:"round_number" db:"round_number"`
	UserID       string    `json:"user_id" db:"user_id"`
	Choice       string    `json:"choice" db:"choice"`
	StakeAmount  int64     `json:"stake_amount" db:"stake_amount"` // in cents
	Status       BetStatus `json:"status" db:"status"`
	PayoutAmount int64     `json:"payout_amount" db:"payout_amount"`
	StakeRef     string    `json:"stake_ref" db:"stake_ref"`
	PlacedAt     time.Time `json:"placed_at" db:"placed_at"`
}
