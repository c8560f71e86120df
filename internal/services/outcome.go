package services

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/roundbet/backend/internal/models"
)

// OutcomeEngine resolves a round's outcome and prices each bet against it.
// The default below is a deterministic digit draw; operators swap in their
// own rule set by providing a different implementation to the scheduler.
type OutcomeEngine interface {
	// Resolve returns the round outcome, a digit 0-9.
	Resolve(round *models.GameRound) int
	// Payout returns the credit owed for a bet given the outcome. Zero means
	// the bet lost; the zero-amount payout record is still written.
	Payout(bet *models.Bet, outcome int) int64
}

// ValidChoice reports whether a wager choice is admissible: "big" (5-9),
// "small" (0-4), or an exact digit "0".."9".
func ValidChoice(choice string) bool {
	switch choice {
	case "big", "small":
		return true
	}
	n, err := strconv.Atoi(choice)
	return err == nil && n >= 0 && n <= 9 && len(choice) == 1
}

// DigitDrawEngine derives the outcome from the round number and a server
// seed, so settlement resumed after a crash resolves to the same digit.
type DigitDrawEngine struct {
	Seed string

	GroupMultiplier int64 // big/small, default 2
	ExactMultiplier int64 // exact digit, default 9
}

func NewDigitDrawEngine(seed string) *DigitDrawEngine {
	return &DigitDrawEngine{Seed: seed, GroupMultiplier: 2, ExactMultiplier: 9}
}

func (e *DigitDrawEngine) Resolve(round *models.GameRound) int {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%d", e.Seed, round.RoundNumber, round.StartTime.Unix())))
	return int(binary.BigEndian.Uint64(sum[:8]) % 10)
}

func (e *DigitDrawEngine) Payout(bet *models.Bet, outcome int) int64 {
	switch bet.Choice {
	case "big":
		if outcome >= 5 {
			return bet.StakeAmount * e.GroupMultiplier
		}
	case "small":
		if outcome < 5 {
			return bet.StakeAmount * e.GroupMultiplier
		}
	default:
		if n, err := strconv.Atoi(bet.Choice); err == nil && n == outcome {
			return bet.StakeAmount * e.ExactMultiplier
		}
	}
	return 0
}
