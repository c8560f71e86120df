package services

import "errors"

// Typed errors raised by the ledger, scheduler and wallet flows. Handlers
// translate these to caller-facing responses without leaking storage detail.
var (
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrDuplicateReference     = errors.New("duplicate reference")
	ErrRoundNotBettable       = errors.New("round not bettable")
	ErrBelowMinimumWithdrawal = errors.New("below minimum withdrawal")
	ErrUserNotFound           = errors.New("user not found")
	ErrStorageUnavailable     = errors.New("storage unavailable")

	ErrRoundNotFound       = errors.New("round not found")
	ErrRequestNotFound     = errors.New("request not found")
	ErrRequestNotPending   = errors.New("request is not pending")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrAlreadyReversed     = errors.New("transaction already reversed")
)

// isDomainError reports whether err is one of the typed errors above, i.e. a
// deliberate rejection rather than a storage fault. Settlement uses this to
// decide what is retryable.
func isDomainError(err error) bool {
	for _, e := range []error{
		ErrInsufficientFunds, ErrInvalidAmount, ErrDuplicateReference,
		ErrRoundNotBettable, ErrBelowMinimumWithdrawal, ErrUserNotFound,
		ErrRoundNotFound, ErrRequestNotFound, ErrRequestNotPending,
		ErrTransactionNotFound, ErrAlreadyReversed,
	} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}
