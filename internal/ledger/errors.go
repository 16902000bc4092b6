package ledger

import "errors"

// Rejection reasons. Every rejected operation leaves the ledger unchanged.
var (
	ErrAlreadyRegistered = errors.New("already-registered")
	ErrNotRegistered     = errors.New("not-registered")
	ErrInsufficientBond  = errors.New("insufficient-bond")
	ErrEmptyDescriptor   = errors.New("empty-descriptor")
	ErrNotOwner          = errors.New("not-owner")
	ErrTooSoon           = errors.New("too-soon-for-reward")
	ErrInsufficientPool  = errors.New("insufficient-pool")
	ErrNotActive         = errors.New("not-active")
	ErrZeroAmount        = errors.New("zero-amount")
	ErrInsufficientFunds = errors.New("insufficient-funds")

	ErrOverflow         = errors.New("amount-overflow")
	ErrInvalidAmount    = errors.New("invalid-amount")
	ErrPayoutFailed     = errors.New("payout-failed")
	ErrUnknownOperation = errors.New("unknown-operation")
	ErrCorruptSnapshot  = errors.New("corrupt-snapshot")
)

// Reason returns the rejection reason string for err, or "" when err is not
// one of the ledger's rejections.
func Reason(err error) string {
	for _, sentinel := range []error{
		ErrPayoutFailed, ErrAlreadyRegistered, ErrNotRegistered,
		ErrInsufficientBond, ErrEmptyDescriptor, ErrNotOwner, ErrTooSoon,
		ErrInsufficientPool, ErrNotActive, ErrZeroAmount, ErrInsufficientFunds, ErrOverflow,
		ErrInvalidAmount, ErrUnknownOperation,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return ""
}
