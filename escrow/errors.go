package escrow

import "errors"

var (
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrInsufficientFunds       = errors.New("insufficient funds")
	ErrForbidden               = errors.New("forbidden")
	ErrConcurrentModification  = errors.New("concurrent modification")
	ErrInvalidTransition       = errors.New("invalid transition")
	ErrUnknownPaymentReference = errors.New("unknown payment reference")
	ErrLedgerCorruption        = errors.New("ledger corruption")
	ErrGatewayUnavailable      = errors.New("payment gateway unavailable")
	// ErrDuplicateEvent is not a failure: callers treat it as an already-applied no-op.
	ErrDuplicateEvent = errors.New("duplicate event")
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
)
