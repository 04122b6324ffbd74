package types

import "errors"

// Sentinel errors shared across layers. Callers match them with errors.Is;
// wrapping sites add the identifying context (user, asset, order id).
var (
	ErrNotFound            = errors.New("not found")
	ErrForbidden           = errors.New("forbidden")
	ErrAlreadyTerminal     = errors.New("order already in a terminal state")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInsufficientLocked  = errors.New("insufficient locked balance")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrUnknownSymbol       = errors.New("unknown symbol")
	ErrDuplicateUser       = errors.New("user already exists")
	ErrUnauthenticated     = errors.New("authentication required")
	ErrClosed              = errors.New("closed")
)
