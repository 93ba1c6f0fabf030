package swap

import "errors"

var (
	// ErrExternalServiceUnavailable wraps timeouts and 5xx responses from the indexer, node or exchange.
	ErrExternalServiceUnavailable = errors.New("external service unavailable")
	// ErrPriceUnavailable is returned when a required price is missing from the cache.
	ErrPriceUnavailable = errors.New("price unavailable")
	// ErrInsufficientFunds is returned when no input set covers the delivery amount.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrAmountOutOfBounds marks a conversion outside the configured output bounds.
	ErrAmountOutOfBounds = errors.New("amount out of bounds")
	// ErrAmountBelowMinimum marks a delivery smaller than the chain's minimum transferable unit.
	ErrAmountBelowMinimum = errors.New("amount below minimum transfer")
	// ErrBroadcastFailure covers signing and broadcast errors.
	ErrBroadcastFailure = errors.New("signature or broadcast failure")
	// ErrReconciliationFailure is reported when an exchange round fails.
	ErrReconciliationFailure = errors.New("reconciliation failure")
	// ErrInvalidTransition is returned for a status move not in the lifecycle graph.
	ErrInvalidTransition = errors.New("invalid status transition")
)
