// Package swap holds the swap record lifecycle rules shared by the scanner,
// the delivery engine and the reconciliation engine.
package swap

import (
	"fmt"

	"settler/internal/model"
)

// edges is the directed delivery-status graph. IGNORED is terminal and only reachable from CONFIRMED.
var edges = map[model.SwapStatus][]model.SwapStatus{
	model.StatusConfirming: {model.StatusConfirmed},
	model.StatusConfirmed:  {model.StatusDelivering, model.StatusIgnored},
	model.StatusDelivering: {model.StatusDelivered},
}

var exchangeEdges = map[model.ExchangeStatus][]model.ExchangeStatus{
	model.ExchangeNone:       {model.ExchangeExchanging},
	model.ExchangeExchanging: {model.ExchangeExchanging, model.ExchangeExchanged},
}

// CanTransition reports whether a single step from -> to exists in the graph.
func CanTransition(from, to model.SwapStatus) bool {
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Reachable reports whether to can be reached from from by zero or more forward steps.
func Reachable(from, to model.SwapStatus) bool {
	if from == to {
		return true
	}
	for _, next := range edges[from] {
		if Reachable(next, to) {
			return true
		}
	}
	return false
}

// Transition validates a (possibly multi-step) forward move, as written by a single atomic update.
func Transition(from, to model.SwapStatus) error {
	if from == to || !Reachable(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// CanTransitionExchange reports whether the reconciliation axis may move from -> to.
// EXCHANGING -> EXCHANGING is allowed so a failed round can be re-aggregated.
func CanTransitionExchange(from, to model.ExchangeStatus) bool {
	for _, next := range exchangeEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no component processes the record any further.
func IsTerminal(s model.SwapStatus) bool {
	return s == model.StatusDelivered || s == model.StatusIgnored
}

// ConfirmationStatus derives the pre-settlement status from a confirmation count.
func ConfirmationStatus(confirmations, required uint64) model.SwapStatus {
	if confirmations >= required {
		return model.StatusConfirmed
	}
	return model.StatusConfirming
}

// Reconcilable lists the delivery statuses whose deposits are converted on the exchange.
func Reconcilable() []model.SwapStatus {
	return []model.SwapStatus{model.StatusConfirmed, model.StatusDelivering, model.StatusDelivered}
}

// PendingExchange lists the reconciliation statuses picked up by a reconciliation run.
// EXCHANGING is included so rounds that failed midway are retried.
func PendingExchange() []model.ExchangeStatus {
	return []model.ExchangeStatus{model.ExchangeNone, model.ExchangeExchanging}
}
