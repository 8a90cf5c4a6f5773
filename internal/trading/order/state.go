// Package order tracks the lifecycle of submitted orders
package order

import (
	"perp_gateway/internal/core"
)

// transitions lists the allowed moves out of each non-terminal status.
// Terminal statuses have no entry.
var transitions = map[core.OrderStatus][]core.OrderStatus{
	core.OrderStatusNew: {
		core.OrderStatusPartiallyFilled,
		core.OrderStatusFilled,
		core.OrderStatusCancelled,
		core.OrderStatusRejected,
	},
	core.OrderStatusPartiallyFilled: {
		core.OrderStatusPartiallyFilled,
		core.OrderStatusFilled,
		core.OrderStatusCancelled,
	},
}

// CanTransition reports whether an order in status from may move to status to.
// Staying in the same non-terminal status is always allowed.
func CanTransition(from, to core.OrderStatus) bool {
	if from.IsTerminal() {
		return false
	}
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
