package marketsync

import (
	"fmt"
	"strings"
)

// OrderStatus is the local lifecycle state of a marketplace order
type OrderStatus string

const (
	OrderStatusNew          OrderStatus = "new"
	OrderStatusAcknowledged OrderStatus = "acknowledged"
	OrderStatusPrepared     OrderStatus = "prepared"
	OrderStatusFinalized    OrderStatus = "finalized"
	OrderStatusCancelled    OrderStatus = "cancelled"
	OrderStatusReturned     OrderStatus = "returned"
)

// orderTransitions is the complete transition table. Anything absent is rejected.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusNew:          {OrderStatusAcknowledged, OrderStatusCancelled},
	OrderStatusAcknowledged: {OrderStatusPrepared, OrderStatusCancelled},
	OrderStatusPrepared:     {OrderStatusFinalized},
	OrderStatusFinalized:    {OrderStatusReturned},
	OrderStatusCancelled:    nil,
	OrderStatusReturned:     nil,
}

// forwardRank orders the main chain; side branches sit after the state they leave from
var forwardRank = map[OrderStatus]int{
	OrderStatusNew:          0,
	OrderStatusAcknowledged: 1,
	OrderStatusPrepared:     2,
	OrderStatusFinalized:    3,
	OrderStatusReturned:     4,
}

// IsValid returns true if the status is valid
func (s OrderStatus) IsValid() bool {
	_, ok := orderTransitions[s]
	return ok
}

// String returns the string representation of OrderStatus
func (s OrderStatus) String() string {
	return string(s)
}

// IsTerminal returns true if no transition leaves this status
func (s OrderStatus) IsTerminal() bool {
	return s.IsValid() && len(orderTransitions[s]) == 0
}

// CanTransitionTo checks the transition table. Time-bound rules (return window)
// are enforced by RemoteOrder.TransitionTo.
func (s OrderStatus) CanTransitionTo(target OrderStatus) bool {
	for _, next := range orderTransitions[s] {
		if next == target {
			return true
		}
	}
	return false
}

// HasReached reports whether s is at or past target along the forward chain
// new → acknowledged → prepared → finalized → returned. Cancelled reaches nothing.
func (s OrderStatus) HasReached(target OrderStatus) bool {
	sr, ok := forwardRank[s]
	if !ok {
		return false
	}
	tr, ok := forwardRank[target]
	if !ok {
		return false
	}
	return sr >= tr
}

// ForwardPath returns the statuses to apply, in order, to move from s to target.
// It returns nil when target is not reachable without regressing.
func (s OrderStatus) ForwardPath(target OrderStatus) []OrderStatus {
	if s == target {
		return nil
	}
	if s.CanTransitionTo(target) {
		return []OrderStatus{target}
	}
	var path []OrderStatus
	current := s
	for steps := 0; steps < len(forwardRank); steps++ {
		next, ok := nextOnChain(current)
		if !ok {
			return nil
		}
		path = append(path, next)
		if next == target {
			return path
		}
		current = next
	}
	return nil
}

func nextOnChain(s OrderStatus) (OrderStatus, bool) {
	switch s {
	case OrderStatusNew:
		return OrderStatusAcknowledged, true
	case OrderStatusAcknowledged:
		return OrderStatusPrepared, true
	case OrderStatusPrepared:
		return OrderStatusFinalized, true
	default:
		return "", false
	}
}

// remoteStatusAliases maps marketplace order states onto the local lifecycle
var remoteStatusAliases = map[string]OrderStatus{
	"new":                      OrderStatusNew,
	"pending":                  OrderStatusNew,
	"awaiting_acknowledgement": OrderStatusNew,
	"acknowledged":             OrderStatusAcknowledged,
	"accepted":                 OrderStatusAcknowledged,
	"confirmed":                OrderStatusAcknowledged,
	"prepared":                 OrderStatusPrepared,
	"packed":                   OrderStatusPrepared,
	"ready_to_ship":            OrderStatusPrepared,
	"finalized":                OrderStatusFinalized,
	"shipped":                  OrderStatusFinalized,
	"delivered":                OrderStatusFinalized,
	"completed":                OrderStatusFinalized,
	"cancelled":                OrderStatusCancelled,
	"canceled":                 OrderStatusCancelled,
	"returned":                 OrderStatusReturned,
	"refunded":                 OrderStatusReturned,
}

// ParseOrderStatus parses a local status name
func ParseOrderStatus(s string) (OrderStatus, error) {
	st := OrderStatus(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: unknown order status %q", ErrInvalidTransition, s)
	}
	return st, nil
}

// MapRemoteOrderStatus maps a marketplace status string onto OrderStatus
func MapRemoteOrderStatus(remote string) (OrderStatus, bool) {
	st, ok := remoteStatusAliases[strings.ToLower(strings.TrimSpace(remote))]
	return st, ok
}
