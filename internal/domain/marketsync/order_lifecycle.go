package marketsync

import (
	"fmt"
	"time"

	"github.com/erp/marketsync/internal/domain/shared"
	"github.com/google/uuid"
)

// History reasons
const (
	ReasonAcknowledged     = "acknowledged"
	ReasonStatusUpdate     = "status_update"
	ReasonRemoteStatus     = "remote_status"
	ReasonReturn           = "return"
	ReasonDocumentAttached = "document_attached"
)

// ActorSync is the actor recorded for transitions driven by a sync run
const ActorSync = "sync"

// OrderHistoryEntry is an immutable record of one lifecycle step
type OrderHistoryEntry struct {
	ID         uuid.UUID
	OrderID    uuid.UUID
	FromStatus OrderStatus
	ToStatus   OrderStatus
	Actor      string
	Reason     string
	Detail     string
	OccurredAt time.Time
}

func newHistoryEntry(orderID uuid.UUID, from, to OrderStatus, actor, reason string, now time.Time) *OrderHistoryEntry {
	return &OrderHistoryEntry{
		ID:         uuid.New(),
		OrderID:    orderID,
		FromStatus: from,
		ToStatus:   to,
		Actor:      actor,
		Reason:     reason,
		OccurredAt: now,
	}
}

func invalidTransition(o *RemoteOrder, target OrderStatus) error {
	return shared.NewDomainErrorWithCause(
		"INVALID_TRANSITION",
		fmt.Sprintf("Cannot move order %s from %s to %s", o.RemoteID, o.Status, target),
		ErrInvalidTransition,
	)
}

// TransitionTo applies one step of the transition table. A return is only
// accepted while now is within grace of FinalizedAt.
func (o *RemoteOrder) TransitionTo(target OrderStatus, actor, reason string, now time.Time, grace time.Duration) (*OrderHistoryEntry, error) {
	if !target.IsValid() || !o.Status.CanTransitionTo(target) {
		return nil, invalidTransition(o, target)
	}
	if target == OrderStatusReturned {
		if o.FinalizedAt == nil || now.After(o.FinalizedAt.Add(grace)) {
			return nil, shared.NewDomainErrorWithCause(
				"WINDOW_EXPIRED",
				fmt.Sprintf("Return window of %s for order %s has expired", grace, o.RemoteID),
				ErrWindowExpired,
			)
		}
	}

	entry := newHistoryEntry(o.ID, o.Status, target, actor, reason, now)
	o.Status = target
	if target == OrderStatusFinalized {
		finalized := now
		o.FinalizedAt = &finalized
	}
	o.Touch(now)
	return entry, nil
}

// Acknowledge moves a new order to acknowledged. Orders already at or past
// acknowledged return (nil, nil): acknowledging twice is not an error.
func (o *RemoteOrder) Acknowledge(actor string, now time.Time) (*OrderHistoryEntry, error) {
	if o.Status.HasReached(OrderStatusAcknowledged) {
		return nil, nil
	}
	return o.TransitionTo(OrderStatusAcknowledged, actor, ReasonAcknowledged, now, 0)
}

// AttachDocument records a document reference on an order in progress
func (o *RemoteOrder) AttachDocument(docRef, actor string, now time.Time) (*OrderHistoryEntry, error) {
	switch o.Status {
	case OrderStatusAcknowledged, OrderStatusPrepared, OrderStatusFinalized:
	default:
		return nil, shared.NewDomainErrorWithCause(
			"INVALID_TRANSITION",
			fmt.Sprintf("Cannot attach a document to order %s in %s status", o.RemoteID, o.Status),
			ErrInvalidTransition,
		)
	}
	o.DocumentRef = docRef
	o.Touch(now)
	entry := newHistoryEntry(o.ID, o.Status, o.Status, actor, ReasonDocumentAttached, now)
	entry.Detail = docRef
	return entry, nil
}
