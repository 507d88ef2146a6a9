package deals

import (
	"context"
	"time"
)

// EventType identifies a notification-worthy milestone.
type EventType string

const (
	EventDealCreated           EventType = "deal.created"
	EventTermsAgreed           EventType = "deal.terms_agreed"
	EventFeePaymentPending     EventType = "deal.fee_payment_pending"
	EventFeePaid               EventType = "deal.fee_paid"
	EventAgentNotified         EventType = "deal.agent_notified"
	EventRightsConfirmed       EventType = "deal.rights_confirmed"
	EventHoldingStarted        EventType = "deal.holding_period_started"
	EventPrimaryOwnerConfirmed EventType = "deal.primary_owner_confirmed"
	EventBuyerPaidSeller       EventType = "deal.buyer_paid_seller"
	EventCompleted             EventType = "deal.completed"
)

// Notification is a system-authored message for the buyer/seller
// conversation. Summary is the short conversation preview line.
type Notification struct {
	Event         EventType `json:"event"`
	DealID        string    `json:"deal_id"`
	TransactionID string    `json:"transaction_id"`
	BuyerID       string    `json:"buyer_id"`
	SellerID      string    `json:"seller_id"`
	ActorID       string    `json:"acting_party_id"`
	Status        Status    `json:"status"`
	Message       string    `json:"message"`
	Summary       string    `json:"summary"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Notifier delivers notifications without blocking the caller. It never
// reports failure: delivery problems must not affect a committed transition.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Notification) {}

func newNotification(d *Deal, ev EventType, actorID, message, summary string, at time.Time) Notification {
	return Notification{
		Event:         ev,
		DealID:        d.ID,
		TransactionID: d.TransactionID,
		BuyerID:       d.BuyerID,
		SellerID:      d.SellerID,
		ActorID:       actorID,
		Message:       message,
		Summary:       summary,
		OccurredAt:    at,
	}
}
