// Package deals implements the escrow deal lifecycle for channel sales.
//
// A deal moves a social-media channel from a seller to a buyer through a
// trusted agent. Progress is recorded as monotonic milestone flags; the
// status shown to clients is always derived from those flags.
package deals

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the coarse projection of a deal's milestones.
type Status string

const (
	StatusPending                Status = "pending"
	StatusTermsAgreed            Status = "terms_agreed"
	StatusPaymentPending         Status = "payment_pending"
	StatusFeePaid                Status = "fee_paid"
	StatusAgentAccessPending     Status = "agent_access_pending"
	StatusWaitingHoldingPeriod   Status = "waiting_holding_period"
	StatusAgentAccessConfirmed   Status = "agent_access_confirmed"
	StatusPromotionComplete      Status = "promotion_complete"
	StatusBuyerPaidSeller        Status = "buyer_paid_seller"
	StatusSellerConfirmedPayment Status = "seller_confirmed_payment"
)

var statusOrder = []Status{
	StatusPending,
	StatusTermsAgreed,
	StatusPaymentPending,
	StatusFeePaid,
	StatusAgentAccessPending,
	StatusWaitingHoldingPeriod,
	StatusAgentAccessConfirmed,
	StatusPromotionComplete,
	StatusBuyerPaidSeller,
	StatusSellerConfirmedPayment,
}

// ParseStatus validates a status filter value.
func ParseStatus(s string) (Status, bool) {
	for _, st := range statusOrder {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusSellerConfirmedPayment
}

// Role is the acting party's relationship to a specific deal.
type Role string

const (
	RoleNone   Role = "none"
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
	RoleAdmin  Role = "admin"
	// RoleSystem is used for payment processor callbacks. It is never
	// resolved from a request identity.
	RoleSystem Role = "system"
)

// PaymentMethod is a settlement channel the buyer accepts for the price.
type PaymentMethod string

const (
	MethodBankTransfer PaymentMethod = "bank_transfer"
	MethodPayPal       PaymentMethod = "paypal"
	MethodCard         PaymentMethod = "card"
	MethodCrypto       PaymentMethod = "crypto"
	MethodWise         PaymentMethod = "wise"
	MethodOther        PaymentMethod = "other"
)

var paymentMethods = map[PaymentMethod]bool{
	MethodBankTransfer: true,
	MethodPayPal:       true,
	MethodCard:         true,
	MethodCrypto:       true,
	MethodWise:         true,
	MethodOther:        true,
}

// Milestone names one lifecycle flag.
type Milestone string

const (
	MilestoneBuyerAgreed            Milestone = "buyer_agreed"
	MilestoneSellerAgreed           Milestone = "seller_agreed"
	MilestoneFeePaid                Milestone = "transaction_fee_paid"
	MilestoneAgentNotified          Milestone = "agent_notified"
	MilestoneRightsGiven            Milestone = "seller_gave_rights"
	MilestonePrimaryOwner           Milestone = "seller_made_primary_owner"
	MilestoneBuyerPaidSeller        Milestone = "buyer_paid_seller"
	MilestoneSellerConfirmedPayment Milestone = "seller_confirmed_payment"
	MilestoneHoldingElapsed         Milestone = "holding_period_elapsed"
)

// Milestones lists every flag in lifecycle order.
var Milestones = []Milestone{
	MilestoneBuyerAgreed,
	MilestoneSellerAgreed,
	MilestoneFeePaid,
	MilestoneAgentNotified,
	MilestoneRightsGiven,
	MilestoneHoldingElapsed,
	MilestonePrimaryOwner,
	MilestoneBuyerPaidSeller,
	MilestoneSellerConfirmedPayment,
}

// PendingFee is an asynchronous fee request awaiting processor confirmation.
// Superseded keeps the invoices an earlier request issued; the payer may
// still settle one of those.
type PendingFee struct {
	Rail        string       `json:"rail"`
	Reference   string       `json:"reference"`
	Payer       Role         `json:"payer"`
	CheckoutURL string       `json:"checkout_url,omitempty"`
	RequestedAt time.Time    `json:"requested_at"`
	Superseded  []FeeRequest `json:"superseded,omitempty"`
}

// FeeRequest is one invoice issued on an asynchronous rail.
type FeeRequest struct {
	Rail        string    `json:"rail"`
	Reference   string    `json:"reference"`
	Payer       Role      `json:"payer"`
	RequestedAt time.Time `json:"requested_at"`
}

// Supersede returns the requests a replacement for pf must keep honoring.
func (pf *PendingFee) Supersede() []FeeRequest {
	if pf == nil {
		return nil
	}
	out := make([]FeeRequest, 0, len(pf.Superseded)+1)
	out = append(out, pf.Superseded...)
	return append(out, FeeRequest{Rail: pf.Rail, Reference: pf.Reference, Payer: pf.Payer, RequestedAt: pf.RequestedAt})
}

// Match finds the issued request a processor reference belongs to. An empty
// reference means the current request.
func (pf *PendingFee) Match(reference string) (FeeRequest, bool) {
	if reference == "" || reference == pf.Reference {
		return FeeRequest{Rail: pf.Rail, Reference: pf.Reference, Payer: pf.Payer, RequestedAt: pf.RequestedAt}, true
	}
	for _, r := range pf.Superseded {
		if r.Reference == reference {
			return r, true
		}
	}
	return FeeRequest{}, false
}

// Deal is one escrowed channel sale.
type Deal struct {
	ID             string          `json:"id"`
	TransactionID  string          `json:"transaction_id"`
	BuyerID        string          `json:"buyer_id"`
	SellerID       string          `json:"seller_id"`
	ListingID      string          `json:"listing_id"`
	Title          string          `json:"title"`
	Platform       Platform        `json:"platform,omitempty"`
	Price          decimal.Decimal `json:"price"`
	EscrowFee      decimal.Decimal `json:"escrow_fee"`
	Currency       string          `json:"currency"`
	Status         Status          `json:"status"`
	PaymentMethods []PaymentMethod `json:"payment_methods"`

	BuyerAgreed              bool       `json:"buyer_agreed"`
	BuyerAgreedAt            *time.Time `json:"buyer_agreed_at,omitempty"`
	SellerAgreed             bool       `json:"seller_agreed"`
	SellerAgreedAt           *time.Time `json:"seller_agreed_at,omitempty"`
	TransactionFeePaid       bool       `json:"transaction_fee_paid"`
	TransactionFeePaidAt     *time.Time `json:"transaction_fee_paid_at,omitempty"`
	FeePaidBy                Role       `json:"fee_paid_by,omitempty"`
	FeeRail                  string     `json:"fee_rail,omitempty"`
	FeeReference             string     `json:"fee_reference,omitempty"`
	AgentNotified            bool       `json:"agent_notified"`
	AgentNotifiedAt          *time.Time `json:"agent_notified_at,omitempty"`
	SellerGaveRights         bool       `json:"seller_gave_rights"`
	SellerGaveRightsAt       *time.Time `json:"seller_gave_rights_at,omitempty"`
	SellerMadePrimaryOwner   bool       `json:"seller_made_primary_owner"`
	SellerMadePrimaryOwnerAt *time.Time `json:"seller_made_primary_owner_at,omitempty"`
	BuyerPaidSeller          bool       `json:"buyer_paid_seller"`
	BuyerPaidSellerAt        *time.Time `json:"buyer_paid_seller_at,omitempty"`
	SellerConfirmedPayment   bool       `json:"seller_confirmed_payment"`
	SellerConfirmedPaymentAt *time.Time `json:"seller_confirmed_payment_at,omitempty"`
	HoldingPeriodElapsed     bool       `json:"holding_period_elapsed"`
	HoldingPeriodElapsedAt   *time.Time `json:"holding_period_elapsed_at,omitempty"`

	HoldingPeriodStartedAt *time.Time `json:"holding_period_started_at,omitempty"`
	HoldingPeriodExpiresAt *time.Time `json:"holding_period_expires_at,omitempty"`

	PendingFee *PendingFee `json:"pending_fee,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AuditEntry is one append-only history record.
type AuditEntry struct {
	ID          int64     `json:"id,omitempty"`
	DealID      string    `json:"deal_id"`
	Action      string    `json:"action_type"`
	ActorID     string    `json:"acting_party_id"`
	Description string    `json:"description"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Has reports whether milestone m has been reached.
func (d *Deal) Has(m Milestone) bool {
	switch m {
	case MilestoneBuyerAgreed:
		return d.BuyerAgreed
	case MilestoneSellerAgreed:
		return d.SellerAgreed
	case MilestoneFeePaid:
		return d.TransactionFeePaid
	case MilestoneAgentNotified:
		return d.AgentNotified
	case MilestoneRightsGiven:
		return d.SellerGaveRights
	case MilestonePrimaryOwner:
		return d.SellerMadePrimaryOwner
	case MilestoneBuyerPaidSeller:
		return d.BuyerPaidSeller
	case MilestoneSellerConfirmedPayment:
		return d.SellerConfirmedPayment
	case MilestoneHoldingElapsed:
		return d.HoldingPeriodElapsed
	}
	return false
}

// ReachedAt returns when milestone m was reached, or nil.
func (d *Deal) ReachedAt(m Milestone) *time.Time {
	switch m {
	case MilestoneBuyerAgreed:
		return d.BuyerAgreedAt
	case MilestoneSellerAgreed:
		return d.SellerAgreedAt
	case MilestoneFeePaid:
		return d.TransactionFeePaidAt
	case MilestoneAgentNotified:
		return d.AgentNotifiedAt
	case MilestoneRightsGiven:
		return d.SellerGaveRightsAt
	case MilestonePrimaryOwner:
		return d.SellerMadePrimaryOwnerAt
	case MilestoneBuyerPaidSeller:
		return d.BuyerPaidSellerAt
	case MilestoneSellerConfirmedPayment:
		return d.SellerConfirmedPaymentAt
	case MilestoneHoldingElapsed:
		return d.HoldingPeriodElapsedAt
	}
	return nil
}

// mark sets milestone m. Flags never go back to false, so a second mark of
// the same milestone is a programming error caught by the transition table.
func (d *Deal) mark(m Milestone, at time.Time) {
	t := at
	switch m {
	case MilestoneBuyerAgreed:
		d.BuyerAgreed, d.BuyerAgreedAt = true, &t
	case MilestoneSellerAgreed:
		d.SellerAgreed, d.SellerAgreedAt = true, &t
	case MilestoneFeePaid:
		d.TransactionFeePaid, d.TransactionFeePaidAt = true, &t
	case MilestoneAgentNotified:
		d.AgentNotified, d.AgentNotifiedAt = true, &t
	case MilestoneRightsGiven:
		d.SellerGaveRights, d.SellerGaveRightsAt = true, &t
	case MilestonePrimaryOwner:
		d.SellerMadePrimaryOwner, d.SellerMadePrimaryOwnerAt = true, &t
	case MilestoneBuyerPaidSeller:
		d.BuyerPaidSeller, d.BuyerPaidSellerAt = true, &t
	case MilestoneSellerConfirmedPayment:
		d.SellerConfirmedPayment, d.SellerConfirmedPaymentAt = true, &t
	case MilestoneHoldingElapsed:
		d.HoldingPeriodElapsed, d.HoldingPeriodElapsedAt = true, &t
	}
}

// HoldStarted reports whether this deal is gated by a holding period.
func (d *Deal) HoldStarted() bool {
	return d.HoldingPeriodExpiresAt != nil
}

// Clone returns a deep copy. Timestamp pointers are shared because they are
// replaced, never written through.
func (d *Deal) Clone() *Deal {
	cp := *d
	cp.PaymentMethods = append([]PaymentMethod(nil), d.PaymentMethods...)
	if d.PendingFee != nil {
		pf := *d.PendingFee
		pf.Superseded = append([]FeeRequest(nil), d.PendingFee.Superseded...)
		cp.PendingFee = &pf
	}
	return &cp
}

// CheckInvariants verifies the milestone dependency chain and that the
// cached status matches the flags.
func (d *Deal) CheckInvariants() error {
	deps := []struct {
		flag     Milestone
		requires []Milestone
	}{
		{MilestoneFeePaid, []Milestone{MilestoneBuyerAgreed, MilestoneSellerAgreed}},
		{MilestoneAgentNotified, []Milestone{MilestoneFeePaid}},
		{MilestoneRightsGiven, []Milestone{MilestoneAgentNotified}},
		{MilestoneHoldingElapsed, []Milestone{MilestoneRightsGiven}},
		{MilestonePrimaryOwner, []Milestone{MilestoneRightsGiven, MilestoneHoldingElapsed}},
		{MilestoneBuyerPaidSeller, []Milestone{MilestonePrimaryOwner}},
		{MilestoneSellerConfirmedPayment, []Milestone{MilestoneBuyerPaidSeller}},
	}
	for _, dep := range deps {
		if !d.Has(dep.flag) {
			continue
		}
		for _, r := range dep.requires {
			if !d.Has(r) {
				return fmt.Errorf("%s set without %s", dep.flag, r)
			}
		}
	}
	for _, m := range Milestones {
		if d.Has(m) != (d.ReachedAt(m) != nil) {
			return fmt.Errorf("%s flag and timestamp disagree", m)
		}
	}
	if (d.HoldingPeriodStartedAt == nil) != (d.HoldingPeriodExpiresAt == nil) {
		return fmt.Errorf("holding period start and expiry must be set together")
	}
	if d.HoldStarted() && !d.SellerGaveRights {
		return fmt.Errorf("holding period started before rights were given")
	}
	if d.SellerMadePrimaryOwner && d.HoldStarted() && d.SellerMadePrimaryOwnerAt.Before(*d.HoldingPeriodExpiresAt) {
		return fmt.Errorf("primary owner confirmed before holding period expired")
	}
	if d.TransactionFeePaid && d.PendingFee != nil {
		return fmt.Errorf("pending fee request left on a paid deal")
	}
	if want := DeriveStatus(d); d.Status != want {
		return fmt.Errorf("status %s does not match milestones (want %s)", d.Status, want)
	}
	return nil
}
