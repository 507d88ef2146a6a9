package deals

import (
	"context"
	"net/http"
	"sort"

	"github.com/shopspring/decimal"
)

// RailMode says how a fee rail reports success.
type RailMode string

const (
	// RailSync rails confirm the charge within the request.
	RailSync RailMode = "sync"
	// RailAsync rails only open a payment; a signed callback confirms it.
	RailAsync RailMode = "async"
)

// FeeCharge is the escrow fee request handed to a rail.
type FeeCharge struct {
	DealID         string
	TransactionID  string
	Amount         decimal.Decimal
	Currency       string
	PayerID        string
	PayerRole      Role
	PaymentToken   string
	IdempotencyKey string
	Description    string
}

// FeeReceipt is a rail's answer to a charge.
type FeeReceipt struct {
	Reference   string
	Confirmed   bool
	CheckoutURL string
	// Status is the processor's own state for the charge, kept for
	// reconciliation when it is not confirmed.
	Status string
}

// FeeRail collects the escrow fee through one settlement channel.
type FeeRail interface {
	Name() string
	Mode() RailMode
	Charge(ctx context.Context, charge FeeCharge) (*FeeReceipt, error)
}

// FeeEvent is a verified payment confirmation from an asynchronous rail.
type FeeEvent struct {
	Provider  string
	EventID   string
	DealID    string
	Reference string
	Amount    decimal.Decimal
	Currency  string
}

// FeeWebhookDecoder authenticates and decodes processor callbacks. Decode
// returns ErrWebhookSignature for unauthenticated bodies and a nil event for
// notifications that do not confirm a payment.
type FeeWebhookDecoder interface {
	Provider() string
	Decode(header http.Header, body []byte) (*FeeEvent, error)
}

// RailRegistry maps payment_method values to rails.
type RailRegistry struct {
	rails map[string]FeeRail
}

// NewRailRegistry registers rails under their names.
func NewRailRegistry(rails ...FeeRail) *RailRegistry {
	r := &RailRegistry{rails: make(map[string]FeeRail)}
	for _, rail := range rails {
		r.Register(rail)
	}
	return r
}

// Register adds or replaces a rail.
func (r *RailRegistry) Register(rail FeeRail) {
	r.rails[rail.Name()] = rail
}

// Get returns the rail registered under name.
func (r *RailRegistry) Get(name string) (FeeRail, bool) {
	if r == nil {
		return nil, false
	}
	rail, ok := r.rails[name]
	return rail, ok
}

// Names returns the registered rail names, sorted.
func (r *RailRegistry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.rails))
	for n := range r.rails {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
