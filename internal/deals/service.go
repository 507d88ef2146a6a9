package deals

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mbd888/channelescrow/internal/idgen"
	"github.com/mbd888/channelescrow/internal/logging"
	"github.com/mbd888/channelescrow/internal/metrics"
	"github.com/mbd888/channelescrow/internal/pagination"
	"github.com/mbd888/channelescrow/internal/traces"
)

const (
	maxTitleLength   = 200
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// Service is the deal lifecycle engine. Every mutation runs inside
// Store.Mutate; notifications are sent only after the store commits.
type Service struct {
	store    Store
	rails    *RailRegistry
	notifier Notifier
	holding  HoldingPolicy
	currency string
	now      func() time.Time
}

// NewService creates a new deal service.
func NewService(store Store, rails *RailRegistry) *Service {
	if rails == nil {
		rails = NewRailRegistry()
	}
	return &Service{
		store:    store,
		rails:    rails,
		notifier: nopNotifier{},
		holding:  DefaultHoldingPolicy(),
		currency: "USD",
		now:      time.Now,
	}
}

// WithNotifier sets where milestone notifications go.
func (s *Service) WithNotifier(n Notifier) *Service {
	if n != nil {
		s.notifier = n
	}
	return s
}

// WithHoldingPolicy overrides the default YouTube seven-day hold.
func (s *Service) WithHoldingPolicy(p HoldingPolicy) *Service {
	s.holding = p
	return s
}

// WithCurrency sets the currency used when a request names none.
func (s *Service) WithCurrency(code string) *Service {
	if code != "" {
		s.currency = strings.ToUpper(code)
	}
	return s
}

// WithClock replaces time.Now, for tests that walk through a holding period.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// HoldingPolicy returns the active policy.
func (s *Service) HoldingPolicy() HoldingPolicy {
	return s.holding
}

// Rails returns the names of the configured fee rails.
func (s *Service) Rails() []string {
	return s.rails.Names()
}

// CreateRequest is the buyer's offer for a listing.
type CreateRequest struct {
	SellerID       string          `json:"seller_id"`
	ListingID      string          `json:"listing_id"`
	Title          string          `json:"title"`
	Platform       string          `json:"platform"`
	Price          decimal.Decimal `json:"price"`
	EscrowFee      decimal.Decimal `json:"escrow_fee"`
	Currency       string          `json:"currency"`
	PaymentMethods []string        `json:"payment_methods"`
}

func (s *Service) validateCreate(actor Actor, req *CreateRequest) ([]PaymentMethod, Platform, error) {
	req.SellerID = strings.TrimSpace(req.SellerID)
	req.Title = strings.TrimSpace(req.Title)
	switch {
	case req.SellerID == "":
		return nil, "", validationf("seller_id is required")
	case req.SellerID == actor.ID:
		return nil, "", validationf("seller_id must differ from the buyer")
	case req.Title == "":
		return nil, "", validationf("title is required")
	case len(req.Title) > maxTitleLength:
		return nil, "", validationf("title must be at most %d characters", maxTitleLength)
	case !req.Price.IsPositive():
		return nil, "", validationf("price must be greater than zero")
	case req.Price.Exponent() < -2:
		return nil, "", validationf("price must have at most two decimal places")
	case req.EscrowFee.IsNegative():
		return nil, "", validationf("escrow_fee must not be negative")
	case req.EscrowFee.Exponent() < -2:
		return nil, "", validationf("escrow_fee must have at most two decimal places")
	case len(req.PaymentMethods) == 0:
		return nil, "", validationf("at least one payment method is required")
	}

	if req.Currency != "" && len(req.Currency) != 3 {
		return nil, "", validationf("currency must be a three-letter code")
	}

	var platform Platform
	if req.Platform != "" {
		p, ok := ParsePlatform(req.Platform)
		if !ok {
			return nil, "", validationf("unknown platform %q", req.Platform)
		}
		platform = p
	}

	seen := make(map[PaymentMethod]bool)
	var methods []PaymentMethod
	for _, raw := range req.PaymentMethods {
		m := PaymentMethod(strings.ToLower(strings.TrimSpace(raw)))
		if !paymentMethods[m] {
			return nil, "", validationf("unknown payment method %q", raw)
		}
		if !seen[m] {
			seen[m] = true
			methods = append(methods, m)
		}
	}
	return methods, platform, nil
}

// Create opens a deal on behalf of the buyer, who agrees to the terms by
// creating it.
func (s *Service) Create(ctx context.Context, actor Actor, req CreateRequest) (_ *Deal, err error) {
	started := time.Now()
	ctx, span := traces.StartSpan(ctx, "deals.Create", traces.PartyID(actor.ID))
	defer func() {
		s.observe(ctx, "create_deal", started, err)
		traces.End(span, err)
	}()

	if !actor.Authenticated() {
		return nil, ErrUnauthenticated
	}
	methods, platform, err := s.validateCreate(actor, &req)
	if err != nil {
		return nil, err
	}

	currency := s.currency
	if req.Currency != "" {
		currency = strings.ToUpper(req.Currency)
	}
	now := s.now().UTC()
	d := &Deal{
		ID:             uuid.NewString(),
		BuyerID:        actor.ID,
		SellerID:       req.SellerID,
		ListingID:      strings.TrimSpace(req.ListingID),
		Title:          req.Title,
		Platform:       platform,
		Price:          req.Price,
		EscrowFee:      req.EscrowFee,
		Currency:       currency,
		PaymentMethods: methods,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	d.mark(MilestoneBuyerAgreed, now)
	d.Status = DeriveStatus(d)

	// Transaction ids are short; retry the rare collision.
	for attempt := 0; attempt < 3; attempt++ {
		d.TransactionID = idgen.TransactionID()
		audit := []AuditEntry{{
			DealID:  d.ID,
			Action:  "deal_created",
			ActorID: actor.ID,
			Description: fmt.Sprintf("Deal %s created by buyer for %q at %s %s (escrow fee %s)",
				d.TransactionID, d.Title, d.Price.StringFixed(2), d.Currency, d.EscrowFee.StringFixed(2)),
			OccurredAt: now,
		}}
		err = s.store.Create(ctx, d, audit)
		if !errors.Is(err, ErrDuplicateTransactionID) {
			break
		}
	}
	if err != nil {
		return nil, err
	}
	span.SetAttributes(traces.DealID(d.ID), traces.TransactionID(d.TransactionID))
	metrics.DealsCreatedTotal.Inc()

	ctx = logging.WithDeal(ctx, d.ID)
	logging.L(ctx).Info("deal created", "transaction_id", d.TransactionID, "seller_id", d.SellerID)
	n := newNotification(d, EventDealCreated, actor.ID,
		fmt.Sprintf("New deal request %s for %q at %s %s. Seller: review the terms and accept to continue.",
			d.TransactionID, d.Title, d.Price.StringFixed(2), d.Currency),
		"New deal request", now)
	n.Status = d.Status
	s.notifier.Notify(ctx, n)
	return d, nil
}

// step collects what one transition writes and announces.
type step struct {
	audit []AuditEntry
	notes []Notification
	event *ProcessedEvent
}

func (st *step) log(d *Deal, action, actorID, description string, at time.Time) {
	st.audit = append(st.audit, AuditEntry{
		DealID:      d.ID,
		Action:      action,
		ActorID:     actorID,
		Description: description,
		OccurredAt:  at,
	})
}

func (st *step) notify(d *Deal, ev EventType, actorID, message, summary string, at time.Time) {
	st.notes = append(st.notes, newNotification(d, ev, actorID, message, summary, at))
}

type applyFunc func(d *Deal, role Role, now time.Time, st *step) error

// transition runs op against the deal named by ref: authorize, check the
// milestone guards and the holding timer, apply, re-check invariants and
// persist. Notifications go out after the store commits.
func (s *Service) transition(ctx context.Context, op Operation, ref string, actor Actor, apply applyFunc) (_ *Deal, err error) {
	started := time.Now()
	ctx, span := traces.StartSpan(ctx, "deals."+string(op), traces.Operation(string(op)), traces.PartyID(actor.ID))
	defer func() {
		s.observe(ctx, string(op), started, err)
		traces.End(span, err)
	}()

	t, ok := transitions[op]
	if !ok {
		return nil, fmt.Errorf("deals: unknown operation %s", op)
	}
	id, err := s.resolveID(ctx, ref)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(traces.DealID(id))
	ctx = logging.WithDeal(ctx, id)

	var st step
	d, err := s.store.Mutate(ctx, id, func(d *Deal) (*Change, error) {
		st = step{}
		role, err := Authorize(d, actor, t.Roles...)
		if err != nil {
			return nil, err
		}
		if err := t.Check(d); err != nil {
			// Processor callbacks arrive late and more than once.
			if op == OpConfirmFeePayment && errors.Is(err, ErrAlreadyDone) {
				return nil, nil
			}
			return nil, err
		}
		now := s.now().UTC()
		if t.Gated {
			if err := checkHold(d, now); err != nil {
				return nil, err
			}
		}
		if err := apply(d, role, now, &st); err != nil {
			return nil, err
		}
		d.Status = DeriveStatus(d)
		d.UpdatedAt = now
		if err := d.CheckInvariants(); err != nil {
			return nil, fmt.Errorf("deals: %s would break deal invariants: %w", op, err)
		}
		return &Change{Audit: st.audit, Event: st.event}, nil
	})
	if err != nil {
		return nil, err
	}

	if len(st.audit) > 0 {
		logging.L(ctx).Info("deal transition", "operation", op, "status", d.Status, "actor", actor.ID)
	}
	for _, n := range st.notes {
		n.Status = d.Status
		s.notifier.Notify(ctx, n)
	}
	return d, nil
}

func (s *Service) observe(ctx context.Context, op string, started time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = Kind(err)
	}
	metrics.ObserveTransition(op, outcome, time.Since(started))
	if errors.Is(err, ErrTimerNotElapsed) {
		metrics.HoldingRejectionsTotal.Inc()
	}
	if outcome == "internal_error" {
		logging.L(ctx).Error("deal operation failed", "operation", op, "error", err)
	}
}

// SellerAgree records the seller's acceptance of the buyer's terms.
func (s *Service) SellerAgree(ctx context.Context, ref string, actor Actor) (*Deal, error) {
	return s.transition(ctx, OpSellerAgree, ref, actor, func(d *Deal, _ Role, now time.Time, st *step) error {
		d.mark(MilestoneSellerAgreed, now)
		st.log(d, "seller_agreed", actor.ID, "Seller accepted the deal terms", now)
		st.notify(d, EventTermsAgreed, actor.ID,
			fmt.Sprintf("The seller accepted the terms for %q. Either party can now pay the escrow fee of %s %s.",
				d.Title, d.EscrowFee.StringFixed(2), d.Currency),
			"Terms agreed", now)
		return nil
	})
}

// PayFeeRequest selects the rail and the paying party.
type PayFeeRequest struct {
	PaymentMethod string `json:"payment_method"`
	PayerType     string `json:"payer_type"`
	// PaymentToken is the card rail's payment method id; other rails ignore it.
	PaymentToken string `json:"payment_token,omitempty"`
}

// FeeResult reports the outcome of PayTransactionFee. Pending results carry
// the processor's checkout link.
type FeeResult struct {
	Deal        *Deal  `json:"deal"`
	Rail        string `json:"rail"`
	Pending     bool   `json:"pending"`
	Reference   string `json:"reference,omitempty"`
	CheckoutURL string `json:"checkout_url,omitempty"`
}

// PayTransactionFee collects the escrow fee. Synchronous rails complete the
// fee and agent-notification milestones in this call; asynchronous rails
// leave a pending request for ConfirmFeePayment.
func (s *Service) PayTransactionFee(ctx context.Context, ref string, actor Actor, req PayFeeRequest) (*FeeResult, error) {
	method := strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	if method == "" {
		return nil, validationf("payment_method is required")
	}
	payer := Role(strings.ToLower(strings.TrimSpace(req.PayerType)))
	if payer != RoleBuyer && payer != RoleSeller {
		return nil, validationf("payer_type must be buyer or seller")
	}
	rail, ok := s.rails.Get(method)
	if !ok {
		return nil, validationf("unsupported payment method %q (available: %s)", method, strings.Join(s.rails.Names(), ", "))
	}

	result := &FeeResult{Rail: rail.Name()}
	var charged *FeeReceipt
	d, err := s.transition(ctx, OpPayTransactionFee, ref, actor, func(d *Deal, role Role, now time.Time, st *step) error {
		if role != payer {
			return fmt.Errorf("%w: you are the %s", ErrRoleMismatch, role)
		}
		if !d.EscrowFee.IsPositive() {
			result.Rail = "waived"
			s.settleFee(d, payer, "waived", "", actor.ID, now, st)
			return nil
		}

		cctx, span := traces.StartSpan(ctx, "deals.ChargeFee", traces.DealID(d.ID), traces.Rail(rail.Name()))
		receipt, err := rail.Charge(cctx, FeeCharge{
			DealID:         d.ID,
			TransactionID:  d.TransactionID,
			Amount:         d.EscrowFee,
			Currency:       d.Currency,
			PayerID:        actor.ID,
			PayerRole:      payer,
			PaymentToken:   req.PaymentToken,
			IdempotencyKey: feeIdempotencyKey(d.ID, payer, rail.Name(), req.PaymentToken),
			Description:    fmt.Sprintf("Escrow fee for %s", d.TransactionID),
		})
		if receipt != nil {
			span.SetAttributes(traces.Reference(receipt.Reference))
		}
		traces.End(span, err)
		if err != nil {
			metrics.FeePaymentsTotal.WithLabelValues(rail.Name(), "error").Inc()
			if errors.Is(err, ErrValidation) {
				return err
			}
			return fmt.Errorf("%w: %s: %v", ErrPaymentRail, rail.Name(), err)
		}
		result.Reference = receipt.Reference

		if rail.Mode() == RailSync {
			if !receipt.Confirmed {
				// A retry replays this attempt under the same idempotency key, so
				// if the processor completes it later nothing here will notice.
				logging.L(ctx).Error("CRITICAL: escrow fee charge left unconfirmed, reconcile with the processor",
					"deal_id", d.ID, "rail", rail.Name(), "reference", receipt.Reference,
					"processor_status", receipt.Status, "payer", payer)
				metrics.FeePaymentsTotal.WithLabelValues(rail.Name(), "unconfirmed").Inc()
				return fmt.Errorf("%w: %s charge %s was not confirmed", ErrPaymentRail, rail.Name(), receipt.Reference)
			}
			charged = receipt
			s.settleFee(d, payer, rail.Name(), receipt.Reference, actor.ID, now, st)
			return nil
		}

		action := "fee_payment_requested"
		if d.PendingFee != nil {
			action = "fee_payment_rerequested"
		}
		d.PendingFee = &PendingFee{
			Rail:        rail.Name(),
			Reference:   receipt.Reference,
			Payer:       payer,
			CheckoutURL: receipt.CheckoutURL,
			RequestedAt: now,
			Superseded:  d.PendingFee.Supersede(),
		}
		result.Pending = true
		result.CheckoutURL = receipt.CheckoutURL
		st.log(d, action, actor.ID,
			fmt.Sprintf("Escrow fee of %s %s requested from %s via %s (ref %s)",
				d.EscrowFee.StringFixed(2), d.Currency, payer, rail.Name(), receipt.Reference), now)
		st.notify(d, EventFeePaymentPending, actor.ID,
			fmt.Sprintf("Waiting for the %s payment of the escrow fee (%s %s) by the %s. The deal continues automatically once the payment is confirmed.",
				rail.Name(), d.EscrowFee.StringFixed(2), d.Currency, payer),
			"Awaiting escrow fee", now)
		return nil
	})
	if err != nil {
		if charged != nil {
			logging.L(logging.WithDeal(ctx, ref)).Error("CRITICAL: escrow fee charged but deal update failed",
				"rail", rail.Name(), "reference", charged.Reference, "payer", payer, "error", err)
		}
		return nil, err
	}

	outcome := "confirmed"
	if result.Pending {
		outcome = "pending"
	}
	metrics.FeePaymentsTotal.WithLabelValues(result.Rail, outcome).Inc()
	result.Deal = d
	return result, nil
}

// ConfirmFeePayment applies a verified processor callback. It reports
// whether the event changed the deal; duplicates and callbacks for an
// already paid deal are no-ops.
func (s *Service) ConfirmFeePayment(ctx context.Context, ev FeeEvent) (*Deal, bool, error) {
	if ev.Provider == "" || ev.EventID == "" || ev.DealID == "" {
		return nil, false, validationf("payment event is missing provider, event id or deal id")
	}
	seen, err := s.store.EventProcessed(ctx, ev.Provider, ev.EventID)
	if err != nil {
		return nil, false, err
	}
	if seen {
		d, err := s.load(ctx, ev.DealID)
		return d, false, err
	}

	ctx, span := traces.StartSpan(ctx, "deals.FeeEvent", traces.Reference(ev.Reference))
	defer func() { traces.End(span, err) }()

	applied, orphaned := false, false
	actor := processorActor(ev.Provider)
	d, err := s.transition(ctx, OpConfirmFeePayment, ev.DealID, actor, func(d *Deal, _ Role, now time.Time, st *step) error {
		pf := d.PendingFee
		if pf == nil {
			orphaned = ev.Reference != ""
			return fmt.Errorf("%w: no fee payment is awaiting confirmation", ErrPreconditionFailed)
		}
		req, ok := pf.Match(ev.Reference)
		if !ok {
			orphaned = true
			return fmt.Errorf("%w: reference %s was not issued for this deal (pending %s)", ErrPreconditionFailed, ev.Reference, pf.Reference)
		}
		if ev.Amount.IsPositive() && ev.Amount.LessThan(d.EscrowFee) {
			return fmt.Errorf("%w: paid %s is less than the escrow fee %s", ErrPreconditionFailed, ev.Amount, d.EscrowFee.StringFixed(2))
		}
		s.settleFee(d, req.Payer, req.Rail, req.Reference, actor.ID, now, st)
		st.event = &ProcessedEvent{Provider: ev.Provider, EventID: ev.EventID, DealID: d.ID, ReceivedAt: now}
		applied = true
		return nil
	})
	if errors.Is(err, ErrDuplicateEvent) {
		var dup *Deal
		dup, err = s.load(ctx, ev.DealID)
		return dup, false, err
	}
	if orphaned {
		logging.L(logging.WithDeal(ctx, ev.DealID)).Error("CRITICAL: paid fee event matches no invoice issued for the deal",
			"provider", ev.Provider, "event_id", ev.EventID, "reference", ev.Reference, "amount", ev.Amount)
	}
	if err != nil {
		return nil, false, err
	}
	span.SetAttributes(traces.DealID(d.ID), traces.Rail(d.FeeRail))
	if applied {
		metrics.FeePaymentsTotal.WithLabelValues(d.FeeRail, "confirmed").Inc()
	} else if ev.Reference != "" && ev.Reference != d.FeeReference {
		logging.L(logging.WithDeal(ctx, d.ID)).Error("CRITICAL: escrow fee paid again on another invoice, refund the duplicate",
			"provider", ev.Provider, "event_id", ev.EventID, "reference", ev.Reference, "settled_reference", d.FeeReference)
	}
	return d, applied, nil
}

// settleFee sets the fee and agent-notification milestones together; both
// rails finish the same way.
func (s *Service) settleFee(d *Deal, payer Role, rail, reference, actorID string, now time.Time, st *step) {
	d.mark(MilestoneFeePaid, now)
	d.FeePaidBy = payer
	d.FeeRail = rail
	d.FeeReference = reference
	d.PendingFee = nil
	st.log(d, "transaction_fee_paid", actorID,
		fmt.Sprintf("Escrow fee of %s %s paid by %s via %s%s",
			d.EscrowFee.StringFixed(2), d.Currency, payer, rail, refSuffix(reference)), now)

	d.mark(MilestoneAgentNotified, now)
	st.log(d, "agent_notified", actorID, "Escrow agent notified to request channel access from the seller", now)

	st.notify(d, EventFeePaid, actorID,
		fmt.Sprintf("The escrow fee of %s %s was paid by the %s.", d.EscrowFee.StringFixed(2), d.Currency, payer),
		"Escrow fee paid", now)
	st.notify(d, EventAgentNotified, actorID,
		fmt.Sprintf("The escrow agent has been notified and will contact the seller for access to %q. Seller: add the agent to the channel, then confirm rights.", d.Title),
		"Agent notified", now)
}

// ConfirmRights records that the seller granted the agent access. It fixes
// the platform and starts the holding period where one applies.
func (s *Service) ConfirmRights(ctx context.Context, ref string, actor Actor) (*Deal, error) {
	return s.transition(ctx, OpConfirmRights, ref, actor, func(d *Deal, _ Role, now time.Time, st *step) error {
		if d.Platform == "" {
			d.Platform = ClassifyTitle(d.Title)
		}
		d.mark(MilestoneRightsGiven, now)
		st.log(d, "seller_gave_rights", actor.ID,
			fmt.Sprintf("Seller confirmed the agent has access to the %s channel", d.Platform), now)

		if s.holding.Requires(d.Platform) {
			start, expires := s.holding.Window(now)
			d.HoldingPeriodStartedAt, d.HoldingPeriodExpiresAt = &start, &expires
			st.log(d, "holding_period_started", actor.ID,
				fmt.Sprintf("%s holding period started; primary ownership can be transferred from %s",
					formatPeriod(s.holding.Period), expires.Format(time.RFC3339)), now)
			st.notify(d, EventHoldingStarted, actor.ID,
				fmt.Sprintf("Rights confirmed. %s requires a %s holding period before the agent can become primary owner. Earliest promotion: %s.",
					d.Platform, formatPeriod(s.holding.Period), expires.Format(time.RFC1123)),
				"Holding period started", now)
			return nil
		}

		d.mark(MilestoneHoldingElapsed, now)
		st.log(d, "holding_period_skipped", actor.ID,
			fmt.Sprintf("No holding period required for %s", d.Platform), now)
		st.notify(d, EventRightsConfirmed, actor.ID,
			fmt.Sprintf("Rights confirmed. No holding period applies to %s channels, so the seller can make the agent primary owner now.", d.Platform),
			"Rights confirmed", now)
		return nil
	})
}

// ConfirmPrimaryOwner is the seller reporting that the agent was promoted.
func (s *Service) ConfirmPrimaryOwner(ctx context.Context, ref string, actor Actor) (*Deal, error) {
	return s.promote(ctx, OpConfirmPrimaryOwner, ref, actor)
}

// AdminConfirmPrimaryOwner lets an operator record the promotion when the
// seller cannot.
func (s *Service) AdminConfirmPrimaryOwner(ctx context.Context, ref string, actor Actor) (*Deal, error) {
	return s.promote(ctx, OpAdminConfirmPrimaryOwner, ref, actor)
}

func (s *Service) promote(ctx context.Context, op Operation, ref string, actor Actor) (*Deal, error) {
	return s.transition(ctx, op, ref, actor, func(d *Deal, role Role, now time.Time, st *step) error {
		if !d.HoldingPeriodElapsed {
			d.mark(MilestoneHoldingElapsed, now)
			st.log(d, "holding_period_elapsed", actor.ID, "Holding period elapsed", now)
		}
		d.mark(MilestonePrimaryOwner, now)
		by := "seller"
		if role == RoleAdmin {
			by = "escrow agent"
		}
		st.log(d, "primary_owner_confirmed", actor.ID, "Agent made primary owner, confirmed by "+by, now)
		st.notify(d, EventPrimaryOwnerConfirmed, actor.ID,
			fmt.Sprintf("The escrow agent is now primary owner of %q. Buyer: pay %s %s to the seller using one of the agreed methods (%s), then confirm the payment.",
				d.Title, d.Price.StringFixed(2), d.Currency, joinMethods(d.PaymentMethods)),
			"Agent is primary owner", now)
		return nil
	})
}

// ConfirmPaymentToSeller is the buyer reporting the price was paid.
func (s *Service) ConfirmPaymentToSeller(ctx context.Context, ref string, actor Actor) (*Deal, error) {
	return s.transition(ctx, OpConfirmPaymentToSeller, ref, actor, func(d *Deal, _ Role, now time.Time, st *step) error {
		d.mark(MilestoneBuyerPaidSeller, now)
		st.log(d, "buyer_paid_seller", actor.ID,
			fmt.Sprintf("Buyer reported paying %s %s to the seller", d.Price.StringFixed(2), d.Currency), now)
		st.notify(d, EventBuyerPaidSeller, actor.ID,
			fmt.Sprintf("The buyer reports that %s %s was sent. Seller: confirm once the payment has arrived.",
				d.Price.StringFixed(2), d.Currency),
			"Buyer sent payment", now)
		return nil
	})
}

// ConfirmPaymentReceived is the seller's receipt, completing the deal.
func (s *Service) ConfirmPaymentReceived(ctx context.Context, ref string, actor Actor) (*Deal, error) {
	return s.transition(ctx, OpConfirmPaymentReceived, ref, actor, func(d *Deal, _ Role, now time.Time, st *step) error {
		d.mark(MilestoneSellerConfirmedPayment, now)
		st.log(d, "seller_confirmed_payment", actor.ID, "Seller confirmed receipt of the payment", now)
		st.notify(d, EventCompleted, actor.ID,
			fmt.Sprintf("The seller confirmed receipt of the payment. The escrow agent will hand %q over to the buyer. Deal %s is complete.",
				d.Title, d.TransactionID),
			"Deal complete", now)
		return nil
	})
}

// Get returns a deal visible to the actor.
func (s *Service) Get(ctx context.Context, ref string, actor Actor) (*Deal, error) {
	d, err := s.load(ctx, ref)
	if err != nil {
		return nil, err
	}
	if _, err := Authorize(d, actor, readRoles...); err != nil {
		return nil, err
	}
	return d, nil
}

// Status returns the caller's view of the deal's progress.
func (s *Service) Status(ctx context.Context, ref string, actor Actor) (*StatusView, error) {
	d, err := s.Get(ctx, ref, actor)
	if err != nil {
		return nil, err
	}
	return BuildStatus(d, actor, s.holding, s.now().UTC()), nil
}

// History returns the audit trail of a deal, oldest first.
func (s *Service) History(ctx context.Context, ref string, actor Actor) ([]AuditEntry, error) {
	d, err := s.Get(ctx, ref, actor)
	if err != nil {
		return nil, err
	}
	return s.store.History(ctx, d.ID)
}

// ListRequest pages through the caller's deals.
type ListRequest struct {
	Status string
	Cursor string
	Limit  int
}

// Page is one page of deals, newest first.
type Page struct {
	Deals      []*Deal `json:"deals"`
	NextCursor string  `json:"next_cursor,omitempty"`
	HasMore    bool    `json:"has_more"`
}

// List returns deals where the actor is buyer or seller. Operators see all
// deals.
func (s *Service) List(ctx context.Context, actor Actor, req ListRequest) (*Page, error) {
	if !actor.Authenticated() {
		return nil, ErrUnauthenticated
	}
	f := ListFilter{PartyID: actor.ID}
	if actor.Operator {
		f.PartyID = ""
	}
	if req.Status != "" {
		st, ok := ParseStatus(req.Status)
		if !ok {
			return nil, validationf("unknown status %q", req.Status)
		}
		f.Status = st
	}
	cursor, err := pagination.Decode(req.Cursor)
	if err != nil {
		return nil, validationf("%v", err)
	}
	f.Cursor = cursor

	limit := req.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	f.Limit = limit + 1

	items, err := s.store.List(ctx, f)
	if err != nil {
		return nil, err
	}
	items, next, more := pagination.Page(items, limit, func(d *Deal) (time.Time, string) {
		return d.CreatedAt, d.ID
	})
	if items == nil {
		items = []*Deal{}
	}
	return &Page{Deals: items, NextCursor: next, HasMore: more}, nil
}

func (s *Service) load(ctx context.Context, ref string) (*Deal, error) {
	if idgen.IsTransactionID(ref) {
		return s.store.GetByTransactionID(ctx, ref)
	}
	if _, err := uuid.Parse(ref); err != nil {
		return nil, ErrDealNotFound
	}
	return s.store.Get(ctx, ref)
}

// resolveID accepts either the internal UUID or the TXN- reference.
func (s *Service) resolveID(ctx context.Context, ref string) (string, error) {
	if idgen.IsTransactionID(ref) {
		d, err := s.store.GetByTransactionID(ctx, ref)
		if err != nil {
			return "", err
		}
		return d.ID, nil
	}
	if _, err := uuid.Parse(ref); err != nil {
		return "", ErrDealNotFound
	}
	return ref, nil
}

// feeIdempotencyKey is stable per deal, payer, rail and card, so a retried
// request cannot charge twice while a different card gets a fresh attempt.
func feeIdempotencyKey(dealID string, payer Role, rail, token string) string {
	sum := sha256.Sum256([]byte(token))
	return fmt.Sprintf("fee-%s-%s-%s-%s", dealID, payer, rail, hex.EncodeToString(sum[:6]))
}

func refSuffix(ref string) string {
	if ref == "" {
		return ""
	}
	return " (ref " + ref + ")"
}

func formatPeriod(d time.Duration) string {
	if d >= 24*time.Hour && d%(24*time.Hour) == 0 {
		days := int(d / (24 * time.Hour))
		if days == 1 {
			return "1-day"
		}
		return fmt.Sprintf("%d-day", days)
	}
	return d.String()
}

func joinMethods(methods []PaymentMethod) string {
	parts := make([]string, len(methods))
	for i, m := range methods {
		parts[i] = strings.ReplaceAll(string(m), "_", " ")
	}
	return strings.Join(parts, ", ")
}
