package deals

import (
	"errors"
	"testing"
	"time"
)

func dealAt(milestones ...Milestone) *Deal {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d := &Deal{ID: "d1", BuyerID: "b", SellerID: "s"}
	for _, m := range milestones {
		d.mark(m, now)
	}
	d.Status = DeriveStatus(d)
	return d
}

func TestDeriveStatus(t *testing.T) {
	expires := time.Date(2026, 1, 8, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		setup func() *Deal
		want  Status
	}{
		{"created", func() *Deal { return dealAt(MilestoneBuyerAgreed) }, StatusPending},
		{"agreed", func() *Deal { return dealAt(MilestoneBuyerAgreed, MilestoneSellerAgreed) }, StatusTermsAgreed},
		{"fee requested", func() *Deal {
			d := dealAt(MilestoneBuyerAgreed, MilestoneSellerAgreed)
			d.PendingFee = &PendingFee{Rail: "crypto", Reference: "inv"}
			return d
		}, StatusPaymentPending},
		{"fee paid only", func() *Deal {
			return dealAt(MilestoneBuyerAgreed, MilestoneSellerAgreed, MilestoneFeePaid)
		}, StatusFeePaid},
		{"agent notified", func() *Deal {
			return dealAt(MilestoneBuyerAgreed, MilestoneSellerAgreed, MilestoneFeePaid, MilestoneAgentNotified)
		}, StatusAgentAccessPending},
		{"holding", func() *Deal {
			d := dealAt(MilestoneBuyerAgreed, MilestoneSellerAgreed, MilestoneFeePaid, MilestoneAgentNotified, MilestoneRightsGiven)
			start := expires.Add(-DefaultHoldingPeriod)
			d.HoldingPeriodStartedAt, d.HoldingPeriodExpiresAt = &start, &expires
			return d
		}, StatusWaitingHoldingPeriod},
		{"rights without hold", func() *Deal {
			return dealAt(MilestoneBuyerAgreed, MilestoneSellerAgreed, MilestoneFeePaid, MilestoneAgentNotified,
				MilestoneRightsGiven, MilestoneHoldingElapsed)
		}, StatusAgentAccessConfirmed},
		{"promoted", func() *Deal {
			return dealAt(MilestoneBuyerAgreed, MilestoneSellerAgreed, MilestoneFeePaid, MilestoneAgentNotified,
				MilestoneRightsGiven, MilestoneHoldingElapsed, MilestonePrimaryOwner)
		}, StatusPromotionComplete},
		{"complete", func() *Deal { return dealAt(Milestones...) }, StatusSellerConfirmedPayment},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeriveStatus(tt.setup()); got != tt.want {
				t.Errorf("DeriveStatus = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestTransitionCheck_AlreadyDoneBeforePrecondition(t *testing.T) {
	// A deal cannot really be in this state; the guard order still matters.
	d := &Deal{SellerMadePrimaryOwner: true}
	err := transitions[OpConfirmPrimaryOwner].Check(d)
	if !errors.Is(err, ErrAlreadyDone) {
		t.Errorf("Expected ErrAlreadyDone, got %v", err)
	}
}

func TestTransitionTable_EveryOperationSetsOneMilestone(t *testing.T) {
	for op, tr := range transitions {
		if tr.Sets == "" {
			t.Errorf("%s sets no milestone", op)
		}
		if len(tr.Roles) == 0 {
			t.Errorf("%s has no roles", op)
		}
		if tr.Gated && tr.Sets != MilestonePrimaryOwner {
			t.Errorf("%s is gated but does not set the primary owner milestone", op)
		}
	}
	for _, op := range operationOrder {
		if _, ok := TransitionFor(op); !ok {
			t.Errorf("%s listed but not in the table", op)
		}
	}
	if _, ok := TransitionFor("refund"); ok {
		t.Error("Expected unknown operation to be absent")
	}
}

func TestNextActions_OperatorAndParty(t *testing.T) {
	d := dealAt(MilestoneBuyerAgreed, MilestoneSellerAgreed, MilestoneFeePaid, MilestoneAgentNotified, MilestoneRightsGiven, MilestoneHoldingElapsed)

	got := NextActions(d, RoleSeller, RoleAdmin)
	want := []Operation{OpConfirmPrimaryOwner, OpAdminConfirmPrimaryOwner}
	if len(got) != len(want) {
		t.Fatalf("NextActions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("NextActions[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	if got := NextActions(d, RoleBuyer); len(got) != 0 {
		t.Errorf("Buyer should wait, got %v", got)
	}
	if got := NextActions(dealAt(Milestones...), RoleBuyer, RoleSeller, RoleAdmin); len(got) != 0 {
		t.Errorf("Completed deal should offer nothing, got %v", got)
	}
}

func TestCheckInvariants(t *testing.T) {
	if err := dealAt(Milestones...).CheckInvariants(); err != nil {
		t.Errorf("Completed deal: %v", err)
	}

	skipped := dealAt(MilestoneBuyerAgreed, MilestoneSellerAgreed, MilestoneFeePaid, MilestoneAgentNotified, MilestonePrimaryOwner)
	if err := skipped.CheckInvariants(); err == nil {
		t.Error("Expected error for promotion without rights")
	}

	stale := dealAt(MilestoneBuyerAgreed, MilestoneSellerAgreed)
	stale.Status = StatusPending
	if err := stale.CheckInvariants(); err == nil {
		t.Error("Expected error for stale status")
	}

	noTimestamp := dealAt(MilestoneBuyerAgreed)
	noTimestamp.BuyerAgreedAt = nil
	if err := noTimestamp.CheckInvariants(); err == nil {
		t.Error("Expected error for flag without timestamp")
	}

	early := dealAt(MilestoneBuyerAgreed, MilestoneSellerAgreed, MilestoneFeePaid, MilestoneAgentNotified, MilestoneRightsGiven)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	expires := start.Add(DefaultHoldingPeriod)
	early.HoldingPeriodStartedAt, early.HoldingPeriodExpiresAt = &start, &expires
	early.mark(MilestoneHoldingElapsed, start)
	early.mark(MilestonePrimaryOwner, start.Add(time.Hour))
	early.Status = DeriveStatus(early)
	if err := early.CheckInvariants(); err == nil {
		t.Error("Expected error for promotion inside the holding window")
	}

	paid := dealAt(MilestoneBuyerAgreed, MilestoneSellerAgreed, MilestoneFeePaid, MilestoneAgentNotified)
	paid.PendingFee = &PendingFee{Rail: "crypto"}
	if err := paid.CheckInvariants(); err == nil {
		t.Error("Expected error for pending request on a paid deal")
	}
}

func TestHolding(t *testing.T) {
	p := DefaultHoldingPolicy()
	if !p.Requires(PlatformYouTube) || p.Requires(PlatformInstagram) {
		t.Error("Default policy should gate youtube only")
	}
	if (HoldingPolicy{Platforms: map[Platform]bool{PlatformYouTube: true}}).Requires(PlatformYouTube) {
		t.Error("A zero period gates nothing")
	}

	start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	_, expires := p.Window(start)
	if !expires.Equal(start.Add(7 * 24 * time.Hour)) {
		t.Errorf("Unexpected expiry %s", expires)
	}
	if Elapsed(expires, expires.Add(-time.Nanosecond)) {
		t.Error("Hold must not elapse before expiry")
	}
	if !Elapsed(expires, expires) {
		t.Error("Hold must elapse exactly at expiry")
	}
	if Remaining(expires, expires.Add(time.Hour)) != 0 {
		t.Error("Remaining must not go negative")
	}

	d := dealAt(MilestoneBuyerAgreed, MilestoneSellerAgreed, MilestoneFeePaid, MilestoneAgentNotified, MilestoneRightsGiven)
	d.HoldingPeriodStartedAt, d.HoldingPeriodExpiresAt = &start, &expires
	err := checkHold(d, start.Add(24*time.Hour))
	var hold *HoldError
	if !errors.As(err, &hold) || hold.Remaining != 6*24*time.Hour || !hold.AvailableAt.Equal(expires) {
		t.Errorf("Unexpected hold error %v", err)
	}
	if Kind(err) != "timer_not_elapsed" {
		t.Errorf("Kind = %s", Kind(err))
	}
	if err := checkHold(d, expires); err != nil {
		t.Errorf("Expected no error at expiry, got %v", err)
	}
}

func TestResolveAndAuthorize(t *testing.T) {
	d := &Deal{BuyerID: "alice", SellerID: "bob"}

	tests := []struct {
		actor Actor
		want  Role
	}{
		{Actor{ID: "alice"}, RoleBuyer},
		{Actor{ID: "bob"}, RoleSeller},
		{Actor{ID: "carol", Operator: true}, RoleAdmin},
		{Actor{ID: "alice", Operator: true}, RoleBuyer},
		{Actor{ID: "dave"}, RoleNone},
		{Actor{}, RoleNone},
		{processorActor("nowpayments"), RoleSystem},
		// An identity that merely looks like the processor is nobody.
		{Actor{ID: "processor:nowpayments"}, RoleNone},
	}
	for _, tt := range tests {
		if got := Resolve(d, tt.actor); got != tt.want {
			t.Errorf("Resolve(%+v) = %s, want %s", tt.actor, got, tt.want)
		}
	}

	if _, err := Authorize(d, Actor{ID: "bob"}, RoleBuyer); !errors.Is(err, ErrForbidden) {
		t.Errorf("Expected ErrForbidden, got %v", err)
	}
	if _, err := Authorize(d, Actor{}, RoleBuyer); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("Expected ErrUnauthenticated, got %v", err)
	}
	if _, err := Authorize(d, processorActor("x"), RoleSeller, RoleAdmin); !errors.Is(err, ErrForbidden) {
		t.Errorf("Processor must not act as a party, got %v", err)
	}
	if r, err := Authorize(d, Actor{ID: "alice", Operator: true}, RoleAdmin); err != nil || r != RoleAdmin {
		t.Errorf("Operator who is also buyer should act as admin, got %s %v", r, err)
	}
}

func TestClassifyTitle(t *testing.T) {
	tests := []struct {
		title string
		want  Platform
	}{
		{"Gaming YouTube channel 50k subs", PlatformYouTube},
		{"YT gaming channel", PlatformYouTube},
		{"Fitness Instagram page", PlatformInstagram},
		{"tik tok dance account", PlatformTikTok},
		{"Crypto signals Telegram group", PlatformTelegram},
		{"Cooking blog", PlatformOther},
	}
	for _, tt := range tests {
		if got := ClassifyTitle(tt.title); got != tt.want {
			t.Errorf("ClassifyTitle(%q) = %s, want %s", tt.title, got, tt.want)
		}
	}

	if p, ok := ParsePlatform(" YouTube "); !ok || p != PlatformYouTube {
		t.Errorf("ParsePlatform normalization failed: %s %v", p, ok)
	}
	if _, ok := ParsePlatform("myspace"); ok {
		t.Error("Expected unknown platform to be rejected")
	}
}

func TestKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{validationf("bad"), "validation_error"},
		{ErrRoleMismatch, "role_mismatch"},
		{errors.Join(ErrForbidden), "forbidden"},
		{ErrDuplicateEvent, "internal_error"},
		{errors.New("boom"), "internal_error"},
	}
	for _, tt := range tests {
		if got := Kind(tt.err); got != tt.want {
			t.Errorf("Kind(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
