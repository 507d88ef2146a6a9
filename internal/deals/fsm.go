package deals

import "fmt"

// Operation names a lifecycle transition.
type Operation string

const (
	OpSellerAgree              Operation = "seller_agree"
	OpPayTransactionFee        Operation = "pay_transaction_fee"
	OpConfirmFeePayment        Operation = "confirm_fee_payment"
	OpConfirmRights            Operation = "confirm_rights"
	OpConfirmPrimaryOwner      Operation = "confirm_primary_owner"
	OpAdminConfirmPrimaryOwner Operation = "admin_confirm_primary_owner"
	OpConfirmPaymentToSeller   Operation = "confirm_payment_to_seller"
	OpConfirmPaymentReceived   Operation = "confirm_payment_received"
)

// Transition is one row of the lifecycle table.
type Transition struct {
	Roles    []Role
	Requires []Milestone
	Sets     Milestone
	// Gated transitions are also subject to the holding-period timer.
	Gated bool
}

var transitions = map[Operation]Transition{
	OpSellerAgree: {
		Roles: []Role{RoleSeller},
		Sets:  MilestoneSellerAgreed,
	},
	OpPayTransactionFee: {
		Roles:    []Role{RoleBuyer, RoleSeller},
		Requires: []Milestone{MilestoneBuyerAgreed, MilestoneSellerAgreed},
		Sets:     MilestoneFeePaid,
	},
	OpConfirmFeePayment: {
		Roles:    []Role{RoleSystem},
		Requires: []Milestone{MilestoneBuyerAgreed, MilestoneSellerAgreed},
		Sets:     MilestoneFeePaid,
	},
	OpConfirmRights: {
		Roles:    []Role{RoleSeller},
		Requires: []Milestone{MilestoneFeePaid, MilestoneAgentNotified},
		Sets:     MilestoneRightsGiven,
	},
	OpConfirmPrimaryOwner: {
		Roles:    []Role{RoleSeller},
		Requires: []Milestone{MilestoneRightsGiven},
		Sets:     MilestonePrimaryOwner,
		Gated:    true,
	},
	OpAdminConfirmPrimaryOwner: {
		Roles:    []Role{RoleAdmin},
		Requires: []Milestone{MilestoneRightsGiven},
		Sets:     MilestonePrimaryOwner,
		Gated:    true,
	},
	OpConfirmPaymentToSeller: {
		Roles:    []Role{RoleBuyer},
		Requires: []Milestone{MilestonePrimaryOwner},
		Sets:     MilestoneBuyerPaidSeller,
	},
	OpConfirmPaymentReceived: {
		Roles:    []Role{RoleSeller},
		Requires: []Milestone{MilestoneBuyerPaidSeller},
		Sets:     MilestoneSellerConfirmedPayment,
	},
}

// Offered to clients in this order.
var operationOrder = []Operation{
	OpSellerAgree,
	OpPayTransactionFee,
	OpConfirmRights,
	OpConfirmPrimaryOwner,
	OpAdminConfirmPrimaryOwner,
	OpConfirmPaymentToSeller,
	OpConfirmPaymentReceived,
}

// TransitionFor returns the table row for op.
func TransitionFor(op Operation) (Transition, bool) {
	t, ok := transitions[op]
	return t, ok
}

// Check evaluates the milestone guards of t against d. A transition whose
// milestone is already set fails with ErrAlreadyDone before its
// prerequisites are considered.
func (t Transition) Check(d *Deal) error {
	if d.Has(t.Sets) {
		return fmt.Errorf("%w: %s", ErrAlreadyDone, t.Sets)
	}
	for _, m := range t.Requires {
		if !d.Has(m) {
			return fmt.Errorf("%w: %s required", ErrPreconditionFailed, m)
		}
	}
	return nil
}

func (t Transition) permits(r Role) bool {
	for _, allowed := range t.Roles {
		if allowed == r {
			return true
		}
	}
	return false
}

// DeriveStatus computes the status projection from the milestone flags.
func DeriveStatus(d *Deal) Status {
	switch {
	case d.SellerConfirmedPayment:
		return StatusSellerConfirmedPayment
	case d.BuyerPaidSeller:
		return StatusBuyerPaidSeller
	case d.SellerMadePrimaryOwner:
		return StatusPromotionComplete
	case d.SellerGaveRights:
		if d.HoldStarted() && !d.HoldingPeriodElapsed {
			return StatusWaitingHoldingPeriod
		}
		return StatusAgentAccessConfirmed
	case d.AgentNotified:
		return StatusAgentAccessPending
	case d.TransactionFeePaid:
		return StatusFeePaid
	case d.PendingFee != nil:
		return StatusPaymentPending
	case d.BuyerAgreed && d.SellerAgreed:
		return StatusTermsAgreed
	default:
		return StatusPending
	}
}

// NextActions lists the operations the holder of role may attempt now.
// Gated operations are included while the hold runs; the status view
// reports the remaining time separately.
func NextActions(d *Deal, roles ...Role) []Operation {
	var out []Operation
	for _, op := range operationOrder {
		t := transitions[op]
		permitted := false
		for _, r := range roles {
			if t.permits(r) {
				permitted = true
				break
			}
		}
		if permitted && t.Check(d) == nil {
			out = append(out, op)
		}
	}
	return out
}
