package deals

import "time"

// MilestoneView is one flag as shown to clients.
type MilestoneView struct {
	Name Milestone  `json:"name"`
	Done bool       `json:"done"`
	At   *time.Time `json:"at,omitempty"`
}

// HoldingView describes the holding period for display.
type HoldingView struct {
	Required         bool       `json:"required"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	Elapsed          bool       `json:"elapsed"`
	RemainingSeconds int64      `json:"remaining_seconds"`
}

// StatusView is the GET /deals/:id/status projection.
type StatusView struct {
	DealID        string          `json:"deal_id"`
	TransactionID string          `json:"transaction_id"`
	Status        Status          `json:"status"`
	Role          Role            `json:"role"`
	Platform      Platform        `json:"platform,omitempty"`
	Milestones    []MilestoneView `json:"milestones"`
	Holding       HoldingView     `json:"holding_period"`
	PendingFee    *PendingFee     `json:"pending_fee,omitempty"`
	NextActions   []Operation     `json:"next_actions"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// BuildStatus projects d for actor at now.
func BuildStatus(d *Deal, actor Actor, policy HoldingPolicy, now time.Time) *StatusView {
	v := &StatusView{
		DealID:        d.ID,
		TransactionID: d.TransactionID,
		Status:        d.Status,
		Role:          Resolve(d, actor),
		Platform:      d.Platform,
		PendingFee:    d.PendingFee,
		NextActions:   NextActions(d, Roles(d, actor)...),
		UpdatedAt:     d.UpdatedAt,
	}
	if v.NextActions == nil {
		v.NextActions = []Operation{}
	}
	for _, m := range Milestones {
		v.Milestones = append(v.Milestones, MilestoneView{Name: m, Done: d.Has(m), At: d.ReachedAt(m)})
	}

	switch {
	case d.HoldStarted():
		expires := *d.HoldingPeriodExpiresAt
		v.Holding = HoldingView{
			Required:  true,
			StartedAt: d.HoldingPeriodStartedAt,
			ExpiresAt: d.HoldingPeriodExpiresAt,
			Elapsed:   d.HoldingPeriodElapsed || Elapsed(expires, now),
		}
		if !v.Holding.Elapsed {
			v.Holding.RemainingSeconds = int64(Remaining(expires, now).Seconds())
		}
	case d.SellerGaveRights:
		v.Holding = HoldingView{Elapsed: true}
	default:
		// Not started yet; report whether one will apply.
		v.Holding = HoldingView{Required: d.Platform != "" && policy.Requires(d.Platform)}
	}
	return v
}
