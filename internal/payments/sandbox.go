package payments

import (
	"context"

	"github.com/google/uuid"

	"github.com/mbd888/channelescrow/internal/deals"
	"github.com/mbd888/channelescrow/internal/logging"
)

// SandboxRail confirms every charge immediately. It is registered only in
// development, when no processor credentials are configured.
type SandboxRail struct{}

func (SandboxRail) Name() string         { return "sandbox" }
func (SandboxRail) Mode() deals.RailMode { return deals.RailSync }

func (SandboxRail) Charge(ctx context.Context, c deals.FeeCharge) (*deals.FeeReceipt, error) {
	ref := "sbx_" + uuid.NewString()
	logging.L(ctx).Info("sandbox fee charge", "reference", ref, "amount", c.Amount.StringFixed(2), "payer", c.PayerRole)
	return &deals.FeeReceipt{Reference: ref, Confirmed: true}, nil
}

var _ deals.FeeRail = SandboxRail{}
