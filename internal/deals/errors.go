package deals

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrValidation             = errors.New("validation error")
	ErrUnauthenticated        = errors.New("authentication required")
	ErrForbidden              = errors.New("not permitted for this deal")
	ErrRoleMismatch           = errors.New("payer type does not match your role in this deal")
	ErrDealNotFound           = errors.New("deal not found")
	ErrPreconditionFailed     = errors.New("precondition failed")
	ErrAlreadyDone            = errors.New("step already completed")
	ErrTimerNotElapsed        = errors.New("holding period has not elapsed")
	ErrPaymentRail            = errors.New("payment rail error")
	ErrDuplicateEvent         = errors.New("payment event already processed")
	ErrDuplicateTransactionID = errors.New("transaction id already exists")
	ErrWebhookSignature       = errors.New("invalid webhook signature")
)

// HoldError reports how long a holding period still has to run.
type HoldError struct {
	Remaining   time.Duration
	AvailableAt time.Time
}

func (e *HoldError) Error() string {
	return fmt.Sprintf("holding period has not elapsed: %s remaining (available at %s)",
		e.Remaining.Round(time.Minute), e.AvailableAt.UTC().Format(time.RFC3339))
}

// Is lets errors.Is(err, ErrTimerNotElapsed) match a HoldError.
func (e *HoldError) Is(target error) bool {
	return target == ErrTimerNotElapsed
}

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Kind returns the stable machine-readable kind for err.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrRoleMismatch):
		return "role_mismatch"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrDealNotFound):
		return "not_found"
	case errors.Is(err, ErrPreconditionFailed):
		return "precondition_failed"
	case errors.Is(err, ErrAlreadyDone):
		return "already_done"
	case errors.Is(err, ErrTimerNotElapsed):
		return "timer_not_elapsed"
	case errors.Is(err, ErrPaymentRail):
		return "payment_rail_error"
	case errors.Is(err, ErrWebhookSignature):
		return "invalid_signature"
	default:
		return "internal_error"
	}
}
