package deals

import "time"

// DefaultHoldingPeriod is the wait between rights confirmation and
// primary-owner promotion on platforms that enforce one.
const DefaultHoldingPeriod = 7 * 24 * time.Hour

// HoldingPolicy decides which platforms are gated and for how long.
// It holds no state; waits are stored on the deal as timestamps.
type HoldingPolicy struct {
	Period    time.Duration
	Platforms map[Platform]bool
}

// DefaultHoldingPolicy gates YouTube channels for seven days.
func DefaultHoldingPolicy() HoldingPolicy {
	return HoldingPolicy{
		Period:    DefaultHoldingPeriod,
		Platforms: map[Platform]bool{PlatformYouTube: true},
	}
}

// Requires reports whether platform p needs a holding period.
func (p HoldingPolicy) Requires(platform Platform) bool {
	return p.Period > 0 && p.Platforms[platform]
}

// Window returns the start and expiry of a hold beginning at now.
func (p HoldingPolicy) Window(now time.Time) (time.Time, time.Time) {
	return now, now.Add(p.Period)
}

// Elapsed reports whether now is at or after expires.
func Elapsed(expires, now time.Time) bool {
	return !now.Before(expires)
}

// Remaining returns the time left until expires, never negative.
func Remaining(expires, now time.Time) time.Duration {
	if Elapsed(expires, now) {
		return 0
	}
	return expires.Sub(now)
}

// checkHold returns a HoldError when d is still inside its holding window.
func checkHold(d *Deal, now time.Time) error {
	if !d.HoldStarted() || d.HoldingPeriodElapsed {
		return nil
	}
	expires := *d.HoldingPeriodExpiresAt
	if Elapsed(expires, now) {
		return nil
	}
	return &HoldError{Remaining: Remaining(expires, now), AvailableAt: expires}
}
