package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"
	"time"
)

// chatStatus mimics a non-2xx reply from the chat collaborator.
type chatStatus int

func (s chatStatus) Error() string { return fmt.Sprintf("chat returned %d", int(s)) }

// deliverFn replays replies in order and classifies them the way the chat
// sink does: 4xx other than 429 is final.
func deliverFn(calls *int, replies ...int) func() error {
	return func() error {
		code := replies[min(*calls, len(replies)-1)]
		*calls++
		switch {
		case code < 300:
			return nil
		case code < 500 && code != http.StatusTooManyRequests:
			return Permanent(chatStatus(code))
		default:
			return chatStatus(code)
		}
	}
}

func TestDo_DeliveredFirstTime(t *testing.T) {
	var calls int
	if err := Do(context.Background(), 3, time.Millisecond, deliverFn(&calls, 202)); err != nil {
		t.Fatalf("expected delivery, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDo_RetriesOutagesAndThrottling(t *testing.T) {
	var calls int
	err := Do(context.Background(), 4, time.Millisecond, deliverFn(&calls, 503, 429, 502, 200))
	if err != nil {
		t.Fatalf("expected delivery after retries, got %v", err)
	}
	if calls != 4 {
		t.Fatalf("expected 4 calls, got %d", calls)
	}
}

func TestDo_GivesUpWithLastStatus(t *testing.T) {
	var calls int
	err := Do(context.Background(), 3, time.Millisecond, deliverFn(&calls, 500, 500, 504))

	var st chatStatus
	if !errors.As(err, &st) || st != http.StatusGatewayTimeout {
		t.Fatalf("expected the last 504, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDo_RejectedMessageIsNotResent(t *testing.T) {
	var calls int
	err := Do(context.Background(), 5, time.Millisecond, deliverFn(&calls, 422, 200))

	var st chatStatus
	if !errors.As(err, &st) || st != http.StatusUnprocessableEntity {
		t.Fatalf("expected the 422 itself, got %v", err)
	}
	var pe *PermanentError
	if errors.As(err, &pe) {
		t.Fatal("Do should unwrap the permanent marker")
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDo_ShutdownInterruptsBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	started := time.Now()
	err := Do(ctx, 10, 200*time.Millisecond, func() error {
		calls.Add(1)
		return chatStatus(http.StatusServiceUnavailable)
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if c := calls.Load(); c != 1 {
		t.Fatalf("expected the first backoff to be interrupted, got %d calls", c)
	}
	if elapsed := time.Since(started); elapsed > 150*time.Millisecond {
		t.Fatalf("cancellation took %v", elapsed)
	}
}

func TestDo_AtLeastOneAttempt(t *testing.T) {
	var calls int
	if err := Do(context.Background(), 0, time.Millisecond, deliverFn(&calls, 200)); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDo_BackoffGrows(t *testing.T) {
	var stamps []time.Time
	err := Do(context.Background(), 4, 20*time.Millisecond, func() error {
		stamps = append(stamps, time.Now())
		if len(stamps) < 4 {
			return chatStatus(http.StatusBadGateway)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	// 20ms, 40ms, 80ms with +-25% jitter.
	minGap := []time.Duration{15, 30, 60}
	for i := 1; i < len(stamps); i++ {
		if gap := stamps[i].Sub(stamps[i-1]); gap < minGap[i-1]*time.Millisecond {
			t.Errorf("retry %d waited %v, want at least %dms", i, gap, minGap[i-1])
		}
	}
}

func TestPermanent_KeepsStatusReachable(t *testing.T) {
	err := Permanent(fmt.Errorf("post deal.fee_paid: %w", chatStatus(http.StatusForbidden)))

	var st chatStatus
	if !errors.As(err, &st) || st != http.StatusForbidden {
		t.Fatalf("expected 403 through the wrapper, got %v", err)
	}
}
