//go:build integration

package deals

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/channelescrow/internal/testutil"
)

func setupPostgresEnv(t *testing.T) (*testEnv, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)

	env := newTestEnv(t)
	env.svc.store = NewPostgresStore(db)
	return env, cleanup
}

func TestPostgresDeals_CreateAndGet(t *testing.T) {
	env, cleanup := setupPostgresEnv(t)
	defer cleanup()
	ctx := context.Background()

	d := env.createDeal(t, "youtube")

	got, err := env.svc.Get(ctx, d.ID, buyer)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.TransactionID != d.TransactionID || got.Platform != PlatformYouTube {
		t.Errorf("Unexpected deal %+v", got)
	}
	if !got.Price.Equal(d.Price) || !got.EscrowFee.Equal(d.EscrowFee) {
		t.Errorf("Money round trip: price %s fee %s", got.Price, got.EscrowFee)
	}
	if len(got.PaymentMethods) != 2 || got.PaymentMethods[0] != MethodPayPal || got.PaymentMethods[1] != MethodWise {
		t.Errorf("Payment methods lost their order: %v", got.PaymentMethods)
	}
	if got.BuyerAgreedAt == nil || !got.BuyerAgreedAt.Equal(*d.BuyerAgreedAt) {
		t.Errorf("buyer_agreed_at round trip: %v vs %v", got.BuyerAgreedAt, d.BuyerAgreedAt)
	}

	byTxn, err := env.svc.Get(ctx, d.TransactionID, seller)
	if err != nil || byTxn.ID != d.ID {
		t.Errorf("Get by transaction id: %v", err)
	}

	if _, err := env.svc.Get(ctx, "3f2b8c1e-9d4a-4e6b-8f0c-1a2b3c4d5e6f", buyer); !errors.Is(err, ErrDealNotFound) {
		t.Errorf("Expected ErrDealNotFound, got %v", err)
	}
}

func TestPostgresDeals_LifecycleWithHold(t *testing.T) {
	env, cleanup := setupPostgresEnv(t)
	defer cleanup()
	ctx := context.Background()

	d := env.feePaidDeal(t, "youtube")
	d, err := env.svc.ConfirmRights(ctx, d.ID, seller)
	if err != nil {
		t.Fatalf("ConfirmRights failed: %v", err)
	}
	mustStatus(t, d, StatusWaitingHoldingPeriod)

	if _, err := env.svc.ConfirmPrimaryOwner(ctx, d.ID, seller); !errors.Is(err, ErrTimerNotElapsed) {
		t.Fatalf("Expected ErrTimerNotElapsed, got %v", err)
	}
	env.clock.Advance(DefaultHoldingPeriod)
	if _, err := env.svc.ConfirmPrimaryOwner(ctx, d.ID, seller); err != nil {
		t.Fatalf("ConfirmPrimaryOwner failed: %v", err)
	}
	if _, err := env.svc.ConfirmPaymentToSeller(ctx, d.ID, buyer); err != nil {
		t.Fatalf("ConfirmPaymentToSeller failed: %v", err)
	}
	d, err = env.svc.ConfirmPaymentReceived(ctx, d.ID, seller)
	if err != nil {
		t.Fatalf("ConfirmPaymentReceived failed: %v", err)
	}
	mustStatus(t, d, StatusSellerConfirmedPayment)

	stored, _ := env.svc.Get(ctx, d.ID, operator)
	if err := stored.CheckInvariants(); err != nil {
		t.Errorf("Stored deal breaks invariants: %v", err)
	}

	history, err := env.svc.History(ctx, d.ID, buyer)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 10 {
		t.Errorf("Expected 10 audit entries, got %d", len(history))
	}
	for i := 1; i < len(history); i++ {
		if history[i].ID <= history[i-1].ID {
			t.Error("History must be ordered oldest first")
		}
	}
}

func TestPostgresDeals_WebhookDedup(t *testing.T) {
	env, cleanup := setupPostgresEnv(t)
	defer cleanup()
	ctx := context.Background()

	d := env.createDeal(t, "")
	env.svc.SellerAgree(ctx, d.ID, seller)
	res, err := env.svc.PayTransactionFee(ctx, d.ID, buyer, PayFeeRequest{PaymentMethod: "crypto", PayerType: "buyer"})
	if err != nil {
		t.Fatalf("PayTransactionFee failed: %v", err)
	}
	got, _ := env.svc.Get(ctx, d.ID, buyer)
	if got.PendingFee == nil || got.PendingFee.Reference != res.Reference || got.PendingFee.Payer != RoleBuyer {
		t.Fatalf("Pending fee not persisted: %+v", got.PendingFee)
	}

	ev := FeeEvent{Provider: "nowpayments", EventID: "42:finished", DealID: d.ID, Reference: res.Reference}
	var wg sync.WaitGroup
	var mu sync.Mutex
	applied := 0
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := env.svc.ConfirmFeePayment(ctx, ev)
			if err != nil {
				t.Errorf("ConfirmFeePayment failed: %v", err)
				return
			}
			if ok {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if applied != 1 {
		t.Errorf("Expected exactly one applied delivery, got %d", applied)
	}

	seen, err := env.svc.store.EventProcessed(ctx, "nowpayments", "42:finished")
	if err != nil || !seen {
		t.Errorf("Expected event to be recorded, seen=%v err=%v", seen, err)
	}

	got, _ = env.svc.Get(ctx, d.ID, buyer)
	mustStatus(t, got, StatusAgentAccessPending)
	if got.PendingFee != nil || got.FeeReference != res.Reference {
		t.Errorf("Unexpected fee state after webhook: pending=%v ref=%s", got.PendingFee, got.FeeReference)
	}
}

func TestPostgresDeals_SupersededInvoiceSettles(t *testing.T) {
	env, cleanup := setupPostgresEnv(t)
	defer cleanup()
	ctx := context.Background()

	d := env.createDeal(t, "")
	env.svc.SellerAgree(ctx, d.ID, seller)
	first, _ := env.svc.PayTransactionFee(ctx, d.ID, buyer, PayFeeRequest{PaymentMethod: "crypto", PayerType: "buyer"})
	second, err := env.svc.PayTransactionFee(ctx, d.ID, buyer, PayFeeRequest{PaymentMethod: "crypto", PayerType: "buyer"})
	if err != nil {
		t.Fatalf("Re-request failed: %v", err)
	}

	got, _ := env.svc.Get(ctx, d.ID, buyer)
	if got.PendingFee == nil || got.PendingFee.Reference != second.Reference ||
		len(got.PendingFee.Superseded) != 1 || got.PendingFee.Superseded[0].Reference != first.Reference {
		t.Fatalf("Superseded invoice not persisted: %+v", got.PendingFee)
	}

	_, applied, err := env.svc.ConfirmFeePayment(ctx, FeeEvent{Provider: "nowpayments", EventID: "7:finished", DealID: d.ID, Reference: first.Reference})
	if err != nil || !applied {
		t.Fatalf("Expected the earlier invoice to settle the fee, applied=%v err=%v", applied, err)
	}
	got, _ = env.svc.Get(ctx, d.ID, buyer)
	if got.FeeReference != first.Reference || got.PendingFee != nil {
		t.Errorf("Unexpected fee state: ref=%s pending=%v", got.FeeReference, got.PendingFee)
	}
}

func TestPostgresDeals_ConcurrentTransitions(t *testing.T) {
	env, cleanup := setupPostgresEnv(t)
	defer cleanup()
	ctx := context.Background()
	d := env.createDeal(t, "")

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.SellerAgree(ctx, d.ID, seller)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
		} else if !errors.Is(err, ErrAlreadyDone) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Errorf("Expected exactly one success, got %d", ok)
	}
	history, _ := env.svc.History(ctx, d.ID, seller)
	if len(history) != 2 {
		t.Errorf("Expected 2 audit entries, got %d", len(history))
	}
}

func TestPostgresDeals_ListPagination(t *testing.T) {
	env, cleanup := setupPostgresEnv(t)
	defer cleanup()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		env.createDeal(t, "")
		env.clock.Advance(time.Minute)
	}
	first, err := env.svc.List(ctx, buyer, ListRequest{Limit: 3})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(first.Deals) != 3 || !first.HasMore {
		t.Fatalf("Unexpected first page: %d deals, more=%v", len(first.Deals), first.HasMore)
	}
	second, err := env.svc.List(ctx, buyer, ListRequest{Limit: 3, Cursor: first.NextCursor})
	if err != nil {
		t.Fatalf("List page 2 failed: %v", err)
	}
	if len(second.Deals) != 1 || second.HasMore {
		t.Errorf("Unexpected second page: %d deals, more=%v", len(second.Deals), second.HasMore)
	}
	if len(second.Deals[0].PaymentMethods) == 0 {
		t.Error("Listed deals should carry payment methods")
	}

	pending, _ := env.svc.List(ctx, seller, ListRequest{Status: string(StatusTermsAgreed)})
	if len(pending.Deals) != 0 {
		t.Errorf("Expected no terms_agreed deals, got %d", len(pending.Deals))
	}
}
