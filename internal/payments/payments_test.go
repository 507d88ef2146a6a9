package payments

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81"

	"github.com/mbd888/channelescrow/internal/circuitbreaker"
	"github.com/mbd888/channelescrow/internal/deals"
)

func testCharge() deals.FeeCharge {
	return deals.FeeCharge{
		DealID:         "3f2b8c1e-9d4a-4e6b-8f0c-1a2b3c4d5e6f",
		TransactionID:  "TXN-7K2M9Q4X8B",
		Amount:         decimal.RequireFromString("12.50"),
		Currency:       "USD",
		PayerID:        "user-buyer",
		PayerRole:      deals.RoleBuyer,
		PaymentToken:   "pm_card_visa",
		IdempotencyKey: "fee-key-1",
		Description:    "Escrow fee for TXN-7K2M9Q4X8B",
	}
}

// --- IPN ---

const (
	ipnSecret = "ipn-test-secret"
	// Key order differs from the signed, sorted form on purpose.
	ipnBody = `{"payment_status":"finished","payment_id":5077125051,"order_id":"3f2b8c1e-9d4a-4e6b-8f0c-1a2b3c4d5e6f","invoice_id":4522625843,"price_amount":12.5,"price_currency":"usd","pay_currency":"btc"}`
	ipnSig  = "3fce52d466cbdcde40cc40f813e2a56ad46ea63170b5afeab403ef059639e6ecf12943e547783001759381bfa5e03a509bebf678e0209d9513946a9ed0dd1d8c"
)

func signedHeader(sig string) http.Header {
	h := http.Header{}
	h.Set(SignatureHeader, sig)
	return h
}

func TestNowPaymentsWebhook_ValidSignature(t *testing.T) {
	w := NewNowPaymentsWebhook(ipnSecret)

	ev, err := w.Decode(signedHeader(ipnSig), []byte(ipnBody))
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "nowpayments", ev.Provider)
	assert.Equal(t, "5077125051:finished", ev.EventID)
	assert.Equal(t, "3f2b8c1e-9d4a-4e6b-8f0c-1a2b3c4d5e6f", ev.DealID)
	assert.Equal(t, "4522625843", ev.Reference)
	assert.Equal(t, "USD", ev.Currency)
	assert.True(t, ev.Amount.Equal(decimal.RequireFromString("12.5")))
}

func TestNowPaymentsWebhook_RejectsBadSignatures(t *testing.T) {
	w := NewNowPaymentsWebhook(ipnSecret)

	tests := []struct {
		name string
		sig  string
		body string
	}{
		{"missing", "", ipnBody},
		{"not hex", "zz", ipnBody},
		{"wrong secret", hex.EncodeToString(Sign([]byte("other"), []byte(ipnBody))), ipnBody},
		{"tampered body", ipnSig, `{"payment_status":"finished","payment_id":5077125051,"order_id":"someone-else","invoice_id":4522625843,"price_amount":12.5,"price_currency":"usd","pay_currency":"btc"}`},
		{"not json", ipnSig, "payment_status=finished"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := w.Decode(signedHeader(tt.sig), []byte(tt.body))
			assert.ErrorIs(t, err, deals.ErrWebhookSignature)
		})
	}

	_, err := NewNowPaymentsWebhook("").Decode(signedHeader(ipnSig), []byte(ipnBody))
	assert.ErrorIs(t, err, deals.ErrWebhookSignature)
}

func TestNowPaymentsWebhook_IgnoresUnpaidStatuses(t *testing.T) {
	w := NewNowPaymentsWebhook(ipnSecret)
	for _, status := range []string{"waiting", "confirming", "partially_paid", "failed", "expired"} {
		body := `{"payment_id":1,"payment_status":"` + status + `","order_id":"d1","invoice_id":2}`
		sorted, err := sortedJSON([]byte(body))
		require.NoError(t, err)
		sig := hex.EncodeToString(Sign([]byte(ipnSecret), sorted))

		ev, err := w.Decode(signedHeader(sig), []byte(body))
		require.NoError(t, err, status)
		assert.Nil(t, ev, status)
	}
}

func TestSortedJSON_KeepsNumberText(t *testing.T) {
	out, err := sortedJSON([]byte(`{"b":1.10,"a":{"z":"<x>","y":100000000000000000001}}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"y":100000000000000000001,"z":"<x>"},"b":1.10}`, string(out))
}

// --- crypto rail ---

func TestCryptoRail_CreatesInvoice(t *testing.T) {
	var got InvoiceRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/invoice", r.URL.Path)
		assert.Equal(t, "np-key", r.Header.Get("x-api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"4522625843","order_id":"` + got.OrderID + `","invoice_url":"https://nowpayments.io/payment/?iid=4522625843"}`))
	}))
	defer srv.Close()

	rail := NewCryptoRail(NewNowPaymentsClient(srv.URL+"/v1", "np-key"), nil, "https://escrow.example.com/v1/webhooks/payments/nowpayments", "")
	assert.Equal(t, deals.RailAsync, rail.Mode())

	receipt, err := rail.Charge(context.Background(), testCharge())
	require.NoError(t, err)
	assert.Equal(t, "4522625843", receipt.Reference)
	assert.False(t, receipt.Confirmed)
	assert.Contains(t, receipt.CheckoutURL, "iid=4522625843")

	assert.Equal(t, "12.50", got.PriceAmount)
	assert.Equal(t, "usd", got.PriceCurrency)
	assert.Equal(t, "3f2b8c1e-9d4a-4e6b-8f0c-1a2b3c4d5e6f", got.OrderID)
	assert.Equal(t, "https://escrow.example.com/v1/webhooks/payments/nowpayments", got.IPNCallbackURL)
}

func TestCryptoRail_Failures(t *testing.T) {
	status := http.StatusBadRequest
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(status)
		w.Write([]byte(`{"message":"bad"}`))
	}))
	defer srv.Close()

	breaker := circuitbreaker.New(2, 0)
	rail := NewCryptoRail(NewNowPaymentsClient(srv.URL, "np-key"), breaker, "", "")

	for i := 0; i < 3; i++ {
		_, err := rail.Charge(context.Background(), testCharge())
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	}
	assert.Equal(t, circuitbreaker.StateClosed, breaker.State("nowpayments"), "4xx must not trip the breaker")

	status = http.StatusBadGateway
	rail.Charge(context.Background(), testCharge())
	rail.Charge(context.Background(), testCharge())
	before := calls
	_, err := rail.Charge(context.Background(), testCharge())
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, before, calls, "open circuit must not reach the processor")
}

// --- card rail ---

type fakeIntents struct {
	params *stripe.PaymentIntentParams
	pi     *stripe.PaymentIntent
	err    error
}

func (f *fakeIntents) New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	f.params = params
	return f.pi, f.err
}

func TestCardRail_Succeeded(t *testing.T) {
	fake := &fakeIntents{pi: &stripe.PaymentIntent{ID: "pi_123", Status: stripe.PaymentIntentStatusSucceeded}}
	rail := newCardRail(fake, nil)
	assert.Equal(t, "card", rail.Name())
	assert.Equal(t, deals.RailSync, rail.Mode())

	receipt, err := rail.Charge(context.Background(), testCharge())
	require.NoError(t, err)
	assert.Equal(t, "pi_123", receipt.Reference)
	assert.True(t, receipt.Confirmed)

	p := fake.params
	assert.Equal(t, int64(1250), *p.Amount)
	assert.Equal(t, "usd", *p.Currency)
	assert.Equal(t, "pm_card_visa", *p.PaymentMethod)
	assert.True(t, *p.Confirm)
	assert.Equal(t, "fee-key-1", *p.IdempotencyKey)
	assert.Equal(t, "3f2b8c1e-9d4a-4e6b-8f0c-1a2b3c4d5e6f", p.Metadata["deal_id"])
	assert.Equal(t, "buyer", p.Metadata["payer_role"])
}

func TestCardRail_NotConfirmed(t *testing.T) {
	fake := &fakeIntents{pi: &stripe.PaymentIntent{ID: "pi_456", Status: stripe.PaymentIntentStatusRequiresAction}}
	receipt, err := newCardRail(fake, nil).Charge(context.Background(), testCharge())
	require.NoError(t, err)
	assert.False(t, receipt.Confirmed)
}

func TestCardRail_Errors(t *testing.T) {
	c := testCharge()
	c.PaymentToken = ""
	_, err := newCardRail(&fakeIntents{}, nil).Charge(context.Background(), c)
	assert.ErrorIs(t, err, deals.ErrValidation)

	breaker := circuitbreaker.New(1, 0)
	declined := &fakeIntents{err: &stripe.Error{Type: stripe.ErrorTypeCard, Msg: "Your card was declined."}}
	_, err = newCardRail(declined, breaker).Charge(context.Background(), testCharge())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "card declined")
	assert.Equal(t, circuitbreaker.StateClosed, breaker.State("stripe"))

	outage := &fakeIntents{err: errors.New("connection reset")}
	rail := newCardRail(outage, breaker)
	_, err = rail.Charge(context.Background(), testCharge())
	require.Error(t, err)
	_, err = rail.Charge(context.Background(), testCharge())
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
}

func TestSandboxRail(t *testing.T) {
	receipt, err := SandboxRail{}.Charge(context.Background(), testCharge())
	require.NoError(t, err)
	assert.True(t, receipt.Confirmed)
	assert.Regexp(t, `^sbx_[0-9a-f-]{36}$`, receipt.Reference)
}
