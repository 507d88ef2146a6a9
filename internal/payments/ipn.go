package payments

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mbd888/channelescrow/internal/deals"
)

// SignatureHeader carries the hex HMAC-SHA512 of the key-sorted IPN body.
const SignatureHeader = "x-nowpayments-sig"

// Payment statuses that mean the fee has arrived. Earlier states
// (waiting, confirming, sending, partially_paid) are acknowledged and ignored.
var paidStatuses = map[string]bool{
	"confirmed": true,
	"finished":  true,
}

// IPN is the NOWPayments instant payment notification body.
type IPN struct {
	PaymentID     json.Number `json:"payment_id"`
	InvoiceID     json.Number `json:"invoice_id"`
	PaymentStatus string      `json:"payment_status"`
	OrderID       string      `json:"order_id"`
	PriceAmount   json.Number `json:"price_amount"`
	PriceCurrency string      `json:"price_currency"`
	PayCurrency   string      `json:"pay_currency"`
}

// NowPaymentsWebhook verifies and decodes NOWPayments IPNs.
type NowPaymentsWebhook struct {
	secret []byte
}

// NewNowPaymentsWebhook creates a decoder for the account's IPN secret.
func NewNowPaymentsWebhook(ipnSecret string) *NowPaymentsWebhook {
	return &NowPaymentsWebhook{secret: []byte(strings.TrimSpace(ipnSecret))}
}

// Provider is the path segment of the callback route.
func (w *NowPaymentsWebhook) Provider() string { return "nowpayments" }

// Decode checks the signature and maps a paid notification to a FeeEvent.
// Unpaid statuses yield a nil event.
func (w *NowPaymentsWebhook) Decode(header http.Header, body []byte) (*deals.FeeEvent, error) {
	if len(w.secret) == 0 {
		return nil, fmt.Errorf("%w: no IPN secret configured", deals.ErrWebhookSignature)
	}
	if err := w.verify(body, header.Get(SignatureHeader)); err != nil {
		return nil, err
	}

	var ipn IPN
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&ipn); err != nil {
		return nil, fmt.Errorf("decode ipn: %w", err)
	}
	if !paidStatuses[strings.ToLower(ipn.PaymentStatus)] {
		return nil, nil
	}
	if ipn.PaymentID == "" || ipn.OrderID == "" {
		return nil, fmt.Errorf("ipn missing payment_id or order_id")
	}

	ev := &deals.FeeEvent{
		Provider:  w.Provider(),
		EventID:   ipn.PaymentID.String() + ":" + strings.ToLower(ipn.PaymentStatus),
		DealID:    ipn.OrderID,
		Reference: ipn.InvoiceID.String(),
		Currency:  strings.ToUpper(ipn.PriceCurrency),
	}
	if ipn.PriceAmount != "" {
		amount, err := decimal.NewFromString(ipn.PriceAmount.String())
		if err != nil {
			return nil, fmt.Errorf("ipn price_amount: %w", err)
		}
		ev.Amount = amount
	}
	return ev, nil
}

func (w *NowPaymentsWebhook) verify(body []byte, signature string) error {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return fmt.Errorf("%w: missing %s", deals.ErrWebhookSignature, SignatureHeader)
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: signature is not hex", deals.ErrWebhookSignature)
	}
	sorted, err := sortedJSON(body)
	if err != nil {
		return fmt.Errorf("%w: body is not a JSON object", deals.ErrWebhookSignature)
	}
	if !hmac.Equal(got, Sign(w.secret, sorted)) {
		return deals.ErrWebhookSignature
	}
	return nil
}

// Sign returns the HMAC-SHA512 of payload under secret.
func Sign(secret, payload []byte) []byte {
	mac := hmac.New(sha512.New, secret)
	mac.Write(payload)
	return mac.Sum(nil)
}

// sortedJSON re-serializes a JSON object with keys sorted at every level,
// which is what NOWPayments signs. Numbers keep their original text.
func sortedJSON(body []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(obj); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

var _ deals.FeeWebhookDecoder = (*NowPaymentsWebhook)(nil)
