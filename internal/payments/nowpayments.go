package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mbd888/channelescrow/internal/circuitbreaker"
	"github.com/mbd888/channelescrow/internal/deals"
	"github.com/mbd888/channelescrow/internal/logging"
)

// DefaultNowPaymentsURL is the production API base.
const DefaultNowPaymentsURL = "https://api.nowpayments.io/v1"

// InvoiceRequest is the NOWPayments invoice creation body.
type InvoiceRequest struct {
	PriceAmount      string `json:"price_amount"`
	PriceCurrency    string `json:"price_currency"`
	OrderID          string `json:"order_id"`
	OrderDescription string `json:"order_description,omitempty"`
	IPNCallbackURL   string `json:"ipn_callback_url,omitempty"`
	SuccessURL       string `json:"success_url,omitempty"`
	CancelURL        string `json:"cancel_url,omitempty"`
}

// Invoice is the subset of the invoice response the rail needs.
// NOWPayments has sent the id both quoted and bare.
type Invoice struct {
	ID         json.Number `json:"id"`
	OrderID    string      `json:"order_id"`
	InvoiceURL string      `json:"invoice_url"`
}

// NowPaymentsClient talks to the NOWPayments REST API.
type NowPaymentsClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewNowPaymentsClient creates a client. An empty baseURL uses the
// production API.
func NewNowPaymentsClient(baseURL, apiKey string) *NowPaymentsClient {
	if baseURL == "" {
		baseURL = DefaultNowPaymentsURL
	}
	return &NowPaymentsClient{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// CreateInvoice opens a hosted invoice the payer completes in the browser.
func (c *NowPaymentsClient) CreateInvoice(ctx context.Context, req *InvoiceRequest) (*Invoice, error) {
	buf, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/invoice", bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	var inv Invoice
	if err := json.NewDecoder(resp.Body).Decode(&inv); err != nil {
		return nil, fmt.Errorf("decode invoice: %w", err)
	}
	if inv.ID == "" || inv.InvoiceURL == "" {
		return nil, fmt.Errorf("invoice response missing id or url")
	}
	return &inv, nil
}

// APIError is a non-2xx answer from the processor.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("nowpayments: status %d: %s", e.StatusCode, e.Body)
}

type invoiceCreator interface {
	CreateInvoice(ctx context.Context, req *InvoiceRequest) (*Invoice, error)
}

// CryptoRail requests the fee as a NOWPayments invoice. It is asynchronous:
// the fee is paid only when the signed IPN arrives.
type CryptoRail struct {
	invoices    invoiceCreator
	breaker     *circuitbreaker.Breaker
	callbackURL string
	successURL  string
}

// NewCryptoRail creates the crypto rail. callbackURL is where NOWPayments
// posts IPNs; successURL is where the payer lands afterwards.
func NewCryptoRail(invoices invoiceCreator, breaker *circuitbreaker.Breaker, callbackURL, successURL string) *CryptoRail {
	if breaker == nil {
		breaker = circuitbreaker.New(5, 0)
	}
	return &CryptoRail{invoices: invoices, breaker: breaker, callbackURL: callbackURL, successURL: successURL}
}

func (r *CryptoRail) Name() string         { return "crypto" }
func (r *CryptoRail) Mode() deals.RailMode { return deals.RailAsync }

// Charge opens an invoice keyed by the deal id. Invoice creation is not
// idempotent on the processor side, so it is not retried here.
func (r *CryptoRail) Charge(ctx context.Context, c deals.FeeCharge) (*deals.FeeReceipt, error) {
	req := &InvoiceRequest{
		PriceAmount:      c.Amount.StringFixed(2),
		PriceCurrency:    strings.ToLower(c.Currency),
		OrderID:          c.DealID,
		OrderDescription: c.Description,
		IPNCallbackURL:   r.callbackURL,
		SuccessURL:       r.successURL,
	}

	var inv *Invoice
	err := r.breaker.Execute("nowpayments", func() error {
		var err error
		inv, err = r.invoices.CreateInvoice(ctx, req)
		if apiErr, ok := err.(*APIError); ok && apiErr.StatusCode < 500 {
			return circuitbreaker.Ignore(err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	logging.L(ctx).Info("crypto fee invoice created", "invoice_id", inv.ID.String(), "deal_id", c.DealID)
	return &deals.FeeReceipt{Reference: inv.ID.String(), CheckoutURL: inv.InvoiceURL}, nil
}

var _ deals.FeeRail = (*CryptoRail)(nil)
