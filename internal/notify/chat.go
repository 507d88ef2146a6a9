package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/mbd888/channelescrow/internal/circuitbreaker"
	"github.com/mbd888/channelescrow/internal/deals"
	"github.com/mbd888/channelescrow/internal/retry"
)

// Headers sent with every chat delivery.
const (
	HeaderSignature = "X-Escrow-Signature"
	HeaderEvent     = "X-Escrow-Event"
	HeaderTimestamp = "X-Escrow-Timestamp"
)

// ChatMessage is the body posted to the chat collaborator. It is written into
// the buyer/seller conversation as a system message.
type ChatMessage struct {
	ID            string    `json:"id"`
	Event         string    `json:"event"`
	DealID        string    `json:"deal_id"`
	TransactionID string    `json:"transaction_id"`
	Participants  []string  `json:"participants"`
	Sender        string    `json:"sender"`
	Message       string    `json:"message"`
	Summary       string    `json:"summary"`
	Status        string    `json:"status"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// ChatSink posts notifications to the chat service.
type ChatSink struct {
	url       string
	secret    []byte
	client    *http.Client
	breaker   *circuitbreaker.Breaker
	attempts  int
	baseDelay time.Duration
}

// ChatOption customizes a ChatSink.
type ChatOption func(*ChatSink)

// WithRetry sets the attempt count and first backoff delay.
func WithRetry(attempts int, baseDelay time.Duration) ChatOption {
	return func(s *ChatSink) {
		s.attempts = attempts
		s.baseDelay = baseDelay
	}
}

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) ChatOption {
	return func(s *ChatSink) { s.client = c }
}

// NewChatSink creates a sink for url. Bodies are signed with secret when it
// is non-empty.
func NewChatSink(url, secret string, breaker *circuitbreaker.Breaker, opts ...ChatOption) *ChatSink {
	if breaker == nil {
		breaker = circuitbreaker.New(5, 0)
	}
	s := &ChatSink{
		url:       url,
		secret:    []byte(secret),
		client:    &http.Client{Timeout: 10 * time.Second},
		breaker:   breaker,
		attempts:  3,
		baseDelay: 500 * time.Millisecond,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *ChatSink) Name() string { return "chat" }

// statusError is a non-2xx reply from the chat service.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("chat service returned %d: %s", e.code, e.body)
}

// Deliver posts n. 5xx and transport errors are retried; 4xx is not, and
// does not count against the breaker.
func (s *ChatSink) Deliver(ctx context.Context, n deals.Notification) error {
	payload, err := json.Marshal(ChatMessage{
		ID:            uuid.NewString(),
		Event:         string(n.Event),
		DealID:        n.DealID,
		TransactionID: n.TransactionID,
		Participants:  []string{n.BuyerID, n.SellerID},
		Sender:        "system",
		Message:       n.Message,
		Summary:       n.Summary,
		Status:        string(n.Status),
		OccurredAt:    n.OccurredAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal chat message: %w", err)
	}

	return s.breaker.Execute(s.Name(), func() error {
		err := retry.Do(ctx, s.attempts, s.baseDelay, func() error {
			return s.post(ctx, string(n.Event), payload)
		})
		var se *statusError
		if errors.As(err, &se) && se.code < 500 {
			return circuitbreaker.Ignore(err)
		}
		return err
	})
}

func (s *ChatSink) post(ctx context.Context, event string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, event)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(time.Now().Unix(), 10))
	if len(s.secret) > 0 {
		req.Header.Set(HeaderSignature, "sha256="+Sign(s.secret, payload))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	se := &statusError{code: resp.StatusCode, body: string(bytes.TrimSpace(body))}
	if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return retry.Permanent(se)
	}
	return se
}

// Sign returns the hex HMAC-SHA256 of payload.
func Sign(secret, payload []byte) string {
	h := hmac.New(sha256.New, secret)
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

var _ Sink = (*ChatSink)(nil)
