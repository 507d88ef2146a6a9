package deals

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/channelescrow/internal/logging"
	"github.com/mbd888/channelescrow/internal/metrics"
)

const maxWebhookBody = 64 << 10

// WebhookHandler receives payment processor callbacks. The routes are
// unauthenticated; every body is verified by the provider's decoder.
type WebhookHandler struct {
	service  *Service
	decoders map[string]FeeWebhookDecoder
}

// NewWebhookHandler creates a handler for the given providers.
func NewWebhookHandler(service *Service, decoders ...FeeWebhookDecoder) *WebhookHandler {
	h := &WebhookHandler{service: service, decoders: make(map[string]FeeWebhookDecoder)}
	for _, d := range decoders {
		h.decoders[d.Provider()] = d
	}
	return h
}

// RegisterRoutes sets up the public callback routes.
func (h *WebhookHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/payments/:provider", h.HandlePayment)
}

// HandlePayment handles POST /v1/webhooks/payments/:provider
//
// Rejected events that a retry cannot fix are acknowledged with 200 so the
// processor stops redelivering; only internal failures ask for a retry.
func (h *WebhookHandler) HandlePayment(c *gin.Context) {
	provider := c.Param("provider")
	ctx := c.Request.Context()
	log := logging.L(ctx).With("provider", provider)

	decoder, ok := h.decoders[provider]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "not_found", "message": "Unknown payment provider"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "validation_error", "message": "Unreadable body"})
		return
	}

	ev, err := decoder.Decode(c.Request.Header, body)
	switch {
	case errors.Is(err, ErrWebhookSignature):
		metrics.PaymentWebhooksTotal.WithLabelValues(provider, "invalid_signature").Inc()
		log.Warn("payment webhook rejected", "error", err)
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": Kind(err), "message": "Invalid signature"})
		return
	case err != nil:
		metrics.PaymentWebhooksTotal.WithLabelValues(provider, "malformed").Inc()
		log.Warn("payment webhook malformed", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "validation_error", "message": err.Error()})
		return
	case ev == nil:
		metrics.PaymentWebhooksTotal.WithLabelValues(provider, "ignored").Inc()
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "Event ignored"})
		return
	}

	log = log.With("deal_id", ev.DealID, "event_id", ev.EventID)
	d, applied, err := h.service.ConfirmFeePayment(ctx, *ev)
	if err != nil {
		kind := Kind(err)
		if kind == "internal_error" {
			metrics.PaymentWebhooksTotal.WithLabelValues(provider, "error").Inc()
			log.Error("payment webhook failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": kind, "message": "Internal error"})
			return
		}
		metrics.PaymentWebhooksTotal.WithLabelValues(provider, "rejected").Inc()
		log.Warn("payment webhook not applied", "kind", kind, "error", err)
		c.JSON(http.StatusOK, gin.H{"success": false, "error": kind, "message": err.Error()})
		return
	}

	if !applied {
		metrics.PaymentWebhooksTotal.WithLabelValues(provider, "duplicate").Inc()
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "Already processed", "status": d.Status})
		return
	}
	metrics.PaymentWebhooksTotal.WithLabelValues(provider, "applied").Inc()
	log.Info("escrow fee confirmed by processor", "reference", d.FeeReference)
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Fee payment confirmed", "status": d.Status})
}
