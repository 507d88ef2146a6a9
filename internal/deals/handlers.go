package deals

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/channelescrow/internal/logging"
	"github.com/mbd888/channelescrow/internal/validation"
)

// Context keys set by auth.Middleware.
const (
	ctxPartyID  = "authPartyID"
	ctxOperator = "authOperator"
)

// Handler provides HTTP endpoints for deal operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new deal handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up deal routes. All of them require an
// authenticated party.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/deals", h.CreateDeal)
	r.GET("/deals", h.ListDeals)

	d := r.Group("/deals/:id", validation.DealRefParamMiddleware())
	d.GET("", h.GetDeal)
	d.GET("/status", h.GetStatus)
	d.GET("/history", h.GetHistory)
	d.PUT("/seller-agree", h.SellerAgree)
	d.POST("/pay-transaction-fee", h.PayTransactionFee)
	d.POST("/confirm-rights", h.ConfirmRights)
	d.POST("/confirm-primary-owner", h.ConfirmPrimaryOwner)
	d.POST("/mark-primary-owner-made", h.MarkPrimaryOwnerMade)
	d.POST("/confirm-payment-to-seller", h.ConfirmPaymentToSeller)
	d.POST("/seller-confirmed-payment", h.SellerConfirmedPayment)
}

func actorFrom(c *gin.Context) Actor {
	return Actor{ID: c.GetString(ctxPartyID), Operator: c.GetBool(ctxOperator)}
}

// CreateDeal handles POST /v1/deals
func (h *Handler) CreateDeal(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "validation_error",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("seller_id", req.SellerID),
		validation.Required("title", req.Title),
		validation.MaxLength("title", req.Title, maxTitleLength),
		validation.MaxLength("listing_id", req.ListingID, 128),
		validation.Money("price", req.Price, false),
		validation.Money("escrow_fee", req.EscrowFee, true),
		validation.NotEmpty("payment_methods", req.PaymentMethods),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	d, err := h.service.Create(c.Request.Context(), actorFrom(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"message": "Deal created. Waiting for the seller to accept the terms.",
		"deal":    d,
	})
}

// ListDeals handles GET /v1/deals
func (h *Handler) ListDeals(c *gin.Context) {
	req := ListRequest{Status: c.Query("status"), Cursor: c.Query("cursor")}
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil {
			req.Limit = parsed
		}
	}

	page, err := h.service.List(c.Request.Context(), actorFrom(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"message":     "ok",
		"deals":       page.Deals,
		"count":       len(page.Deals),
		"next_cursor": page.NextCursor,
		"has_more":    page.HasMore,
	})
}

// GetDeal handles GET /v1/deals/:id
func (h *Handler) GetDeal(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("id"), actorFrom(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "ok", "deal": d})
}

// GetStatus handles GET /v1/deals/:id/status
func (h *Handler) GetStatus(c *gin.Context) {
	v, err := h.service.Status(c.Request.Context(), c.Param("id"), actorFrom(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": string(v.Status), "status": v})
}

// GetHistory handles GET /v1/deals/:id/history
func (h *Handler) GetHistory(c *gin.Context) {
	entries, err := h.service.History(c.Request.Context(), c.Param("id"), actorFrom(c))
	if err != nil {
		writeError(c, err)
		return
	}
	if entries == nil {
		entries = []AuditEntry{}
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "ok",
		"history": entries,
		"count":   len(entries),
	})
}

// SellerAgree handles PUT /v1/deals/:id/seller-agree
func (h *Handler) SellerAgree(c *gin.Context) {
	d, err := h.service.SellerAgree(c.Request.Context(), c.Param("id"), actorFrom(c))
	h.respond(c, d, err, "Terms agreed. The escrow fee can now be paid.")
}

// PayTransactionFee handles POST /v1/deals/:id/pay-transaction-fee
func (h *Handler) PayTransactionFee(c *gin.Context) {
	var req PayFeeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "validation_error",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.Required("payment_method", req.PaymentMethod),
		validation.Required("payer_type", req.PayerType),
		validation.OneOf("payer_type", req.PayerType, string(RoleBuyer), string(RoleSeller)),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	res, err := h.service.PayTransactionFee(c.Request.Context(), c.Param("id"), actorFrom(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	if res.Pending {
		c.JSON(http.StatusAccepted, gin.H{
			"success":      true,
			"message":      "Payment requested. The deal continues once the processor confirms it.",
			"pending":      true,
			"rail":         res.Rail,
			"reference":    res.Reference,
			"checkout_url": res.CheckoutURL,
			"deal":         res.Deal,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"message":   "Escrow fee paid. The agent has been notified.",
		"pending":   false,
		"rail":      res.Rail,
		"reference": res.Reference,
		"deal":      res.Deal,
	})
}

// ConfirmRights handles POST /v1/deals/:id/confirm-rights
func (h *Handler) ConfirmRights(c *gin.Context) {
	d, err := h.service.ConfirmRights(c.Request.Context(), c.Param("id"), actorFrom(c))
	msg := "Rights confirmed. The agent can now be made primary owner."
	if err == nil && d.Status == StatusWaitingHoldingPeriod {
		msg = "Rights confirmed. A holding period applies before the agent can be made primary owner."
	}
	h.respond(c, d, err, msg)
}

// ConfirmPrimaryOwner handles POST /v1/deals/:id/confirm-primary-owner
func (h *Handler) ConfirmPrimaryOwner(c *gin.Context) {
	d, err := h.service.ConfirmPrimaryOwner(c.Request.Context(), c.Param("id"), actorFrom(c))
	h.respond(c, d, err, "Agent confirmed as primary owner. The buyer can now pay the seller.")
}

// MarkPrimaryOwnerMade handles POST /v1/deals/:id/mark-primary-owner-made
func (h *Handler) MarkPrimaryOwnerMade(c *gin.Context) {
	d, err := h.service.AdminConfirmPrimaryOwner(c.Request.Context(), c.Param("id"), actorFrom(c))
	h.respond(c, d, err, "Primary ownership recorded by the escrow agent.")
}

// ConfirmPaymentToSeller handles POST /v1/deals/:id/confirm-payment-to-seller
func (h *Handler) ConfirmPaymentToSeller(c *gin.Context) {
	d, err := h.service.ConfirmPaymentToSeller(c.Request.Context(), c.Param("id"), actorFrom(c))
	h.respond(c, d, err, "Payment to seller recorded. Waiting for the seller to confirm receipt.")
}

// SellerConfirmedPayment handles POST /v1/deals/:id/seller-confirmed-payment
func (h *Handler) SellerConfirmedPayment(c *gin.Context) {
	d, err := h.service.ConfirmPaymentReceived(c.Request.Context(), c.Param("id"), actorFrom(c))
	h.respond(c, d, err, "Payment receipt confirmed. The deal is complete.")
}

func (h *Handler) respond(c *gin.Context, d *Deal, err error, message string) {
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": message, "deal": d})
}

// writeError maps engine errors to status codes. Clients re-read the deal
// status and next actions instead of retrying.
func writeError(c *gin.Context, err error) {
	kind := Kind(err)
	body := gin.H{"success": false, "error": kind, "message": err.Error()}

	var code int
	switch kind {
	case "validation_error", "precondition_failed", "already_done":
		code = http.StatusBadRequest
	case "timer_not_elapsed":
		code = http.StatusBadRequest
		var hold *HoldError
		if errors.As(err, &hold) {
			body["remainingSeconds"] = int64(hold.Remaining.Seconds())
			body["availableAt"] = hold.AvailableAt
		}
	case "unauthenticated":
		code = http.StatusUnauthorized
	case "forbidden", "role_mismatch":
		code = http.StatusForbidden
	case "not_found":
		code = http.StatusNotFound
	case "payment_rail_error":
		code = http.StatusBadGateway
	default:
		code = http.StatusInternalServerError
		body["message"] = "Internal error"
		logging.L(c.Request.Context()).Error("deal request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(code, body)
}
