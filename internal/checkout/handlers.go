package checkout

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/adomako/akatua/internal/gateway"
	"github.com/adomako/akatua/internal/ledger"
	"github.com/adomako/akatua/internal/logging"
	"github.com/adomako/akatua/internal/metrics"
	"github.com/adomako/akatua/internal/validation"
)

const maxWebhookBody = 512 * 1024

// Handler provides HTTP endpoints for checkout and webhooks.
type Handler struct {
	service       *Service
	webhookSecret string
}

// NewHandler creates a new checkout handler.
func NewHandler(service *Service, webhookSecret string) *Handler {
	return &Handler{service: service, webhookSecret: webhookSecret}
}

// RegisterRoutes sets up the webhook endpoint. The processor
// authenticates by signature, not API key, so this stays outside the
// auth group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/gateway", h.HandleWebhook)
}

// RegisterProtectedRoutes sets up buyer-facing checkout routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/checkout", h.Checkout)
}

// RegisterAdminRoutes sets up operator reconciliation routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/charges/:reference/reconcile", h.Reconcile)
}

// Reconcile handles POST /v1/admin/charges/:reference/reconcile. It
// pulls the processor's view of a charge and applies it, for charges
// whose webhook never arrived.
func (h *Handler) Reconcile(c *gin.Context) {
	status, err := h.service.Reconcile(c.Request.Context(), c.Param("reference"))
	if err != nil {
		var declined *gateway.DeclinedError
		switch {
		case errors.As(err, &declined):
			c.JSON(http.StatusBadGateway, gin.H{
				"error":   "charge_lookup_declined",
				"message": declined.Message,
			})
		case errors.Is(err, gateway.ErrTimeout), errors.Is(err, gateway.ErrUnavailable):
			c.JSON(http.StatusBadGateway, gin.H{
				"error":   "gateway_unavailable",
				"message": "Could not reach the payment processor",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": err.Error(),
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"reference": status.Reference,
		"status":    status.Status,
		"amount":    status.Amount,
		"currency":  status.Currency,
	})
}

// Checkout handles POST /v1/checkout
func (h *Handler) Checkout(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	req.BuyerID = c.GetString("authUserID")

	validators := []func() *validation.ValidationError{
		validation.Required("email", req.Email),
	}
	for _, id := range req.OrderIDs {
		validators = append(validators, validation.ValidID("orderIds", id))
	}
	if errs := validation.Validate(validators...); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	resp, err := h.service.Checkout(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrOrderNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "One or more orders do not exist",
			})
		case errors.Is(err, ErrNotOrderOwner):
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Orders must belong to the authenticated buyer",
			})
		case errors.Is(err, ErrNoOrders), errors.Is(err, ErrMixedCurrency):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": err.Error(),
			})
		case errors.Is(err, ErrOrderNotPayable):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "conflict",
				"message": err.Error(),
			})
		case errors.Is(err, gateway.ErrUnavailable), errors.Is(err, gateway.ErrTimeout):
			c.JSON(http.StatusBadGateway, gin.H{
				"error":   "gateway_unavailable",
				"message": "Payment processor is unavailable, try again shortly",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "checkout_failed",
				"message": "Failed to open checkout session",
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"checkout": resp})
}

// HandleWebhook handles POST /v1/webhooks/gateway
//
// The signature covers the raw body, so the body is read before any
// JSON work. Responses are deliberately coarse: 401 for a bad
// signature, 400 for undecodable bodies, and 200 for everything we
// accepted, whether or not it changed state.
func (h *Handler) HandleWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Could not read request body",
		})
		return
	}

	sig := c.GetHeader(gateway.SignatureHeader)
	if !gateway.VerifySignature(h.webhookSecret, body, sig) {
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "bad_signature").Inc()
		logging.L(c.Request.Context()).Warn("webhook signature mismatch",
			"remote_addr", c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "invalid_signature",
			"message": "Webhook signature verification failed",
		})
		return
	}

	ev, err := DecodeWebhook(body)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "malformed").Inc()
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Malformed webhook payload",
		})
		return
	}

	if err := h.service.HandleEvent(c.Request.Context(), ev); err != nil {
		if errors.Is(err, ErrUnknownEvent) {
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "webhook_failed",
			"message": "Failed to process webhook",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
