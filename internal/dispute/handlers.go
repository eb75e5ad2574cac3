package dispute

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/adomako/akatua/internal/gateway"
	"github.com/adomako/akatua/internal/ledger"
	"github.com/adomako/akatua/internal/validation"
)

// Handler provides HTTP endpoints for disputes.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up auth-required dispute routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/disputes", h.Open)
	r.GET("/disputes/:id", h.GetDispute)
	r.POST("/disputes/:id/withdraw", h.Withdraw)
}

// RegisterAdminRoutes sets up admin-only dispute routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/disputes/:id/resolve", h.Resolve)
}

// Open handles POST /v1/disputes
func (h *Handler) Open(c *gin.Context) {
	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidID("orderId", req.OrderID),
		validation.Required("description", req.Description),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": errs.Error(),
		})
		return
	}
	if !ValidType(req.Type) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Unknown dispute type: " + req.Type,
		})
		return
	}

	d, err := h.service.Open(c.Request.Context(), c.GetString("authUserID"), req)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrOrderNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Order not found",
			})
		case errors.Is(err, ErrNotOrderBuyer):
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Only the order's buyer may open a dispute",
			})
		case errors.Is(err, ErrNotDisputable):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "not_disputable",
				"message": err.Error(),
			})
		case errors.Is(err, ledger.ErrDisputeExists):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "dispute_exists",
				"message": "An active dispute already exists for this order",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to open dispute",
			})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ledger.ErrDisputeNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Dispute not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// Withdraw handles POST /v1/disputes/:id/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	d, err := h.service.Withdraw(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrDisputeNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Dispute not found",
			})
		case errors.Is(err, ErrNotDisputeParty):
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Only the dispute's buyer may withdraw it",
			})
		case errors.Is(err, ErrAlreadyResolved):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "already_resolved",
				"message": "Dispute is already closed",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to withdraw dispute",
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// Resolve handles POST /v1/disputes/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}
	if req.Outcome != OutcomeRefundBuyer && req.Outcome != OutcomeDismiss {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Outcome must be refund_buyer or dismiss",
		})
		return
	}

	d, err := h.service.Resolve(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrDisputeNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Dispute not found",
			})
		case errors.Is(err, ErrAlreadyResolved):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "already_resolved",
				"message": "Dispute is already closed",
			})
		case errors.Is(err, gateway.ErrTimeout), errors.Is(err, gateway.ErrUnavailable):
			c.JSON(http.StatusBadGateway, gin.H{
				"error":   "gateway_unavailable",
				"message": "Refund could not be completed, try again later",
			})
		default:
			var declined *gateway.DeclinedError
			if errors.As(err, &declined) {
				c.JSON(http.StatusBadGateway, gin.H{
					"error":   "refund_declined",
					"message": declined.Message,
				})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to resolve dispute",
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"dispute": d})
}
