package escrow

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/adomako/akatua/internal/gateway"
	"github.com/adomako/akatua/internal/ledger"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up auth-required escrow routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/orders/:id/escrow", h.GetEscrow)
	r.POST("/orders/:id/confirm-receipt", h.ConfirmReceipt)
}

// GetEscrow handles GET /v1/orders/:id/escrow
func (h *Handler) GetEscrow(c *gin.Context) {
	escrow, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ledger.ErrEscrowNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No escrow for this order",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ConfirmReceipt handles POST /v1/orders/:id/confirm-receipt
func (h *Handler) ConfirmReceipt(c *gin.Context) {
	buyerID := c.GetString("authUserID")

	escrow, err := h.service.ConfirmReceipt(c.Request.Context(), c.Param("id"), buyerID)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrOrderNotFound), errors.Is(err, ledger.ErrEscrowNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Order or escrow not found",
			})
		case errors.Is(err, ErrNotOrderBuyer):
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Only the order's buyer may confirm receipt",
			})
		case errors.Is(err, ErrNotDelivered):
			c.JSON(http.StatusPreconditionFailed, gin.H{
				"error":   "not_delivered",
				"message": err.Error(),
			})
		case errors.Is(err, ErrAlreadyReleased):
			// The buyer's goal is met either way.
			c.JSON(http.StatusOK, gin.H{"escrow": escrow, "note": "escrow was already released"})
		case errors.Is(err, ErrDisputeOpen):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "dispute_open",
				"message": "Cannot release funds while a dispute is open",
			})
		case errors.Is(err, ErrNoPayoutAccount):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "no_payout_account",
				"message": "Seller has no payout account on file",
			})
		case errors.Is(err, gateway.ErrTimeout), errors.Is(err, gateway.ErrUnavailable):
			c.JSON(http.StatusBadGateway, gin.H{
				"error":   "gateway_unavailable",
				"message": "Payout could not be completed, support has been notified",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "release_failed",
				"message": "Failed to release escrow",
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}
