package orders

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/adomako/akatua/internal/ledger"
	"github.com/adomako/akatua/internal/validation"
)

// Handler provides HTTP endpoints for orders.
type Handler struct {
	service *Service
}

// NewHandler creates a new orders handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up auth-required order routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/orders", h.Create)
	r.GET("/orders", h.List)
	r.GET("/orders/:id", h.GetOrder)
	r.GET("/orders/:id/history", h.History)
	r.POST("/orders/:id/advance", h.Advance)
	r.POST("/orders/:id/cancel", h.Cancel)
}

// RegisterSellerRoutes sets up seller-only catalog routes.
func (h *Handler) RegisterSellerRoutes(r *gin.RouterGroup) {
	r.POST("/products", h.PutProduct)
}

// RegisterPublicRoutes sets up unauthenticated read routes.
func (h *Handler) RegisterPublicRoutes(r *gin.RouterGroup) {
	r.GET("/products/:id", h.GetProduct)
}

type productRequest struct {
	ID    string `json:"id"`
	Name  string `json:"name" binding:"required"`
	Price int64  `json:"price" binding:"required"`
	Stock int    `json:"stock"`
}

// PutProduct handles POST /v1/products
func (h *Handler) PutProduct(c *gin.Context) {
	var req productRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}
	if errs := validation.Validate(
		validation.PositiveAmount("price", req.Price),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": errs.Error(),
		})
		return
	}

	p := &ledger.Product{
		ID:    req.ID,
		Name:  validation.SanitizeString(req.Name, 200),
		Price: req.Price,
		Stock: req.Stock,
	}
	if err := h.service.UpsertProduct(c.Request.Context(), c.GetString("authStoreID"), p); err != nil {
		if errors.Is(err, ErrNotStoreOrder) {
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Product belongs to a different store",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to save product",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"product": p})
}

// GetProduct handles GET /v1/products/:id
func (h *Handler) GetProduct(c *gin.Context) {
	p, err := h.service.GetProduct(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ledger.ErrProductNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Product not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"product": p})
}

// Create handles POST /v1/orders
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}
	for _, it := range req.Items {
		if errs := validation.Validate(validation.ValidID("productId", it.ProductID)); len(errs) > 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": errs.Error(),
			})
			return
		}
	}

	order, err := h.service.Create(c.Request.Context(), c.GetString("authUserID"), req)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrProductNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "One or more products were not found",
			})
		case errors.Is(err, ledger.ErrInsufficientStock):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "insufficient_stock",
				"message": err.Error(),
			})
		case errors.Is(err, ErrEmptyOrder):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Order must contain at least one item",
			})
		default:
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": err.Error(),
			})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{"order": order})
}

// List handles GET /v1/orders, returning the caller's own orders.
func (h *Handler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	cursor := c.Query("cursor")

	out, next, err := h.service.ListByBuyer(c.Request.Context(), c.GetString("authUserID"), limit, cursor)
	if err != nil {
		if errors.Is(err, ErrBadCursor) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_cursor",
				"message": "Cursor is malformed",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	resp := gin.H{"orders": out, "count": len(out)}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// GetOrder handles GET /v1/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	order, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ledger.ErrOrderNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Order not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	if !canView(c, order) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Not a party to this order",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": order})
}

// History handles GET /v1/orders/:id/history
func (h *Handler) History(c *gin.Context) {
	order, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ledger.ErrOrderNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Order not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	if !canView(c, order) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Not a party to this order",
		})
		return
	}

	changes, err := h.service.History(c.Request.Context(), order.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"history": changes})
}

type advanceRequest struct {
	Status string `json:"status" binding:"required"`
	Reason string `json:"reason"`
}

// Advance handles POST /v1/orders/:id/advance, the seller fulfillment step.
func (h *Handler) Advance(c *gin.Context) {
	var req advanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	order, err := h.service.Advance(c.Request.Context(), c.Param("id"),
		c.GetString("authStoreID"), ledger.OrderStatus(req.Status), req.Reason)
	if err != nil {
		var invalid *ledger.InvalidTransitionError
		switch {
		case errors.Is(err, ledger.ErrOrderNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Order not found",
			})
		case errors.Is(err, ErrNotStoreOrder):
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Order belongs to a different store",
			})
		case errors.Is(err, ErrPaymentNotSettled):
			c.JSON(http.StatusPreconditionFailed, gin.H{
				"error":   "payment_not_settled",
				"message": "Cannot fulfill an order before its payment settles",
			})
		case errors.As(err, &invalid):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "invalid_transition",
				"message": invalid.Error(),
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to advance order",
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": order})
}

type cancelRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// Cancel handles POST /v1/orders/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	actor, actorID := cancelActor(c)
	order, err := h.service.Cancel(c.Request.Context(), c.Param("id"), actorID, actor, req.Reason)
	if err != nil {
		var invalid *ledger.InvalidTransitionError
		switch {
		case errors.Is(err, ledger.ErrOrderNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Order not found",
			})
		case errors.Is(err, ErrNotOrderBuyer), errors.Is(err, ErrNotStoreOrder):
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Not a party to this order",
			})
		case errors.Is(err, ErrNotCancellable), errors.As(err, &invalid):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "not_cancellable",
				"message": err.Error(),
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to cancel order",
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": order})
}

// canView allows the order's buyer, its store's seller, and admins.
func canView(c *gin.Context, order *ledger.Order) bool {
	switch c.GetString("authRole") {
	case "admin":
		return true
	case "seller":
		return c.GetString("authStoreID") == order.StoreID
	default:
		return c.GetString("authUserID") == order.BuyerID
	}
}

// cancelActor maps the authenticated role onto the state machine actor.
// Sellers act as their store, everyone else as themselves.
func cancelActor(c *gin.Context) (ledger.Actor, string) {
	switch c.GetString("authRole") {
	case "admin":
		return ledger.ActorAdmin, c.GetString("authUserID")
	case "seller":
		return ledger.ActorSeller, c.GetString("authStoreID")
	default:
		return ledger.ActorBuyer, c.GetString("authUserID")
	}
}
