// Package orders covers the order lifecycle outside of money movement:
// creation with server-side pricing and stock reservation, seller
// fulfillment transitions, cancellation, and cached reads. Payment
// settlement and escrow release drive their own transitions from the
// checkout and escrow packages.
package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/adomako/akatua/internal/cache"
	"github.com/adomako/akatua/internal/idgen"
	"github.com/adomako/akatua/internal/ledger"
	"github.com/adomako/akatua/internal/logging"
	"github.com/adomako/akatua/internal/metrics"
	"github.com/adomako/akatua/internal/notify"
	"github.com/adomako/akatua/internal/pagination"
	"github.com/adomako/akatua/internal/realtime"
)

var (
	// ErrNotStoreOrder rejects a seller acting on another store's order.
	ErrNotStoreOrder = errors.New("order does not belong to this store")

	// ErrNotOrderBuyer rejects a buyer acting on someone else's order.
	ErrNotOrderBuyer = errors.New("order does not belong to this buyer")

	// ErrPaymentNotSettled gates fulfillment on settled money.
	ErrPaymentNotSettled = errors.New("payment has not settled")

	// ErrNotCancellable is returned when the actor may not cancel the
	// order in its current state.
	ErrNotCancellable = errors.New("order cannot be cancelled in its current state")

	// ErrEmptyOrder rejects orders with no items.
	ErrEmptyOrder = errors.New("order has no items")

	// ErrBadCursor rejects malformed pagination cursors.
	ErrBadCursor = errors.New("invalid cursor")
)

const cacheTTL = 30 * time.Second

// fulfillmentSteps are the transitions a seller may drive. Everything
// else belongs to the settlement and escrow flows.
var fulfillmentSteps = map[ledger.OrderStatus]bool{
	ledger.OrderProcessing:     true,
	ledger.OrderShipped:        true,
	ledger.OrderOutForDelivery: true,
	ledger.OrderDelivered:      true,
}

// Service manages order creation and fulfillment.
type Service struct {
	store       ledger.Store
	cache       cache.Cache
	dispatcher  *notify.Dispatcher
	invalidator *cache.Invalidator
	hub         *realtime.Hub
	logger      *slog.Logger
}

// NewService creates the orders service. cache, dispatcher, invalidator
// and hub may be nil.
func NewService(store ledger.Store, c cache.Cache, dispatcher *notify.Dispatcher, invalidator *cache.Invalidator, hub *realtime.Hub, logger *slog.Logger) *Service {
	return &Service{
		store:       store,
		cache:       c,
		dispatcher:  dispatcher,
		invalidator: invalidator,
		hub:         hub,
		logger:      logger,
	}
}

// CreateItem is one requested line item. Price comes from the catalog,
// never from the client.
type CreateItem struct {
	ProductID string `json:"productId" binding:"required"`
	Quantity  int    `json:"quantity" binding:"required,min=1"`
}

// CreateRequest is a buyer's new order for a single store.
type CreateRequest struct {
	Items       []CreateItem `json:"items" binding:"required"`
	DeliveryFee int64        `json:"deliveryFee"`
	Currency    string       `json:"currency"`
}

// Create prices the requested items from the catalog, reserves stock,
// and writes the order in PENDING. All items must come from one store;
// a cart spanning stores becomes one order per store upstream.
func (s *Service) Create(ctx context.Context, buyerID string, req CreateRequest) (*ledger.Order, error) {
	if len(req.Items) == 0 {
		return nil, ErrEmptyOrder
	}
	currency := req.Currency
	if currency == "" {
		currency = "GHS"
	}

	var (
		storeID  string
		items    []ledger.OrderItem
		subtotal int64
	)
	for _, it := range req.Items {
		product, err := s.store.GetProduct(ctx, it.ProductID)
		if err != nil {
			return nil, err
		}
		if storeID == "" {
			storeID = product.StoreID
		} else if product.StoreID != storeID {
			return nil, fmt.Errorf("product %s belongs to a different store", product.ID)
		}
		line := ledger.OrderItem{
			ProductID: product.ID,
			Name:      product.Name,
			Quantity:  it.Quantity,
			UnitPrice: product.Price,
			Total:     int64(it.Quantity) * product.Price,
		}
		items = append(items, line)
		subtotal += line.Total
	}

	order := &ledger.Order{
		ID:          idgen.WithPrefix("ord_"),
		BuyerID:     buyerID,
		StoreID:     storeID,
		Items:       items,
		Subtotal:    subtotal,
		DeliveryFee: req.DeliveryFee,
		Total:       subtotal + req.DeliveryFee,
		Currency:    currency,
	}
	if err := order.ValidateTotals(); err != nil {
		return nil, err
	}
	if err := s.store.CreateOrder(ctx, order); err != nil {
		return nil, err
	}

	logging.L(ctx).Info("order created",
		"order_id", order.ID, "buyer_id", buyerID, "store_id", storeID,
		"total", order.Total, "currency", currency)

	if s.invalidator != nil {
		productIDs := make([]string, len(items))
		for i, it := range items {
			productIDs[i] = it.ProductID
		}
		s.invalidator.StockChanged(ctx, storeID, productIDs...)
		s.invalidator.OrderChanged(ctx, order.ID, buyerID, storeID)
	}
	return order, nil
}

// UpsertProduct creates or updates a catalog entry for the seller's
// own store. The store binding comes from the caller's identity, never
// the payload.
func (s *Service) UpsertProduct(ctx context.Context, sellerStoreID string, p *ledger.Product) error {
	if p.ID == "" {
		p.ID = idgen.WithPrefix("prd_")
	} else {
		existing, err := s.store.GetProduct(ctx, p.ID)
		if err == nil && existing.StoreID != sellerStoreID {
			return ErrNotStoreOrder
		}
	}
	p.StoreID = sellerStoreID
	if err := s.store.PutProduct(ctx, p); err != nil {
		return err
	}
	if s.invalidator != nil {
		s.invalidator.StockChanged(ctx, sellerStoreID, p.ID)
	}
	return nil
}

// GetProduct returns a catalog entry, read through the cache.
func (s *Service) GetProduct(ctx context.Context, id string) (*ledger.Product, error) {
	key := cache.ProductKey(id)
	if s.cache != nil {
		if raw, ok := s.cache.Get(ctx, key); ok {
			var p ledger.Product
			if err := json.Unmarshal(raw, &p); err == nil {
				return &p, nil
			}
		}
	}
	p, err := s.store.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if raw, err := json.Marshal(p); err == nil {
			s.cache.Set(ctx, key, raw, cacheTTL)
		}
	}
	return p, nil
}

// Get returns an order, read through the cache.
func (s *Service) Get(ctx context.Context, orderID string) (*ledger.Order, error) {
	key := cache.OrderKey(orderID)
	if s.cache != nil {
		if raw, ok := s.cache.Get(ctx, key); ok {
			var o ledger.Order
			if err := json.Unmarshal(raw, &o); err == nil {
				return &o, nil
			}
		}
	}
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if raw, err := json.Marshal(order); err == nil {
			s.cache.Set(ctx, key, raw, cacheTTL)
		}
	}
	return order, nil
}

// ListByBuyer returns one page of a buyer's orders, newest first.
// cursor is the opaque token from a previous page ("" for the first).
// Only the first page is cached; deep pages go straight to the store.
func (s *Service) ListByBuyer(ctx context.Context, buyerID string, limit int, cursor string) ([]*ledger.Order, string, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	cur, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", ErrBadCursor
	}

	key := cache.BuyerOrdersKey(buyerID)
	if s.cache != nil && cur == nil {
		if raw, ok := s.cache.Get(ctx, key); ok {
			var out []*ledger.Order
			if err := json.Unmarshal(raw, &out); err == nil && len(out) <= limit {
				return out, "", nil
			}
		}
	}

	var before time.Time
	var beforeID string
	if cur != nil {
		before, beforeID = cur.CreatedAt, cur.ID
	}

	// Fetch one extra row to learn whether another page exists.
	out, err := s.store.ListOrdersByBuyer(ctx, buyerID, limit+1, before, beforeID)
	if err != nil {
		return nil, "", err
	}
	page, next, _ := pagination.ComputePage(out, limit, func(o *ledger.Order) (time.Time, string) {
		return o.CreatedAt, o.ID
	})

	if s.cache != nil && cur == nil && next == "" {
		if raw, err := json.Marshal(page); err == nil {
			s.cache.Set(ctx, key, raw, cacheTTL)
		}
	}
	return page, next, nil
}

// History returns the order's audit trail, read through the cache.
func (s *Service) History(ctx context.Context, orderID string) ([]*ledger.StatusChange, error) {
	key := cache.OrderHistoryKey(orderID)
	if s.cache != nil {
		if raw, ok := s.cache.Get(ctx, key); ok {
			var out []*ledger.StatusChange
			if err := json.Unmarshal(raw, &out); err == nil {
				return out, nil
			}
		}
	}
	out, err := s.store.ListStatusChanges(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if raw, err := json.Marshal(out); err == nil {
			s.cache.Set(ctx, key, raw, cacheTTL)
		}
	}
	return out, nil
}

// Advance moves an order one fulfillment step forward on behalf of the
// seller. Only the forward chain through DELIVERED is reachable here,
// and only after the payment settled.
func (s *Service) Advance(ctx context.Context, orderID, sellerStoreID string, to ledger.OrderStatus, reason string) (*ledger.Order, error) {
	if !fulfillmentSteps[to] {
		return nil, &ledger.InvalidTransitionError{Entity: "order", From: "?", To: string(to)}
	}

	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.StoreID != sellerStoreID {
		return nil, ErrNotStoreOrder
	}
	if order.PaymentState != ledger.PaymentSuccess {
		return nil, ErrPaymentNotSettled
	}

	from := order.Status
	if err := s.store.UpdateOrderStatus(ctx, orderID, from, to, ledger.ActorSeller, reason); err != nil {
		return nil, err
	}
	metrics.OrderTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	logging.L(ctx).Info("order advanced",
		"order_id", orderID, "from", string(from), "to", string(to))

	s.afterTransition(ctx, order, to, notify.KindOrderStatus,
		"Order update", "Your order is now "+string(to)+".")
	return s.store.GetOrder(ctx, orderID)
}

// Cancel cancels an order on behalf of a buyer, seller or admin,
// restoring reserved stock. Who may cancel in which state is the
// order state machine's call, not ours.
func (s *Service) Cancel(ctx context.Context, orderID, actorID string, actor ledger.Actor, reason string) (*ledger.Order, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	switch actor {
	case ledger.ActorBuyer:
		if order.BuyerID != actorID {
			return nil, ErrNotOrderBuyer
		}
	case ledger.ActorSeller:
		if order.StoreID != actorID {
			return nil, ErrNotStoreOrder
		}
	case ledger.ActorAdmin:
		// Admins may cancel any order the state machine allows.
	default:
		return nil, fmt.Errorf("unknown actor %q", actor)
	}
	if !order.Status.CancellableBy(actor) {
		return nil, fmt.Errorf("%w: %s may not cancel a %s order", ErrNotCancellable, actor, order.Status)
	}

	if err := s.store.CancelOrder(ctx, orderID, order.Status, actor, reason); err != nil {
		return nil, err
	}
	metrics.OrderTransitionsTotal.WithLabelValues(string(order.Status), string(ledger.OrderCancelled)).Inc()
	logging.L(ctx).Info("order cancelled",
		"order_id", orderID, "by", string(actor), "reason", reason)

	if s.invalidator != nil {
		productIDs := make([]string, len(order.Items))
		for i, it := range order.Items {
			productIDs[i] = it.ProductID
		}
		s.invalidator.StockChanged(ctx, order.StoreID, productIDs...)
	}
	s.afterTransition(ctx, order, ledger.OrderCancelled, notify.KindOrderCancelled,
		"Order cancelled", "Your order was cancelled: "+reason)
	return s.store.GetOrder(ctx, orderID)
}

func (s *Service) afterTransition(ctx context.Context, order *ledger.Order, to ledger.OrderStatus, kind notify.Kind, title, body string) {
	if s.invalidator != nil {
		s.invalidator.OrderChanged(ctx, order.ID, order.BuyerID, order.StoreID)
	}
	if s.hub != nil {
		s.hub.Publish(realtime.EventOrderStatus, map[string]interface{}{
			"orderId": order.ID,
			"storeId": order.StoreID,
			"status":  string(to),
		})
	}
	if s.dispatcher != nil {
		s.dispatcher.Enqueue(ctx, notify.Notification{
			UserID:  order.BuyerID,
			Kind:    kind,
			Title:   title,
			Body:    body,
			OrderID: order.ID,
		})
	}
}
