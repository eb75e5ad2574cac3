// Package ledger is the system of record for orders, payments, escrows,
// and disputes. It defines the entity schema, the order and payment state
// machines, and the transaction boundaries that keep the three consistent.
//
// All monetary amounts are int64 minor units (pesewas, kobo, cents).
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrPaymentNotFound   = errors.New("payment not found")
	ErrEscrowNotFound    = errors.New("escrow not found")
	ErrDisputeNotFound   = errors.New("dispute not found")
	ErrProductNotFound   = errors.New("product not found")
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrEscrowNotPending is returned by compare-and-set escrow updates when
	// the escrow already left PENDING. Callers racing on the same escrow
	// (buyer confirmation vs the release scheduler) treat this as a no-op.
	ErrEscrowNotPending = errors.New("escrow is no longer pending")

	// ErrDisputeExists is returned when an order already has a dispute in
	// PENDING or RESOLVED state.
	ErrDisputeExists = errors.New("order already has an active dispute")
)

// InvalidTransitionError reports a state machine violation. The entity is
// left unchanged when this is returned.
type InvalidTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition: %s -> %s", e.Entity, e.From, e.To)
}

// OrderStatus is the order fulfillment lifecycle state.
type OrderStatus string

const (
	OrderPending        OrderStatus = "pending"
	OrderConfirmed      OrderStatus = "confirmed"
	OrderProcessing     OrderStatus = "processing"
	OrderShipped        OrderStatus = "shipped"
	OrderOutForDelivery OrderStatus = "out_for_delivery"
	OrderDelivered      OrderStatus = "delivered"
	OrderCompleted      OrderStatus = "completed"
	OrderCancelled      OrderStatus = "cancelled"
)

// orderTransitions is the authoritative transition table. Anything not
// listed here is rejected with InvalidTransitionError.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPending:        {OrderConfirmed, OrderCancelled},
	OrderConfirmed:      {OrderProcessing, OrderCancelled},
	OrderProcessing:     {OrderShipped, OrderCancelled},
	OrderShipped:        {OrderOutForDelivery},
	OrderOutForDelivery: {OrderDelivered},
	OrderDelivered:      {OrderCompleted},
	OrderCompleted:      {},
	OrderCancelled:      {},
}

// CanTransitionTo reports whether the transition table allows s -> to.
func (s OrderStatus) CanTransitionTo(to OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the order can no longer change status.
func (s OrderStatus) Terminal() bool {
	return len(orderTransitions[s]) == 0
}

// CancellableBy reports whether the given actor may cancel an order in
// this state. Buyers may only cancel before the seller has confirmed;
// sellers may also cancel a confirmed order.
func (s OrderStatus) CancellableBy(actor Actor) bool {
	switch actor {
	case ActorBuyer:
		return s == OrderPending
	case ActorSeller:
		return s == OrderPending || s == OrderConfirmed
	case ActorAdmin:
		return s == OrderPending || s == OrderConfirmed || s == OrderProcessing
	}
	return false
}

// Actor identifies who initiated a state change.
type Actor string

const (
	ActorBuyer  Actor = "buyer"
	ActorSeller Actor = "seller"
	ActorAdmin  Actor = "admin"
	ActorSystem Actor = "system"
)

// PaymentState is the payment sub-machine, orthogonal to OrderStatus but
// gating it: an order may only progress past CONFIRMED once its payment
// state is SUCCESS.
type PaymentState string

const (
	PaymentPending           PaymentState = "pending"
	PaymentProcessing        PaymentState = "processing"
	PaymentSuccess           PaymentState = "success"
	PaymentFailed            PaymentState = "failed"
	PaymentRefunded          PaymentState = "refunded"
	PaymentPartiallyRefunded PaymentState = "partially_refunded"
)

var paymentTransitions = map[PaymentState][]PaymentState{
	PaymentPending:           {PaymentProcessing, PaymentSuccess, PaymentFailed},
	PaymentProcessing:        {PaymentSuccess, PaymentFailed},
	PaymentSuccess:           {PaymentRefunded, PaymentPartiallyRefunded},
	PaymentPartiallyRefunded: {PaymentRefunded},
	PaymentFailed:            {},
	PaymentRefunded:          {},
}

// CanTransitionTo reports whether the payment sub-machine allows s -> to.
func (s PaymentState) CanTransitionTo(to PaymentState) bool {
	for _, allowed := range paymentTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ReleaseStatus is the escrow lifecycle state. It moves away from PENDING
// at most once; RELEASED, REFUNDED and FAILED are terminal absent manual
// intervention.
type ReleaseStatus string

const (
	ReleasePending  ReleaseStatus = "pending"
	ReleaseReleased ReleaseStatus = "released"
	ReleaseFailed   ReleaseStatus = "failed"
	ReleaseRefunded ReleaseStatus = "refunded"
)

// ReleasedTo records which path won the release.
type ReleasedTo string

const (
	ReleasedToNone              ReleasedTo = "none"
	ReleasedToBuyerConfirmation ReleasedTo = "buyer_confirmation"
	ReleasedToAutoTimer         ReleasedTo = "auto_timer"
)

// DisputeStatus is the dispute lifecycle state.
type DisputeStatus string

const (
	DisputePending   DisputeStatus = "pending"
	DisputeResolved  DisputeStatus = "resolved"
	DisputeCancelled DisputeStatus = "cancelled"
)

// Product is the slice of the catalog the ledger owns: enough to reserve
// stock on order creation and restore it on cancellation.
type Product struct {
	ID           string `json:"id"`
	StoreID      string `json:"storeId"`
	Name         string `json:"name"`
	Price        int64  `json:"price"`
	Stock        int    `json:"stock"`
	QuantitySold int    `json:"quantitySold"`
}

// OrderItem is a single line item on an order.
type OrderItem struct {
	ProductID string `json:"productId"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unitPrice"`
	Total     int64  `json:"total"`
}

// Order is a buyer's purchase from a single store.
type Order struct {
	ID              string       `json:"id"`
	BuyerID         string       `json:"buyerId"`
	StoreID         string       `json:"storeId"`
	Items           []OrderItem  `json:"items"`
	Subtotal        int64        `json:"subtotal"`
	DeliveryFee     int64        `json:"deliveryFee"`
	Tax             int64        `json:"tax"`
	Discount        int64        `json:"discount"`
	Total           int64        `json:"total"`
	Currency        string       `json:"currency"`
	Status          OrderStatus  `json:"status"`
	PaymentState    PaymentState `json:"paymentStatus"`
	CheckoutSession string       `json:"checkoutSession,omitempty"`
	CancelledBy     Actor        `json:"cancelledBy,omitempty"`
	CancelReason    string       `json:"cancelReason,omitempty"`
	CreatedAt       time.Time    `json:"createdAt"`
	UpdatedAt       time.Time    `json:"updatedAt"`
}

// ValidateTotals checks the creation-time invariant: the grand total must
// equal the sum of item totals plus fees minus discount, and each item
// total must equal quantity * unit price.
func (o *Order) ValidateTotals() error {
	var subtotal int64
	for _, item := range o.Items {
		if item.Total != int64(item.Quantity)*item.UnitPrice {
			return fmt.Errorf("item %s total %d does not match quantity %d x unit price %d",
				item.ProductID, item.Total, item.Quantity, item.UnitPrice)
		}
		subtotal += item.Total
	}
	if subtotal != o.Subtotal {
		return fmt.Errorf("subtotal %d does not match item totals %d", o.Subtotal, subtotal)
	}
	if want := o.Subtotal + o.DeliveryFee + o.Tax - o.Discount; o.Total != want {
		return fmt.Errorf("total %d does not match computed total %d", o.Total, want)
	}
	return nil
}

// Payment is one gateway charge attempt for one order. Payments in the
// same checkout session share a gateway reference.
type Payment struct {
	ID          string          `json:"id"`
	OrderID     string          `json:"orderId"`
	Amount      int64           `json:"amount"`
	Currency    string          `json:"currency"`
	Reference   string          `json:"reference"`
	Status      PaymentState    `json:"status"`
	GatewayMeta json.RawMessage `json:"gatewayMeta,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Escrow holds a settled payment's funds until release or refund.
type Escrow struct {
	ID            string        `json:"id"`
	PaymentID     string        `json:"paymentId"`
	OrderID       string        `json:"orderId"`
	AmountHeld    int64         `json:"amountHeld"`
	Currency      string        `json:"currency"`
	ReleaseDate   time.Time     `json:"releaseDate"`
	ReleaseStatus ReleaseStatus `json:"releaseStatus"`
	ReleasedAt    *time.Time    `json:"releasedAt,omitempty"`
	ReleasedTo    ReleasedTo    `json:"releasedTo"`
	ReleaseReason string        `json:"releaseReason,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// Dispute is a buyer's contest over an order while funds are escrowed.
type Dispute struct {
	ID                   string        `json:"id"`
	OrderID              string        `json:"orderId"`
	PaymentID            string        `json:"paymentId"`
	BuyerID              string        `json:"buyerId"`
	SellerID             string        `json:"sellerId"`
	Type                 string        `json:"type"`
	Description          string        `json:"description"`
	Status               DisputeStatus `json:"status"`
	Resolution           string        `json:"resolution,omitempty"`
	RequiresManualRefund bool          `json:"requiresManualRefund,omitempty"`
	ResolvedAt           *time.Time    `json:"resolvedAt,omitempty"`
	CreatedAt            time.Time     `json:"createdAt"`
	UpdatedAt            time.Time     `json:"updatedAt"`
}

// Active reports whether the dispute blocks filing another one.
// A cancelled dispute may be re-filed; pending and resolved may not.
func (d *Dispute) Active() bool {
	return d.Status == DisputePending || d.Status == DisputeResolved
}

// StatusChange is one append-only audit row recording an order status
// transition. Rows are written in the same transaction as the order
// mutation they describe and are never updated.
type StatusChange struct {
	ID        int64       `json:"id"`
	OrderID   string      `json:"orderId"`
	OldStatus OrderStatus `json:"oldStatus"`
	NewStatus OrderStatus `json:"newStatus"`
	ChangedBy Actor       `json:"changedBy"`
	Reason    string      `json:"reason,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
}
