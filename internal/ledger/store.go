package ledger

import (
	"context"
	"encoding/json"
	"time"
)

// Settlement groups the writes applied when a charge succeeds for one
// order. Stores apply all of it in a single transaction: the payment
// flips to SUCCESS, the order to CONFIRMED with payment state SUCCESS
// (plus an audit row), and the escrow row is created.
type Settlement struct {
	PaymentID   string
	OrderID     string
	GatewayMeta json.RawMessage
	Escrow      *Escrow
}

// Store is the transactional persistence contract for the reconciliation
// core. Every method that touches more than one entity applies its writes
// atomically; methods documented as compare-and-set return
// ErrEscrowNotPending (or InvalidTransitionError) without side effects
// when the guard fails.
type Store interface {
	// Products (stock bookkeeping only)
	PutProduct(ctx context.Context, p *Product) error
	GetProduct(ctx context.Context, id string) (*Product, error)

	// Orders. CreateOrder reserves stock (decrement stock, increment
	// quantity sold) atomically with the order insert. CancelOrder
	// restores it in the same transaction as the status flip.
	// ListOrdersByBuyer returns newest first; a non-zero before time
	// (with beforeID as the tie-break) seeks past an earlier page.
	CreateOrder(ctx context.Context, o *Order) error
	GetOrder(ctx context.Context, id string) (*Order, error)
	GetOrders(ctx context.Context, ids []string) ([]*Order, error)
	ListOrdersByBuyer(ctx context.Context, buyerID string, limit int, before time.Time, beforeID string) ([]*Order, error)
	UpdateOrderStatus(ctx context.Context, orderID string, from, to OrderStatus, changedBy Actor, reason string) error
	CancelOrder(ctx context.Context, orderID string, from OrderStatus, cancelledBy Actor, reason string) error
	SetCheckoutSession(ctx context.Context, orderIDs []string, session string) error
	ListStatusChanges(ctx context.Context, orderID string) ([]*StatusChange, error)

	// Payments
	CreatePayments(ctx context.Context, payments []*Payment) error
	GetPaymentByOrder(ctx context.Context, orderID string) (*Payment, error)
	GetPaymentsByReference(ctx context.Context, reference string) ([]*Payment, error)
	SettleCharge(ctx context.Context, s Settlement) error
	FailCharge(ctx context.Context, paymentID string, gatewayMeta json.RawMessage) error

	// Escrows. ReleaseEscrow, MarkEscrowFailed and RefundEscrow are
	// compare-and-set on ReleaseStatus == PENDING.
	GetEscrow(ctx context.Context, id string) (*Escrow, error)
	GetEscrowByOrder(ctx context.Context, orderID string) (*Escrow, error)
	ListReleasableEscrows(ctx context.Context, before time.Time, limit int) ([]*Escrow, error)
	ReleaseEscrow(ctx context.Context, escrowID string, to ReleasedTo, reason string, at time.Time) error
	MarkEscrowFailed(ctx context.Context, escrowID, reason string) error
	RefundEscrow(ctx context.Context, escrowID, reason string, paymentState PaymentState) error

	// Disputes. CreateDispute enforces the one-active-dispute-per-order
	// invariant and returns ErrDisputeExists on violation.
	CreateDispute(ctx context.Context, d *Dispute) error
	GetDispute(ctx context.Context, id string) (*Dispute, error)
	GetActiveDisputeByOrder(ctx context.Context, orderID string) (*Dispute, error)
	UpdateDispute(ctx context.Context, d *Dispute) error
}
