package ledger

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and demo mode. A single
// mutex stands in for database transactions: every multi-entity method
// holds it for the duration of its writes, so the same atomicity
// guarantees hold as in the Postgres store.
type MemoryStore struct {
	mu            sync.RWMutex
	products      map[string]*Product
	orders        map[string]*Order
	payments      map[string]*Payment // by payment ID
	paymentByOrd  map[string]string   // orderID -> paymentID (latest attempt)
	escrows       map[string]*Escrow  // by escrow ID
	escrowByOrd   map[string]string   // orderID -> escrowID
	disputes      map[string]*Dispute
	statusChanges []*StatusChange
	nextChangeID  int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		products:     make(map[string]*Product),
		orders:       make(map[string]*Order),
		payments:     make(map[string]*Payment),
		paymentByOrd: make(map[string]string),
		escrows:      make(map[string]*Escrow),
		escrowByOrd:  make(map[string]string),
		disputes:     make(map[string]*Dispute),
		nextChangeID: 1,
	}
}

// --- Products ---

func (m *MemoryStore) PutProduct(ctx context.Context, p *Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.products[p.ID] = &cp
	return nil
}

func (m *MemoryStore) GetProduct(ctx context.Context, id string) (*Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.products[id]
	if !ok {
		return nil, ErrProductNotFound
	}
	cp := *p
	return &cp, nil
}

// --- Orders ---

func (m *MemoryStore) CreateOrder(ctx context.Context, o *Order) error {
	if err := o.ValidateTotals(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Check all stock before reserving any, so a failure leaves nothing
	// half-reserved.
	for _, item := range o.Items {
		p, ok := m.products[item.ProductID]
		if !ok {
			return ErrProductNotFound
		}
		if p.Stock < item.Quantity {
			return ErrInsufficientStock
		}
	}
	for _, item := range o.Items {
		p := m.products[item.ProductID]
		p.Stock -= item.Quantity
		p.QuantitySold += item.Quantity
	}

	now := time.Now()
	cp := cloneOrder(o)
	if cp.Status == "" {
		cp.Status = OrderPending
	}
	if cp.PaymentState == "" {
		cp.PaymentState = PaymentPending
	}
	cp.CreatedAt = now
	cp.UpdatedAt = now
	m.orders[cp.ID] = cp
	*o = *cloneOrder(cp)
	return nil
}

func (m *MemoryStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return cloneOrder(o), nil
}

func (m *MemoryStore) GetOrders(ctx context.Context, ids []string) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Order, 0, len(ids))
	for _, id := range ids {
		o, ok := m.orders[id]
		if !ok {
			return nil, ErrOrderNotFound
		}
		result = append(result, cloneOrder(o))
	}
	return result, nil
}

func (m *MemoryStore) ListOrdersByBuyer(ctx context.Context, buyerID string, limit int, before time.Time, beforeID string) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Order
	for _, o := range m.orders {
		if o.BuyerID != buyerID {
			continue
		}
		if !before.IsZero() {
			if o.CreatedAt.After(before) {
				continue
			}
			if o.CreatedAt.Equal(before) && o.ID >= beforeID {
				continue
			}
		}
		result = append(result, cloneOrder(o))
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) UpdateOrderStatus(ctx context.Context, orderID string, from, to OrderStatus, changedBy Actor, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	if o.Status != from || !from.CanTransitionTo(to) {
		return &InvalidTransitionError{Entity: "order", From: string(o.Status), To: string(to)}
	}

	o.Status = to
	o.UpdatedAt = time.Now()
	m.appendChange(orderID, from, to, changedBy, reason)
	return nil
}

func (m *MemoryStore) CancelOrder(ctx context.Context, orderID string, from OrderStatus, cancelledBy Actor, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	if o.Status != from || !from.CanTransitionTo(OrderCancelled) {
		return &InvalidTransitionError{Entity: "order", From: string(o.Status), To: string(OrderCancelled)}
	}

	// Restore reserved stock and reverse the sold counter in the same
	// critical section as the status flip.
	for _, item := range o.Items {
		if p, ok := m.products[item.ProductID]; ok {
			p.Stock += item.Quantity
			p.QuantitySold -= item.Quantity
		}
	}

	o.Status = OrderCancelled
	o.CancelledBy = cancelledBy
	o.CancelReason = reason
	o.UpdatedAt = time.Now()
	m.appendChange(orderID, from, OrderCancelled, cancelledBy, reason)
	return nil
}

func (m *MemoryStore) SetCheckoutSession(ctx context.Context, orderIDs []string, session string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range orderIDs {
		o, ok := m.orders[id]
		if !ok {
			return ErrOrderNotFound
		}
		o.CheckoutSession = session
		o.UpdatedAt = time.Now()
	}
	return nil
}

func (m *MemoryStore) ListStatusChanges(ctx context.Context, orderID string) ([]*StatusChange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*StatusChange
	for _, sc := range m.statusChanges {
		if sc.OrderID == orderID {
			cp := *sc
			result = append(result, &cp)
		}
	}
	return result, nil
}

// appendChange appends an audit row. Caller must hold m.mu.
func (m *MemoryStore) appendChange(orderID string, from, to OrderStatus, changedBy Actor, reason string) {
	m.statusChanges = append(m.statusChanges, &StatusChange{
		ID:        m.nextChangeID,
		OrderID:   orderID,
		OldStatus: from,
		NewStatus: to,
		ChangedBy: changedBy,
		Reason:    reason,
		CreatedAt: time.Now(),
	})
	m.nextChangeID++
}

// --- Payments ---

func (m *MemoryStore) CreatePayments(ctx context.Context, payments []*Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, p := range payments {
		if _, ok := m.orders[p.OrderID]; !ok {
			return ErrOrderNotFound
		}
	}
	for _, p := range payments {
		cp := *p
		if cp.Status == "" {
			cp.Status = PaymentPending
		}
		cp.CreatedAt = now
		cp.UpdatedAt = now
		m.payments[cp.ID] = &cp
		m.paymentByOrd[cp.OrderID] = cp.ID
	}
	return nil
}

func (m *MemoryStore) GetPaymentByOrder(ctx context.Context, orderID string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.paymentByOrd[orderID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *m.payments[id]
	return &cp, nil
}

func (m *MemoryStore) GetPaymentsByReference(ctx context.Context, reference string) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Payment
	for _, p := range m.payments {
		if p.Reference == reference {
			cp := *p
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *MemoryStore) SettleCharge(ctx context.Context, s Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[s.PaymentID]
	if !ok {
		return ErrPaymentNotFound
	}
	o, ok := m.orders[s.OrderID]
	if !ok {
		return ErrOrderNotFound
	}
	if !p.Status.CanTransitionTo(PaymentSuccess) {
		return &InvalidTransitionError{Entity: "payment", From: string(p.Status), To: string(PaymentSuccess)}
	}
	if o.Status != OrderPending {
		return &InvalidTransitionError{Entity: "order", From: string(o.Status), To: string(OrderConfirmed)}
	}

	now := time.Now()
	p.Status = PaymentSuccess
	p.GatewayMeta = append(json.RawMessage(nil), s.GatewayMeta...)
	p.UpdatedAt = now

	o.Status = OrderConfirmed
	o.PaymentState = PaymentSuccess
	o.UpdatedAt = now
	m.appendChange(o.ID, OrderPending, OrderConfirmed, ActorSystem, "payment settled")

	esc := *s.Escrow
	if esc.ReleaseStatus == "" {
		esc.ReleaseStatus = ReleasePending
	}
	if esc.ReleasedTo == "" {
		esc.ReleasedTo = ReleasedToNone
	}
	esc.CreatedAt = now
	esc.UpdatedAt = now
	m.escrows[esc.ID] = &esc
	m.escrowByOrd[esc.OrderID] = esc.ID
	return nil
}

func (m *MemoryStore) FailCharge(ctx context.Context, paymentID string, gatewayMeta json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[paymentID]
	if !ok {
		return ErrPaymentNotFound
	}
	if !p.Status.CanTransitionTo(PaymentFailed) {
		return &InvalidTransitionError{Entity: "payment", From: string(p.Status), To: string(PaymentFailed)}
	}
	o, ok := m.orders[p.OrderID]
	if !ok {
		return ErrOrderNotFound
	}

	now := time.Now()
	p.Status = PaymentFailed
	p.GatewayMeta = append(json.RawMessage(nil), gatewayMeta...)
	p.UpdatedAt = now

	// Order status stays PENDING so the buyer can retry checkout.
	o.PaymentState = PaymentFailed
	o.UpdatedAt = now
	return nil
}

// --- Escrows ---

func (m *MemoryStore) GetEscrow(ctx context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) GetEscrowByOrder(ctx context.Context, orderID string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.escrowByOrd[orderID]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	cp := *m.escrows[id]
	return &cp, nil
}

func (m *MemoryStore) ListReleasableEscrows(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Escrow
	for _, e := range m.escrows {
		if e.ReleaseStatus == ReleasePending && e.ReleaseDate.Before(before) {
			cp := *e
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ReleaseDate.Before(result[j].ReleaseDate) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ReleaseEscrow(ctx context.Context, escrowID string, to ReleasedTo, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[escrowID]
	if !ok {
		return ErrEscrowNotFound
	}
	if e.ReleaseStatus != ReleasePending {
		return ErrEscrowNotPending
	}

	e.ReleaseStatus = ReleaseReleased
	e.ReleasedTo = to
	e.ReleaseReason = reason
	releasedAt := at
	e.ReleasedAt = &releasedAt
	e.UpdatedAt = time.Now()

	// Advance the order to COMPLETED when the transition table allows it.
	// Auto-timer releases before delivery leave the order where it is.
	if o, ok := m.orders[e.OrderID]; ok && o.Status == OrderDelivered {
		o.Status = OrderCompleted
		o.UpdatedAt = time.Now()
		m.appendChange(o.ID, OrderDelivered, OrderCompleted, ActorSystem, "escrow released: "+reason)
	}
	return nil
}

func (m *MemoryStore) MarkEscrowFailed(ctx context.Context, escrowID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[escrowID]
	if !ok {
		return ErrEscrowNotFound
	}
	if e.ReleaseStatus != ReleasePending {
		return ErrEscrowNotPending
	}

	e.ReleaseStatus = ReleaseFailed
	e.ReleaseReason = reason
	e.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) RefundEscrow(ctx context.Context, escrowID, reason string, paymentState PaymentState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[escrowID]
	if !ok {
		return ErrEscrowNotFound
	}
	if e.ReleaseStatus != ReleasePending {
		return ErrEscrowNotPending
	}
	p, ok := m.payments[e.PaymentID]
	if !ok {
		return ErrPaymentNotFound
	}
	if !p.Status.CanTransitionTo(paymentState) {
		return &InvalidTransitionError{Entity: "payment", From: string(p.Status), To: string(paymentState)}
	}

	now := time.Now()
	e.ReleaseStatus = ReleaseRefunded
	e.ReleaseReason = reason
	e.ReleasedAt = &now
	e.UpdatedAt = now

	p.Status = paymentState
	p.UpdatedAt = now
	if o, ok := m.orders[e.OrderID]; ok {
		o.PaymentState = paymentState
		o.UpdatedAt = now
	}
	return nil
}

// --- Disputes ---

func (m *MemoryStore) CreateDispute(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.disputes {
		if existing.OrderID == d.OrderID && existing.Active() {
			return ErrDisputeExists
		}
	}

	now := time.Now()
	cp := *d
	if cp.Status == "" {
		cp.Status = DisputePending
	}
	cp.CreatedAt = now
	cp.UpdatedAt = now
	m.disputes[cp.ID] = &cp
	*d = cp
	return nil
}

func (m *MemoryStore) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) GetActiveDisputeByOrder(ctx context.Context, orderID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.disputes {
		if d.OrderID == orderID && d.Active() {
			cp := *d
			return &cp, nil
		}
	}
	return nil, ErrDisputeNotFound
}

func (m *MemoryStore) UpdateDispute(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.disputes[d.ID]; !ok {
		return ErrDisputeNotFound
	}
	cp := *d
	cp.UpdatedAt = time.Now()
	m.disputes[d.ID] = &cp
	return nil
}

func cloneOrder(o *Order) *Order {
	cp := *o
	cp.Items = append([]OrderItem(nil), o.Items...)
	return &cp
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
