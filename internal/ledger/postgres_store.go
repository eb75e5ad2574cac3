package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists the ledger in PostgreSQL. Multi-entity writes
// use explicit transactions; escrow terminal transitions are guarded by
// UPDATE ... WHERE release_status = 'pending' compare-and-set.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// --- Products ---

func (p *PostgresStore) PutProduct(ctx context.Context, pr *Product) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO products (id, store_id, name, price, stock, quantity_sold)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, price = EXCLUDED.price,
			stock = EXCLUDED.stock, quantity_sold = EXCLUDED.quantity_sold`,
		pr.ID, pr.StoreID, pr.Name, pr.Price, pr.Stock, pr.QuantitySold)
	return err
}

func (p *PostgresStore) GetProduct(ctx context.Context, id string) (*Product, error) {
	pr := &Product{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, store_id, name, price, stock, quantity_sold
		FROM products WHERE id = $1`, id).
		Scan(&pr.ID, &pr.StoreID, &pr.Name, &pr.Price, &pr.Stock, &pr.QuantitySold)
	if err == sql.ErrNoRows {
		return nil, ErrProductNotFound
	}
	return pr, err
}

// --- Orders ---

const orderColumns = `id, buyer_id, store_id, items, subtotal, delivery_fee, tax, discount,
	       total, currency, status, payment_status, checkout_session,
	       cancelled_by, cancel_reason, created_at, updated_at`

func (p *PostgresStore) CreateOrder(ctx context.Context, o *Order) error {
	if err := o.ValidateTotals(); err != nil {
		return err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Reserve stock. The WHERE stock >= quantity guard makes concurrent
	// over-reservation impossible without an explicit row lock.
	for _, item := range o.Items {
		res, err := tx.ExecContext(ctx, `
			UPDATE products
			SET stock = stock - $1, quantity_sold = quantity_sold + $1
			WHERE id = $2 AND stock >= $1`,
			item.Quantity, item.ProductID)
		if err != nil {
			return err
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			if _, err := p.GetProduct(ctx, item.ProductID); err != nil {
				return err
			}
			return ErrInsufficientStock
		}
	}

	itemsJSON, err := json.Marshal(o.Items)
	if err != nil {
		return err
	}

	now := time.Now()
	if o.Status == "" {
		o.Status = OrderPending
	}
	if o.PaymentState == "" {
		o.PaymentState = PaymentPending
	}
	o.CreatedAt = now
	o.UpdatedAt = now

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		o.ID, o.BuyerID, o.StoreID, itemsJSON, o.Subtotal, o.DeliveryFee, o.Tax, o.Discount,
		o.Total, o.Currency, string(o.Status), string(o.PaymentState), nullString(o.CheckoutSession),
		nullString(string(o.CancelledBy)), nullString(o.CancelReason), o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (p *PostgresStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	return o, err
}

func (p *PostgresStore) GetOrders(ctx context.Context, ids []string) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	orders, err := scanOrders(rows)
	if err != nil {
		return nil, err
	}
	if len(orders) != len(ids) {
		return nil, ErrOrderNotFound
	}
	return orders, nil
}

func (p *PostgresStore) ListOrdersByBuyer(ctx context.Context, buyerID string, limit int, before time.Time, beforeID string) ([]*Order, error) {
	cursor := sql.NullTime{Time: before, Valid: !before.IsZero()}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE buyer_id = $1
		  AND ($2::timestamptz IS NULL OR (created_at, id) < ($2, $3))
		ORDER BY created_at DESC, id DESC
		LIMIT $4`, buyerID, cursor, beforeID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanOrders(rows)
}

func (p *PostgresStore) UpdateOrderStatus(ctx context.Context, orderID string, from, to OrderStatus, changedBy Actor, reason string) error {
	if !from.CanTransitionTo(to) {
		return &InvalidTransitionError{Entity: "order", From: string(from), To: string(to)}
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := p.transitionOrder(ctx, tx, orderID, from, to, changedBy, reason); err != nil {
		return err
	}
	return tx.Commit()
}

// transitionOrder applies a guarded status flip plus its audit row inside
// an existing transaction.
func (p *PostgresStore) transitionOrder(ctx context.Context, tx *sql.Tx, orderID string, from, to OrderStatus, changedBy Actor, reason string) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE orders SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3`,
		string(to), orderID, string(from))
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		current, err := p.currentStatus(ctx, tx, orderID)
		if err != nil {
			return err
		}
		return &InvalidTransitionError{Entity: "order", From: string(current), To: string(to)}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO status_changes (order_id, old_status, new_status, changed_by, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())`,
		orderID, string(from), string(to), string(changedBy), nullString(reason))
	return err
}

func (p *PostgresStore) currentStatus(ctx context.Context, tx *sql.Tx, orderID string) (OrderStatus, error) {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM orders WHERE id = $1`, orderID).Scan(&status)
	if err == sql.ErrNoRows {
		return "", ErrOrderNotFound
	}
	return OrderStatus(status), err
}

func (p *PostgresStore) CancelOrder(ctx context.Context, orderID string, from OrderStatus, cancelledBy Actor, reason string) error {
	if !from.CanTransitionTo(OrderCancelled) {
		return &InvalidTransitionError{Entity: "order", From: string(from), To: string(OrderCancelled)}
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var itemsJSON []byte
	err = tx.QueryRowContext(ctx, `SELECT items FROM orders WHERE id = $1`, orderID).Scan(&itemsJSON)
	if err == sql.ErrNoRows {
		return ErrOrderNotFound
	}
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE orders SET status = $1, cancelled_by = $2, cancel_reason = $3, updated_at = NOW()
		WHERE id = $4 AND status = $5`,
		string(OrderCancelled), string(cancelledBy), nullString(reason), orderID, string(from))
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		current, err := p.currentStatus(ctx, tx, orderID)
		if err != nil {
			return err
		}
		return &InvalidTransitionError{Entity: "order", From: string(current), To: string(OrderCancelled)}
	}

	var items []OrderItem
	if err := json.Unmarshal(itemsJSON, &items); err != nil {
		return fmt.Errorf("decode order items: %w", err)
	}
	for _, item := range items {
		_, err := tx.ExecContext(ctx, `
			UPDATE products
			SET stock = stock + $1, quantity_sold = quantity_sold - $1
			WHERE id = $2`,
			item.Quantity, item.ProductID)
		if err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO status_changes (order_id, old_status, new_status, changed_by, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())`,
		orderID, string(from), string(OrderCancelled), string(cancelledBy), nullString(reason))
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (p *PostgresStore) SetCheckoutSession(ctx context.Context, orderIDs []string, session string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE orders SET checkout_session = $1, updated_at = NOW()
		WHERE id = ANY($2)`, session, pq.Array(orderIDs))
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows != int64(len(orderIDs)) {
		return ErrOrderNotFound
	}
	return nil
}

func (p *PostgresStore) ListStatusChanges(ctx context.Context, orderID string) ([]*StatusChange, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, order_id, old_status, new_status, changed_by, reason, created_at
		FROM status_changes
		WHERE order_id = $1
		ORDER BY id ASC`, orderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*StatusChange
	for rows.Next() {
		sc := &StatusChange{}
		var oldStatus, newStatus, changedBy string
		var reason sql.NullString
		if err := rows.Scan(&sc.ID, &sc.OrderID, &oldStatus, &newStatus, &changedBy, &reason, &sc.CreatedAt); err != nil {
			return nil, err
		}
		sc.OldStatus = OrderStatus(oldStatus)
		sc.NewStatus = OrderStatus(newStatus)
		sc.ChangedBy = Actor(changedBy)
		sc.Reason = reason.String
		result = append(result, sc)
	}
	return result, rows.Err()
}

// --- Payments ---

const paymentColumns = `id, order_id, amount, currency, reference, status, gateway_meta, created_at, updated_at`

func (p *PostgresStore) CreatePayments(ctx context.Context, payments []*Payment) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	for _, pm := range payments {
		if pm.Status == "" {
			pm.Status = PaymentPending
		}
		pm.CreatedAt = now
		pm.UpdatedAt = now
		_, err := tx.ExecContext(ctx, `
			INSERT INTO payments (`+paymentColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			pm.ID, pm.OrderID, pm.Amount, pm.Currency, pm.Reference,
			string(pm.Status), nullBytes(pm.GatewayMeta), pm.CreatedAt, pm.UpdatedAt)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) GetPaymentByOrder(ctx context.Context, orderID string) (*Payment, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE order_id = $1
		ORDER BY created_at DESC
		LIMIT 1`, orderID)
	pm, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, ErrPaymentNotFound
	}
	return pm, err
}

func (p *PostgresStore) GetPaymentsByReference(ctx context.Context, reference string) ([]*Payment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE reference = $1
		ORDER BY id ASC`, reference)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Payment
	for rows.Next() {
		pm, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, pm)
	}
	return result, rows.Err()
}

func (p *PostgresStore) SettleCharge(ctx context.Context, s Settlement) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Payment flip is the idempotency guard: a payment settles once.
	res, err := tx.ExecContext(ctx, `
		UPDATE payments SET status = $1, gateway_meta = $2, updated_at = NOW()
		WHERE id = $3 AND status IN ('pending', 'processing')`,
		string(PaymentSuccess), nullBytes(s.GatewayMeta), s.PaymentID)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return &InvalidTransitionError{Entity: "payment", From: "settled", To: string(PaymentSuccess)}
	}

	if err := p.transitionOrder(ctx, tx, s.OrderID, OrderPending, OrderConfirmed, ActorSystem, "payment settled"); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE orders SET payment_status = $1, updated_at = NOW() WHERE id = $2`,
		string(PaymentSuccess), s.OrderID)
	if err != nil {
		return err
	}

	e := s.Escrow
	if e.ReleaseStatus == "" {
		e.ReleaseStatus = ReleasePending
	}
	if e.ReleasedTo == "" {
		e.ReleasedTo = ReleasedToNone
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO escrows (id, payment_id, order_id, amount_held, currency, release_date,
			release_status, released_at, released_to, release_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())`,
		e.ID, e.PaymentID, e.OrderID, e.AmountHeld, e.Currency, e.ReleaseDate,
		string(e.ReleaseStatus), nullTime(e.ReleasedAt), string(e.ReleasedTo), nullString(e.ReleaseReason))
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (p *PostgresStore) FailCharge(ctx context.Context, paymentID string, gatewayMeta json.RawMessage) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var orderID string
	err = tx.QueryRowContext(ctx, `SELECT order_id FROM payments WHERE id = $1`, paymentID).Scan(&orderID)
	if err == sql.ErrNoRows {
		return ErrPaymentNotFound
	}
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE payments SET status = $1, gateway_meta = $2, updated_at = NOW()
		WHERE id = $3 AND status IN ('pending', 'processing')`,
		string(PaymentFailed), nullBytes(gatewayMeta), paymentID)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return &InvalidTransitionError{Entity: "payment", From: "settled", To: string(PaymentFailed)}
	}

	// Order status is left alone so the buyer can retry checkout.
	_, err = tx.ExecContext(ctx, `
		UPDATE orders SET payment_status = $1, updated_at = NOW() WHERE id = $2`,
		string(PaymentFailed), orderID)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// --- Escrows ---

const escrowColumns = `id, payment_id, order_id, amount_held, currency, release_date,
	       release_status, released_at, released_to, release_reason, created_at, updated_at`

func (p *PostgresStore) GetEscrow(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)
	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) GetEscrowByOrder(ctx context.Context, orderID string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE order_id = $1`, orderID)
	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) ListReleasableEscrows(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE release_status = 'pending' AND release_date < $1
		ORDER BY release_date ASC
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ReleaseEscrow(ctx context.Context, escrowID string, to ReleasedTo, reason string, at time.Time) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var orderID string
	err = tx.QueryRowContext(ctx, `SELECT order_id FROM escrows WHERE id = $1`, escrowID).Scan(&orderID)
	if err == sql.ErrNoRows {
		return ErrEscrowNotFound
	}
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE escrows SET release_status = $1, released_to = $2, release_reason = $3,
			released_at = $4, updated_at = NOW()
		WHERE id = $5 AND release_status = 'pending'`,
		string(ReleaseReleased), string(to), reason, at, escrowID)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEscrowNotPending
	}

	// Advance DELIVERED orders to COMPLETED; auto-timer releases before
	// delivery leave the order status untouched.
	res, err = tx.ExecContext(ctx, `
		UPDATE orders SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3`,
		string(OrderCompleted), orderID, string(OrderDelivered))
	if err != nil {
		return err
	}
	if rows, err = res.RowsAffected(); err != nil {
		return err
	}
	if rows == 1 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO status_changes (order_id, old_status, new_status, changed_by, reason, created_at)
			VALUES ($1, $2, $3, $4, $5, NOW())`,
			orderID, string(OrderDelivered), string(OrderCompleted), string(ActorSystem),
			nullString("escrow released: "+reason))
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (p *PostgresStore) MarkEscrowFailed(ctx context.Context, escrowID, reason string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET release_status = $1, release_reason = $2, updated_at = NOW()
		WHERE id = $3 AND release_status = 'pending'`,
		string(ReleaseFailed), reason, escrowID)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := p.GetEscrow(ctx, escrowID); err != nil {
			return err
		}
		return ErrEscrowNotPending
	}
	return nil
}

func (p *PostgresStore) RefundEscrow(ctx context.Context, escrowID, reason string, paymentState PaymentState) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var paymentID, orderID string
	err = tx.QueryRowContext(ctx, `SELECT payment_id, order_id FROM escrows WHERE id = $1`, escrowID).
		Scan(&paymentID, &orderID)
	if err == sql.ErrNoRows {
		return ErrEscrowNotFound
	}
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE escrows SET release_status = $1, release_reason = $2, released_at = NOW(), updated_at = NOW()
		WHERE id = $3 AND release_status = 'pending'`,
		string(ReleaseRefunded), reason, escrowID)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEscrowNotPending
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE payments SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status IN ('success', 'partially_refunded')`,
		string(paymentState), paymentID)
	if err != nil {
		return err
	}
	if rows, err = res.RowsAffected(); err != nil {
		return err
	}
	if rows == 0 {
		return &InvalidTransitionError{Entity: "payment", From: "terminal", To: string(paymentState)}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE orders SET payment_status = $1, updated_at = NOW() WHERE id = $2`,
		string(paymentState), orderID)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// --- Disputes ---

const disputeColumns = `id, order_id, payment_id, buyer_id, seller_id, type, description,
	       status, resolution, requires_manual_refund, resolved_at, created_at, updated_at`

func (p *PostgresStore) CreateDispute(ctx context.Context, d *Dispute) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var count int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM disputes
		WHERE order_id = $1 AND status IN ('pending', 'resolved')`, d.OrderID).Scan(&count)
	if err != nil {
		return err
	}
	if count > 0 {
		return ErrDisputeExists
	}

	now := time.Now()
	if d.Status == "" {
		d.Status = DisputePending
	}
	d.CreatedAt = now
	d.UpdatedAt = now

	_, err = tx.ExecContext(ctx, `
		INSERT INTO disputes (`+disputeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		d.ID, d.OrderID, d.PaymentID, d.BuyerID, d.SellerID, d.Type, d.Description,
		string(d.Status), nullString(d.Resolution), d.RequiresManualRefund,
		nullTime(d.ResolvedAt), d.CreatedAt, d.UpdatedAt)
	if err != nil {
		// The partial unique index on active disputes catches the race
		// the count check above cannot see under READ COMMITTED.
		var pgErr *pq.Error
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDisputeExists
		}
		return err
	}

	return tx.Commit()
}

func (p *PostgresStore) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) GetActiveDisputeByOrder(ctx context.Context, orderID string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE order_id = $1 AND status IN ('pending', 'resolved')
		LIMIT 1`, orderID)
	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) UpdateDispute(ctx context.Context, d *Dispute) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET status = $1, resolution = $2, requires_manual_refund = $3,
			resolved_at = $4, updated_at = NOW()
		WHERE id = $5`,
		string(d.Status), nullString(d.Resolution), d.RequiresManualRefund,
		nullTime(d.ResolvedAt), d.ID)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

// --- Scan helpers ---

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(s scanner) (*Order, error) {
	o := &Order{}
	var (
		itemsJSON       []byte
		status          string
		paymentStatus   string
		checkoutSession sql.NullString
		cancelledBy     sql.NullString
		cancelReason    sql.NullString
	)
	err := s.Scan(
		&o.ID, &o.BuyerID, &o.StoreID, &itemsJSON, &o.Subtotal, &o.DeliveryFee, &o.Tax, &o.Discount,
		&o.Total, &o.Currency, &status, &paymentStatus, &checkoutSession,
		&cancelledBy, &cancelReason, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.Status = OrderStatus(status)
	o.PaymentState = PaymentState(paymentStatus)
	o.CheckoutSession = checkoutSession.String
	o.CancelledBy = Actor(cancelledBy.String)
	o.CancelReason = cancelReason.String
	if len(itemsJSON) > 0 {
		if err := json.Unmarshal(itemsJSON, &o.Items); err != nil {
			return nil, fmt.Errorf("decode order items: %w", err)
		}
	}
	return o, nil
}

func scanOrders(rows *sql.Rows) ([]*Order, error) {
	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func scanPayment(s scanner) (*Payment, error) {
	pm := &Payment{}
	var status string
	var meta []byte
	err := s.Scan(&pm.ID, &pm.OrderID, &pm.Amount, &pm.Currency, &pm.Reference,
		&status, &meta, &pm.CreatedAt, &pm.UpdatedAt)
	if err != nil {
		return nil, err
	}
	pm.Status = PaymentState(status)
	if len(meta) > 0 {
		pm.GatewayMeta = json.RawMessage(meta)
	}
	return pm, nil
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		status        string
		releasedAt    sql.NullTime
		releasedTo    string
		releaseReason sql.NullString
	)
	err := s.Scan(&e.ID, &e.PaymentID, &e.OrderID, &e.AmountHeld, &e.Currency, &e.ReleaseDate,
		&status, &releasedAt, &releasedTo, &releaseReason, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.ReleaseStatus = ReleaseStatus(status)
	e.ReleasedTo = ReleasedTo(releasedTo)
	e.ReleaseReason = releaseReason.String
	if releasedAt.Valid {
		e.ReleasedAt = &releasedAt.Time
	}
	return e, nil
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		status     string
		resolution sql.NullString
		resolvedAt sql.NullTime
	)
	err := s.Scan(&d.ID, &d.OrderID, &d.PaymentID, &d.BuyerID, &d.SellerID, &d.Type, &d.Description,
		&status, &resolution, &d.RequiresManualRefund, &resolvedAt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.Status = DisputeStatus(status)
	d.Resolution = resolution.String
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	return d, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// nullBytes passes nil through for empty JSON payloads.
func nullBytes(b json.RawMessage) interface{} {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
