//go:build integration

package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupTestDB connects to POSTGRES_URL when set, and otherwise starts a
// throwaway postgres container for the duration of the test.
func setupTestDB(t *testing.T) (*PostgresStore, *sql.DB, func()) {
	t.Helper()
	ctx := context.Background()

	dbURL := os.Getenv("POSTGRES_URL")
	var terminate func()
	if dbURL == "" {
		container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
			tcpostgres.WithDatabase("akatua_test"),
			tcpostgres.WithUsername("akatua"),
			tcpostgres.WithPassword("akatua"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).WithStartupTimeout(60*time.Second)),
		)
		if err != nil {
			t.Skipf("POSTGRES_URL not set and container start failed: %v", err)
		}
		terminate = func() { _ = container.Terminate(ctx) }

		dbURL, err = container.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			terminate()
			t.Fatalf("Failed to get connection string: %v", err)
		}
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	// Ensure tables exist (mirrors migrations 00001-00006)
	for _, ddl := range []string{
		`CREATE TABLE IF NOT EXISTS products (
			id            VARCHAR(64) PRIMARY KEY,
			store_id      VARCHAR(64) NOT NULL,
			name          TEXT NOT NULL,
			price         BIGINT NOT NULL,
			stock         INT NOT NULL DEFAULT 0,
			quantity_sold INT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS orders (
			id               VARCHAR(64) PRIMARY KEY,
			buyer_id         VARCHAR(64) NOT NULL,
			store_id         VARCHAR(64) NOT NULL,
			items            JSONB NOT NULL,
			subtotal         BIGINT NOT NULL,
			delivery_fee     BIGINT NOT NULL DEFAULT 0,
			tax              BIGINT NOT NULL DEFAULT 0,
			discount         BIGINT NOT NULL DEFAULT 0,
			total            BIGINT NOT NULL,
			currency         VARCHAR(3) NOT NULL,
			status           VARCHAR(20) NOT NULL DEFAULT 'pending',
			payment_status   VARCHAR(20) NOT NULL DEFAULT 'pending',
			checkout_session VARCHAR(64),
			cancelled_by     VARCHAR(10),
			cancel_reason    TEXT,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS status_changes (
			id         BIGSERIAL PRIMARY KEY,
			order_id   VARCHAR(64) NOT NULL,
			old_status VARCHAR(20) NOT NULL,
			new_status VARCHAR(20) NOT NULL,
			changed_by VARCHAR(10) NOT NULL,
			reason     TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS payments (
			id           VARCHAR(64) PRIMARY KEY,
			order_id     VARCHAR(64) NOT NULL,
			amount       BIGINT NOT NULL,
			currency     VARCHAR(3) NOT NULL,
			reference    VARCHAR(64) NOT NULL,
			status       VARCHAR(20) NOT NULL DEFAULT 'pending',
			gateway_meta JSONB,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS escrows (
			id             VARCHAR(64) PRIMARY KEY,
			payment_id     VARCHAR(64) NOT NULL,
			order_id       VARCHAR(64) NOT NULL UNIQUE,
			amount_held    BIGINT NOT NULL,
			currency       VARCHAR(3) NOT NULL,
			release_date   TIMESTAMPTZ NOT NULL,
			release_status VARCHAR(20) NOT NULL DEFAULT 'pending',
			released_at    TIMESTAMPTZ,
			released_to    VARCHAR(20) NOT NULL DEFAULT 'none',
			release_reason TEXT,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS disputes (
			id                     VARCHAR(64) PRIMARY KEY,
			order_id               VARCHAR(64) NOT NULL,
			payment_id             VARCHAR(64) NOT NULL,
			buyer_id               VARCHAR(64) NOT NULL,
			seller_id              VARCHAR(64) NOT NULL,
			type                   VARCHAR(40) NOT NULL,
			description            TEXT NOT NULL,
			status                 VARCHAR(20) NOT NULL DEFAULT 'pending',
			resolution             TEXT,
			requires_manual_refund BOOLEAN NOT NULL DEFAULT FALSE,
			resolved_at            TIMESTAMPTZ,
			created_at             TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at             TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_disputes_one_active
			ON disputes(order_id) WHERE status IN ('pending', 'resolved')`,
	} {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			t.Fatalf("Failed to create table: %v", err)
		}
	}

	store := NewPostgresStore(db)
	cleanup := func() {
		for _, table := range []string{"disputes", "escrows", "payments", "status_changes", "orders", "products"} {
			db.ExecContext(ctx, "DELETE FROM "+table)
		}
		db.Close()
		if terminate != nil {
			terminate()
		}
	}
	return store, db, cleanup
}

func seedPostgres(t *testing.T, store *PostgresStore) *Order {
	t.Helper()
	ctx := context.Background()

	if err := store.PutProduct(ctx, &Product{
		ID:      "prd_aabbccdd",
		StoreID: "str_11223344",
		Name:    "Jollof Rice Pack",
		Price:   2500,
		Stock:   10,
	}); err != nil {
		t.Fatalf("PutProduct failed: %v", err)
	}

	order := &Order{
		ID:      "ord_00000001",
		BuyerID: "usr_buyer001",
		StoreID: "str_11223344",
		Items: []OrderItem{
			{ProductID: "prd_aabbccdd", Name: "Jollof Rice Pack", Quantity: 2, UnitPrice: 2500, Total: 5000},
		},
		Subtotal:    5000,
		DeliveryFee: 500,
		Total:       5500,
		Currency:    "GHS",
	}
	if err := store.CreateOrder(ctx, order); err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}
	return order
}

func TestPostgresOrderLifecycle(t *testing.T) {
	store, _, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	order := seedPostgres(t, store)

	got, err := store.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetOrder failed: %v", err)
	}
	if got.Status != OrderPending {
		t.Errorf("Status: got %s, want %s", got.Status, OrderPending)
	}
	if got.Total != 5500 {
		t.Errorf("Total: got %d, want 5500", got.Total)
	}
	if len(got.Items) != 1 || got.Items[0].Quantity != 2 {
		t.Errorf("Items round-trip broken: %+v", got.Items)
	}

	product, err := store.GetProduct(ctx, "prd_aabbccdd")
	if err != nil {
		t.Fatalf("GetProduct failed: %v", err)
	}
	if product.Stock != 8 {
		t.Errorf("Stock: got %d, want 8", product.Stock)
	}

	if err := store.CancelOrder(ctx, order.ID, OrderPending, ActorBuyer, "changed my mind"); err != nil {
		t.Fatalf("CancelOrder failed: %v", err)
	}
	product, _ = store.GetProduct(ctx, "prd_aabbccdd")
	if product.Stock != 10 {
		t.Errorf("Stock after cancel: got %d, want 10", product.Stock)
	}

	changes, err := store.ListStatusChanges(ctx, order.ID)
	if err != nil {
		t.Fatalf("ListStatusChanges failed: %v", err)
	}
	if len(changes) != 1 || changes[0].NewStatus != OrderCancelled {
		t.Errorf("Audit trail wrong: %+v", changes)
	}
}

func TestPostgresSettleAndRelease(t *testing.T) {
	store, _, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	order := seedPostgres(t, store)

	payment := &Payment{
		ID:        "pay_00000001",
		OrderID:   order.ID,
		Amount:    order.Total,
		Currency:  "GHS",
		Reference: "ref_1756700000_ab12cd34",
	}
	if err := store.CreatePayments(ctx, []*Payment{payment}); err != nil {
		t.Fatalf("CreatePayments failed: %v", err)
	}

	escrow := &Escrow{
		ID:          "esc_00000001",
		PaymentID:   payment.ID,
		OrderID:     order.ID,
		AmountHeld:  order.Total,
		Currency:    "GHS",
		ReleaseDate: time.Now().Add(4 * 24 * time.Hour),
	}
	settlement := Settlement{
		PaymentID:   payment.ID,
		OrderID:     order.ID,
		GatewayMeta: json.RawMessage(`{"channel":"card"}`),
		Escrow:      escrow,
	}
	if err := store.SettleCharge(ctx, settlement); err != nil {
		t.Fatalf("SettleCharge failed: %v", err)
	}

	// Replay must hit the payment guard and change nothing.
	if err := store.SettleCharge(ctx, settlement); err == nil {
		t.Fatal("replayed SettleCharge should fail")
	}

	got, err := store.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetOrder failed: %v", err)
	}
	if got.Status != OrderConfirmed {
		t.Errorf("Status: got %s, want %s", got.Status, OrderConfirmed)
	}
	if got.PaymentState != PaymentSuccess {
		t.Errorf("PaymentState: got %s, want %s", got.PaymentState, PaymentSuccess)
	}

	if err := store.ReleaseEscrow(ctx, escrow.ID, ReleasedToAutoTimer, "holding period elapsed", time.Now()); err != nil {
		t.Fatalf("ReleaseEscrow failed: %v", err)
	}
	if err := store.ReleaseEscrow(ctx, escrow.ID, ReleasedToBuyerConfirmation, "buyer confirmed", time.Now()); err != ErrEscrowNotPending {
		t.Errorf("second release: got %v, want ErrEscrowNotPending", err)
	}

	held, err := store.GetEscrow(ctx, escrow.ID)
	if err != nil {
		t.Fatalf("GetEscrow failed: %v", err)
	}
	if held.ReleaseStatus != ReleaseReleased {
		t.Errorf("ReleaseStatus: got %s, want %s", held.ReleaseStatus, ReleaseReleased)
	}
	if held.ReleasedTo != ReleasedToAutoTimer {
		t.Errorf("ReleasedTo: got %s, want %s", held.ReleasedTo, ReleasedToAutoTimer)
	}
	if held.ReleasedAt == nil {
		t.Error("ReleasedAt should be set")
	}
}

func TestPostgresDisputeUniqueness(t *testing.T) {
	store, _, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	order := seedPostgres(t, store)

	d := &Dispute{
		ID:          "dsp_00000001",
		OrderID:     order.ID,
		PaymentID:   "pay_00000001",
		BuyerID:     order.BuyerID,
		SellerID:    "usr_seller01",
		Type:        "item_not_received",
		Description: "package never arrived",
	}
	if err := store.CreateDispute(ctx, d); err != nil {
		t.Fatalf("CreateDispute failed: %v", err)
	}
	if err := store.CreateDispute(ctx, &Dispute{ID: "dsp_00000002", OrderID: order.ID, PaymentID: "pay_00000001", BuyerID: order.BuyerID, SellerID: "usr_seller01", Type: "damaged", Description: "dup"}); err != ErrDisputeExists {
		t.Errorf("duplicate dispute: got %v, want ErrDisputeExists", err)
	}
}

func TestPostgresDisputeUniqueIndexBacksCountCheck(t *testing.T) {
	store, db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	order := seedPostgres(t, store)

	if err := store.CreateDispute(ctx, &Dispute{
		ID:          "dsp_00000001",
		OrderID:     order.ID,
		PaymentID:   "pay_00000001",
		BuyerID:     order.BuyerID,
		SellerID:    "usr_seller01",
		Type:        "item_not_received",
		Description: "package never arrived",
	}); err != nil {
		t.Fatalf("CreateDispute failed: %v", err)
	}

	// A racing transaction that slipped past the count check still
	// fails on the partial unique index.
	_, err := db.ExecContext(ctx, `
		INSERT INTO disputes (id, order_id, payment_id, buyer_id, seller_id, type, description, status)
		VALUES ('dsp_00000002', $1, 'pay_00000001', $2, 'usr_seller01', 'damaged', 'race', 'pending')`,
		order.ID, order.BuyerID)
	if err == nil {
		t.Fatal("second active dispute insert should violate the unique index")
	}

	// A cancelled dispute leaves the order free for a new one.
	if err := store.UpdateDispute(ctx, &Dispute{ID: "dsp_00000001", Status: DisputeCancelled}); err != nil {
		t.Fatalf("UpdateDispute failed: %v", err)
	}
	if err := store.CreateDispute(ctx, &Dispute{
		ID:          "dsp_00000003",
		OrderID:     order.ID,
		PaymentID:   "pay_00000001",
		BuyerID:     order.BuyerID,
		SellerID:    "usr_seller01",
		Type:        "damaged",
		Description: "arrived broken",
	}); err != nil {
		t.Errorf("dispute after cancellation should succeed: %v", err)
	}
}
