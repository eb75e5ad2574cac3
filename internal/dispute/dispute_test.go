package dispute

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adomako/akatua/internal/gateway"
	"github.com/adomako/akatua/internal/ledger"
)

// fakeGateway records refunds so tests can assert what money moved.
type fakeGateway struct {
	mu        sync.Mutex
	refundErr error
	refunds   []gateway.RefundRequest
}

func (f *fakeGateway) InitializeCharge(_ context.Context, req gateway.ChargeRequest) (*gateway.ChargeSession, error) {
	return &gateway.ChargeSession{Reference: req.Reference}, nil
}

func (f *fakeGateway) VerifyCharge(_ context.Context, reference string) (*gateway.ChargeStatus, error) {
	return &gateway.ChargeStatus{Reference: reference, Status: "success"}, nil
}

func (f *fakeGateway) Transfer(_ context.Context, req gateway.TransferRequest) (*gateway.TransferResult, error) {
	return &gateway.TransferResult{TransferCode: "trf_001", Status: "success"}, nil
}

func (f *fakeGateway) Refund(_ context.Context, req gateway.RefundRequest) (*gateway.RefundResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refundErr != nil {
		return nil, f.refundErr
	}
	f.refunds = append(f.refunds, req)
	return &gateway.RefundResult{RefundID: "rfd_001", Status: "processed"}, nil
}

func (f *fakeGateway) refundCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.refunds)
}

func newTestService(t *testing.T) (*Service, *ledger.MemoryStore, *fakeGateway) {
	t.Helper()
	store := ledger.NewMemoryStore()
	gw := &fakeGateway{}
	svc := NewService(store, gw, nil, nil, nil, nil)
	return svc, store, gw
}

// settled seeds an order whose payment succeeded and whose funds sit
// in a pending escrow.
func settled(t *testing.T, store *ledger.MemoryStore) *ledger.Order {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, store.PutProduct(ctx, &ledger.Product{
		ID: "prd_aabbccdd", StoreID: "str_11223344", Name: "Shea Butter 500g", Price: 4200, Stock: 10,
	}))
	order := &ledger.Order{
		ID:      "ord_00000001",
		BuyerID: "usr_buyer001",
		StoreID: "str_11223344",
		Items: []ledger.OrderItem{
			{ProductID: "prd_aabbccdd", Name: "Shea Butter 500g", Quantity: 1, UnitPrice: 4200, Total: 4200},
		},
		Subtotal: 4200,
		Total:    4200,
		Currency: "GHS",
	}
	require.NoError(t, store.CreateOrder(ctx, order))

	payment := &ledger.Payment{
		ID: "pay_00000001", OrderID: order.ID, Amount: 4200, Currency: "GHS",
		Reference: "ref_1756700000_ab12cd34",
	}
	require.NoError(t, store.CreatePayments(ctx, []*ledger.Payment{payment}))

	escrow := &ledger.Escrow{
		ID: "esc_00000001", PaymentID: payment.ID, OrderID: order.ID,
		AmountHeld: 4200, Currency: "GHS", ReleaseDate: time.Now().Add(4 * 24 * time.Hour),
	}
	require.NoError(t, store.SettleCharge(ctx, ledger.Settlement{
		PaymentID: payment.ID, OrderID: order.ID,
		GatewayMeta: json.RawMessage(`{}`), Escrow: escrow,
	}))
	return order
}

func TestOpenDispute(t *testing.T) {
	svc, store, _ := newTestService(t)
	order := settled(t, store)
	ctx := context.Background()

	d, err := svc.Open(ctx, "usr_buyer001", OpenRequest{
		OrderID:     order.ID,
		Type:        "damaged",
		Description: "Jar arrived cracked and leaking.",
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.DisputePending, d.Status)
	assert.Equal(t, order.ID, d.OrderID)
	assert.Equal(t, "pay_00000001", d.PaymentID)
	assert.Equal(t, "str_11223344", d.SellerID)
}

func TestOpenRejectsNonBuyer(t *testing.T) {
	svc, store, _ := newTestService(t)
	order := settled(t, store)

	_, err := svc.Open(context.Background(), "usr_other999", OpenRequest{
		OrderID: order.ID, Type: "damaged", Description: "not mine",
	})
	assert.ErrorIs(t, err, ErrNotOrderBuyer)
}

func TestOpenRequiresSettledPayment(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, store.PutProduct(ctx, &ledger.Product{
		ID: "prd_aabbccdd", StoreID: "str_11223344", Name: "Shea Butter 500g", Price: 4200, Stock: 10,
	}))
	order := &ledger.Order{
		ID: "ord_00000002", BuyerID: "usr_buyer001", StoreID: "str_11223344",
		Items: []ledger.OrderItem{
			{ProductID: "prd_aabbccdd", Name: "Shea Butter 500g", Quantity: 1, UnitPrice: 4200, Total: 4200},
		},
		Subtotal: 4200, Total: 4200, Currency: "GHS",
	}
	require.NoError(t, store.CreateOrder(ctx, order))

	// No payment at all.
	_, err := svc.Open(ctx, "usr_buyer001", OpenRequest{
		OrderID: order.ID, Type: "item_not_received", Description: "never came",
	})
	assert.ErrorIs(t, err, ErrNotDisputable)

	// Payment exists but has not settled.
	require.NoError(t, store.CreatePayments(ctx, []*ledger.Payment{{
		ID: "pay_00000002", OrderID: order.ID, Amount: 4200, Currency: "GHS",
		Reference: "ref_1756700001_cd34ef56",
	}}))
	_, err = svc.Open(ctx, "usr_buyer001", OpenRequest{
		OrderID: order.ID, Type: "item_not_received", Description: "never came",
	})
	assert.ErrorIs(t, err, ErrNotDisputable)
}

func TestOpenRejectsAfterRelease(t *testing.T) {
	svc, store, _ := newTestService(t)
	order := settled(t, store)
	ctx := context.Background()

	require.NoError(t, store.ReleaseEscrow(ctx, "esc_00000001", ledger.ReleasedToAutoTimer, "holding period elapsed", time.Now()))

	_, err := svc.Open(ctx, "usr_buyer001", OpenRequest{
		OrderID: order.ID, Type: "damaged", Description: "too late",
	})
	assert.ErrorIs(t, err, ErrNotDisputable)
}

func TestOpenOnePerOrder(t *testing.T) {
	svc, store, _ := newTestService(t)
	order := settled(t, store)
	ctx := context.Background()

	_, err := svc.Open(ctx, "usr_buyer001", OpenRequest{
		OrderID: order.ID, Type: "damaged", Description: "cracked jar",
	})
	require.NoError(t, err)

	_, err = svc.Open(ctx, "usr_buyer001", OpenRequest{
		OrderID: order.ID, Type: "quality", Description: "also rancid",
	})
	assert.ErrorIs(t, err, ledger.ErrDisputeExists)
}

func TestWithdrawFreesOrder(t *testing.T) {
	svc, store, _ := newTestService(t)
	order := settled(t, store)
	ctx := context.Background()

	d, err := svc.Open(ctx, "usr_buyer001", OpenRequest{
		OrderID: order.ID, Type: "damaged", Description: "cracked jar",
	})
	require.NoError(t, err)

	_, err = svc.Withdraw(ctx, d.ID, "usr_other999")
	assert.ErrorIs(t, err, ErrNotDisputeParty)

	withdrawn, err := svc.Withdraw(ctx, d.ID, "usr_buyer001")
	require.NoError(t, err)
	assert.Equal(t, ledger.DisputeCancelled, withdrawn.Status)

	// A cancelled dispute no longer blocks a new filing.
	_, err = svc.Open(ctx, "usr_buyer001", OpenRequest{
		OrderID: order.ID, Type: "quality", Description: "second look, still bad",
	})
	require.NoError(t, err)
}

func TestResolveRefundBuyer(t *testing.T) {
	svc, store, gw := newTestService(t)
	order := settled(t, store)
	ctx := context.Background()

	d, err := svc.Open(ctx, "usr_buyer001", OpenRequest{
		OrderID: order.ID, Type: "item_not_received", Description: "never came",
	})
	require.NoError(t, err)

	resolved, err := svc.Resolve(ctx, d.ID, ResolveRequest{
		Outcome:    OutcomeRefundBuyer,
		Resolution: "courier confirmed the parcel was lost",
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.DisputeResolved, resolved.Status)
	assert.False(t, resolved.RequiresManualRefund)
	require.NotNil(t, resolved.ResolvedAt)

	// Full refund hit the gateway against the charge reference.
	require.Equal(t, 1, gw.refundCount())
	assert.Equal(t, "ref_1756700000_ab12cd34", gw.refunds[0].Reference)
	assert.Zero(t, gw.refunds[0].Amount)

	escrow, err := store.GetEscrowByOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.ReleaseRefunded, escrow.ReleaseStatus)

	payment, err := store.GetPaymentByOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.PaymentRefunded, payment.Status)
}

func TestResolvePartialRefund(t *testing.T) {
	svc, store, gw := newTestService(t)
	order := settled(t, store)
	ctx := context.Background()

	d, err := svc.Open(ctx, "usr_buyer001", OpenRequest{
		OrderID: order.ID, Type: "damaged", Description: "one of two jars cracked",
	})
	require.NoError(t, err)

	_, err = svc.Resolve(ctx, d.ID, ResolveRequest{
		Outcome:    OutcomeRefundBuyer,
		Resolution: "half refund for the damaged jar",
		Amount:     2100,
	})
	require.NoError(t, err)

	require.Equal(t, 1, gw.refundCount())
	assert.Equal(t, int64(2100), gw.refunds[0].Amount)

	payment, err := store.GetPaymentByOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.PaymentPartiallyRefunded, payment.Status)
}

func TestResolveRefundFailureKeepsDisputeOpen(t *testing.T) {
	svc, store, gw := newTestService(t)
	order := settled(t, store)
	ctx := context.Background()

	d, err := svc.Open(ctx, "usr_buyer001", OpenRequest{
		OrderID: order.ID, Type: "damaged", Description: "cracked jar",
	})
	require.NoError(t, err)

	gw.refundErr = &gateway.DeclinedError{Code: "refund_window_closed", Message: "Refund window has closed"}
	_, err = svc.Resolve(ctx, d.ID, ResolveRequest{
		Outcome:    OutcomeRefundBuyer,
		Resolution: "refund the buyer",
	})
	require.Error(t, err)

	// Nothing moved: dispute still pending, escrow still held.
	got, err := store.GetDispute(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.DisputePending, got.Status)

	escrow, err := store.GetEscrowByOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.ReleasePending, escrow.ReleaseStatus)

	// Retry succeeds once the gateway recovers.
	gw.refundErr = nil
	resolved, err := svc.Resolve(ctx, d.ID, ResolveRequest{
		Outcome:    OutcomeRefundBuyer,
		Resolution: "refund the buyer",
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.DisputeResolved, resolved.Status)
}

func TestResolveAfterReleaseFlagsManualRefund(t *testing.T) {
	svc, store, gw := newTestService(t)
	order := settled(t, store)
	ctx := context.Background()

	d, err := svc.Open(ctx, "usr_buyer001", OpenRequest{
		OrderID: order.ID, Type: "not_as_described", Description: "wrong grade",
	})
	require.NoError(t, err)

	// Seller got paid before the arbitrator ruled.
	require.NoError(t, store.ReleaseEscrow(ctx, "esc_00000001", ledger.ReleasedToAutoTimer, "holding period elapsed", time.Now()))

	resolved, err := svc.Resolve(ctx, d.ID, ResolveRequest{
		Outcome:    OutcomeRefundBuyer,
		Resolution: "buyer is owed a refund from platform funds",
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.DisputeResolved, resolved.Status)
	assert.True(t, resolved.RequiresManualRefund)

	// No clawback attempted.
	assert.Zero(t, gw.refundCount())
	escrow, err := store.GetEscrowByOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.ReleaseReleased, escrow.ReleaseStatus)
}

func TestResolveDismiss(t *testing.T) {
	svc, store, gw := newTestService(t)
	order := settled(t, store)
	ctx := context.Background()

	d, err := svc.Open(ctx, "usr_buyer001", OpenRequest{
		OrderID: order.ID, Type: "other", Description: "changed my mind",
	})
	require.NoError(t, err)

	resolved, err := svc.Resolve(ctx, d.ID, ResolveRequest{
		Outcome:    OutcomeDismiss,
		Resolution: "buyer remorse is not a dispute ground",
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.DisputeCancelled, resolved.Status)
	assert.Zero(t, gw.refundCount())

	// Escrow is back on the normal release path.
	escrow, err := store.GetEscrowByOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.ReleasePending, escrow.ReleaseStatus)

	_, err = svc.Resolve(ctx, d.ID, ResolveRequest{
		Outcome: OutcomeDismiss, Resolution: "again",
	})
	assert.ErrorIs(t, err, ErrAlreadyResolved)
}

func TestResolveRejectsBadAmount(t *testing.T) {
	svc, store, _ := newTestService(t)
	order := settled(t, store)
	ctx := context.Background()

	d, err := svc.Open(ctx, "usr_buyer001", OpenRequest{
		OrderID: order.ID, Type: "damaged", Description: "cracked jar",
	})
	require.NoError(t, err)

	_, err = svc.Resolve(ctx, d.ID, ResolveRequest{
		Outcome: OutcomeRefundBuyer, Resolution: "too much", Amount: 9999,
	})
	assert.Error(t, err)
}

func TestValidType(t *testing.T) {
	assert.True(t, ValidType("item_not_received"))
	assert.True(t, ValidType("other"))
	assert.False(t, ValidType("vibes"))
}
