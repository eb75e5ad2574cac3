package checkout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adomako/akatua/internal/gateway"
	"github.com/adomako/akatua/internal/ledger"
)

func TestDecodeWebhookSingleOrder(t *testing.T) {
	body := []byte(`{
		"event": "charge.success",
		"data": {
			"reference": "ref_1756700000_ab12cd34",
			"amount": 10000,
			"currency": "GHS",
			"orderId": "ord_00000001"
		}
	}`)

	ev, err := DecodeWebhook(body)
	require.NoError(t, err)
	assert.Equal(t, EventChargeSuccess, ev.Event)
	assert.Equal(t, int64(10000), ev.Amount)
	assert.Equal(t, []string{"ord_00000001"}, ev.OrderIDs)
}

func TestDecodeWebhookMultiOrder(t *testing.T) {
	body := []byte(`{
		"event": "charge.success",
		"data": {
			"reference": "ref_1756700000_ab12cd34",
			"amount": 17500,
			"currency": "GHS",
			"orderIds": ["ord_00000001", "ord_00000002"],
			"checkoutSessionId": "cs_abc123"
		}
	}`)

	ev, err := DecodeWebhook(body)
	require.NoError(t, err)
	assert.Equal(t, []string{"ord_00000001", "ord_00000002"}, ev.OrderIDs)
	assert.Equal(t, "cs_abc123", ev.CheckoutSessionID)
}

func TestDecodeWebhookRejectsGarbage(t *testing.T) {
	_, err := DecodeWebhook([]byte(`{not json`))
	assert.Error(t, err)

	_, err = DecodeWebhook([]byte(`{"data":{}}`))
	assert.Error(t, err, "missing event type")
}

// checkoutAndEvent runs a checkout and builds the matching success
// webhook the processor would send.
func checkoutAndEvent(t *testing.T, svc *Service, store *ledger.MemoryStore, orderIDs []string, amount int64) *ChargeEvent {
	t.Helper()
	resp, err := svc.Checkout(context.Background(), Request{
		BuyerID:  "usr_buyer001",
		OrderIDs: orderIDs,
		Email:    "buyer@example.com",
	})
	require.NoError(t, err)

	raw := fmt.Sprintf(`{"event":"charge.success","data":{"reference":"%s","amount":%d,"currency":"GHS"}}`,
		resp.Reference, amount)
	return &ChargeEvent{
		Event:     EventChargeSuccess,
		Reference: resp.Reference,
		Amount:    amount,
		Currency:  "GHS",
		OrderIDs:  orderIDs,
		Raw:       json.RawMessage(raw),
	}
}

func TestWebhookSuccessSettles(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)
	seedOrder(t, store, "ord_00000001", "usr_buyer001", 10000)

	// 100.00 GHS charged as 10000 pesewas.
	ev := checkoutAndEvent(t, svc, store, []string{"ord_00000001"}, 10000)
	require.NoError(t, svc.HandleEvent(ctx, ev))

	order, err := store.GetOrder(ctx, "ord_00000001")
	require.NoError(t, err)
	assert.Equal(t, ledger.OrderConfirmed, order.Status)
	assert.Equal(t, ledger.PaymentSuccess, order.PaymentState)

	escrow, err := store.GetEscrowByOrder(ctx, "ord_00000001")
	require.NoError(t, err)
	assert.Equal(t, int64(10000), escrow.AmountHeld)
	assert.Equal(t, ledger.ReleasePending, escrow.ReleaseStatus)
	assert.WithinDuration(t, time.Now().Add(4*24*time.Hour), escrow.ReleaseDate, time.Minute)
}

func TestWebhookReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)
	seedOrder(t, store, "ord_00000001", "usr_buyer001", 10000)

	ev := checkoutAndEvent(t, svc, store, []string{"ord_00000001"}, 10000)
	require.NoError(t, svc.HandleEvent(ctx, ev))

	first, err := store.GetEscrowByOrder(ctx, "ord_00000001")
	require.NoError(t, err)

	// Redelivery changes nothing and creates no second escrow.
	require.NoError(t, svc.HandleEvent(ctx, ev))

	second, err := store.GetEscrowByOrder(ctx, "ord_00000001")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.ReleaseDate, second.ReleaseDate)
}

func TestWebhookAmountMismatchAcksWithoutSettling(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)
	seedOrder(t, store, "ord_00000001", "usr_buyer001", 10000)

	// Processor claims 9000 against a 10000 ledger total.
	ev := checkoutAndEvent(t, svc, store, []string{"ord_00000001"}, 9000)
	require.NoError(t, svc.HandleEvent(ctx, ev))

	order, err := store.GetOrder(ctx, "ord_00000001")
	require.NoError(t, err)
	assert.Equal(t, ledger.OrderPending, order.Status)

	_, err = store.GetEscrowByOrder(ctx, "ord_00000001")
	assert.ErrorIs(t, err, ledger.ErrEscrowNotFound)
}

func TestWebhookAmountWithinEpsilonSettles(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)
	seedOrder(t, store, "ord_00000001", "usr_buyer001", 10000)

	// One minor unit of rounding slack is accepted.
	ev := checkoutAndEvent(t, svc, store, []string{"ord_00000001"}, 10001)
	require.NoError(t, svc.HandleEvent(ctx, ev))

	order, err := store.GetOrder(ctx, "ord_00000001")
	require.NoError(t, err)
	assert.Equal(t, ledger.OrderConfirmed, order.Status)
}

func TestWebhookMultiOrderSettlesPerOrder(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)
	seedOrder(t, store, "ord_00000001", "usr_buyer001", 5500)
	seedOrder(t, store, "ord_00000002", "usr_buyer001", 12000)

	ev := checkoutAndEvent(t, svc, store, []string{"ord_00000001", "ord_00000002"}, 17500)
	require.NoError(t, svc.HandleEvent(ctx, ev))

	for _, orderID := range []string{"ord_00000001", "ord_00000002"} {
		order, err := store.GetOrder(ctx, orderID)
		require.NoError(t, err)
		assert.Equal(t, ledger.OrderConfirmed, order.Status, orderID)

		escrow, err := store.GetEscrowByOrder(ctx, orderID)
		require.NoError(t, err)
		assert.Equal(t, order.Total, escrow.AmountHeld)
	}
}

func TestWebhookFailureLeavesOrderPending(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)
	seedOrder(t, store, "ord_00000001", "usr_buyer001", 10000)

	ev := checkoutAndEvent(t, svc, store, []string{"ord_00000001"}, 10000)
	ev.Event = EventChargeFailed
	require.NoError(t, svc.HandleEvent(ctx, ev))

	order, err := store.GetOrder(ctx, "ord_00000001")
	require.NoError(t, err)
	assert.Equal(t, ledger.OrderPending, order.Status)
	assert.Equal(t, ledger.PaymentFailed, order.PaymentState)
}

func TestWebhookLateFailureAfterSuccessIgnored(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)
	seedOrder(t, store, "ord_00000001", "usr_buyer001", 10000)

	success := checkoutAndEvent(t, svc, store, []string{"ord_00000001"}, 10000)
	require.NoError(t, svc.HandleEvent(ctx, success))

	failed := *success
	failed.Event = EventChargeFailed
	require.NoError(t, svc.HandleEvent(ctx, &failed))

	order, err := store.GetOrder(ctx, "ord_00000001")
	require.NoError(t, err)
	assert.Equal(t, ledger.PaymentSuccess, order.PaymentState)
}

func TestWebhookUnknownEvent(t *testing.T) {
	svc, _, _ := newTestService(t)
	err := svc.HandleEvent(context.Background(), &ChargeEvent{Event: "transfer.success"})
	assert.ErrorIs(t, err, ErrUnknownEvent)
}

// --- HTTP handler tests ---

func newWebhookRouter(t *testing.T, svc *Service) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewHandler(svc, "whsec_test")
	h.RegisterRoutes(r.Group("/v1"))
	return r
}

func postWebhook(r *gin.Engine, body []byte, secret string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/gateway", bytes.NewReader(body))
	if secret != "" {
		req.Header.Set(gateway.SignatureHeader, gateway.Sign(secret, body))
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestWebhookHandlerRejectsBadSignature(t *testing.T) {
	svc, _, _ := newTestService(t)
	r := newWebhookRouter(t, svc)

	body := []byte(`{"event":"charge.success","data":{"reference":"ref_1756700000_ab12cd34","amount":10000}}`)

	w := postWebhook(r, body, "whsec_wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = postWebhook(r, body, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWebhookHandlerRejectsMalformedBody(t *testing.T) {
	svc, _, _ := newTestService(t)
	r := newWebhookRouter(t, svc)

	w := postWebhook(r, []byte(`{not json`), "whsec_test")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookHandlerEndToEnd(t *testing.T) {
	svc, store, _ := newTestService(t)
	seedOrder(t, store, "ord_00000001", "usr_buyer001", 10000)
	r := newWebhookRouter(t, svc)

	resp, err := svc.Checkout(context.Background(), Request{
		BuyerID:  "usr_buyer001",
		OrderIDs: []string{"ord_00000001"},
		Email:    "buyer@example.com",
	})
	require.NoError(t, err)

	body := []byte(fmt.Sprintf(
		`{"event":"charge.success","data":{"reference":"%s","amount":10000,"currency":"GHS","orderId":"ord_00000001"}}`,
		resp.Reference))

	w := postWebhook(r, body, "whsec_test")
	assert.Equal(t, http.StatusOK, w.Code)

	order, err := store.GetOrder(context.Background(), "ord_00000001")
	require.NoError(t, err)
	assert.Equal(t, ledger.OrderConfirmed, order.Status)
}

func TestWebhookHandlerAcksUnknownEvent(t *testing.T) {
	svc, _, _ := newTestService(t)
	r := newWebhookRouter(t, svc)

	body := []byte(`{"event":"transfer.success","data":{"reference":"ref_1756700000_ab12cd34"}}`)
	w := postWebhook(r, body, "whsec_test")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReconcileSettlesMissedWebhook(t *testing.T) {
	ctx := context.Background()
	svc, store, gw := newTestService(t)
	seedOrder(t, store, "ord_00000001", "usr_buyer001", 10000)

	resp, err := svc.Checkout(ctx, Request{
		BuyerID:  "usr_buyer001",
		OrderIDs: []string{"ord_00000001"},
		Email:    "buyer@example.com",
	})
	require.NoError(t, err)

	// The webhook never arrived; the processor says the charge paid.
	gw.verifyStatus = &gateway.ChargeStatus{
		Reference: resp.Reference,
		Status:    "success",
		Amount:    10000,
		Currency:  "GHS",
	}

	status, err := svc.Reconcile(ctx, resp.Reference)
	require.NoError(t, err)
	assert.True(t, status.Settled())

	order, err := store.GetOrder(ctx, "ord_00000001")
	require.NoError(t, err)
	assert.Equal(t, ledger.OrderConfirmed, order.Status)

	escrow, err := store.GetEscrowByOrder(ctx, "ord_00000001")
	require.NoError(t, err)
	assert.Equal(t, int64(10000), escrow.AmountHeld)
}

func TestReconcileRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	svc, store, gw := newTestService(t)
	seedOrder(t, store, "ord_00000001", "usr_buyer001", 10000)

	resp, err := svc.Checkout(ctx, Request{
		BuyerID:  "usr_buyer001",
		OrderIDs: []string{"ord_00000001"},
		Email:    "buyer@example.com",
	})
	require.NoError(t, err)

	gw.verifyErrs = []error{gateway.ErrTimeout}
	gw.verifyStatus = &gateway.ChargeStatus{
		Reference: resp.Reference,
		Status:    "success",
		Amount:    10000,
		Currency:  "GHS",
	}

	_, err = svc.Reconcile(ctx, resp.Reference)
	require.NoError(t, err)
	assert.Equal(t, 2, gw.verifyCalls)

	order, err := store.GetOrder(ctx, "ord_00000001")
	require.NoError(t, err)
	assert.Equal(t, ledger.OrderConfirmed, order.Status)
}

func TestReconcileDoesNotRetryDeclinedLookup(t *testing.T) {
	ctx := context.Background()
	svc, store, gw := newTestService(t)
	seedOrder(t, store, "ord_00000001", "usr_buyer001", 10000)

	_, err := svc.Checkout(ctx, Request{
		BuyerID:  "usr_buyer001",
		OrderIDs: []string{"ord_00000001"},
		Email:    "buyer@example.com",
	})
	require.NoError(t, err)

	gw.verifyErrs = []error{
		&gateway.DeclinedError{Code: "invalid_reference", Message: "no such charge"},
	}

	_, err = svc.Reconcile(ctx, "ref_bogus")
	require.Error(t, err)
	assert.Equal(t, 1, gw.verifyCalls, "declined lookup must not retry")
}

func TestReconcilePendingChargeChangesNothing(t *testing.T) {
	ctx := context.Background()
	svc, store, gw := newTestService(t)
	seedOrder(t, store, "ord_00000001", "usr_buyer001", 10000)

	resp, err := svc.Checkout(ctx, Request{
		BuyerID:  "usr_buyer001",
		OrderIDs: []string{"ord_00000001"},
		Email:    "buyer@example.com",
	})
	require.NoError(t, err)

	gw.verifyStatus = &gateway.ChargeStatus{
		Reference: resp.Reference,
		Status:    "pending",
		Amount:    10000,
		Currency:  "GHS",
	}

	status, err := svc.Reconcile(ctx, resp.Reference)
	require.NoError(t, err)
	assert.Equal(t, "pending", status.Status)

	order, err := store.GetOrder(ctx, "ord_00000001")
	require.NoError(t, err)
	assert.Equal(t, ledger.OrderPending, order.Status)
}
