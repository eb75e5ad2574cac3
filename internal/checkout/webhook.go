package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/adomako/akatua/internal/gateway"
	"github.com/adomako/akatua/internal/idgen"
	"github.com/adomako/akatua/internal/ledger"
	"github.com/adomako/akatua/internal/logging"
	"github.com/adomako/akatua/internal/metrics"
	"github.com/adomako/akatua/internal/notify"
	"github.com/adomako/akatua/internal/realtime"
	"github.com/adomako/akatua/internal/retry"
	"github.com/adomako/akatua/internal/traces"
)

// Webhook event names the processor sends.
const (
	EventChargeSuccess = "charge.success"
	EventChargeFailed  = "charge.failed"
)

// ErrUnknownEvent marks event types we acknowledge but do not act on.
var ErrUnknownEvent = errors.New("unhandled webhook event type")

// ChargeEvent is the normalized webhook payload. The processor sends
// either a single orderId or an orderIds array with a checkout session;
// decoding folds both shapes into OrderIDs.
type ChargeEvent struct {
	Event             string
	Reference         string
	Amount            int64
	Currency          string
	OrderIDs          []string
	CheckoutSessionID string
	Raw               json.RawMessage
}

type webhookEnvelope struct {
	Event string `json:"event"`
	Data  struct {
		Reference         string   `json:"reference"`
		Amount            int64    `json:"amount"`
		Currency          string   `json:"currency"`
		OrderID           string   `json:"orderId"`
		OrderIDs          []string `json:"orderIds"`
		CheckoutSessionID string   `json:"checkoutSessionId"`
	} `json:"data"`
}

// DecodeWebhook parses a raw webhook body into a ChargeEvent.
func DecodeWebhook(body []byte) (*ChargeEvent, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("malformed webhook body: %w", err)
	}
	if env.Event == "" {
		return nil, errors.New("webhook body missing event type")
	}

	ev := &ChargeEvent{
		Event:             env.Event,
		Reference:         env.Data.Reference,
		Amount:            env.Data.Amount,
		Currency:          env.Data.Currency,
		CheckoutSessionID: env.Data.CheckoutSessionID,
		Raw:               json.RawMessage(body),
	}
	if len(env.Data.OrderIDs) > 0 {
		ev.OrderIDs = env.Data.OrderIDs
	} else if env.Data.OrderID != "" {
		ev.OrderIDs = []string{env.Data.OrderID}
	}
	return ev, nil
}

// HandleEvent dispatches a verified webhook. Unknown event types return
// ErrUnknownEvent so the handler can acknowledge without acting;
// returning an error for anything we actually processed would make the
// processor redeliver forever.
func (s *Service) HandleEvent(ctx context.Context, ev *ChargeEvent) error {
	ctx, span := traces.StartSpan(ctx, "webhook.handle",
		traces.EventType(ev.Event), traces.Reference(ev.Reference))
	defer span.End()

	switch ev.Event {
	case EventChargeSuccess:
		return s.handleSuccess(ctx, ev)
	case EventChargeFailed:
		return s.handleFailed(ctx, ev)
	default:
		metrics.WebhookEventsTotal.WithLabelValues(ev.Event, "ignored").Inc()
		logging.L(ctx).Debug("ignoring webhook event", "event", ev.Event)
		return ErrUnknownEvent
	}
}

// handleSuccess settles every order covered by the charge. It is safe
// under replay: a payment that already settled is skipped, and the
// amount check runs against the ledger before any mutation. A mismatch
// is recorded and acknowledged without settling so the processor does
// not redeliver a charge we will never accept.
func (s *Service) handleSuccess(ctx context.Context, ev *ChargeEvent) error {
	log := logging.L(ctx)

	payments, err := s.resolvePayments(ctx, ev)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(ev.Event, "error").Inc()
		return err
	}
	if len(payments) == 0 {
		metrics.WebhookEventsTotal.WithLabelValues(ev.Event, "orphan").Inc()
		log.Warn("webhook for unknown charge", "reference", ev.Reference)
		return nil
	}

	var pending []*ledger.Payment
	var expected int64
	for _, p := range payments {
		// Expected amount covers the whole batch, settled or not:
		// the processor charged the full session total.
		expected += p.Amount
		if p.Status == ledger.PaymentSuccess {
			continue // replay, already settled
		}
		pending = append(pending, p)
	}
	if len(pending) == 0 {
		metrics.WebhookEventsTotal.WithLabelValues(ev.Event, "duplicate").Inc()
		log.Info("duplicate webhook, all payments settled", "reference", ev.Reference)
		return nil
	}

	if diff := ev.Amount - expected; diff > s.cfg.AmountEpsilon || diff < -s.cfg.AmountEpsilon {
		metrics.AmountMismatchTotal.Inc()
		metrics.WebhookEventsTotal.WithLabelValues(ev.Event, "amount_mismatch").Inc()
		log.Error("webhook amount mismatch, not settling",
			"reference", ev.Reference,
			"webhook_amount", ev.Amount,
			"expected_amount", expected)
		return nil
	}

	// Each order settles in its own transaction. One failure is logged
	// and the rest proceed.
	for _, p := range pending {
		s.settleOne(ctx, ev, p)
	}

	metrics.WebhookEventsTotal.WithLabelValues(ev.Event, "handled").Inc()
	return nil
}

func (s *Service) settleOne(ctx context.Context, ev *ChargeEvent, p *ledger.Payment) {
	log := logging.L(ctx)

	escrow := &ledger.Escrow{
		ID:          idgen.WithPrefix("esc_"),
		PaymentID:   p.ID,
		OrderID:     p.OrderID,
		AmountHeld:  p.Amount,
		Currency:    p.Currency,
		ReleaseDate: time.Now().Add(s.cfg.HoldingPeriod),
	}
	err := s.store.SettleCharge(ctx, ledger.Settlement{
		PaymentID:   p.ID,
		OrderID:     p.OrderID,
		GatewayMeta: ev.Raw,
		Escrow:      escrow,
	})
	if err != nil {
		var invalid *ledger.InvalidTransitionError
		if errors.As(err, &invalid) {
			// Lost a race with a concurrent replay. Nothing to do.
			metrics.PaymentsSettledTotal.WithLabelValues("duplicate").Inc()
			log.Info("payment settled concurrently", "payment_id", p.ID)
			return
		}
		metrics.PaymentsSettledTotal.WithLabelValues("error").Inc()
		log.Error("settlement failed", "payment_id", p.ID, "order_id", p.OrderID, "error", err)
		return
	}

	metrics.PaymentsSettledTotal.WithLabelValues("ok").Inc()
	metrics.EscrowsCreatedTotal.Inc()
	metrics.OrderTransitionsTotal.WithLabelValues(
		string(ledger.OrderPending), string(ledger.OrderConfirmed)).Inc()
	log.Info("payment settled",
		"payment_id", p.ID,
		"order_id", p.OrderID,
		"escrow_id", escrow.ID,
		"amount", p.Amount,
		"release_date", escrow.ReleaseDate)

	s.afterSettle(ctx, p, escrow)
}

// afterSettle runs the best-effort side effects once the settlement
// transaction has committed.
func (s *Service) afterSettle(ctx context.Context, p *ledger.Payment, escrow *ledger.Escrow) {
	order, err := s.store.GetOrder(ctx, p.OrderID)
	if err != nil {
		logging.L(ctx).Warn("post-settlement lookup failed", "order_id", p.OrderID, "error", err)
		return
	}

	if s.invalidator != nil {
		s.invalidator.PaymentSettled(ctx, order.ID, order.BuyerID, order.StoreID)
	}
	if s.hub != nil {
		s.hub.Publish(realtime.EventPaymentSettled, map[string]interface{}{
			"orderId":  order.ID,
			"storeId":  order.StoreID,
			"amount":   p.Amount,
			"currency": p.Currency,
			"escrowId": escrow.ID,
		})
	}
	if s.dispatcher != nil {
		s.dispatcher.Enqueue(ctx, notify.Notification{
			UserID:  order.BuyerID,
			Kind:    notify.KindOrderConfirmed,
			Title:   "Payment received",
			Body:    "Your order is confirmed. Funds are held until delivery.",
			OrderID: order.ID,
		})
	}
}

// handleFailed flips payments to FAILED and leaves orders pending so
// the buyer can retry with a new checkout.
func (s *Service) handleFailed(ctx context.Context, ev *ChargeEvent) error {
	log := logging.L(ctx)

	payments, err := s.resolvePayments(ctx, ev)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(ev.Event, "error").Inc()
		return err
	}
	if len(payments) == 0 {
		metrics.WebhookEventsTotal.WithLabelValues(ev.Event, "orphan").Inc()
		log.Warn("failure webhook for unknown charge", "reference", ev.Reference)
		return nil
	}

	for _, p := range payments {
		if p.Status != ledger.PaymentPending && p.Status != ledger.PaymentProcessing {
			continue // settled or already failed; success outranks a late failure event
		}
		if err := s.store.FailCharge(ctx, p.ID, ev.Raw); err != nil {
			log.Error("recording charge failure", "payment_id", p.ID, "error", err)
			continue
		}
		metrics.PaymentsSettledTotal.WithLabelValues("failed").Inc()

		order, err := s.store.GetOrder(ctx, p.OrderID)
		if err != nil {
			continue
		}
		if s.invalidator != nil {
			s.invalidator.OrderChanged(ctx, order.ID, order.BuyerID, order.StoreID)
		}
		if s.hub != nil {
			s.hub.Publish(realtime.EventPaymentFailed, map[string]interface{}{
				"orderId": order.ID,
				"storeId": order.StoreID,
			})
		}
		if s.dispatcher != nil {
			s.dispatcher.Enqueue(ctx, notify.Notification{
				UserID:  order.BuyerID,
				Kind:    notify.KindPaymentFailed,
				Title:   "Payment failed",
				Body:    "Your payment did not go through. You can try again.",
				OrderID: order.ID,
			})
		}
	}

	metrics.WebhookEventsTotal.WithLabelValues(ev.Event, "handled").Inc()
	return nil
}

// Reconcile asks the processor for the authoritative state of a charge
// and applies it, covering webhooks that were never delivered. The
// verify call is a read, so it retries on transient failures; the
// settlement itself goes through the same idempotent path webhooks use.
func (s *Service) Reconcile(ctx context.Context, reference string) (*gateway.ChargeStatus, error) {
	ctx, span := traces.StartSpan(ctx, "checkout.reconcile", traces.Reference(reference))
	defer span.End()

	var status *gateway.ChargeStatus
	err := retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		st, err := s.gw.VerifyCharge(ctx, reference)
		if err != nil {
			var declined *gateway.DeclinedError
			if errors.As(err, &declined) {
				return retry.Permanent(err)
			}
			return err
		}
		status = st
		return nil
	})
	if err != nil {
		return nil, err
	}

	ev := &ChargeEvent{
		Reference: reference,
		Amount:    status.Amount,
		Currency:  status.Currency,
		Raw:       status.Raw,
	}
	switch {
	case status.Settled():
		ev.Event = EventChargeSuccess
		return status, s.handleSuccess(ctx, ev)
	case status.Status == "failed" || status.Status == "abandoned":
		ev.Event = EventChargeFailed
		return status, s.handleFailed(ctx, ev)
	default:
		// Still pending at the processor. Nothing to apply.
		logging.L(ctx).Info("reconcile found charge still pending",
			"reference", reference, "status", status.Status)
		return status, nil
	}
}

// resolvePayments finds the payments a webhook refers to, preferring
// the charge reference and falling back to the order IDs in the body.
func (s *Service) resolvePayments(ctx context.Context, ev *ChargeEvent) ([]*ledger.Payment, error) {
	if ev.Reference != "" {
		payments, err := s.store.GetPaymentsByReference(ctx, ev.Reference)
		if err != nil {
			return nil, err
		}
		if len(payments) > 0 {
			return payments, nil
		}
	}

	var payments []*ledger.Payment
	for _, orderID := range ev.OrderIDs {
		p, err := s.store.GetPaymentByOrder(ctx, orderID)
		if err != nil {
			if errors.Is(err, ledger.ErrPaymentNotFound) || errors.Is(err, ledger.ErrOrderNotFound) {
				logging.L(ctx).Warn("webhook names order without payment", "order_id", orderID)
				continue
			}
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, nil
}
