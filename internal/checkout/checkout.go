// Package checkout opens payment sessions for pending orders and
// reconciles the processor's webhook verdicts against the ledger.
//
// A multi-store cart checks out as one gateway charge covering several
// orders. Every payment in the batch shares one reference; settlement
// on webhook success runs per order, so one bad order cannot hold the
// rest of the batch hostage.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/adomako/akatua/internal/cache"
	"github.com/adomako/akatua/internal/gateway"
	"github.com/adomako/akatua/internal/idgen"
	"github.com/adomako/akatua/internal/ledger"
	"github.com/adomako/akatua/internal/notify"
	"github.com/adomako/akatua/internal/realtime"
	"github.com/adomako/akatua/internal/traces"
)

var (
	ErrNoOrders        = errors.New("checkout requires at least one order")
	ErrNotOrderOwner   = errors.New("order does not belong to this buyer")
	ErrOrderNotPayable = errors.New("order is not awaiting payment")
	ErrMixedCurrency   = errors.New("orders in one checkout must share a currency")
)

// Config carries the settlement knobs the service needs.
type Config struct {
	Currency      string
	HoldingPeriod time.Duration
	AmountEpsilon int64 // tolerated gap between webhook and ledger amounts, minor units
}

// Service owns checkout and webhook reconciliation.
type Service struct {
	store       ledger.Store
	gw          gateway.Client
	cfg         Config
	dispatcher  *notify.Dispatcher
	invalidator *cache.Invalidator
	hub         *realtime.Hub
	logger      *slog.Logger
}

// NewService creates the checkout service. dispatcher, invalidator and
// hub may be nil; the corresponding side effects are skipped.
func NewService(store ledger.Store, gw gateway.Client, cfg Config, dispatcher *notify.Dispatcher, invalidator *cache.Invalidator, hub *realtime.Hub, logger *slog.Logger) *Service {
	if cfg.AmountEpsilon <= 0 {
		cfg.AmountEpsilon = 1
	}
	return &Service{
		store:       store,
		gw:          gw,
		cfg:         cfg,
		dispatcher:  dispatcher,
		invalidator: invalidator,
		hub:         hub,
		logger:      logger,
	}
}

// Request is a buyer's attempt to pay for one or more pending orders.
type Request struct {
	BuyerID  string   `json:"buyerId"`
	OrderIDs []string `json:"orderIds" binding:"required"`
	Email    string   `json:"email" binding:"required"`
}

// Response hands the buyer the hosted payment page.
type Response struct {
	Reference         string `json:"reference"`
	CheckoutSessionID string `json:"checkoutSessionId"`
	AuthorizationURL  string `json:"authorizationUrl"`
	Amount            int64  `json:"amount"`
	Currency          string `json:"currency"`
}

// Checkout validates the orders, opens one gateway charge for their
// combined total, and records a pending payment per order. A failed
// prior charge does not block retry: orders whose payment previously
// FAILED check out again under a fresh reference.
func (s *Service) Checkout(ctx context.Context, req Request) (*Response, error) {
	ctx, span := traces.StartSpan(ctx, "checkout")
	defer span.End()

	if len(req.OrderIDs) == 0 {
		return nil, ErrNoOrders
	}

	// A cart listing the same order twice must not charge it twice.
	orderIDs := dedupe(req.OrderIDs)

	orders, err := s.store.GetOrders(ctx, orderIDs)
	if err != nil {
		return nil, err
	}

	var total int64
	currency := ""
	for _, o := range orders {
		if o.BuyerID != req.BuyerID {
			return nil, fmt.Errorf("%w: %s", ErrNotOrderOwner, o.ID)
		}
		if o.Status != ledger.OrderPending {
			return nil, fmt.Errorf("%w: %s is %s", ErrOrderNotPayable, o.ID, o.Status)
		}
		if o.PaymentState != ledger.PaymentPending && o.PaymentState != ledger.PaymentFailed {
			return nil, fmt.Errorf("%w: %s payment is %s", ErrOrderNotPayable, o.ID, o.PaymentState)
		}
		if currency == "" {
			currency = o.Currency
		} else if o.Currency != currency {
			return nil, ErrMixedCurrency
		}
		total += o.Total
	}

	reference := idgen.Reference()
	session, err := s.gw.InitializeCharge(ctx, gateway.ChargeRequest{
		Reference: reference,
		Amount:    total,
		Currency:  currency,
		Email:     req.Email,
		Metadata:  map[string]string{"buyer_id": req.BuyerID},
	})
	if err != nil {
		return nil, fmt.Errorf("initialize charge: %w", err)
	}

	payments := make([]*ledger.Payment, 0, len(orders))
	for _, o := range orders {
		payments = append(payments, &ledger.Payment{
			ID:        idgen.WithPrefix("pay_"),
			OrderID:   o.ID,
			Amount:    o.Total,
			Currency:  currency,
			Reference: reference,
		})
	}
	if err := s.store.CreatePayments(ctx, payments); err != nil {
		return nil, fmt.Errorf("create payments: %w", err)
	}

	sessionID := session.AccessCode
	if sessionID == "" {
		sessionID = idgen.WithPrefix("cs_")
	}
	if err := s.store.SetCheckoutSession(ctx, orderIDs, sessionID); err != nil {
		return nil, fmt.Errorf("record checkout session: %w", err)
	}

	s.logger.Info("checkout session opened",
		"buyer_id", req.BuyerID,
		"reference", reference,
		"orders", len(orders),
		"amount", total,
		"currency", currency)

	return &Response{
		Reference:         reference,
		CheckoutSessionID: sessionID,
		AuthorizationURL:  session.AuthorizationURL,
		Amount:            total,
		Currency:          currency,
	}, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
