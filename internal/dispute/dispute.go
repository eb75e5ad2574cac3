// Package dispute lets buyers contest orders while funds are still
// escrowed, and arbitrates the outcome. A dispute in the buyer's favor
// refunds the charge and closes the escrow; a dismissal returns the
// escrow to the normal release flow. Funds that already left escrow
// are never clawed back from the seller; those resolutions get
// flagged for a manual refund instead.
package dispute

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
	"github.com/adomako/akatua/internal/logging"
	"github.com/adomako/akatua/internal/metrics"
	"github.com/adomako/akatua/internal/notify"
	"github.com/adomako/akatua/internal/realtime"
	"github.com/adomako/akatua/internal/syncutil"
	"github.com/adomako/akatua/internal/traces"
)

var (
	// ErrNotDisputable gates opening: the payment must have settled
	// and the funds must still be in escrow.
	ErrNotDisputable = errors.New("order is not in a disputable state")

	// ErrNotOrderBuyer rejects disputes from anyone but the buyer.
	ErrNotOrderBuyer = errors.New("only the order's buyer may open a dispute")

	// ErrNotDisputeParty rejects withdrawal by a stranger.
	ErrNotDisputeParty = errors.New("not a party to this dispute")

	// ErrAlreadyResolved rejects double resolution.
	ErrAlreadyResolved = errors.New("dispute is already resolved")
)

// Types of dispute a buyer can raise.
var validTypes = map[string]bool{
	"item_not_received": true,
	"damaged":           true,
	"not_as_described":  true,
	"wrong_item":        true,
	"quality":           true,
	"other":             true,
}

// Outcomes an arbitrator can pick.
const (
	OutcomeRefundBuyer = "refund_buyer"
	OutcomeDismiss     = "dismiss"
)

// Service arbitrates disputes.
type Service struct {
	store       ledger.Store
	gw          gateway.Client
	dispatcher  *notify.Dispatcher
	invalidator *cache.Invalidator
	hub         *realtime.Hub
	logger      *slog.Logger
	locks       *syncutil.ContextShardedMutex // per-dispute, held across the refund call
}

// NewService creates the dispute service. dispatcher, invalidator and
// hub may be nil.
func NewService(store ledger.Store, gw gateway.Client, dispatcher *notify.Dispatcher, invalidator *cache.Invalidator, hub *realtime.Hub, logger *slog.Logger) *Service {
	return &Service{
		store:       store,
		gw:          gw,
		dispatcher:  dispatcher,
		invalidator: invalidator,
		hub:         hub,
		logger:      logger,
		locks:       syncutil.NewContextShardedMutex(),
	}
}

// OpenRequest is a buyer's dispute filing.
type OpenRequest struct {
	OrderID     string `json:"orderId" binding:"required"`
	Type        string `json:"type" binding:"required"`
	Description string `json:"description" binding:"required"`
}

// ValidType reports whether the dispute type is recognized.
func ValidType(t string) bool {
	return validTypes[t]
}

// Open files a dispute. The window is narrow on purpose: payment
// settled (there is money to argue about) and escrow still pending
// (the money has not gone anywhere yet).
func (s *Service) Open(ctx context.Context, buyerID string, req OpenRequest) (*ledger.Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.open", traces.OrderID(req.OrderID))
	defer span.End()

	order, err := s.store.GetOrder(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if order.BuyerID != buyerID {
		return nil, ErrNotOrderBuyer
	}

	payment, err := s.store.GetPaymentByOrder(ctx, req.OrderID)
	if err != nil {
		if errors.Is(err, ledger.ErrPaymentNotFound) {
			return nil, fmt.Errorf("%w: order has no payment", ErrNotDisputable)
		}
		return nil, err
	}
	if payment.Status != ledger.PaymentSuccess {
		return nil, fmt.Errorf("%w: payment is %s", ErrNotDisputable, payment.Status)
	}

	escrow, err := s.store.GetEscrowByOrder(ctx, req.OrderID)
	if err != nil {
		if errors.Is(err, ledger.ErrEscrowNotFound) {
			return nil, fmt.Errorf("%w: no funds in escrow", ErrNotDisputable)
		}
		return nil, err
	}
	if escrow.ReleaseStatus != ledger.ReleasePending {
		return nil, fmt.Errorf("%w: escrow is %s", ErrNotDisputable, escrow.ReleaseStatus)
	}

	d := &ledger.Dispute{
		ID:          idgen.WithPrefix("dsp_"),
		OrderID:     order.ID,
		PaymentID:   payment.ID,
		BuyerID:     order.BuyerID,
		SellerID:    order.StoreID,
		Type:        req.Type,
		Description: req.Description,
	}
	if err := s.store.CreateDispute(ctx, d); err != nil {
		return nil, err
	}

	metrics.DisputesTotal.WithLabelValues("opened").Inc()
	logging.L(ctx).Info("dispute opened",
		"dispute_id", d.ID, "order_id", order.ID, "type", d.Type)

	if s.invalidator != nil {
		s.invalidator.DisputeChanged(ctx, order.ID, order.BuyerID, order.StoreID)
	}
	if s.hub != nil {
		s.hub.Publish(realtime.EventDisputeOpened, map[string]interface{}{
			"orderId":   order.ID,
			"storeId":   order.StoreID,
			"disputeId": d.ID,
			"type":      d.Type,
		})
	}
	if s.dispatcher != nil {
		s.dispatcher.Enqueue(ctx, notify.Notification{
			UserID:  order.StoreID,
			Kind:    notify.KindDisputeOpened,
			Title:   "Dispute opened",
			Body:    "A buyer opened a dispute on order " + order.ID + ".",
			OrderID: order.ID,
		})
	}
	return d, nil
}

// Get returns a dispute by ID.
func (s *Service) Get(ctx context.Context, id string) (*ledger.Dispute, error) {
	return s.store.GetDispute(ctx, id)
}

// Withdraw lets the buyer drop their own dispute, freeing the order
// for a future filing and unblocking escrow release.
func (s *Service) Withdraw(ctx context.Context, disputeID, buyerID string) (*ledger.Dispute, error) {
	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.BuyerID != buyerID {
		return nil, ErrNotDisputeParty
	}
	if d.Status != ledger.DisputePending {
		return nil, ErrAlreadyResolved
	}

	d.Status = ledger.DisputeCancelled
	now := time.Now()
	d.ResolvedAt = &now
	d.Resolution = "withdrawn by buyer"
	if err := s.store.UpdateDispute(ctx, d); err != nil {
		return nil, err
	}

	metrics.DisputesTotal.WithLabelValues("withdrawn").Inc()
	logging.L(ctx).Info("dispute withdrawn", "dispute_id", d.ID, "order_id", d.OrderID)
	return d, nil
}

// ResolveRequest is the arbitrator's verdict.
type ResolveRequest struct {
	Outcome    string `json:"outcome" binding:"required"` // refund_buyer | dismiss
	Resolution string `json:"resolution" binding:"required"`
	Amount     int64  `json:"amount,omitempty"` // partial refund, minor units; 0 = full
}

// Resolve closes a dispute. The refund path talks to the processor
// BEFORE mutating the ledger: a declined or timed-out refund leaves
// the dispute pending so it can be retried, instead of marking money
// returned that never moved.
func (s *Service) Resolve(ctx context.Context, disputeID string, req ResolveRequest) (*ledger.Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.resolve")
	defer span.End()
	log := logging.L(ctx)

	// Two arbitrators resolving the same dispute must not both reach
	// the gateway. The lock is context-aware so a caller whose request
	// died does not queue up behind a slow refund.
	unlock, err := s.locks.LockContext(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status != ledger.DisputePending {
		return nil, ErrAlreadyResolved
	}

	now := time.Now()

	switch req.Outcome {
	case OutcomeDismiss:
		d.Status = ledger.DisputeCancelled
		d.Resolution = req.Resolution
		d.ResolvedAt = &now
		if err := s.store.UpdateDispute(ctx, d); err != nil {
			return nil, err
		}
		metrics.DisputesTotal.WithLabelValues("dismissed").Inc()
		log.Info("dispute dismissed", "dispute_id", d.ID, "order_id", d.OrderID)

	case OutcomeRefundBuyer:
		escrow, err := s.store.GetEscrowByOrder(ctx, d.OrderID)
		if err != nil {
			return nil, err
		}

		if escrow.ReleaseStatus != ledger.ReleasePending {
			// Funds already went to the seller. No clawback: resolve
			// in the buyer's favor and flag for a manual refund from
			// platform funds.
			d.Status = ledger.DisputeResolved
			d.Resolution = req.Resolution
			d.RequiresManualRefund = true
			d.ResolvedAt = &now
			if err := s.store.UpdateDispute(ctx, d); err != nil {
				return nil, err
			}
			metrics.DisputesTotal.WithLabelValues("manual_refund").Inc()
			log.Warn("dispute resolved after escrow release, manual refund required",
				"dispute_id", d.ID, "order_id", d.OrderID, "escrow_id", escrow.ID)
			break
		}

		payment, err := s.store.GetPaymentByOrder(ctx, d.OrderID)
		if err != nil {
			return nil, err
		}

		amount := req.Amount
		if amount < 0 || amount > payment.Amount {
			return nil, fmt.Errorf("refund amount %d out of range", amount)
		}
		if _, err := s.gw.Refund(ctx, gateway.RefundRequest{
			Reference: payment.Reference,
			Amount:    amount,
			Reason:    req.Resolution,
		}); err != nil {
			// No ledger mutation on refund failure.
			metrics.DisputesTotal.WithLabelValues("refund_failed").Inc()
			log.Error("refund failed, dispute stays open",
				"dispute_id", d.ID, "order_id", d.OrderID, "error", err)
			return nil, fmt.Errorf("refund: %w", err)
		}

		paymentState := ledger.PaymentRefunded
		if amount > 0 && amount < payment.Amount {
			paymentState = ledger.PaymentPartiallyRefunded
		}
		if err := s.store.RefundEscrow(ctx, escrow.ID, "dispute resolved for buyer", paymentState); err != nil {
			// Refund went out but the escrow flip lost a race. The
			// sweep can no longer pay the seller once the dispute is
			// resolved, so record loudly and continue.
			log.Error("escrow refund CAS failed after gateway refund",
				"escrow_id", escrow.ID, "error", err)
		}

		d.Status = ledger.DisputeResolved
		d.Resolution = req.Resolution
		d.ResolvedAt = &now
		if err := s.store.UpdateDispute(ctx, d); err != nil {
			return nil, err
		}
		metrics.DisputesTotal.WithLabelValues("refunded").Inc()
		log.Info("dispute resolved with refund",
			"dispute_id", d.ID, "order_id", d.OrderID, "amount", amount)

	default:
		return nil, fmt.Errorf("unknown outcome %q", req.Outcome)
	}

	s.afterResolve(ctx, d)
	return d, nil
}

func (s *Service) afterResolve(ctx context.Context, d *ledger.Dispute) {
	order, err := s.store.GetOrder(ctx, d.OrderID)
	if err != nil {
		return
	}
	if s.invalidator != nil {
		s.invalidator.DisputeChanged(ctx, order.ID, order.BuyerID, order.StoreID)
	}
	if s.hub != nil {
		s.hub.Publish(realtime.EventDisputeResolved, map[string]interface{}{
			"orderId":   order.ID,
			"storeId":   order.StoreID,
			"disputeId": d.ID,
			"status":    string(d.Status),
		})
	}
	if s.dispatcher != nil {
		s.dispatcher.Enqueue(ctx, notify.Notification{
			UserID:  d.BuyerID,
			Kind:    notify.KindDisputeResolved,
			Title:   "Dispute update",
			Body:    "Your dispute has been " + string(d.Status) + ".",
			OrderID: d.OrderID,
		})
	}
}
