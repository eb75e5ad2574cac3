// Package escrow owns the release of held funds to sellers. Funds
// leave escrow exactly once, through one of two triggers: the buyer
// confirming receipt of a delivered order, or the scheduler sweeping
// escrows whose holding period has elapsed.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adomako/akatua/internal/cache"
	"github.com/adomako/akatua/internal/gateway"
	"github.com/adomako/akatua/internal/ledger"
	"github.com/adomako/akatua/internal/logging"
	"github.com/adomako/akatua/internal/metrics"
	"github.com/adomako/akatua/internal/notify"
	"github.com/adomako/akatua/internal/realtime"
	"github.com/adomako/akatua/internal/syncutil"
	"github.com/adomako/akatua/internal/traces"
)

var (
	// ErrAlreadyReleased means the escrow left pending before this
	// attempt. Callers racing the scheduler treat it as success.
	ErrAlreadyReleased = errors.New("escrow already released")

	// ErrNotDelivered blocks buyer confirmation until the order is
	// marked delivered.
	ErrNotDelivered = errors.New("order is not delivered yet")

	// ErrNotOrderBuyer rejects confirmation by anyone but the buyer.
	ErrNotOrderBuyer = errors.New("only the order's buyer may confirm receipt")

	// ErrDisputeOpen blocks release while a dispute is pending.
	ErrDisputeOpen = errors.New("release blocked by open dispute")

	// ErrNoPayoutAccount means the seller has no payout destination on
	// file. The escrow is parked FAILED for operators to fix.
	ErrNoPayoutAccount = errors.New("seller has no payout account")
)

// PayoutDirectory resolves a store to its processor payout recipient.
type PayoutDirectory interface {
	RecipientFor(ctx context.Context, storeID string) (string, error)
}

// MemoryDirectory is a map-backed PayoutDirectory.
type MemoryDirectory struct {
	mu         sync.RWMutex
	recipients map[string]string
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{recipients: make(map[string]string)}
}

func (d *MemoryDirectory) Put(storeID, recipient string) {
	d.mu.Lock()
	d.recipients[storeID] = recipient
	d.mu.Unlock()
}

func (d *MemoryDirectory) RecipientFor(_ context.Context, storeID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.recipients[storeID]
	if !ok {
		return "", ErrNoPayoutAccount
	}
	return r, nil
}

var _ PayoutDirectory = (*MemoryDirectory)(nil)

// Service releases escrowed funds.
type Service struct {
	store       ledger.Store
	gw          gateway.Client
	payouts     PayoutDirectory
	dispatcher  *notify.Dispatcher
	invalidator *cache.Invalidator
	hub         *realtime.Hub
	logger      *slog.Logger
	locks       syncutil.ShardedMutex // per-escrow locks, bounded memory
}

// NewService creates a new escrow release service. dispatcher,
// invalidator and hub may be nil.
func NewService(store ledger.Store, gw gateway.Client, payouts PayoutDirectory, dispatcher *notify.Dispatcher, invalidator *cache.Invalidator, hub *realtime.Hub, logger *slog.Logger) *Service {
	return &Service{
		store:       store,
		gw:          gw,
		payouts:     payouts,
		dispatcher:  dispatcher,
		invalidator: invalidator,
		hub:         hub,
		logger:      logger,
	}
}

// Get returns the escrow for an order.
func (s *Service) Get(ctx context.Context, orderID string) (*ledger.Escrow, error) {
	return s.store.GetEscrowByOrder(ctx, orderID)
}

// ConfirmReceipt is the buyer-initiated release. The order must be
// DELIVERED; a buyer cannot sign money away for goods still in
// transit.
func (s *Service) ConfirmReceipt(ctx context.Context, orderID, buyerID string) (*ledger.Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.confirm_receipt", traces.OrderID(orderID))
	defer span.End()

	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.BuyerID != buyerID {
		return nil, ErrNotOrderBuyer
	}

	escrow, err := s.store.GetEscrowByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	// An already-released escrow answers before the delivery check:
	// when the timer beat the buyer, the order may read COMPLETED and
	// "not delivered" would be nonsense.
	if escrow.ReleaseStatus != ledger.ReleasePending {
		return escrow, ErrAlreadyReleased
	}
	if order.Status != ledger.OrderDelivered {
		return nil, fmt.Errorf("%w: order is %s", ErrNotDelivered, order.Status)
	}

	return s.release(ctx, escrow, ledger.ReleasedToBuyerConfirmation, "buyer confirmed receipt")
}

// AutoRelease is the scheduler-initiated release for an escrow whose
// holding period elapsed. It deliberately ignores order status: a
// seller who never updates fulfillment still gets paid once the
// holding period passes, because the funds were verified at settlement.
func (s *Service) AutoRelease(ctx context.Context, escrow *ledger.Escrow) (*ledger.Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.auto_release", traces.EscrowID(escrow.ID))
	defer span.End()

	return s.release(ctx, escrow, ledger.ReleasedToAutoTimer, "holding period elapsed")
}

// release performs the guarded transfer. The in-process lock serializes
// confirm-vs-scheduler races; the store's compare-and-set on release
// status backs it across processes. The gateway call happens outside
// any database transaction; the CAS commits only after the transfer
// succeeded.
func (s *Service) release(ctx context.Context, escrow *ledger.Escrow, to ledger.ReleasedTo, reason string) (*ledger.Escrow, error) {
	log := logging.L(ctx)
	trigger := string(to)

	// Serialize confirm-vs-scheduler transitions on the same escrow.
	unlock := s.locks.Lock(escrow.ID)
	defer unlock()

	// Re-fetch under the lock; a racing release may have won.
	current, err := s.store.GetEscrow(ctx, escrow.ID)
	if err != nil {
		return nil, err
	}
	if current.ReleaseStatus != ledger.ReleasePending {
		metrics.EscrowReleasesTotal.WithLabelValues(trigger, "already_released").Inc()
		return current, ErrAlreadyReleased
	}

	if dispute, err := s.store.GetActiveDisputeByOrder(ctx, current.OrderID); err == nil && dispute.Status == ledger.DisputePending {
		metrics.EscrowReleasesTotal.WithLabelValues(trigger, "dispute_open").Inc()
		return nil, ErrDisputeOpen
	}

	order, err := s.store.GetOrder(ctx, current.OrderID)
	if err != nil {
		return nil, err
	}

	recipient, err := s.payouts.RecipientFor(ctx, order.StoreID)
	if err != nil {
		if errors.Is(err, ErrNoPayoutAccount) {
			if markErr := s.store.MarkEscrowFailed(ctx, current.ID, "no seller payment account"); markErr != nil {
				log.Error("marking escrow failed", "escrow_id", current.ID, "error", markErr)
			}
			metrics.EscrowReleasesTotal.WithLabelValues(trigger, "no_payout_account").Inc()
			log.Error("escrow release blocked, seller has no payout account",
				"escrow_id", current.ID, "store_id", order.StoreID)
		}
		return nil, err
	}

	if err := validateTransfer(current, recipient); err != nil {
		metrics.EscrowReleasesTotal.WithLabelValues(trigger, "invalid").Inc()
		return nil, err
	}

	_, err = s.gw.Transfer(ctx, gateway.TransferRequest{
		Recipient: recipient,
		Amount:    current.AmountHeld,
		Currency:  current.Currency,
		Reference: current.ID, // escrow ID doubles as the processor idempotency key
		Reason:    reason,
	})
	if err != nil {
		var declined *gateway.DeclinedError
		switch {
		case errors.Is(err, gateway.ErrUnavailable):
			// Breaker open: the request never left the process, so no
			// money can have moved. Leave pending for the next sweep.
			metrics.EscrowReleasesTotal.WithLabelValues(trigger, "unavailable").Inc()
			log.Warn("transfer skipped, gateway unavailable", "escrow_id", current.ID, "error", err)
		case errors.As(err, &declined):
			// Definitive rejection, no money moved.
			if markErr := s.store.MarkEscrowFailed(ctx, current.ID, "transfer declined: "+declined.Message); markErr != nil {
				log.Error("marking escrow failed after decline", "escrow_id", current.ID, "error", markErr)
			}
			metrics.EscrowReleasesTotal.WithLabelValues(trigger, "declined").Inc()
		default:
			// Timeout, 5xx, or a connection error after the request may
			// have been submitted. Outcome unknown; park the escrow
			// FAILED so no second transfer is attempted before an
			// operator reconciles against the processor.
			failReason := "transfer failed, outcome unknown"
			outcome := "error"
			if errors.Is(err, gateway.ErrTimeout) {
				failReason = "transfer timed out, outcome unknown"
				outcome = "timeout"
			}
			if markErr := s.store.MarkEscrowFailed(ctx, current.ID, failReason); markErr != nil {
				log.Error("marking escrow failed", "escrow_id", current.ID, "error", markErr)
			}
			metrics.EscrowReleasesTotal.WithLabelValues(trigger, outcome).Inc()
			log.Error("transfer failed with unknown outcome",
				"escrow_id", current.ID, "amount", current.AmountHeld, "error", err)
		}
		return nil, err
	}

	now := time.Now()
	if err := s.store.ReleaseEscrow(ctx, current.ID, to, reason, now); err != nil {
		if errors.Is(err, ledger.ErrEscrowNotPending) {
			// Transfer succeeded but another process won the CAS.
			// Flag loudly: this is the double-payout scenario the
			// escrow ID reference exists to let the processor dedupe.
			log.Error("release CAS lost after successful transfer",
				"escrow_id", current.ID, "trigger", trigger)
			return nil, ErrAlreadyReleased
		}
		log.Error("recording escrow release", "escrow_id", current.ID, "error", err)
		return nil, err
	}

	metrics.EscrowReleasesTotal.WithLabelValues(trigger, "ok").Inc()
	metrics.EscrowHeldDuration.Observe(now.Sub(current.CreatedAt).Hours())
	log.Info("escrow released",
		"escrow_id", current.ID,
		"order_id", current.OrderID,
		"amount", current.AmountHeld,
		"trigger", trigger)

	released, err := s.store.GetEscrow(ctx, current.ID)
	if err != nil {
		released = current
	}
	s.afterRelease(ctx, order, released)
	return released, nil
}

func validateTransfer(e *ledger.Escrow, recipient string) error {
	var missing []string
	if e.AmountHeld <= 0 {
		missing = append(missing, "amount")
	}
	if e.Currency == "" {
		missing = append(missing, "currency")
	}
	if recipient == "" {
		missing = append(missing, "recipient")
	}
	if len(missing) > 0 {
		return fmt.Errorf("transfer preconditions missing: %v", missing)
	}
	return nil
}

func (s *Service) afterRelease(ctx context.Context, order *ledger.Order, escrow *ledger.Escrow) {
	if s.invalidator != nil {
		s.invalidator.EscrowChanged(ctx, order.ID, order.BuyerID, order.StoreID)
	}
	if s.hub != nil {
		s.hub.Publish(realtime.EventEscrowReleased, map[string]interface{}{
			"orderId":  order.ID,
			"storeId":  order.StoreID,
			"escrowId": escrow.ID,
			"amount":   escrow.AmountHeld,
			"trigger":  string(escrow.ReleasedTo),
		})
	}
	if s.dispatcher != nil {
		s.dispatcher.Enqueue(ctx, notify.Notification{
			UserID:  order.BuyerID,
			Kind:    notify.KindEscrowReleased,
			Title:   "Order complete",
			Body:    "Payment has been released to the seller.",
			OrderID: order.ID,
		})
	}
}
