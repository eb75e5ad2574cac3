package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/adomako/akatua/internal/ledger"
	"github.com/adomako/akatua/internal/metrics"
)

// Scheduler periodically sweeps escrows whose holding period elapsed
// and auto-releases them. It is the backstop for buyers who never
// confirm receipt.
type Scheduler struct {
	service  *Service
	store    ledger.Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewScheduler creates the auto-release sweeper.
func NewScheduler(service *Service, store ledger.Store, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	return &Scheduler{
		service:  service,
		store:    store,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the scheduler to stop.
func (s *Scheduler) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Scheduler) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in escrow scheduler", "panic", fmt.Sprint(r))
		}
	}()
	s.Sweep(ctx)
}

// Sweep releases every escrow past its release date. Exported so tests
// and the admin surface can force a pass without waiting for the
// ticker.
func (s *Scheduler) Sweep(ctx context.Context) {
	metrics.SchedulerSweepsTotal.Inc()

	due, err := s.store.ListReleasableEscrows(ctx, time.Now(), 100)
	if err != nil {
		s.logger.Warn("failed to list releasable escrows", "error", err)
		return
	}

	for _, escrow := range due {
		if _, err := s.service.AutoRelease(ctx, escrow); err != nil {
			switch {
			case errors.Is(err, ErrAlreadyReleased):
				// Buyer confirmed between the list and the release.
				s.logger.Debug("escrow released concurrently", "escrow_id", escrow.ID)
			case errors.Is(err, ErrDisputeOpen):
				s.logger.Debug("escrow blocked by dispute", "escrow_id", escrow.ID)
			case errors.Is(err, ledger.ErrEscrowNotPending):
				s.logger.Debug("escrow no longer pending", "escrow_id", escrow.ID)
			default:
				s.logger.Warn("failed to auto-release escrow",
					"escrow_id", escrow.ID,
					"error", err,
				)
			}
			continue
		}
		s.logger.Info("auto-released escrow",
			"escrow_id", escrow.ID,
			"order_id", escrow.OrderID,
			"amount", escrow.AmountHeld,
		)
	}
}
