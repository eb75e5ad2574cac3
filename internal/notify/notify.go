// Package notify delivers buyer and seller notifications off the
// request path. Delivery is best effort: a full queue drops the
// notification with a log line rather than blocking settlement.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/adomako/akatua/internal/logging"
	"github.com/adomako/akatua/internal/metrics"
	"github.com/adomako/akatua/internal/retry"
)

// Kind labels what happened.
type Kind string

const (
	KindOrderConfirmed  Kind = "order_confirmed"
	KindPaymentFailed   Kind = "payment_failed"
	KindOrderCancelled  Kind = "order_cancelled"
	KindOrderStatus     Kind = "order_status"
	KindEscrowReleased  Kind = "escrow_released"
	KindDisputeOpened   Kind = "dispute_opened"
	KindDisputeResolved Kind = "dispute_resolved"
)

// Notification is one message for one user.
type Notification struct {
	UserID  string `json:"userId"`
	Kind    Kind   `json:"kind"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	OrderID string `json:"orderId,omitempty"`
}

// Sender performs the actual delivery (push, SMS, email).
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// Dispatcher queues notifications and delivers them from a single
// worker goroutine.
type Dispatcher struct {
	sender Sender
	logger *slog.Logger
	queue  chan Notification

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewDispatcher creates a dispatcher with the given queue depth.
func NewDispatcher(sender Sender, logger *slog.Logger, depth int) *Dispatcher {
	if depth <= 0 {
		depth = 256
	}
	return &Dispatcher{
		sender: sender,
		logger: logger,
		queue:  make(chan Notification, depth),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the delivery worker.
func (d *Dispatcher) Start() {
	go d.run()
}

// Stop drains nothing; queued notifications past the stop signal are
// dropped. Blocks until the worker exits.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
	<-d.done
}

// Enqueue submits a notification without blocking. Returns false when
// the queue is full and the notification was dropped.
func (d *Dispatcher) Enqueue(ctx context.Context, n Notification) bool {
	select {
	case d.queue <- n:
		return true
	default:
		metrics.NotificationsTotal.WithLabelValues("dropped").Inc()
		logging.L(ctx).Warn("notification queue full, dropping",
			"user_id", n.UserID, "kind", string(n.Kind))
		return false
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case <-d.stop:
			return
		case n := <-d.queue:
			// A flaky provider gets a couple of retries; a hard
			// rejection does not. Either way delivery stays best
			// effort and never blocks the queue for long.
			err := retry.Do(context.Background(), 3, 200*time.Millisecond, func() error {
				return d.sender.Send(context.Background(), n)
			})
			if err != nil {
				metrics.NotificationsTotal.WithLabelValues("error").Inc()
				d.logger.Error("notification delivery failed",
					"user_id", n.UserID, "kind", string(n.Kind), "error", err)
				continue
			}
			metrics.NotificationsTotal.WithLabelValues("sent").Inc()
		}
	}
}

// LogSender writes notifications to the log. Stands in for a push
// provider in development and tests.
type LogSender struct {
	Logger *slog.Logger
}

func (s *LogSender) Send(_ context.Context, n Notification) error {
	s.Logger.Info("notification",
		"user_id", n.UserID, "kind", string(n.Kind), "title", n.Title, "order_id", n.OrderID)
	return nil
}

var _ Sender = (*LogSender)(nil)
