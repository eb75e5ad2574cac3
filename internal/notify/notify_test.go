package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSender struct {
	mu       sync.Mutex
	got      []Notification
	err      error
	failures int // transient failures served before succeeding
	seen     chan struct{}
}

func (c *captureSender) Send(_ context.Context, n Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failures > 0 {
		c.failures--
		return errors.New("temporarily unavailable")
	}
	if c.err != nil {
		return c.err
	}
	c.got = append(c.got, n)
	select {
	case c.seen <- struct{}{}:
	default:
	}
	return nil
}

func TestDispatcherDelivers(t *testing.T) {
	sender := &captureSender{seen: make(chan struct{}, 1)}
	d := NewDispatcher(sender, slog.Default(), 8)
	d.Start()
	defer d.Stop()

	ok := d.Enqueue(context.Background(), Notification{
		UserID:  "usr_buyer001",
		Kind:    KindOrderConfirmed,
		Title:   "Order confirmed",
		OrderID: "ord_00000001",
	})
	require.True(t, ok)

	select {
	case <-sender.seen:
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	require.Len(t, sender.got, 1)
	assert.Equal(t, KindOrderConfirmed, sender.got[0].Kind)
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	// Worker never started, so the queue only drains by capacity.
	d := NewDispatcher(&captureSender{}, slog.Default(), 1)

	assert.True(t, d.Enqueue(context.Background(), Notification{UserID: "usr_a"}))
	assert.False(t, d.Enqueue(context.Background(), Notification{UserID: "usr_b"}))
}

func TestDispatcherRetriesTransientFailure(t *testing.T) {
	sender := &captureSender{failures: 1, seen: make(chan struct{}, 1)}
	d := NewDispatcher(sender, slog.Default(), 8)
	d.Start()
	defer d.Stop()

	d.Enqueue(context.Background(), Notification{UserID: "usr_a", Kind: KindEscrowReleased})

	select {
	case <-sender.seen:
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered after transient failure")
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	require.Len(t, sender.got, 1)
}

func TestDispatcherSurvivesSenderError(t *testing.T) {
	sender := &captureSender{err: errors.New("provider down"), seen: make(chan struct{}, 1)}
	d := NewDispatcher(sender, slog.Default(), 8)
	d.Start()

	d.Enqueue(context.Background(), Notification{UserID: "usr_a", Kind: KindPaymentFailed})
	time.Sleep(50 * time.Millisecond)
	d.Stop()

	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.Empty(t, sender.got)
}
