package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ErrDropped is returned when the delivery buffer is full.
var ErrDropped = errors.New("notify: buffer full, event dropped")

type delivery struct {
	channel string
	ev      Event
}

// Async decouples publishers from a slow Notifier. Publish never blocks;
// a single goroutine started by Run delivers events in order.
type Async struct {
	next    Notifier
	queue   chan delivery
	timeout time.Duration
}

// NewAsync wraps next with a buffer of size events. Each delivery gets timeout.
func NewAsync(next Notifier, size int, timeout time.Duration) *Async {
	if size <= 0 {
		size = 1
	}
	return &Async{next: next, queue: make(chan delivery, size), timeout: timeout}
}

// Publish enqueues the event.
func (a *Async) Publish(_ context.Context, channel string, ev Event) error {
	select {
	case a.queue <- delivery{channel: channel, ev: ev}:
		return nil
	default:
		slog.Warn("dropping event", "tag", "notify", "channel", channel, "event", ev.Name)
		return ErrDropped
	}
}

// Run delivers queued events until ctx is cancelled.
func (a *Async) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-a.queue:
			a.deliver(ctx, d)
		}
	}
}

func (a *Async) deliver(ctx context.Context, d delivery) {
	dctx := ctx
	if a.timeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	if err := a.next.Publish(dctx, d.channel, d.ev); err != nil {
		slog.Error("event delivery failed", "tag", "notify", "channel", d.channel, "event", d.ev.Name, "err", err)
	}
}
