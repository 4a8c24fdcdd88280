// Package notify delivers match events to interested parties. Delivery is
// best-effort: callers log failures and carry on.
package notify

import (
	"context"
	"errors"
	"sync"
)

// Event names pushed to clients.
const (
	EventMatchFound      = "match-found"
	EventAnswerSubmitted = "answer-submitted"
	EventRoundCompleted  = "round-completed"
	EventMatchAbandoned  = "match-abandoned"
)

// Event is a named payload. Data must be JSON-encodable.
type Event struct {
	Name string
	Data any
}

// Envelope is the wire form of an event on every transport.
type Envelope struct {
	Channel string `json:"channel"`
	Event   string `json:"event"`
	Data    any    `json:"data"`
}

// Notifier publishes an event on a channel.
type Notifier interface {
	Publish(ctx context.Context, channel string, ev Event) error
}

// PlayerChannel is the channel addressed to one player.
func PlayerChannel(playerID string) string { return "player-" + playerID }

// MatchChannel is the channel shared by both players of a match.
func MatchChannel(matchID string) string { return "match-" + matchID }

// Func adapts a function to Notifier.
type Func func(ctx context.Context, channel string, ev Event) error

// Publish calls f.
func (f Func) Publish(ctx context.Context, channel string, ev Event) error { return f(ctx, channel, ev) }

// Nop discards every event.
var Nop Notifier = Func(func(context.Context, string, Event) error { return nil })

// Multi fans an event out to every notifier and joins their errors.
type Multi []Notifier

// Publish implements Notifier.
func (m Multi) Publish(ctx context.Context, channel string, ev Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Publish(ctx, channel, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Published is one event captured by a Recorder.
type Published struct {
	Channel string
	Event   Event
}

// Recorder keeps every published event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Published
	Err    error
}

// Publish implements Notifier. It records the event even when Err is set.
func (r *Recorder) Publish(_ context.Context, channel string, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Published{Channel: channel, Event: ev})
	return r.Err
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Published {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Published(nil), r.events...)
}

// Named returns the recorded events with the given name.
func (r *Recorder) Named(name string) []Published {
	var out []Published
	for _, p := range r.Events() {
		if p.Event.Name == name {
			out = append(out, p)
		}
	}
	return out
}
