// Package lifecycle fans connection lifecycle events out to observers —
// logging, metrics exporters, test harnesses — without coupling them to
// the driver. It is a thin, typed wrapper around pkg/eventbus's lock-free
// pub/sub bus, kept in internal/ because the Event type's shape is
// specific to this proxy, not a reusable bus concern.
package lifecycle

import (
	"context"

	"github.com/relaycore/relay/pkg/eventbus"
)

// Kind identifies what happened to a connection.
type Kind int

const (
	KindAccepted Kind = iota
	KindDirectConnected
	KindRequestComplete
	KindClosed
)

func (k Kind) String() string {
	switch k {
	case KindAccepted:
		return "accepted"
	case KindDirectConnected:
		return "direct_connected"
	case KindRequestComplete:
		return "request_complete"
	case KindClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is one lifecycle transition for one connection. ID and Phase are
// plain strings (rather than connection.ConnID/connection.Phase) so this
// package has no dependency on internal/connection, which is what lets
// internal/connection import this package to publish without a cycle.
type Event struct {
	Kind  Kind
	ID    string
	Phase string
}

// Bus publishes Events to subscribers with best-effort delivery: a slow
// subscriber drops events rather than stalling the reactor goroutine that
// publishes them (Publish is non-blocking per subscriber channel).
type Bus struct {
	inner *eventbus.EventBus[Event]
}

// NewBus creates a lifecycle bus with the package's default buffering.
func NewBus() *Bus {
	return &Bus{inner: eventbus.New[Event]()}
}

// Publish fans out ev to every active subscriber, returning how many
// received it. Safe to call from the reactor goroutine: it never blocks on
// a slow or absent subscriber.
func (b *Bus) Publish(ev Event) int {
	if b == nil {
		return 0
	}
	return b.inner.Publish(ev)
}

// Subscribe returns a channel of future events and a cleanup func to stop
// receiving them. Once ctx is cancelled or cleanup is called no further
// events are delivered; the channel itself is not closed.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Event, func()) {
	return b.inner.Subscribe(ctx)
}

// Shutdown stops delivery to every subscriber (their channels are left
// open, not closed) and stops the bus's background cleanup goroutine.
func (b *Bus) Shutdown() {
	if b == nil {
		return
	}
	b.inner.Shutdown()
}

// Stats reports subscriber counts, useful for a host's own diagnostics.
func (b *Bus) Stats() eventbus.EventBusStats {
	if b == nil {
		return eventbus.EventBusStats{IsShutdown: true}
	}
	return b.inner.Stats()
}
