package connection

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/relaycore/relay/internal/httpstream"
	"github.com/relaycore/relay/internal/lifecycle"
	"github.com/relaycore/relay/internal/relayerrors"
	"github.com/relaycore/relay/reactor"
)

// side is one of the two byte streams a Connection owns — (client
// endpoint, origin endpoint) from spec.md §3's data model.
type side struct {
	ep         *reactor.Endpoint
	buffer     []byte
	peekOffset int
	// skip accumulates bytes already handed to parser.Execute while still
	// in PhaseRecv but not yet classified into peekOffset — a request
	// line split across multiple client reads advances this each call
	// without touching buffer, so those bytes are never resubmitted to
	// the parser and never dropped before connect (mirrors the C
	// original's conn->source_state.skip in pproxy_connection.c).
	skip   int
	parser *httpstream.Parser
}

// Connection is the central entity: phase, the client/origin endpoint
// pair, their buffered extents, two parser instances, and an optional
// per-connection delay. Every field is touched only from the reactor
// goroutine that owns deps.Loop — see the package doc.
type Connection struct {
	ID    ConnID
	Phase Phase

	client side
	origin *side // absent until Connecting succeeds (I1)

	method string
	target httpstream.Target

	pauseRequested bool
	pauseDuration  time.Duration
	timer          *reactor.Timer

	proxyRef any
	deps     *Deps
	table    *Table

	torndown  bool
	closeOnce sync.Once
	done      chan struct{}
}

// Accept creates a Connection for a freshly accepted client socket, wires
// its request parser, stores it in table, and fires on_connect before
// enabling reads — exactly the lifecycle spec.md §3 describes ("Created
// when the listener accepts a TCP socket → phase Recv, parsers
// initialized, client endpoint armed for read").
func Accept(deps *Deps, table *Table, clientEP *reactor.Endpoint, proxyRef any) *Connection {
	c := &Connection{
		ID:       ConnID(uuid.NewString()),
		Phase:    PhaseRecv,
		deps:     deps,
		table:    table,
		proxyRef: proxyRef,
		done:     make(chan struct{}),
	}
	c.client.ep = clientEP
	c.client.parser = httpstream.New(httpstream.ModeRequest, httpstream.Events{
		OnURL:             c.onClientURL,
		OnMessageComplete: c.onClientRequestComplete,
	})

	table.store(c)
	deps.metrics().ConnectionAccepted()
	deps.Events.Publish(lifecycle.Event{Kind: lifecycle.KindAccepted, ID: string(c.ID), Phase: c.Phase.String()})

	clientEP.SetCallbacks(c.onClientReadable, nil, c.onClientClosed)

	if deps.Hooks.OnConnect != nil {
		deps.Hooks.OnConnect(&Handle{conn: c})
	}
	if c.pauseRequested {
		c.armPause()
	} else {
		clientEP.EnableRead()
	}
	return c
}

// Done returns a channel closed exactly once teardown completes, so a
// caller can detect teardown without a goroutine-leak checker.
func (c *Connection) Done() <-chan struct{} { return c.done }

func (c *Connection) onClientClosed(err error) {
	if c.Phase == PhaseComplete {
		// Expected: client dropped the socket after the final flush.
		c.teardown(nil)
		return
	}
	c.teardown(relayerrors.NewTransportError("client", err))
}

func (c *Connection) onOriginClosed(err error) {
	if c.Phase == PhaseDirect {
		// Either side closing a tunnel ends the whole connection.
		c.teardown(relayerrors.NewTransportError("origin", err))
		return
	}
	if c.Phase == PhaseForward || c.Phase == PhaseComplete {
		// Origin closing after it finished sending is the normal
		// body-until-close completion path for framing-less responses.
		if c.Phase == PhaseForward {
			c.Phase = PhaseComplete
			c.scheduleTeardownAfterDrain()
			return
		}
		return
	}
	c.teardown(relayerrors.NewTransportError("origin", err))
}

// teardown releases both endpoints and the timer and removes the
// connection from the arena. Safe to call more than once; per §7 all
// per-connection errors are recovered here without affecting the reactor.
func (c *Connection) teardown(cause error) {
	c.closeOnce.Do(func() {
		c.torndown = true
		if c.timer != nil {
			c.timer.Cancel()
			c.timer = nil
		}
		_ = c.client.ep.Close()
		if c.origin != nil {
			_ = c.origin.ep.Close()
		}
		c.table.delete(c.ID)
		c.deps.metrics().ConnectionClosed()
		c.deps.Events.Publish(lifecycle.Event{Kind: lifecycle.KindClosed, ID: string(c.ID), Phase: c.Phase.String()})
		if cause != nil {
			c.deps.logger().Debug("connection torn down",
				"conn_id", string(c.ID), "phase", c.Phase.String(), "cause", cause)
			switch cause.(type) {
			case *relayerrors.ResolutionError:
				c.deps.metrics().ResolutionErrorOccurred()
			case *relayerrors.TransportError:
				c.deps.metrics().TransportErrorOccurred(sideOf(cause))
			case *relayerrors.ParseError:
				c.deps.metrics().ParseErrorOccurred()
			}
		}
		close(c.done)
	})
}

func sideOf(err error) string {
	if te, ok := err.(*relayerrors.TransportError); ok {
		return te.Side
	}
	return "unknown"
}

// teardownParseError converts a parser failure into a ParseError teardown.
// Any parse error other than the parser's own internal pause signal is
// fatal to the connection per spec.md §4.1.
func (c *Connection) teardownParseError(cause error) {
	c.teardown(relayerrors.NewParseError(cause))
}

// recoverPhaseViolation is installed via defer at the top of every
// externally-triggered entry point into the driver (readable/connect/timer
// callbacks), converting an internal assertion failure into a connection
// teardown instead of crashing the reactor goroutine — the one place this
// module recovers panics, mirroring the teacher's single top-level
// recover() around request dispatch.
func (c *Connection) recoverPhaseViolation() {
	if r := recover(); r != nil {
		var err error
		if pv, ok := r.(*relayerrors.PhaseViolation); ok {
			err = pv
		} else {
			err = fmt.Errorf("connection: panic in driver: %v", r)
		}
		c.deps.logger().Error("recovered panic in driver",
			"conn_id", string(c.ID), "phase", c.Phase.String(), "error", err)
		c.teardown(err)
	}
}
