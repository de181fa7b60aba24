package connection

import (
	"context"

	"github.com/relaycore/relay/internal/httpstream"
	"github.com/relaycore/relay/internal/lifecycle"
	"github.com/relaycore/relay/internal/metrics"
	"github.com/relaycore/relay/internal/relayerrors"
	"github.com/relaycore/relay/reactor"
)

const directEstablishedResponse = "HTTP/1.1 200 Connection established\r\n\r\n"

// onClientReadable is the client endpoint's readable callback: append the
// fresh extent and drive. This is one of the two driver entry points named
// in spec.md §2.4 ("invoked whenever the reactor delivers readable bytes
// to the client endpoint, and once after the origin endpoint finishes
// connecting" — the latter is drive() called directly from
// onOriginConnected).
func (c *Connection) onClientReadable(data []byte) {
	c.client.buffer = append(c.client.buffer, data...)
	c.drive()
}

// drive implements the driver contract of spec.md §4.2: a replay pass
// followed by an advance pass walking the buffer extent by extent,
// consulting the phase-after-parse-step action table.
func (c *Connection) drive() {
	defer c.recoverPhaseViolation()
	if c.torndown {
		return
	}

	if c.client.peekOffset > 0 {
		prefix := c.client.buffer[:c.client.peekOffset]
		rest := c.client.buffer[c.client.peekOffset:]
		c.client.peekOffset = 0
		discard := c.Phase == PhaseDirectParsing || c.Phase == PhaseDirect
		c.client.buffer = rest
		if !discard {
			if !c.writeOrigin(prefix) {
				return
			}
		}
	}

	for len(c.client.buffer) > 0 {
		if c.pauseRequested {
			c.armPause()
			return
		}

		switch c.Phase {
		case PhaseRecv, PhaseRecvForward, PhaseDirectParsing:
			before := c.client.buffer[c.client.skip:]
			n, err := c.client.parser.Execute(before)
			if err != nil {
				c.teardownParseError(err)
				return
			}

			if c.Phase == PhaseConnecting {
				// URL event fired mid-call: these bytes (skip accumulated
				// over any earlier incomplete-line calls, plus this
				// call's n) are parsed-but-not-written until connect
				// succeeds (I2/P7).
				c.client.peekOffset = c.client.skip + n
				c.client.skip = 0
				return
			}

			if c.Phase == PhaseRecv {
				// Request line split across reads: the parser consumed n
				// more bytes into its internal line buffer without
				// completing the start line. These bytes must still
				// reach the origin once we connect, so keep them
				// buffered and accumulate skip instead of slicing them
				// out of client.buffer or dropping them here (I4, P1).
				c.client.skip += n
				return
			}

			parsed := before[:n]
			c.client.buffer = before[n:]
			c.client.skip = 0

			switch c.Phase {
			case PhaseRecvForward:
				if !c.writeOrigin(parsed) {
					return
				}
			case PhaseForward:
				if !c.writeOrigin(parsed) {
					return
				}
				return
			case PhaseDirectParsing:
				// leave residual: these are the CONNECT request's own
				// header bytes, never forwarded to anything (I4b).
			case PhaseDirect:
				// message-complete just transitioned us here; nothing
				// in `parsed` is tunnel payload, loop to pick up
				// whatever remains in the buffer as payload.
			case PhaseComplete:
				panic(relayerrors.NewPhaseViolation("driver", "non-Complete"))
			}

		case PhaseDirect:
			extent := c.client.buffer
			c.client.buffer = nil
			if !c.writeOrigin(extent) {
				return
			}

		case PhaseConnecting, PhaseForward:
			return // await connect completion / awaiting teardown write

		case PhaseComplete:
			panic(relayerrors.NewPhaseViolation("driver", "non-Complete"))
		}
	}
}

// writeOrigin forwards data to the origin endpoint, tearing the connection
// down on failure. Returns false if the write failed (caller should stop).
func (c *Connection) writeOrigin(data []byte) bool {
	if len(data) == 0 {
		return true
	}
	if err := c.origin.ep.Write(data); err != nil {
		c.teardown(relayerrors.NewTransportError("origin", err))
		return false
	}
	c.deps.metrics().BytesForwarded(metrics.DirectionClientToOrigin, len(data))
	return true
}

// onClientURL fires once the request line is parsed. Resolving the
// request-target and dialing the origin both happen off the reactor
// goroutine (DNS + TCP connect block); onOriginConnected resumes on the
// loop via Deps.Loop.Post.
func (c *Connection) onClientURL(method string, rawTarget []byte) error {
	target, err := httpstream.ParseTarget(method, rawTarget)
	if err != nil {
		return err
	}
	c.method = method
	c.target = target
	c.Phase = PhaseConnecting
	c.client.parser.Pause()
	c.client.ep.DisableRead()
	c.dialOrigin()
	return nil
}

func (c *Connection) dialOrigin() {
	host := c.target.Host
	port := c.target.Port
	if port == 0 {
		port = c.deps.DefaultOriginPort
	}
	if port == 0 {
		port = 80
	}
	loop := c.deps.Loop
	timeout := c.deps.ConnectTimeout

	go func() {
		ep, err := reactor.DialOrigin(context.Background(), loop, host, port, timeout)
		loop.Post(func() {
			c.onOriginConnected(ep, err)
		})
	}()
}

func (c *Connection) onOriginConnected(ep *reactor.Endpoint, err error) {
	defer c.recoverPhaseViolation()
	if c.torndown {
		if ep != nil {
			_ = ep.Close()
		}
		return
	}
	if err != nil {
		c.teardown(relayerrors.NewResolutionError(c.target.Host, err))
		return
	}

	c.origin = &side{ep: ep}

	if c.method == "CONNECT" {
		c.Phase = PhaseDirectParsing
		ep.SetCallbacks(nil, nil, c.onOriginClosed)
		c.deps.Events.Publish(lifecycle.Event{Kind: lifecycle.KindDirectConnected, ID: string(c.ID), Phase: c.Phase.String()})
		if c.deps.Hooks.OnDirectConnect != nil {
			c.deps.Hooks.OnDirectConnect(&Handle{conn: c})
		}
	} else {
		c.Phase = PhaseRecvForward
		c.origin.parser = httpstream.New(httpstream.ModeResponse, httpstream.Events{
			OnMessageComplete: c.onOriginResponseComplete,
		})
		ep.SetCallbacks(c.onOriginReadable, nil, c.onOriginClosed)
		ep.EnableRead()
	}

	c.client.parser.Resume()

	if c.pauseRequested {
		c.armPause()
		return
	}

	c.client.ep.EnableRead()
	c.drive()
}

// onClientRequestComplete fires when the request parser reaches the end of
// the request (headers for CONNECT, headers+body for everything else).
func (c *Connection) onClientRequestComplete() error {
	c.client.parser.Pause()

	switch c.Phase {
	case PhaseRecvForward:
		c.Phase = PhaseForward
		c.client.ep.DisableRead()
		c.deps.Events.Publish(lifecycle.Event{Kind: lifecycle.KindRequestComplete, ID: string(c.ID), Phase: c.Phase.String()})
		if c.deps.Hooks.OnRequestComplete != nil {
			c.deps.Hooks.OnRequestComplete(&Handle{conn: c})
		}
		if c.pauseRequested {
			c.armPause()
		}
	case PhaseDirectParsing:
		c.Phase = PhaseDirect
		c.deps.metrics().ConnectTunnelOpened()
		if err := c.client.ep.Write([]byte(directEstablishedResponse)); err != nil {
			return err
		}
		c.wireDirectCopy()
	default:
		panic(relayerrors.NewPhaseViolation("client-message-complete", "RecvForward or DirectParsing"))
	}
	return nil
}

func (c *Connection) wireDirectCopy() {
	c.origin.ep.SetCallbacks(c.onOriginReadable, nil, c.onOriginClosed)
	c.origin.ep.EnableRead()
}

// onOriginReadable forwards response bytes to the client byte-for-byte,
// independent of parse progress, then feeds the same bytes to the response
// parser purely to detect message boundaries (spec.md P2: response
// transparency is never gated on parser state).
func (c *Connection) onOriginReadable(data []byte) {
	defer c.recoverPhaseViolation()
	if c.torndown || c.Phase == PhaseComplete {
		return // excess tolerated; discarded per §4.1
	}

	if err := c.client.ep.Write(data); err != nil {
		c.teardown(relayerrors.NewTransportError("client", err))
		return
	}
	c.deps.metrics().BytesForwarded(metrics.DirectionOriginToClient, len(data))

	if c.Phase == PhaseDirect {
		return
	}
	if _, err := c.origin.parser.Execute(data); err != nil {
		c.teardownParseError(err)
	}
}

func (c *Connection) onOriginResponseComplete() error {
	switch c.Phase {
	case PhaseForward:
		c.Phase = PhaseComplete
		c.origin.ep.DisableRead()
		c.scheduleTeardownAfterDrain()
	case PhaseRecvForward:
		// Premature completion (Expect: 100-continue-like). No phase
		// change; the parser resets so it can recognize the real
		// response that follows (spec.md §4.3, SPEC_FULL.md §4).
		c.origin.parser.Reset()
	default:
		panic(relayerrors.NewPhaseViolation("origin-message-complete", "Forward or RecvForward"))
	}
	return nil
}

// scheduleTeardownAfterDrain implements I7: one trailing write to the
// client, then teardown. The body was already enqueued via Endpoint.Write
// before this runs; the endpoint's writable callback fires once that
// write drains.
func (c *Connection) scheduleTeardownAfterDrain() {
	c.client.ep.SetCallbacks(nil, func() {
		c.teardown(nil)
	}, c.onClientClosed)
}

// armPause implements §4.4: disable reads on both live endpoints and arm
// a one-shot timer; on fire, re-enable reads and invoke the driver once
// with whatever is now buffered.
func (c *Connection) armPause() {
	c.pauseRequested = false
	d := c.pauseDuration
	c.pauseDuration = 0

	c.client.ep.DisableRead()
	if c.origin != nil {
		c.origin.ep.DisableRead()
	}
	c.deps.metrics().PauseInserted()

	c.timer = reactor.AfterFunc(c.deps.Loop, d, func() {
		defer c.recoverPhaseViolation()
		c.timer = nil
		if c.torndown {
			return
		}
		c.client.ep.EnableRead()
		if c.origin != nil {
			c.origin.ep.EnableRead()
		}
		c.drive()
	})
}
