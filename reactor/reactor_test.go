package reactor

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLoop(t *testing.T) *EventLoop {
	t.Helper()
	l := NewEventLoop(32)
	go l.Run()
	t.Cleanup(func() {
		l.Stop()
	})
	// Give Run a moment to flip running.
	deadline := time.Now().Add(time.Second)
	for !l.Running() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	return l
}

func TestListener_AcceptAndEcho(t *testing.T) {
	l := newTestLoop(t)

	ls, err := Listen(l, "127.0.0.1:0")
	require.NoError(t, err)
	defer ls.Close()

	accepted := make(chan *Endpoint, 1)
	ls.OnAccept(func(ep *Endpoint) {
		ep.SetCallbacks(func(data []byte) {
			_ = ep.Write(data)
		}, nil, nil)
		ep.EnableRead()
		accepted <- ep
	})

	conn, err := net.Dial("tcp", ls.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	select {
	case <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accept")
	}

	_, err = conn.Write([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 5)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
}

func TestEndpoint_DisableRead_BuffersThenFlushes(t *testing.T) {
	l := newTestLoop(t)
	ls, err := Listen(l, "127.0.0.1:0")
	require.NoError(t, err)
	defer ls.Close()

	got := make(chan string, 4)
	ready := make(chan *Endpoint, 1)
	ls.OnAccept(func(ep *Endpoint) {
		ep.SetCallbacks(func(data []byte) {
			got <- string(data)
		}, nil, nil)
		ep.DisableRead()
		ready <- ep
	})

	conn, err := net.Dial("tcp", ls.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	var ep *Endpoint
	select {
	case ep = <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accept")
	}

	_, err = conn.Write([]byte("buffered"))
	require.NoError(t, err)

	select {
	case <-got:
		t.Fatal("callback fired while read disabled")
	case <-time.After(200 * time.Millisecond):
	}

	ep.EnableRead()
	select {
	case s := <-got:
		assert.Equal(t, "buffered", s)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for flushed data")
	}
}

func TestTimer_FiresOnLoopGoroutine(t *testing.T) {
	l := newTestLoop(t)
	fired := make(chan struct{})
	AfterFunc(l, 10*time.Millisecond, func() {
		close(fired)
	})
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
}

func TestTimer_Cancel(t *testing.T) {
	l := newTestLoop(t)
	fired := make(chan struct{})
	timer := AfterFunc(l, 50*time.Millisecond, func() {
		close(fired)
	})
	ok := timer.Cancel()
	assert.True(t, ok)

	select {
	case <-fired:
		t.Fatal("cancelled timer fired")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestDialOrigin_ConnectsToLocalListener(t *testing.T) {
	l := newTestLoop(t)

	origin, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer origin.Close()

	acceptedOrigin := make(chan net.Conn, 1)
	go func() {
		c, err := origin.Accept()
		if err == nil {
			acceptedOrigin <- c
		}
	}()

	host, portStr, err := net.SplitHostPort(origin.Addr().String())
	require.NoError(t, err)
	var port int
	_, err = fmt.Sscan(portStr, &port)
	require.NoError(t, err)

	ep, err := DialOrigin(context.Background(), l, host, uint16(port), time.Second)
	require.NoError(t, err)
	defer ep.Close()

	select {
	case c := <-acceptedOrigin:
		c.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("origin never accepted")
	}
}

func TestEventLoop_PostRunsOnLoopGoroutine(t *testing.T) {
	l := newTestLoop(t)
	done := make(chan struct{})
	l.Post(func() {
		close(done)
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("posted func never ran")
	}
}
