// Package relay is an embeddable HTTP/1.x forward proxy that gives its
// host program three hook points — on connect, on CONNECT tunnel
// establishment, and on request-complete — from which a deterministic
// per-connection delay can be injected before the proxy forwards another
// byte. It does no routing or header rewriting: bytes cross byte-for-byte
// in both directions (spec.md §6).
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/relaycore/relay/internal/config"
	"github.com/relaycore/relay/internal/connection"
	"github.com/relaycore/relay/internal/lifecycle"
	"github.com/relaycore/relay/internal/logger"
	"github.com/relaycore/relay/internal/metrics"
	"github.com/relaycore/relay/internal/relayerrors"
	"github.com/relaycore/relay/pkg/format"
	"github.com/relaycore/relay/pkg/nerdstats"
	"github.com/relaycore/relay/reactor"
)

// runState mirrors the teacher's atomic lifecycle flag pattern, tracking
// the three states initialize/start/stop move a Proxy through.
type runState int32

const (
	stateInit runState = iota
	stateRunning
	stateStopped
)

// Callbacks is the host-supplied hook table, handed to SetCallbacks before
// Start. Every hook runs synchronously on the proxy's single reactor
// goroutine and must not block.
type Callbacks struct {
	// OnConnect fires once per accepted client connection.
	OnConnect func(h *ConnHandle)
	// OnDirectConnect fires once a CONNECT tunnel's origin socket has
	// connected, just before the 200 response is written to the client.
	OnDirectConnect func(h *ConnHandle)
	// OnRequestComplete fires once a non-CONNECT request (headers and any
	// body) has been fully received and is about to be forwarded.
	OnRequestComplete func(h *ConnHandle)
}

// ConnHandle is the restricted view of a live connection a hook receives:
// it may read back the owning Proxy and request a one-shot delay, nothing
// more (spec.md §6's connection-handle API).
type ConnHandle struct {
	inner *connection.Handle
}

// GetProxy returns the Proxy that accepted this connection.
func (h *ConnHandle) GetProxy() *Proxy { return h.inner.GetProxy().(*Proxy) }

// InsertPause arms a one-shot delay: both endpoints stop delivering reads
// for duration, then resume exactly where the driver left off (spec.md
// §4.4). Calling it more than once before the pause is armed overwrites
// the pending duration; it does not stack.
func (h *ConnHandle) InsertPause(duration time.Duration) { h.inner.InsertPause(duration) }

// Proxy is one embeddable forward-proxy instance: one listener, one
// reactor goroutine, one connection arena.
type Proxy struct {
	cfg    *config.Config
	logger *slog.Logger
	logCleanup func()
	metrics metrics.Recorder

	loop     *reactor.EventLoop
	listener *reactor.Listener
	table    *connection.Table
	events   *lifecycle.Bus

	hooks     Callbacks
	state     atomic.Int32
	startedAt time.Time
}

func (p *Proxy) setState(s runState) { p.state.Store(int32(s)) }
func (p *Proxy) getState() runState  { return runState(p.state.Load()) }

// Init binds a listener at bindAddress (port 0 picks a kernel-assigned
// port) and returns a Proxy ready for SetCallbacks and Start. Any socket
// or DNS-base creation error is surfaced here, synchronously, per spec.md
// §6 and §7's ConfigError kind.
func Init(bindAddress string, opts ...Option) (*Proxy, error) {
	cfg := config.DefaultConfig()
	if bindAddress != "" {
		cfg.BindAddress = bindAddress
	}
	for _, opt := range opts {
		opt(cfg)
	}

	log, cleanup, err := logger.New(&logger.Config{
		Level:      cfg.Logging.Level,
		LogDir:     cfg.Logging.LogDir,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
		FileOutput: cfg.Logging.FileOutput,
		PrettyLogs: cfg.Logging.PrettyLogs,
	})
	if err != nil {
		return nil, relayerrors.NewConfigError("logging", err)
	}

	loop := reactor.NewEventLoop(256)
	listener, err := reactor.Listen(loop, cfg.BindAddress)
	if err != nil {
		cleanup()
		return nil, relayerrors.NewConfigError("bind_address", err)
	}

	p := &Proxy{
		cfg:        cfg,
		logger:     log,
		logCleanup: cleanup,
		metrics:    metrics.NoopRecorder{},
		loop:       loop,
		listener:   listener,
		table:      connection.NewTable(),
		events:     lifecycle.NewBus(),
	}
	p.setState(stateInit)
	return p, nil
}

// Option configures a Proxy's config at Init time.
type Option func(*config.Config)

// WithBindAddress overrides the address Init binds to the config-file or
// environment value a host might otherwise load via config.Load.
func WithBindAddress(addr string) Option {
	return func(cfg *config.Config) { cfg.BindAddress = addr }
}

// WithDefaultOriginPort sets the port dialed when a parsed request-target
// carries port 0. It does not apply to a request-target that omits its
// port: httpstream.ParseTarget already fills in 80 for those.
func WithDefaultOriginPort(port uint16) Option {
	return func(cfg *config.Config) { cfg.DefaultOriginPort = port }
}

// WithConnectTimeout bounds how long dialing the origin may take before
// the connection is torn down with a ResolutionError.
func WithConnectTimeout(d time.Duration) Option {
	return func(cfg *config.Config) { cfg.ConnectTimeout = d }
}

// SetCallbacks installs the hook table. Start captures the table once,
// when it wires the accept path; a SetCallbacks call made after Start has
// no effect on the running proxy.
func (p *Proxy) SetCallbacks(hooks Callbacks) {
	p.hooks = hooks
}

// WithMetricsRecorder installs r as the proxy's metrics sink. Call before
// Start.
func (p *Proxy) WithMetricsRecorder(r metrics.Recorder) {
	if r != nil {
		p.metrics = r
	}
}

// GetPort returns the bound listener port. Valid after Init, undefined
// (returns 0, ErrNotRunning) after Stop.
func (p *Proxy) GetPort() (int, error) {
	if p.getState() == stateStopped {
		return 0, ErrNotRunning
	}
	if tcpAddr, ok := p.listener.Addr().(*net.TCPAddr); ok {
		return tcpAddr.Port, nil
	}
	return 0, relayerrors.NewConfigError("bind_address", fmt.Errorf("listener address is not TCP: %v", p.listener.Addr()))
}

// Running reports whether Start's reactor loop is currently active.
func (p *Proxy) Running() bool {
	return p.loop.Running()
}

// Start wires the accept path and blocks the calling goroutine running
// the reactor until Stop is called, per spec.md §6's start/stop contract.
func (p *Proxy) Start() error {
	deps := &connection.Deps{
		Loop:   p.loop,
		Logger: p.logger,
		Metrics: p.metrics,
		Events: p.events,
		ConnectTimeout:    p.cfg.ConnectTimeout,
		DefaultOriginPort: p.cfg.DefaultOriginPort,
		Hooks: connection.Hooks{
			OnConnect:         p.wrapHook(p.hooks.OnConnect),
			OnDirectConnect:   p.wrapHook(p.hooks.OnDirectConnect),
			OnRequestComplete: p.wrapHook(p.hooks.OnRequestComplete),
		},
	}

	p.listener.OnAccept(func(ep *reactor.Endpoint) {
		connection.Accept(deps, p.table, ep, p)
	})

	p.startedAt = time.Now()
	p.setState(stateRunning)
	p.loop.Run()
	p.setState(stateStopped)
	if p.logCleanup != nil {
		p.logCleanup()
	}
	return nil
}

// Stop requests the reactor loop to exit after its current iteration.
// Safe to call more than once and from any goroutine, including from
// inside a hook.
func (p *Proxy) Stop() {
	p.setState(stateStopped)
	p.loop.Stop()
	_ = p.listener.Close()
	p.events.Shutdown()
}

// Subscribe returns a channel of connection lifecycle events (accepted,
// direct-connected, request-complete, closed) beyond the three hooks in
// Callbacks — useful for a host that wants observability without gating
// the hot path on its own callback latency. Once ctx is cancelled or the
// returned cleanup func is called no further events are delivered; the
// channel itself is not closed.
func (p *Proxy) Subscribe(ctx context.Context) (<-chan lifecycle.Event, func()) {
	return p.events.Subscribe(ctx)
}

// ConnectionCount reports the number of connections currently live in the
// arena. Safe to call from any goroutine.
func (p *Proxy) ConnectionCount() int { return p.table.Len() }

// LogStats emits a Go runtime snapshot (heap, GC, goroutines) at Info
// level, the way the teacher's main.go reports process stats on shutdown.
// Useful for a host to call periodically or on its own shutdown hook.
func (p *Proxy) LogStats() {
	stats := nerdstats.Snapshot(p.startedAt)
	p.logger.Info("proxy runtime stats",
		"connections", p.ConnectionCount(),
		"heap_alloc", format.Bytes(stats.HeapAlloc),
		"heap_inuse", format.Bytes(stats.HeapInuse),
		"num_goroutines", stats.NumGoroutines,
		"goroutine_health", stats.GetGoroutineHealthStatus(),
		"memory_pressure", stats.GetMemoryPressure(),
		"uptime", format.Duration(stats.Uptime),
	)
}

func (p *Proxy) wrapHook(fn func(h *ConnHandle)) func(h *connection.Handle) {
	if fn == nil {
		return nil
	}
	return func(ih *connection.Handle) {
		fn(&ConnHandle{inner: ih})
	}
}

// ErrNotRunning is returned by GetPort once the proxy has stopped.
var ErrNotRunning = fmt.Errorf("relay: proxy is not running")
