package connection

import (
	"log/slog"
	"time"

	"github.com/relaycore/relay/internal/lifecycle"
	"github.com/relaycore/relay/internal/metrics"
	"github.com/relaycore/relay/reactor"
)

// Deps carries everything a Connection needs from its owning proxy without
// this package importing the root package (which depends on this one).
type Deps struct {
	Loop           *reactor.EventLoop
	Hooks          Hooks
	Metrics        metrics.Recorder
	Events         *lifecycle.Bus
	Logger         *slog.Logger
	ConnectTimeout time.Duration
	// DefaultOriginPort is dialed only when the parsed target carries
	// port 0. httpstream.ParseTarget already substitutes 80 for an
	// omitted port, so a request-target without a port always dials 80
	// and this value does not change that.
	DefaultOriginPort uint16
}

func (d *Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func (d *Deps) metrics() metrics.Recorder {
	if d.Metrics != nil {
		return d.Metrics
	}
	return metrics.NoopRecorder{}
}
