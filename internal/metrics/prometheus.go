package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder is the default Recorder backing, registering its
// collectors on the supplied registry (or the global default registry when
// reg is nil).
type PrometheusRecorder struct {
	connectionsAccepted prometheus.Counter
	connectionsClosed   prometheus.Counter
	bytesForwarded      *prometheus.CounterVec
	pausesInserted      prometheus.Counter
	parseErrors         prometheus.Counter
	connectTunnels      prometheus.Counter
	resolutionErrors    prometheus.Counter
	transportErrors     *prometheus.CounterVec
}

// NewPrometheusRecorder creates and registers a PrometheusRecorder. Pass
// nil to register against prometheus.DefaultRegisterer.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	r := &PrometheusRecorder{
		connectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "connections_accepted_total",
			Help:      "Total inbound connections accepted by the proxy.",
		}),
		connectionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "connections_closed_total",
			Help:      "Total connections torn down (any reason).",
		}),
		bytesForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "bytes_forwarded_total",
			Help:      "Bytes forwarded between client and origin.",
		}, []string{"direction"}),
		pausesInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "pauses_inserted_total",
			Help:      "Total delay pauses inserted by hooks.",
		}),
		parseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "parse_errors_total",
			Help:      "Total HTTP framing parse errors.",
		}),
		connectTunnels: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "connect_tunnels_opened_total",
			Help:      "Total CONNECT tunnels opened.",
		}),
		resolutionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "resolution_errors_total",
			Help:      "Total origin dial/DNS resolution failures.",
		}),
		transportErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "transport_errors_total",
			Help:      "Total transport-level read/write errors.",
		}, []string{"side"}),
	}

	reg.MustRegister(
		r.connectionsAccepted,
		r.connectionsClosed,
		r.bytesForwarded,
		r.pausesInserted,
		r.parseErrors,
		r.connectTunnels,
		r.resolutionErrors,
		r.transportErrors,
	)

	return r
}

func (r *PrometheusRecorder) ConnectionAccepted() { r.connectionsAccepted.Inc() }
func (r *PrometheusRecorder) ConnectionClosed()   { r.connectionsClosed.Inc() }

func (r *PrometheusRecorder) BytesForwarded(direction Direction, n int) {
	label := "client_to_origin"
	if direction == DirectionOriginToClient {
		label = "origin_to_client"
	}
	r.bytesForwarded.WithLabelValues(label).Add(float64(n))
}

func (r *PrometheusRecorder) PauseInserted()           { r.pausesInserted.Inc() }
func (r *PrometheusRecorder) ParseErrorOccurred()      { r.parseErrors.Inc() }
func (r *PrometheusRecorder) ConnectTunnelOpened()     { r.connectTunnels.Inc() }
func (r *PrometheusRecorder) ResolutionErrorOccurred() { r.resolutionErrors.Inc() }

func (r *PrometheusRecorder) TransportErrorOccurred(side string) {
	r.transportErrors.WithLabelValues(side).Inc()
}

var _ Recorder = (*PrometheusRecorder)(nil)
