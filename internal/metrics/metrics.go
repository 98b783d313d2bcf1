// Package metrics exposes Prometheus instrumentation for the hub.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder exposes Prometheus metrics for the hub and checkpoint writer.
// A nil *Recorder is valid and records nothing.
type Recorder struct {
	connections     *prometheus.GaugeVec
	frames          *prometheus.CounterVec
	rejected        *prometheus.CounterVec
	forwarded       *prometheus.CounterVec
	outboundDropped prometheus.Counter
	evicted         prometheus.Counter
	checkpoints     *prometheus.CounterVec
	queueDepth      prometheus.Gauge
	gatherer        prometheus.Gatherer
}

// NewRecorder registers metrics with the provided registry.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	r := &Recorder{
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hub_connections",
			Help: "Live websocket connections by role",
		}, []string{"role"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_frames_total",
			Help: "Valid inbound frames by envelope type",
		}, []string{"type"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_frames_rejected_total",
			Help: "Inbound frames failing validation by reason",
		}, []string{"reason"}),
		forwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_commands_forwarded_total",
			Help: "Commands relayed to the vehicle by result",
		}, []string{"type", "result"}),
		outboundDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hub_outbound_dropped_total",
			Help: "Outbound frames dropped because a connection queue was full",
		}),
		evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hub_connections_evicted_total",
			Help: "Connections terminated by the heartbeat sweep",
		}),
		checkpoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "checkpoint_events_total",
			Help: "Checkpoint lifecycle events by kind and result",
		}, []string{"kind", "result"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "checkpoint_queue_depth",
			Help: "Checkpoint writes waiting for the writer",
		}),
		gatherer: reg,
	}
	reg.MustRegister(
		r.connections, r.frames, r.rejected, r.forwarded, r.outboundDropped,
		r.evicted, r.checkpoints, r.queueDepth,
	)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

func (r *Recorder) SetConnections(role string, n int) {
	if r == nil {
		return
	}
	r.connections.WithLabelValues(role).Set(float64(n))
}

func (r *Recorder) Frame(msgType string) {
	if r == nil {
		return
	}
	r.frames.WithLabelValues(msgType).Inc()
}

func (r *Recorder) Rejected(reason string) {
	if r == nil {
		return
	}
	r.rejected.WithLabelValues(reason).Inc()
}

func (r *Recorder) Forwarded(msgType string, ok bool) {
	if r == nil {
		return
	}
	result := "sent"
	if !ok {
		result = "no_target"
	}
	r.forwarded.WithLabelValues(msgType, result).Inc()
}

func (r *Recorder) OutboundDropped() {
	if r == nil {
		return
	}
	r.outboundDropped.Inc()
}

func (r *Recorder) Evicted() {
	if r == nil {
		return
	}
	r.evicted.Inc()
}

// Checkpoint records a checkpoint event. result is one of enqueued,
// throttled, written, failed or skipped.
func (r *Recorder) Checkpoint(kind, result string) {
	if r == nil {
		return
	}
	r.checkpoints.WithLabelValues(kind, result).Inc()
}

func (r *Recorder) SetQueueDepth(n int) {
	if r == nil {
		return
	}
	r.queueDepth.Set(float64(n))
}
