// Package metrics exposes the control plane's Prometheus instrumentation:
// connection gauges, pub/sub backlog, broadcast latency, and the
// command-acceptance/rejection and auto-finish counters SPEC_FULL.md §4.8
// names. A single Registry is constructed at startup and threaded through
// the Hub, Command Router, and Broadcast Dispatcher.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every collector the control plane emits, registered
// against its own prometheus.Registry so /metrics never mixes in the
// process-level default collectors an imported library might register.
type Registry struct {
	registry *prometheus.Registry

	currentConnections prometheus.Gauge
	pubsubBacklog      prometheus.Gauge
	broadcastLatency   prometheus.Histogram
	messagesPublished  prometheus.Counter
	messagesBroadcast  prometheus.Counter
	commandsAccepted   *prometheus.CounterVec
	commandsRejected   *prometheus.CounterVec
	autoFinishTotal    *prometheus.CounterVec
}

// New constructs and registers every collector.
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		registry: reg,
		currentConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "current_ws_connections",
			Help: "Number of currently connected WebSocket clients.",
		}),
		pubsubBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pubsub_backlog",
			Help: "Approximate number of messages queued but not yet delivered across local subscriptions.",
		}),
		broadcastLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "broadcast_latency_ms",
			Help:    "Milliseconds between a command's acceptance and its broadcast to subscribers.",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		messagesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ws_messages_published",
			Help: "Total messages published onto the pub/sub bus.",
		}),
		messagesBroadcast: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ws_messages_broadcasted",
			Help: "Total messages broadcast to locally connected WebSocket clients.",
		}),
		commandsAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "commands_accepted_total",
			Help: "Total commands accepted by the match engine, labeled by command kind.",
		}, []string{"kind"}),
		commandsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "commands_rejected_total",
			Help: "Total commands rejected, labeled by rejection reason.",
		}, []string{"reason"}),
		autoFinishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auto_finish_total",
			Help: "Total matches auto-finished, labeled by cause.",
		}, []string{"cause"}),
	}
	reg.MustRegister(
		r.currentConnections,
		r.pubsubBacklog,
		r.broadcastLatency,
		r.messagesPublished,
		r.messagesBroadcast,
		r.commandsAccepted,
		r.commandsRejected,
		r.autoFinishTotal,
	)
	return r
}

// Gatherer exposes the underlying registry for the /metrics handler.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.registry }

// ConnectionOpened increments the live connection gauge.
func (r *Registry) ConnectionOpened() { r.currentConnections.Inc() }

// ConnectionClosed decrements the live connection gauge.
func (r *Registry) ConnectionClosed() { r.currentConnections.Dec() }

// SetPubsubBacklog records the current approximate backlog depth.
func (r *Registry) SetPubsubBacklog(depth int) { r.pubsubBacklog.Set(float64(depth)) }

// ObserveBroadcastLatency records the delay between acceptance and broadcast.
func (r *Registry) ObserveBroadcastLatency(d time.Duration) {
	r.broadcastLatency.Observe(float64(d.Milliseconds()))
}

// MessagePublished increments the pub/sub publish counter.
func (r *Registry) MessagePublished() { r.messagesPublished.Inc() }

// MessageBroadcast increments the local-fan-out broadcast counter.
func (r *Registry) MessageBroadcast() { r.messagesBroadcast.Inc() }

// CommandAccepted increments the accepted-commands counter for kind.
func (r *Registry) CommandAccepted(kind string) { r.commandsAccepted.WithLabelValues(kind).Inc() }

// CommandRejected increments the rejected-commands counter for reason.
func (r *Registry) CommandRejected(reason string) { r.commandsRejected.WithLabelValues(reason).Inc() }

// AutoFinish increments the auto-finish counter for cause.
func (r *Registry) AutoFinish(cause string) { r.autoFinishTotal.WithLabelValues(cause).Inc() }
