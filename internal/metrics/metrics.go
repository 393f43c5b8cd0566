package metrics

import (
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "codeground"
	subsystem = "relay"

	eventLabelName  = "event"
	reasonLabelName = "reason"
)

var (
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "active_sessions",
			Help:      "number of sessions held in the registry, including sessions in their grace window",
		})

	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "active_connections",
			Help:      "number of open participant connections",
		})

	InboundMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "inbound_messages_total",
			Help:      "protocol messages received from participants",
		}, []string{eventLabelName})

	DroppedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dropped_messages_total",
			Help:      "protocol messages dropped by the relay",
		}, []string{reasonLabelName})

	DestroyedSessions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "destroyed_sessions_total",
			Help:      "sessions reclaimed after their grace window",
		})

	SnapshotWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "snapshot_writes_total",
			Help:      "snapshot writes by target and result",
		}, []string{"target", "result"})
)

// Register adds all relay collectors to r. Collectors already registered
// with r are skipped.
func Register(r prometheus.Registerer) {
	for _, c := range []prometheus.Collector{
		ActiveSessions,
		ActiveConnections,
		InboundMessages,
		DroppedMessages,
		DestroyedSessions,
		SnapshotWrites,
	} {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				panic(err)
			}
		}
	}
}

// Handler serves the collectors gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
