// Package metrics exposes the prometheus collectors of the collaboration service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "write"

// Persistence stages reported by PersistFailed.
const (
	StageSaveState = "save_state"
	StageSnapshot  = "snapshot"
	StageFlush     = "flush"
)

// Registry owns the collectors. A nil *Registry is valid and records nothing.
type Registry struct {
	registry *prometheus.Registry

	sessionsLive      prometheus.Gauge
	persistFailures   *prometheus.CounterVec
	versionsCreated   *prometheus.CounterVec
	replicaBackfills  *prometheus.CounterVec
	subscribersLive   prometheus.Gauge
	eventsPublished   *prometheus.CounterVec
	sinksDropped      prometheus.Counter
	peerMessagesTotal *prometheus.CounterVec
}

// NewRegistry builds an isolated registry with process and Go runtime collectors attached.
func NewRegistry() *Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)
	return &Registry{
		registry: registry,
		sessionsLive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_live",
			Help:      "Documents with a live in-memory replica",
		}),
		persistFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_failures_total",
			Help:      "Failed durable writes from the persistence policy",
		}, []string{"stage"}),
		versionsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "versions_created_total",
			Help:      "Version rows appended, by reason",
		}, []string{"reason"}),
		replicaBackfills: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replica_backfills_total",
			Help:      "Replicas rebuilt from materialized text, by cause",
		}, []string{"reason"}),
		subscribersLive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_subscribers",
			Help:      "Registered notification sinks",
		}),
		eventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Events delivered to notification sinks, by kind",
		}, []string{"event"}),
		sinksDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sinks_dropped_total",
			Help:      "Notification sinks removed after a failed write",
		}),
		peerMessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_messages_total",
			Help:      "Sync protocol messages exchanged with peers, by direction",
		}, []string{"direction"}),
	}
}

// Handler serves the exposition format for this registry.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests and custom exporters.
func (r *Registry) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.DefaultGatherer
	}
	return r.registry
}

func (r *Registry) SessionOpened() {
	if r == nil {
		return
	}
	r.sessionsLive.Inc()
}

func (r *Registry) SessionClosed() {
	if r == nil {
		return
	}
	r.sessionsLive.Dec()
}

func (r *Registry) PersistFailed(stage string) {
	if r == nil {
		return
	}
	r.persistFailures.WithLabelValues(stage).Inc()
}

func (r *Registry) VersionCreated(reason string) {
	if r == nil {
		return
	}
	r.versionsCreated.WithLabelValues(reason).Inc()
}

func (r *Registry) ReplicaBackfilled(reason string) {
	if r == nil {
		return
	}
	r.replicaBackfills.WithLabelValues(reason).Inc()
}

func (r *Registry) SubscriberAdded() {
	if r == nil {
		return
	}
	r.subscribersLive.Inc()
}

func (r *Registry) SubscriberRemoved() {
	if r == nil {
		return
	}
	r.subscribersLive.Dec()
}

func (r *Registry) EventPublished(kind string, delivered int) {
	if r == nil || delivered <= 0 {
		return
	}
	r.eventsPublished.WithLabelValues(kind).Add(float64(delivered))
}

func (r *Registry) SinkDropped() {
	if r == nil {
		return
	}
	r.sinksDropped.Inc()
}

// PeerMessage counts one sync message; direction is "in" or "out".
func (r *Registry) PeerMessage(direction string) {
	if r == nil {
		return
	}
	r.peerMessagesTotal.WithLabelValues(direction).Inc()
}
