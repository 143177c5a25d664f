// Package metrics defines the Prometheus collectors the Lightwire
// subsystems emit into. A single Metrics value is created at startup and
// handed to each subsystem, so tests can build their own registry and
// assert on observed values.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the core emits.
type Metrics struct {
	// Ingest
	IngestPackets   *prometheus.CounterVec // universe, protocol
	IngestMalformed *prometheus.CounterVec // protocol
	IngestDuration  prometheus.Histogram

	// Mapper
	MapperUnmapped prometheus.Counter
	MapperEnqueued prometheus.Counter
	MapperDropped  *prometheus.CounterVec // reason: duplicate, priority, empty

	// Delivery
	SendResults      *prometheus.CounterVec // outcome: success, failure, dead_letter, duplicate
	SendDuration     *prometheus.HistogramVec // transport
	RateLimiterWaits prometheus.Counter

	// Queue / devices
	QueueDepth        *prometheus.GaugeVec // device_id
	QueueDepthTotal   prometheus.Gauge
	DevicesOffline    prometheus.Gauge
	DeadLettersTotal  prometheus.Counter

	// Supervisor
	SubsystemStatus *prometheus.GaugeVec // subsystem; value encodes status
	PollCycles      *prometheus.CounterVec // outcome
	DiscoveryCycle  prometheus.Histogram

	registry *prometheus.Registry
}

// Subsystem status gauge values.
const (
	StatusOK         = 0
	StatusDegraded   = 1
	StatusSuppressed = 2
	StatusRecovering = 3
)

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	return NewWithRegistry(reg)
}

// NewWithRegistry creates the collectors on the supplied registry. Tests
// use this to snapshot and assert observed values.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		IngestPackets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lightwire",
			Subsystem: "ingest",
			Name:      "packets_total",
			Help:      "DMX frames accepted, by universe and protocol.",
		}, []string{"universe", "protocol"}),
		IngestMalformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lightwire",
			Subsystem: "ingest",
			Name:      "malformed_total",
			Help:      "Datagrams dropped as malformed, by protocol.",
		}, []string{"protocol"}),
		IngestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "lightwire",
			Subsystem: "ingest",
			Name:      "duration_seconds",
			Help:      "Time from datagram receipt to mapper handoff.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
		MapperUnmapped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lightwire",
			Subsystem: "mapper",
			Name:      "unmapped_total",
			Help:      "Frames for universes with no mappings.",
		}),
		MapperEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lightwire",
			Subsystem: "mapper",
			Name:      "enqueued_total",
			Help:      "Device state updates handed to the store.",
		}),
		MapperDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lightwire",
			Subsystem: "mapper",
			Name:      "dropped_total",
			Help:      "Updates dropped before enqueue, by reason.",
		}, []string{"reason"}),
		SendResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lightwire",
			Subsystem: "delivery",
			Name:      "sends_total",
			Help:      "Delivery attempts resolved, by outcome.",
		}, []string{"outcome"}),
		SendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lightwire",
			Subsystem: "delivery",
			Name:      "send_duration_seconds",
			Help:      "Wall time of successful sends, by transport.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"transport"}),
		RateLimiterWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lightwire",
			Subsystem: "delivery",
			Name:      "rate_limiter_waits_total",
			Help:      "Times a worker blocked on the global token bucket.",
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "lightwire",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Pending state rows per device.",
		}, []string{"device_id"}),
		QueueDepthTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lightwire",
			Subsystem: "queue",
			Name:      "depth_total",
			Help:      "Pending state rows across all devices.",
		}),
		DevicesOffline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lightwire",
			Subsystem: "devices",
			Name:      "offline",
			Help:      "Devices currently marked offline.",
		}),
		DeadLettersTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lightwire",
			Subsystem: "delivery",
			Name:      "dead_letters_total",
			Help:      "Payloads quarantined to the dead letter table.",
		}),
		SubsystemStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "lightwire",
			Subsystem: "supervisor",
			Name:      "subsystem_status",
			Help:      "Subsystem health: 0 ok, 1 degraded, 2 suppressed, 3 recovering.",
		}, []string{"subsystem"}),
		PollCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lightwire",
			Subsystem: "poller",
			Name:      "cycles_total",
			Help:      "Device liveness probes, by outcome.",
		}, []string{"outcome"}),
		DiscoveryCycle: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "lightwire",
			Subsystem: "discovery",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of discovery staleness sweeps.",
			Buckets:   prometheus.DefBuckets,
		}),
		registry: reg,
	}

	reg.MustRegister(
		m.IngestPackets, m.IngestMalformed, m.IngestDuration,
		m.MapperUnmapped, m.MapperEnqueued, m.MapperDropped,
		m.SendResults, m.SendDuration, m.RateLimiterWaits,
		m.QueueDepth, m.QueueDepthTotal, m.DevicesOffline, m.DeadLettersTotal,
		m.SubsystemStatus, m.PollCycles, m.DiscoveryCycle,
	)

	return m
}

// Registry exposes the underlying registry for the external metrics
// endpoint collaborator.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
