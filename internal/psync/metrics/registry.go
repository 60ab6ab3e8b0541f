package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry encapsulates all metrics and provides a clean interface
// for recording metrics without global state
type Registry struct {
	registry *prometheus.Registry

	// Transport metrics
	publishTotal    *prometheus.CounterVec
	publishDuration *prometheus.HistogramVec
	transportResync prometheus.Counter

	// Replica fan-out metrics
	eventsAdmitted  *prometheus.CounterVec
	eventsDeduped   *prometheus.CounterVec
	deliveriesTotal *prometheus.CounterVec
	acksTotal       *prometheus.CounterVec
	sessionsByState *prometheus.GaugeVec
	resyncTotal     *prometheus.CounterVec

	// Detector metrics
	pollTotal    *prometheus.CounterVec
	pollDuration prometheus.Histogram

	// Fetch engine metrics
	fetchTotal    *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec

	// Policy store metrics
	applyTotal *prometheus.CounterVec

	// System health metrics
	systemInfo *prometheus.GaugeVec
	startTime  prometheus.Gauge
}

// NewRegistry creates a new metrics registry with all metrics initialized
func NewRegistry() *Registry {
	registry := prometheus.NewRegistry()

	r := &Registry{
		registry: registry,

		publishTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "psync_transport_publish_total",
				Help: "Total number of broadcast publish operations",
			},
			[]string{"channel", "status"}, // status: success, error
		),

		publishDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "psync_transport_publish_duration_seconds",
				Help:    "Time spent publishing to the broadcast bus",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"channel"},
		),

		transportResync: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "psync_transport_resync_signals_total",
				Help: "Resync signals raised by broadcast subscriptions",
			},
		),

		eventsAdmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "psync_replica_events_admitted_total",
				Help: "Change events admitted into the replay window",
			},
			[]string{"topic"},
		),

		eventsDeduped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "psync_replica_events_deduped_total",
				Help: "Change events dropped as duplicates of an admitted event",
			},
			[]string{"topic"},
		),

		deliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "psync_replica_deliveries_total",
				Help: "Per-session event deliveries",
			},
			[]string{"topic", "status"}, // status: queued, overflow
		),

		acksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "psync_replica_acks_total",
				Help: "Event acknowledgments received from clients",
			},
			[]string{"topic"},
		),

		sessionsByState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "psync_replica_sessions",
				Help: "Client sessions by state",
			},
			[]string{"state"},
		),

		resyncTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "psync_replica_resync_total",
				Help: "Full resyncs forced on client sessions",
			},
			[]string{"reason"}, // reason: window, transport, overflow, protocol
		),

		pollTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "psync_detector_poll_total",
				Help: "Policy source polls",
			},
			[]string{"status"}, // status: changed, unchanged, error
		),

		pollDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "psync_detector_poll_duration_seconds",
				Help:    "Time spent polling the policy source",
				Buckets: prometheus.DefBuckets,
			},
		),

		fetchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "psync_fetch_total",
				Help: "Data source fetches by provider",
			},
			[]string{"provider", "status"}, // status: success, error
		),

		fetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "psync_fetch_duration_seconds",
				Help:    "Time spent fetching data source entries",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"provider"},
		),

		applyTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "psync_store_apply_total",
				Help: "Transactional applies against the policy store",
			},
			[]string{"kind", "status"}, // kind: bundle, data; status: success, error
		),

		systemInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "psync_system_info",
				Help: "System information (value is always 1, labels contain info)",
			},
			[]string{"version", "build_time"},
		),

		startTime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "psync_start_time_seconds",
				Help: "Unix timestamp when the application started",
			},
		),
	}

	// add default Go metrics (memory, GC, goroutines, etc.)
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Register application metrics
	registry.MustRegister(
		r.publishTotal,
		r.publishDuration,
		r.transportResync,
		r.eventsAdmitted,
		r.eventsDeduped,
		r.deliveriesTotal,
		r.acksTotal,
		r.sessionsByState,
		r.resyncTotal,
		r.pollTotal,
		r.pollDuration,
		r.fetchTotal,
		r.fetchDuration,
		r.applyTotal,
		r.systemInfo,
		r.startTime,
	)

	// Set start time
	r.startTime.SetToCurrentTime()

	return r
}

// Handler returns an HTTP handler for the Prometheus metrics endpoint
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          r.registry,
	})
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordPublish records a broadcast publish operation
func (r *Registry) RecordPublish(channel string, duration time.Duration, err error) {
	r.publishTotal.WithLabelValues(channel, status(err)).Inc()
	r.publishDuration.WithLabelValues(channel).Observe(duration.Seconds())
}

// RecordTransportResync records a resync signal raised by a subscription
func (r *Registry) RecordTransportResync() {
	r.transportResync.Inc()
}

// RecordAdmitted records an event admitted into a topic's replay window
func (r *Registry) RecordAdmitted(topic string) {
	r.eventsAdmitted.WithLabelValues(topic).Inc()
}

// RecordDeduped records an event dropped as a duplicate
func (r *Registry) RecordDeduped(topic string) {
	r.eventsDeduped.WithLabelValues(topic).Inc()
}

// RecordDelivery records one per-session delivery attempt
func (r *Registry) RecordDelivery(topic string, overflow bool) {
	s := "queued"
	if overflow {
		s = "overflow"
	}
	r.deliveriesTotal.WithLabelValues(topic, s).Inc()
}

// RecordAck records a client acknowledgment
func (r *Registry) RecordAck(topic string) {
	r.acksTotal.WithLabelValues(topic).Inc()
}

// SetSessions updates the session-state gauge
func (r *Registry) SetSessions(state string, n float64) {
	r.sessionsByState.WithLabelValues(state).Set(n)
}

// RecordResync records a full resync forced on a session
func (r *Registry) RecordResync(reason string) {
	r.resyncTotal.WithLabelValues(reason).Inc()
}

// RecordPoll records a policy source poll
func (r *Registry) RecordPoll(changed bool, duration time.Duration, err error) {
	s := "unchanged"
	switch {
	case err != nil:
		s = "error"
	case changed:
		s = "changed"
	}
	r.pollTotal.WithLabelValues(s).Inc()
	r.pollDuration.Observe(duration.Seconds())
}

// RecordFetch records a data source fetch
func (r *Registry) RecordFetch(provider string, duration time.Duration, err error) {
	r.fetchTotal.WithLabelValues(provider, status(err)).Inc()
	r.fetchDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordApply records a transactional apply against the policy store
func (r *Registry) RecordApply(kind string, err error) {
	r.applyTotal.WithLabelValues(kind, status(err)).Inc()
}

// SetSystemInfo sets system information metrics
func (r *Registry) SetSystemInfo(version, buildTime string) {
	r.systemInfo.WithLabelValues(version, buildTime).Set(1)
}
