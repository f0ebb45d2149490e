// Package metrics exposes Prometheus collectors for the sync subsystem and
// serves them over HTTP.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/m3rciful/taxibot/internal/reconcile"
)

// Metrics implements the fleet, reconcile and queue observers.
type Metrics struct {
	registry *prometheus.Registry

	fleetRequests    *prometheus.CounterVec
	fleetLatency     *prometheus.HistogramVec
	fleetRateLimited *prometheus.CounterVec

	sweeps        *prometheus.CounterVec
	sweepUpdated  *prometheus.CounterVec
	sweepDuration *prometheus.HistogramVec
	driverSyncs   *prometheus.CounterVec
	driverLatency prometheus.Histogram

	queuePending prometheus.Gauge
	queueActive  prometheus.Gauge
	queueTasks   *prometheus.CounterVec

	updates *prometheus.CounterVec
}

// New creates the collectors on a private registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		fleetRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taxibot_fleet_requests_total",
			Help: "Fleet API requests by endpoint and HTTP status (0 = transport error).",
		}, []string{"endpoint", "code"}),
		fleetLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taxibot_fleet_request_duration_seconds",
			Help:    "Latency of fleet API requests.",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		fleetRateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taxibot_fleet_rate_limited_total",
			Help: "Fleet API responses with status 429.",
		}, []string{"endpoint"}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taxibot_sweeps_total",
			Help: "Completed sweeps by mode and status (ok, partial, fail).",
		}, []string{"mode", "status"}),
		sweepUpdated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taxibot_sweep_updated_drivers_total",
			Help: "Drivers updated by sweeps.",
		}, []string{"mode"}),
		sweepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taxibot_sweep_duration_seconds",
			Help:    "Wall time of sweeps.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"mode"}),
		driverSyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taxibot_driver_syncs_total",
			Help: "Single-driver syncs by result.",
		}, []string{"result"}),
		driverLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "taxibot_driver_sync_duration_seconds",
			Help:    "Latency of single-driver syncs.",
			Buckets: prometheus.DefBuckets,
		}),
		queuePending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taxibot_queue_pending",
			Help: "Tasks waiting for a queue slot.",
		}),
		queueActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taxibot_queue_active",
			Help: "Tasks holding a queue slot.",
		}),
		queueTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taxibot_queue_tasks_total",
			Help: "Executed queue tasks by name and status.",
		}, []string{"task", "status"}),
		updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taxibot_telegram_updates_total",
			Help: "Handled Telegram updates by kind and status.",
		}, []string{"kind", "status"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.fleetRequests, m.fleetLatency, m.fleetRateLimited,
		m.sweeps, m.sweepUpdated, m.sweepDuration,
		m.driverSyncs, m.driverLatency,
		m.queuePending, m.queueActive, m.queueTasks,
		m.updates,
	)
	return m
}

// Registry returns the registry backing the /metrics endpoint.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveRequest records one fleet API round trip.
func (m *Metrics) ObserveRequest(endpoint string, code int, took time.Duration) {
	m.fleetRequests.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
	m.fleetLatency.WithLabelValues(endpoint).Observe(took.Seconds())
}

// ObserveRateLimited records a 429 response.
func (m *Metrics) ObserveRateLimited(endpoint string) {
	m.fleetRateLimited.WithLabelValues(endpoint).Inc()
}

// ObserveSweep records a finished sweep.
func (m *Metrics) ObserveSweep(r reconcile.Result) {
	status := "ok"
	switch {
	case r.Err != nil && r.Pages == 0:
		status = "fail"
	case r.Err != nil:
		status = "partial"
	}
	m.sweeps.WithLabelValues(r.Mode, status).Inc()
	m.sweepUpdated.WithLabelValues(r.Mode).Add(float64(r.Updated))
	m.sweepDuration.WithLabelValues(r.Mode).Observe(r.Duration.Seconds())
}

// ObserveSingleSync records a single-driver sync.
func (m *Metrics) ObserveSingleSync(ok bool, took time.Duration) {
	result := "ok"
	if !ok {
		result = "fail"
	}
	m.driverSyncs.WithLabelValues(result).Inc()
	m.driverLatency.Observe(took.Seconds())
}

// ObserveQueue updates the queue gauges.
func (m *Metrics) ObserveQueue(pending, active int) {
	m.queuePending.Set(float64(pending))
	m.queueActive.Set(float64(active))
}

// ObserveTask records a finished queue task.
func (m *Metrics) ObserveTask(name string, err error, _ time.Duration) {
	status := "ok"
	if err != nil {
		status = "fail"
	}
	m.queueTasks.WithLabelValues(name, status).Inc()
}

// ObserveUpdate records a handled Telegram update.
func (m *Metrics) ObserveUpdate(kind string, err error) {
	status := "ok"
	if err != nil {
		status = "fail"
	}
	m.updates.WithLabelValues(kind, status).Inc()
}

// OutboxStats is the view of the outbound Telegram queue exported as gauges.
type OutboxStats interface {
	Pending() int
	Sent() uint64
	Failed() uint64
}

// TrackOutbox exports the outbound queue counters. Call it once.
func (m *Metrics) TrackOutbox(o OutboxStats) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "taxibot_outbox_pending",
			Help: "Outbound Telegram calls waiting for a worker.",
		}, func() float64 { return float64(o.Pending()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "taxibot_outbox_sent_total",
			Help: "Outbound Telegram calls delivered.",
		}, func() float64 { return float64(o.Sent()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "taxibot_outbox_failed_total",
			Help: "Outbound Telegram calls given up after retries.",
		}, func() float64 { return float64(o.Failed()) }),
	)
}
