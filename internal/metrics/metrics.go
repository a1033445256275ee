package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/austindbirch/harbor_notify/internal/dlq"
)

// StatsSource is read at scrape time to produce the dlq_alerts series.
type StatsSource interface {
	Stats(ctx context.Context) (dlq.Stats, error)
}

// Metrics holds every series the engine exports. A nil *Metrics is valid and records nothing.
type Metrics struct {
	prefix  string
	started time.Time

	JobsSubmittedTotal     *prometheus.CounterVec
	DeliveriesTotal        *prometheus.CounterVec
	RetriesTotal           *prometheus.CounterVec
	DLQTotal               *prometheus.CounterVec
	DeliveryLatencySeconds prometheus.Histogram
	HTTPActiveRequests     prometheus.Gauge
	Uptime                 prometheus.GaugeFunc
}

// New builds the collectors with names under prefix.
func New(prefix string) *Metrics {
	if prefix == "" {
		prefix = "harbornotify"
	}
	m := &Metrics{prefix: prefix, started: time.Now()}

	m.JobsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_jobs_submitted_total",
			Help: "Total number of job submissions by variant and whether a new job was created.",
		},
		[]string{"variant", "created"},
	)
	m.DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_deliveries_total",
			Help: "Total number of delivery attempts by outcome.",
		},
		[]string{"status"}, // delivered, retrying, dead_lettered
	)
	m.RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_retries_total",
			Help: "Total number of delivery retries by reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, timeout, network, other
	)
	m.DLQTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_dlq_total",
			Help: "Total number of deliveries moved to the dead-letter store.",
		},
		[]string{"reason"},
	)
	m.DeliveryLatencySeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    prefix + "_delivery_latency_seconds",
			Help:    "Transport call latency per attempt.",
			Buckets: prometheus.DefBuckets,
		},
	)
	m.HTTPActiveRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: prefix + "_http_active_requests",
			Help: "Number of HTTP requests currently being served.",
		},
	)
	m.Uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: prefix + "_uptime_seconds",
			Help: "Seconds since the process started.",
		},
		func() float64 { return time.Since(m.started).Seconds() },
	)
	return m
}

// MustRegister registers all collectors plus the Go and process collectors.
// A nil source skips the dlq_alerts collector.
func (m *Metrics) MustRegister(reg *prometheus.Registry, source StatsSource) {
	reg.MustRegister(
		m.JobsSubmittedTotal,
		m.DeliveriesTotal,
		m.RetriesTotal,
		m.DLQTotal,
		m.DeliveryLatencySeconds,
		m.HTTPActiveRequests,
		m.Uptime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if source != nil {
		reg.MustRegister(NewDLQCollector(m.prefix, source))
	}
}

func (m *Metrics) RecordSubmission(variant string, created bool) {
	if m == nil {
		return
	}
	c := "false"
	if created {
		c = "true"
	}
	m.JobsSubmittedTotal.WithLabelValues(variant, c).Inc()
}

func (m *Metrics) RecordDelivery(status string, latency time.Duration) {
	if m == nil {
		return
	}
	m.DeliveriesTotal.WithLabelValues(status).Inc()
	if latency > 0 {
		m.DeliveryLatencySeconds.Observe(latency.Seconds())
	}
}

func (m *Metrics) RecordRetry(reason string) {
	if m == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordDLQ(reason string) {
	if m == nil {
		return
	}
	m.DLQTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncActiveRequests() {
	if m == nil {
		return
	}
	m.HTTPActiveRequests.Inc()
}

func (m *Metrics) DecActiveRequests() {
	if m == nil {
		return
	}
	m.HTTPActiveRequests.Dec()
}

// UptimeSeconds is the process uptime used by the JSON mirror.
func (m *Metrics) UptimeSeconds() float64 {
	if m == nil {
		return 0
	}
	return time.Since(m.started).Seconds()
}
