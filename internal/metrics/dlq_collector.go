package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const scrapeTimeout = 5 * time.Second

// dlqCollector exposes dlq.Stats as gauges computed on every scrape.
// failedCount drops when operators resolve records, so every series is a gauge
// even where the name carries a _total suffix.
type dlqCollector struct {
	source    StatsSource
	failed    *prometheus.Desc
	delivered *prometheus.Desc
	average   *prometheus.Desc
	up        *prometheus.Desc
}

// NewDLQCollector builds the collector for <prefix>_dlq_alerts_*.
func NewDLQCollector(prefix string, source StatsSource) prometheus.Collector {
	return &dlqCollector{
		source: source,
		failed: prometheus.NewDesc(prefix+"_dlq_alerts_failed_total",
			"Unresolved dead-lettered deliveries.", nil, nil),
		delivered: prometheus.NewDesc(prefix+"_dlq_alerts_delivered_total",
			"Delivered outcomes in the stats window.", nil, nil),
		average: prometheus.NewDesc(prefix+"_dlq_alerts_average_attempts",
			"Mean attempts per terminal outcome in the stats window.", nil, nil),
		up: prometheus.NewDesc(prefix+"_dlq_alerts_stats_up",
			"1 if the last stats computation succeeded.", nil, nil),
	}
}

func (c *dlqCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.failed
	ch <- c.delivered
	ch <- c.average
	ch <- c.up
}

func (c *dlqCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), scrapeTimeout)
	defer cancel()

	stats, err := c.source.Stats(ctx)
	if err != nil {
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 0)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 1)
	ch <- prometheus.MustNewConstMetric(c.failed, prometheus.GaugeValue, float64(stats.FailedCount))
	ch <- prometheus.MustNewConstMetric(c.delivered, prometheus.GaugeValue, float64(stats.DeliveredCount))
	ch <- prometheus.MustNewConstMetric(c.average, prometheus.GaugeValue, stats.AverageAttempts)
}
