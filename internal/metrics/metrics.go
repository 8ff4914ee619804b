// Package metrics collects and exposes Prometheus metrics for the
// notification pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector is the metrics sink used by the dispatch and fetch layers.
// The nil *Collector is safe to use and records nothing, so wiring it is
// optional in tests.
type Collector struct {
	remindersSent   prometheus.Counter
	sendFailures    prometheus.Counter
	permanentFails  prometheus.Counter
	upstreamFetches prometheus.Counter
	upstreamErrors  prometheus.Counter
	cacheHits       prometheus.Counter
	alertsSent      prometheus.Counter
	alertsSuppress  prometheus.Counter
	sendLatency     prometheus.Histogram
}

// NewCollector creates a Collector and registers its metrics.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		remindersSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "skycast_reminders_sent_total",
			Help: "Scheduled weather reminders delivered.",
		}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "skycast_send_failures_total",
			Help: "Sends that failed after exhausting retries.",
		}),
		permanentFails: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "skycast_permanent_failures_total",
			Help: "Sends rejected as permanently unreachable (subscriber deactivated).",
		}),
		upstreamFetches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "skycast_upstream_fetches_total",
			Help: "Upstream weather API calls.",
		}),
		upstreamErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "skycast_upstream_errors_total",
			Help: "Failed upstream weather API calls.",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "skycast_payload_cache_hits_total",
			Help: "Payload cache hits that avoided an upstream call.",
		}),
		alertsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "skycast_alerts_sent_total",
			Help: "Hazard-warning notifications delivered.",
		}),
		alertsSuppress: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "skycast_alerts_suppressed_total",
			Help: "Hazard warnings suppressed by the per-subscriber dedup set.",
		}),
		sendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "skycast_send_latency_seconds",
			Help:    "Latency of individual transport sends including retries.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.remindersSent,
		c.sendFailures,
		c.permanentFails,
		c.upstreamFetches,
		c.upstreamErrors,
		c.cacheHits,
		c.alertsSent,
		c.alertsSuppress,
		c.sendLatency,
	)
	return c
}

func (c *Collector) ReminderSent() {
	if c != nil {
		c.remindersSent.Inc()
	}
}

func (c *Collector) SendFailed() {
	if c != nil {
		c.sendFailures.Inc()
	}
}

func (c *Collector) PermanentFailure() {
	if c != nil {
		c.permanentFails.Inc()
	}
}

func (c *Collector) UpstreamFetch(err error) {
	if c == nil {
		return
	}
	c.upstreamFetches.Inc()
	if err != nil {
		c.upstreamErrors.Inc()
	}
}

func (c *Collector) CacheHit() {
	if c != nil {
		c.cacheHits.Inc()
	}
}

func (c *Collector) AlertSent() {
	if c != nil {
		c.alertsSent.Inc()
	}
}

func (c *Collector) AlertSuppressed() {
	if c != nil {
		c.alertsSuppress.Inc()
	}
}

func (c *Collector) ObserveSendLatency(d time.Duration) {
	if c != nil {
		c.sendLatency.Observe(d.Seconds())
	}
}
