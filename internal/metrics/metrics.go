package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/procsentry/procsentry/pkg/types"
)

const namespace = "procsentry"

// Collector owns a private registry with the agent's counters. All methods
// are safe on a nil *Collector.
type Collector struct {
	reg *prometheus.Registry

	ticks              prometheus.Counter
	tickDuration       prometheus.Histogram
	collectionFailures prometheus.Counter
	skipped            *prometheus.CounterVec
	findings           *prometheus.CounterVec
	alerts             *prometheus.CounterVec
	suppressed         *prometheus.CounterVec
	enforcement        *prometheus.CounterVec
	dedupEntries       prometheus.Gauge
	alertsStored       prometheus.Counter
	storeErrors        prometheus.Counter
	reloads            *prometheus.CounterVec
}

func New() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Polling ticks completed.",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Wall time of one polling tick including enforcement.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		collectionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collection_failures_total",
			Help:      "Ticks where the process table could not be listed.",
		}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processes_skipped_total",
			Help:      "Processes skipped for a tick because a required attribute was unreadable.",
		}, []string{"status"}),
		findings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "findings_total",
			Help:      "Rule violations found, before deduplication.",
		}, []string{"category"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alerts emitted.",
		}, []string{"category"}),
		suppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_suppressed_total",
			Help:      "Findings suppressed because the process already alerted for the category.",
		}, []string{"category"}),
		enforcement: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enforcement_total",
			Help:      "Termination requests by outcome.",
		}, []string{"result"}),
		dedupEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dedup_entries",
			Help:      "Live processes with at least one recorded alert.",
		}),
		alertsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_stored_total",
			Help:      "Alerts accepted by the alert store.",
		}),
		storeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_store_errors_total",
			Help:      "Alert store append failures.",
		}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_reloads_total",
			Help:      "Rule reload attempts by result.",
		}, []string{"result"}),
	}

	c.reg.MustRegister(
		c.ticks, c.tickDuration, c.collectionFailures, c.skipped,
		c.findings, c.alerts, c.suppressed, c.enforcement,
		c.dedupEntries, c.alertsStored, c.storeErrors, c.reloads,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry exposes the underlying registry, mainly for tests and for callers
// that want to add their own collectors.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.reg
}

func (c *Collector) ObserveTick(d time.Duration) {
	if c == nil {
		return
	}
	c.ticks.Inc()
	c.tickDuration.Observe(d.Seconds())
}

func (c *Collector) IncCollectionFailure() {
	if c == nil {
		return
	}
	c.collectionFailures.Inc()
}

func (c *Collector) IncSkipped(status string) {
	if c == nil {
		return
	}
	c.skipped.WithLabelValues(status).Inc()
}

func (c *Collector) IncFinding(cat types.Category) {
	if c == nil {
		return
	}
	c.findings.WithLabelValues(string(cat)).Inc()
}

func (c *Collector) IncAlert(cat types.Category) {
	if c == nil {
		return
	}
	c.alerts.WithLabelValues(string(cat)).Inc()
}

func (c *Collector) IncSuppressed(cat types.Category) {
	if c == nil {
		return
	}
	c.suppressed.WithLabelValues(string(cat)).Inc()
}

// IncEnforcement records a termination outcome: "ok", "failed" or "dry_run".
func (c *Collector) IncEnforcement(result string) {
	if c == nil {
		return
	}
	c.enforcement.WithLabelValues(result).Inc()
}

func (c *Collector) SetDedupEntries(n int) {
	if c == nil {
		return
	}
	c.dedupEntries.Set(float64(n))
}

func (c *Collector) IncReload(ok bool) {
	if c == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	c.reloads.WithLabelValues(result).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}
