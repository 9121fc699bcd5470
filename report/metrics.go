package report

import (
	"context"
	"net/http"

	"github.com/mknyszek/allocwatch/analysis"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "allocwatch"

// Metrics exports summaries and alert counts as Prometheus metrics.
type Metrics struct {
	reg *prometheus.Registry
	top int

	events      prometheus.Gauge
	allocations prometheus.Gauge
	frees       prometheus.Gauge
	current     prometheus.Gauge
	peak        prometheus.Gauge
	allocated   prometheus.Gauge
	leaks       prometheus.Gauge
	active      prometheus.Gauge
	replaced    prometheus.Gauge
	doubleFrees prometheus.Gauge

	siteAllocs *prometheus.GaugeVec
	siteBytes  *prometheus.GaugeVec
	siteLeaks  *prometheus.GaugeVec

	alerts *prometheus.CounterVec
}

var _ Reporter = (*Metrics)(nil)

// NewMetrics creates a Metrics reporter with its own registry. Per-site
// series are exported for at most top call sites; sites that drop out
// of the top are removed.
func NewMetrics(top int) *Metrics {
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
	}
	siteGauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Subsystem: "site", Name: name, Help: help}, []string{"site"})
	}
	m := &Metrics{
		reg:         prometheus.NewRegistry(),
		top:         top,
		events:      gauge("events_processed", "Events consumed from the segment."),
		allocations: gauge("allocations", "Allocations processed."),
		frees:       gauge("frees", "Frees processed."),
		current:     gauge("current_memory_bytes", "Bytes held by live allocations."),
		peak:        gauge("peak_memory_bytes", "High-water mark of live bytes."),
		allocated:   gauge("allocated_bytes", "Bytes ever allocated."),
		leaks:       gauge("leaks_detected", "Leaks reported by the producer."),
		active:      gauge("active_allocations", "Live allocations."),
		replaced:    gauge("replaced_allocations", "Allocations made over a live address."),
		doubleFrees: gauge("double_frees", "Frees of an address that was just freed."),
		siteAllocs:  siteGauge("allocations", "Allocations per call site."),
		siteBytes:   siteGauge("allocated_bytes", "Bytes allocated per call site."),
		siteLeaks:   siteGauge("leaks", "Leaks per call site."),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alerts raised, by kind.",
		}, []string{"kind", "critical"}),
	}
	m.reg.MustRegister(
		m.events, m.allocations, m.frees, m.current, m.peak, m.allocated,
		m.leaks, m.active, m.replaced, m.doubleFrees,
		m.siteAllocs, m.siteBytes, m.siteLeaks, m.alerts,
	)
	return m
}

// Registry returns the registry the metrics are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Handler returns an HTTP handler serving the metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) Alert(_ context.Context, a analysis.Alert) error {
	critical := "false"
	if a.Critical {
		critical = "true"
	}
	m.alerts.WithLabelValues(a.Kind.String(), critical).Inc()
	return nil
}

func (m *Metrics) Summary(_ context.Context, s analysis.Summary, sites []analysis.SiteStats) error {
	m.events.Set(float64(s.EventsProcessed))
	m.allocations.Set(float64(s.TotalAllocations))
	m.frees.Set(float64(s.TotalFrees))
	m.current.Set(float64(s.CurrentMemory))
	m.peak.Set(float64(s.PeakMemory))
	m.allocated.Set(float64(s.AllocatedBytes))
	m.leaks.Set(float64(s.LeaksDetected))
	m.active.Set(float64(s.ActiveAllocations))
	m.replaced.Set(float64(s.ReplacedAllocations))
	m.doubleFrees.Set(float64(s.DoubleFrees))

	m.siteAllocs.Reset()
	m.siteBytes.Reset()
	m.siteLeaks.Reset()
	for _, site := range top(sites, m.top) {
		name := siteName(site.CallSite)
		m.siteAllocs.WithLabelValues(name).Set(float64(site.Count))
		m.siteBytes.WithLabelValues(name).Set(float64(site.TotalSize))
		m.siteLeaks.WithLabelValues(name).Set(float64(site.LeakCount))
	}
	return nil
}

func (m *Metrics) Close() error {
	return nil
}
