package metrics

import (
	"fmt"
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

const namespace = "loghaven"

// Metrics is the set of agent instruments.
type Metrics struct {
	ConfigUpdateTotal prometheus.Counter
	ConfigUpdateItems prometheus.Counter
	LastConfigUpdate  prometheus.Gauge
	LastConfigGet     prometheus.Gauge
	ConfigsLoaded     prometheus.Gauge
	ReloadDuration    prometheus.Histogram

	// result: ok|error|auth_retry|mismatch
	Heartbeats *prometheus.CounterVec
	// result: ok|error|mismatch|incomplete
	Fetches *prometheus.CounterVec

	// type: alarm type
	Alarms        *prometheus.CounterVec
	AlarmsDropped prometheus.Counter

	WatchedDirs prometheus.Gauge
	// result: hit|miss
	MatchCache *prometheus.CounterVec
	// result: matched|unmatched|dir_created|dir_removed
	Events *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New creates the instruments and registers them on reg. If reg is also a
// prometheus.Gatherer it backs Handler and WriteText.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConfigUpdateTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "config", Name: "update_total",
			Help: "Number of configuration reloads applied.",
		}),
		ConfigUpdateItems: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "config", Name: "update_items_total",
			Help: "Number of configurations loaded across all reloads.",
		}),
		LastConfigUpdate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "config", Name: "last_update_timestamp_seconds",
			Help: "Unix time of the last applied reload.",
		}),
		LastConfigGet: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "config", Name: "last_get_timestamp_seconds",
			Help: "Unix time of the last successful heartbeat.",
		}),
		ConfigsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "config", Name: "loaded",
			Help: "Configurations in the current epoch.",
		}),
		ReloadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "config", Name: "reload_duration_seconds",
			Help:    "Time the dispatch loop spent applying a reload.",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 3, 10},
		}),
		Heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "remote", Name: "heartbeats_total",
			Help: "Heartbeats sent to the configuration server by result.",
		}, []string{"result"}),
		Fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "remote", Name: "fetches_total",
			Help: "Fetch cycles by result.",
		}, []string{"result"}),
		Alarms: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "alarm", Name: "sent_total",
			Help: "Alarms emitted by type.",
		}, []string{"type"}),
		AlarmsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "alarm", Name: "dropped_total",
			Help: "Alarms evicted from a full buffer.",
		}),
		WatchedDirs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "watched_dirs",
			Help: "Directories with a registered handler.",
		}),
		MatchCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "matcher", Name: "cache_lookups_total",
			Help: "Match cache lookups by result.",
		}, []string{"result"}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "events_total",
			Help: "Filesystem events routed by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(
		m.ConfigUpdateTotal, m.ConfigUpdateItems, m.LastConfigUpdate, m.LastConfigGet,
		m.ConfigsLoaded, m.ReloadDuration, m.Heartbeats, m.Fetches, m.Alarms,
		m.AlarmsDropped, m.WatchedDirs, m.MatchCache, m.Events,
	)
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m
}

// NewForTest registers on a fresh private registry.
func NewForTest() *Metrics {
	return New(prometheus.NewRegistry())
}

// Handler serves the registry in any format the scraper negotiates.
func (m *Metrics) Handler() http.Handler {
	if m.gatherer == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// WriteText writes every gathered family in the text exposition format.
func (m *Metrics) WriteText(w io.Writer) error {
	if m.gatherer == nil {
		return fmt.Errorf("metrics: registerer is not a gatherer")
	}
	mfs, err := m.gatherer.Gather()
	if err != nil {
		return fmt.Errorf("metrics: gather: %w", err)
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("metrics: encode %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

// Summary returns the summed value of every gathered counter, gauge and
// untyped family, keyed by family name.
func (m *Metrics) Summary() (map[string]float64, error) {
	if m.gatherer == nil {
		return nil, fmt.Errorf("metrics: registerer is not a gatherer")
	}
	mfs, err := m.gatherer.Gather()
	if err != nil {
		return nil, fmt.Errorf("metrics: gather: %w", err)
	}
	out := make(map[string]float64, len(mfs))
	for _, mf := range mfs {
		switch mf.GetType() {
		case dto.MetricType_COUNTER, dto.MetricType_GAUGE, dto.MetricType_UNTYPED:
			out[mf.GetName()] = Sum(mf)
		}
	}
	return out, nil
}

// Sum adds up all counter, gauge or untyped values in a family. A nil family
// sums to 0.
func Sum(mf *dto.MetricFamily) float64 {
	if mf == nil {
		return 0
	}
	var total float64
	for _, m := range mf.GetMetric() {
		switch {
		case m.Counter != nil:
			total += m.Counter.GetValue()
		case m.Gauge != nil:
			total += m.Gauge.GetValue()
		case m.Untyped != nil:
			total += m.Untyped.GetValue()
		}
	}
	return total
}
