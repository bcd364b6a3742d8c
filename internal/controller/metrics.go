package controller

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	crmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/yuriy-kovalchuk/yk-dns-sync/internal/dns"
	"github.com/yuriy-kovalchuk/yk-dns-sync/internal/ledger"
)

const metricsNamespace = "dns_sync"

// Metrics holds the Prometheus collectors updated by the controller. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	passes         *prometheus.CounterVec
	spokeSyncs     *prometheus.CounterVec
	recordChanges  *prometheus.CounterVec
	spokeDuration  *prometheus.HistogramVec
	hubRecords     *prometheus.GaugeVec
	hubUp          prometheus.Gauge
	lastSuccessful *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// uses controller-runtime's global registry, which is what /metrics serves.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = crmetrics.Registry
	}
	m := &Metrics{
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "passes_total",
			Help:      "Sync passes by result (ok or hub_error).",
		}, []string{"result"}),
		spokeSyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "spoke_syncs_total",
			Help:      "Spoke syncs by terminal outcome.",
		}, []string{"server", "outcome"}),
		recordChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "record_changes_total",
			Help:      "Record changes applied to spokes.",
		}, []string{"server", "op"}),
		spokeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "spoke_sync_duration_seconds",
			Help:      "Time spent reconciling one spoke.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"server"}),
		hubRecords: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "hub_records",
			Help:      "Records in the last hub snapshot by type.",
		}, []string{"type"}),
		hubUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "hub_up",
			Help:      "1 when the last hub refresh succeeded.",
		}),
		lastSuccessful: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "spoke_last_synced_timestamp_seconds",
			Help:      "Unix time of the last SYNCED outcome per spoke.",
		}, []string{"server"}),
	}
	for _, c := range []prometheus.Collector{
		m.passes, m.spokeSyncs, m.recordChanges, m.spokeDuration,
		m.hubRecords, m.hubUp, m.lastSuccessful,
	} {
		utilruntime.Must(reg.Register(c))
	}
	return m
}

func (m *Metrics) observeHub(records dns.Set, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.hubUp.Set(0)
		m.passes.WithLabelValues("hub_error").Inc()
		return
	}
	m.hubUp.Set(1)
	m.hubRecords.Reset()
	for t, n := range records.CountByType() {
		m.hubRecords.WithLabelValues(string(t)).Set(float64(n))
	}
}

func (m *Metrics) observePass() {
	if m == nil {
		return
	}
	m.passes.WithLabelValues("ok").Inc()
}

func (m *Metrics) observeSpoke(server string, outcome ledger.Outcome, added, removed int, took time.Duration, at time.Time) {
	if m == nil {
		return
	}
	m.spokeSyncs.WithLabelValues(server, string(outcome)).Inc()
	m.recordChanges.WithLabelValues(server, "add").Add(float64(added))
	m.recordChanges.WithLabelValues(server, "delete").Add(float64(removed))
	m.spokeDuration.WithLabelValues(server).Observe(took.Seconds())
	if outcome == ledger.OutcomeSynced {
		m.lastSuccessful.WithLabelValues(server).Set(float64(at.Unix()))
	}
}
