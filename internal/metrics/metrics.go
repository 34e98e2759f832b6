// Package metrics exposes the indexer's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nameop_indexer"

// Pin task outcomes
const (
	PinStatusSubmitted = "submitted"
	PinStatusSucceeded = "succeeded"
	PinStatusFailed    = "failed"
)

// Metrics holds the indexer's collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	ScannedHeights      prometheus.Counter
	ScanHeight          prometheus.Gauge
	TipHeight           prometheus.Gauge
	NameOpsFound        prometheus.Counter
	PinTasks            *prometheus.CounterVec
	AggregationFailures prometheus.Counter
	ChainReconnects     prometheus.Counter

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ScannedHeights: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scanned_heights_total",
			Help:      "Block heights processed by the scanner.",
		}),
		ScanHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scan_height",
			Help:      "Height most recently processed by the scanner.",
		}),
		TipHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tip_height",
			Help:      "Highest chain tip observed.",
		}),
		NameOpsFound: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "name_operations_total",
			Help:      "Name operations extracted from scanned blocks.",
		}),
		PinTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pin_tasks_total",
			Help:      "Pin tasks by outcome.",
		}, []string{"status"}),
		AggregationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aggregation_failures_total",
			Help:      "Daily record merges that failed.",
		}),
		ChainReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_reconnects_total",
			Help:      "Reconnects to the chain query node.",
		}),
	}

	reg.MustRegister(
		m.ScannedHeights,
		m.ScanHeight,
		m.TipHeight,
		m.NameOpsFound,
		m.PinTasks,
		m.AggregationFailures,
		m.ChainReconnects,
	)

	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m
}

// HeightScanned records a processed height and the operations found in it
func (m *Metrics) HeightScanned(height int64, ops int) {
	if m == nil {
		return
	}
	m.ScannedHeights.Inc()
	m.ScanHeight.Set(float64(height))
	m.NameOpsFound.Add(float64(ops))
}

// TipObserved records the latest tip height
func (m *Metrics) TipObserved(height int64) {
	if m == nil {
		return
	}
	m.TipHeight.Set(float64(height))
}

// PinTask counts a pin task transition
func (m *Metrics) PinTask(status string) {
	if m == nil {
		return
	}
	m.PinTasks.WithLabelValues(status).Inc()
}

// AggregationFailed counts a failed daily merge
func (m *Metrics) AggregationFailed() {
	if m == nil {
		return
	}
	m.AggregationFailures.Inc()
}

// Reconnected counts a reconnect to the query node
func (m *Metrics) Reconnected() {
	if m == nil {
		return
	}
	m.ChainReconnects.Inc()
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
