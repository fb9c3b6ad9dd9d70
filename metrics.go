// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import "github.com/prometheus/client_golang/prometheus"

// MetricsCollector defines the interface for collecting metrics and
// observability data, grounded on the teacher's MetricsCollector shape
// in client.go (DESIGN.md "Metrics").
type MetricsCollector interface {
	// IncCounter increments a named counter by delta, tagged with labels.
	IncCounter(name string, delta float64, labels ...string)
	// SetGauge sets a named gauge to value, tagged with labels.
	SetGauge(name string, value float64, labels ...string)
	// ObserveHistogram records an observation in a named histogram.
	ObserveHistogram(name string, value float64, labels ...string)
}

// NoOpMetrics is a MetricsCollector implementation that discards all
// metrics. It is the default when no collector is configured.
type NoOpMetrics struct{}

func (m *NoOpMetrics) IncCounter(name string, delta float64, labels ...string)       {}
func (m *NoOpMetrics) SetGauge(name string, value float64, labels ...string)         {}
func (m *NoOpMetrics) ObserveHistogram(name string, value float64, labels ...string) {}

// PrometheusMetrics backs MetricsCollector with
// github.com/prometheus/client_golang/prometheus, grounded on
// kubevirt-kubevirt's and masque-vpn's prometheus.NewCounter/NewGauge/
// MustRegister usage (DESIGN.md "Metrics"). Counters/gauges/histograms
// are created lazily per metric name and cached, since this client
// reports a small fixed set of series (bytes sent/received per channel,
// agent tokens outstanding, mouse messages in flight, clipboard
// reassemblies completed).
type PrometheusMetrics struct {
	registry   *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPrometheusMetrics builds a PrometheusMetrics collector registered
// against its own registry, so embedding applications can expose it on
// whatever HTTP mux they choose.
func NewPrometheusMetrics() *PrometheusMetrics {
	return &PrometheusMetrics{
		registry:   prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// Registry exposes the underlying prometheus.Registry for HTTP handler
// wiring (promhttp.HandlerFor).
func (m *PrometheusMetrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *PrometheusMetrics) counterFor(name string, nlabels int) *prometheus.CounterVec {
	if c, ok := m.counters[name]; ok {
		return c
	}
	labelNames := make([]string, nlabels)
	for i := range labelNames {
		labelNames[i] = labelName(i)
	}
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spice_" + name,
		Help: "spice client counter: " + name,
	}, labelNames)
	m.registry.MustRegister(c)
	m.counters[name] = c
	return c
}

func (m *PrometheusMetrics) gaugeFor(name string, nlabels int) *prometheus.GaugeVec {
	if g, ok := m.gauges[name]; ok {
		return g
	}
	labelNames := make([]string, nlabels)
	for i := range labelNames {
		labelNames[i] = labelName(i)
	}
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "spice_" + name,
		Help: "spice client gauge: " + name,
	}, labelNames)
	m.registry.MustRegister(g)
	m.gauges[name] = g
	return g
}

func (m *PrometheusMetrics) histogramFor(name string, nlabels int) *prometheus.HistogramVec {
	if h, ok := m.histograms[name]; ok {
		return h
	}
	labelNames := make([]string, nlabels)
	for i := range labelNames {
		labelNames[i] = labelName(i)
	}
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "spice_" + name,
		Help:    "spice client histogram: " + name,
		Buckets: prometheus.DefBuckets,
	}, labelNames)
	m.registry.MustRegister(h)
	m.histograms[name] = h
	return h
}

func labelName(i int) string {
	switch i {
	case 0:
		return "channel"
	default:
		return "label"
	}
}

func (m *PrometheusMetrics) IncCounter(name string, delta float64, labels ...string) {
	m.counterFor(name, len(labels)).WithLabelValues(labels...).Add(delta)
}

func (m *PrometheusMetrics) SetGauge(name string, value float64, labels ...string) {
	m.gaugeFor(name, len(labels)).WithLabelValues(labels...).Set(value)
}

func (m *PrometheusMetrics) ObserveHistogram(name string, value float64, labels ...string) {
	m.histogramFor(name, len(labels)).WithLabelValues(labels...).Observe(value)
}
