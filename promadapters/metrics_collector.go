// Package promadapters implements the lending.MetricsCollector interface on
// top of Prometheus. Metric vectors are created lazily on first use, with the
// label keys of that first observation; later calls must use the same keys.
package promadapters

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bibliocirc/lending-engine-go/lending"
)

// Collector registers and feeds Prometheus metric vectors. Safe for
// concurrent use.
type Collector struct {
	registerer prometheus.Registerer

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
}

var _ lending.MetricsCollector = (*Collector)(nil)

// NewCollector creates a Collector registering on the given registerer.
// Pass prometheus.DefaultRegisterer for the process-global registry.
func NewCollector(registerer prometheus.Registerer) *Collector {
	return &Collector{
		registerer: registerer,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}
}

// IncrementCounter increments the counter vector named metric.
func (c *Collector) IncrementCounter(metric string, labels map[string]string) {
	c.mu.Lock()
	vec, ok := c.counters[metric]
	if !ok {
		vec = prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: metric},
			labelKeys(labels),
		)
		c.registerer.MustRegister(vec)
		c.counters[metric] = vec
	}
	c.mu.Unlock()

	if counter, err := vec.GetMetricWith(labels); err == nil {
		counter.Inc()
	}
}

// RecordDuration observes the duration in seconds on the histogram vector
// named metric.
func (c *Collector) RecordDuration(metric string, duration time.Duration, labels map[string]string) {
	c.mu.Lock()
	vec, ok := c.histograms[metric]
	if !ok {
		vec = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: metric, Buckets: prometheus.DefBuckets},
			labelKeys(labels),
		)
		c.registerer.MustRegister(vec)
		c.histograms[metric] = vec
	}
	c.mu.Unlock()

	if histogram, err := vec.GetMetricWith(labels); err == nil {
		histogram.Observe(duration.Seconds())
	}
}

// RecordValue sets the gauge vector named metric to the value.
func (c *Collector) RecordValue(metric string, value float64, labels map[string]string) {
	c.mu.Lock()
	vec, ok := c.gauges[metric]
	if !ok {
		vec = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: metric},
			labelKeys(labels),
		)
		c.registerer.MustRegister(vec)
		c.gauges[metric] = vec
	}
	c.mu.Unlock()

	if gauge, err := vec.GetMetricWith(labels); err == nil {
		gauge.Set(value)
	}
}

func labelKeys(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for key := range labels {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	return keys
}
