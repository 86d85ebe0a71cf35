// metrics.go - In-process metrics for the entropy engine and its collaborators
package telemetry

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// MetricType represents the type of metric
type MetricType string

const (
	Counter   MetricType = "counter"
	Gauge     MetricType = "gauge"
	Histogram MetricType = "histogram"
)

// Metric is the latest observation of one labelled series.
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// HistogramSummary aggregates the retained samples of a histogram series.
type HistogramSummary struct {
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Sum   float64 `json:"sum"`
	Avg   float64 `json:"avg"`
}

// Summary is the JSON document served on the metrics endpoint.
type Summary struct {
	Counters   map[string]int64            `json:"counters"`
	Gauges     map[string]float64          `json:"gauges"`
	Histograms map[string]HistogramSummary `json:"histograms"`
}

// histogramWindow bounds the samples kept per histogram series.
const histogramWindow = 1000

// MetricsCollector is a thread-safe store of counters, gauges and histograms keyed by name and
// labels.
type MetricsCollector struct {
	mu         sync.RWMutex
	now        func() time.Time
	metrics    map[string]*Metric
	counters   map[string]int64
	gauges     map[string]float64
	histograms map[string][]float64
}

// NewMetricsCollector creates an empty collector.
func NewMetricsCollector() *MetricsCollector {
	mc := &MetricsCollector{now: time.Now}
	mc.Reset()
	return mc
}

// IncrementCounter adds one to a counter.
func (mc *MetricsCollector) IncrementCounter(name string, labels map[string]string) {
	mc.AddCounter(name, 1, labels)
}

// AddCounter adds delta to a counter.
func (mc *MetricsCollector) AddCounter(name string, delta int64, labels map[string]string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	key := seriesKey(name, labels)
	mc.counters[key] += delta
	mc.observe(key, name, Counter, float64(mc.counters[key]), labels)
}

// SetGauge sets a gauge.
func (mc *MetricsCollector) SetGauge(name string, value float64, labels map[string]string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	key := seriesKey(name, labels)
	mc.gauges[key] = value
	mc.observe(key, name, Gauge, value, labels)
}

// RecordHistogram appends a sample to a histogram.
func (mc *MetricsCollector) RecordHistogram(name string, value float64, labels map[string]string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	key := seriesKey(name, labels)
	samples := append(mc.histograms[key], value)
	if len(samples) > histogramWindow {
		samples = samples[len(samples)-histogramWindow:]
	}
	mc.histograms[key] = samples
	mc.observe(key, name, Histogram, value, labels)
}

// GetMetric returns the latest observation of a series, or nil.
func (mc *MetricsCollector) GetMetric(name string, labels map[string]string) *Metric {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	m, ok := mc.metrics[seriesKey(name, labels)]
	if !ok {
		return nil
	}
	cp := *m
	return &cp
}

// Counter returns the current value of a counter series.
func (mc *MetricsCollector) Counter(name string, labels map[string]string) int64 {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.counters[seriesKey(name, labels)]
}

// GetAllMetrics returns the latest observation of every series, sorted by series key.
func (mc *MetricsCollector) GetAllMetrics() []Metric {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	keys := make([]string, 0, len(mc.metrics))
	for k := range mc.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]Metric, 0, len(keys))
	for _, k := range keys {
		out = append(out, *mc.metrics[k])
	}
	return out
}

// GetMetricsSummary aggregates all series.
func (mc *MetricsCollector) GetMetricsSummary() Summary {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	s := Summary{
		Counters:   make(map[string]int64, len(mc.counters)),
		Gauges:     make(map[string]float64, len(mc.gauges)),
		Histograms: make(map[string]HistogramSummary, len(mc.histograms)),
	}
	for k, v := range mc.counters {
		s.Counters[k] = v
	}
	for k, v := range mc.gauges {
		s.Gauges[k] = v
	}
	for k, samples := range mc.histograms {
		if len(samples) == 0 {
			continue
		}
		h := HistogramSummary{Count: len(samples), Min: samples[0], Max: samples[0]}
		for _, v := range samples {
			if v < h.Min {
				h.Min = v
			}
			if v > h.Max {
				h.Max = v
			}
			h.Sum += v
		}
		h.Avg = h.Sum / float64(h.Count)
		s.Histograms[k] = h
	}
	return s
}

// Reset drops every series.
func (mc *MetricsCollector) Reset() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.metrics = make(map[string]*Metric)
	mc.counters = make(map[string]int64)
	mc.gauges = make(map[string]float64)
	mc.histograms = make(map[string][]float64)
}

// seriesKey renders name{k=v,...} with labels in sorted order.
func seriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	b.WriteByte('}')
	return b.String()
}

func (mc *MetricsCollector) observe(key, name string, typ MetricType, value float64, labels map[string]string) {
	mc.metrics[key] = &Metric{
		Name:      name,
		Type:      typ,
		Value:     value,
		Labels:    labels,
		Timestamp: mc.now(),
	}
}

// Metric names
const (
	MetricOperationCount     = "engine_operation_count"
	MetricOperationErrors    = "engine_operation_errors"
	MetricOperationDuration  = "engine_operation_seconds"
	MetricPendingRequests    = "engine_pending_requests"
	MetricEventEmitFailures  = "engine_event_emit_failures"
	MetricHTTPRequests       = "api_http_requests"
	MetricRateLimited        = "api_rate_limited"
)

// RecordOperation counts one engine operation and its latency. A non-empty errCode also counts
// an error of that kind.
func (mc *MetricsCollector) RecordOperation(op string, d time.Duration, errCode string) {
	labels := map[string]string{"op": op}
	mc.IncrementCounter(MetricOperationCount, labels)
	mc.RecordHistogram(MetricOperationDuration, d.Seconds(), labels)
	if errCode != "" {
		mc.IncrementCounter(MetricOperationErrors, map[string]string{"op": op, "code": errCode})
	}
}

// SetPendingRequests publishes the size of the request table.
func (mc *MetricsCollector) SetPendingRequests(n int) {
	mc.SetGauge(MetricPendingRequests, float64(n), nil)
}

// RecordEmitFailure counts an event that could not be delivered to its sink.
func (mc *MetricsCollector) RecordEmitFailure(kind string) {
	mc.IncrementCounter(MetricEventEmitFailures, map[string]string{"kind": kind})
}

// RecordHTTPRequest counts one API request by route and status.
func (mc *MetricsCollector) RecordHTTPRequest(route string, status int) {
	mc.IncrementCounter(MetricHTTPRequests, map[string]string{"route": route, "status": statusClass(status)})
}

// RecordRateLimited counts a rejected request.
func (mc *MetricsCollector) RecordRateLimited() {
	mc.IncrementCounter(MetricRateLimited, nil)
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
