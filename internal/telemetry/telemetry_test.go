package telemetry

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAndLabels(t *testing.T) {
	mc := NewMetricsCollector()
	mc.IncrementCounter("ops", map[string]string{"op": "add", "code": "x"})
	mc.IncrementCounter("ops", map[string]string{"code": "x", "op": "add"})
	mc.AddCounter("ops", 3, nil)

	assert.Equal(t, int64(2), mc.Counter("ops", map[string]string{"op": "add", "code": "x"}))
	assert.Equal(t, int64(3), mc.Counter("ops", nil))

	m := mc.GetMetric("ops", map[string]string{"op": "add", "code": "x"})
	require.NotNil(t, m)
	assert.Equal(t, Counter, m.Type)
	assert.Equal(t, float64(2), m.Value)

	summary := mc.GetMetricsSummary()
	assert.Equal(t, int64(2), summary.Counters["ops{code=x,op=add}"])
	assert.Len(t, mc.GetAllMetrics(), 2)

	mc.Reset()
	assert.Empty(t, mc.GetAllMetrics())
	assert.Nil(t, mc.GetMetric("ops", nil))
}

func TestHistogramWindow(t *testing.T) {
	mc := NewMetricsCollector()
	for i := 0; i < histogramWindow+10; i++ {
		mc.RecordHistogram("latency", float64(i), nil)
	}
	h := mc.GetMetricsSummary().Histograms["latency"]
	assert.Equal(t, histogramWindow, h.Count)
	assert.Equal(t, float64(10), h.Min)
	assert.Equal(t, float64(histogramWindow+9), h.Max)
}

func TestDomainRecorders(t *testing.T) {
	mc := NewMetricsCollector()
	mc.RecordOperation("add", time.Millisecond, "")
	mc.RecordOperation("add", time.Millisecond, "not_initialized")
	mc.SetPendingRequests(4)
	mc.RecordEmitFailure("AdditionPerformed")
	mc.RecordHTTPRequest("/v1/engine/{op}", 410)

	assert.Equal(t, int64(2), mc.Counter(MetricOperationCount, map[string]string{"op": "add"}))
	assert.Equal(t, int64(1), mc.Counter(MetricOperationErrors, map[string]string{"op": "add", "code": "not_initialized"}))
	assert.Equal(t, float64(4), mc.GetMetricsSummary().Gauges[MetricPendingRequests])
	assert.Equal(t, int64(1), mc.Counter(MetricEventEmitFailures, map[string]string{"kind": "AdditionPerformed"}))
	assert.Equal(t, int64(1), mc.Counter(MetricHTTPRequests, map[string]string{"route": "/v1/engine/{op}", "status": "4xx"}))
}

func TestHealthAggregation(t *testing.T) {
	hc := NewHealthChecker("v1")
	hc.RegisterComponent("runtime", func() error { return nil })
	assert.Equal(t, Healthy, hc.CheckHealth().OverallStatus)

	hc.RegisterComponent("store", func() error { return fmt.Errorf("slow: %w", ErrDegraded) })
	report := hc.CheckHealth()
	assert.Equal(t, Degraded, report.OverallStatus)

	hc.RegisterComponent("provider", func() error { return errors.New("unreachable") })
	report = hc.CheckHealth()
	assert.Equal(t, Unhealthy, report.OverallStatus)
	require.Len(t, report.Components, 3)
	assert.Equal(t, "provider", report.Components[0].Name)
	assert.Equal(t, "unreachable", report.Components[0].Message)
	assert.Equal(t, "v1", report.Version)
}
