package monitoring

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestCountersAndLabels(t *testing.T) {
	mc := NewMetricsCollector()
	mc.Inc(ForecastsServed)
	mc.Inc(ForecastsServed)
	mc.IncLabeled(CandidatesSkipped, "reason", "geocoding")
	mc.IncrCounter(CandidatesSkipped, 3, map[string]string{"reason": "prediction"})

	tests := []struct {
		name   string
		metric string
		labels map[string]string
		want   float64
	}{
		{"unlabeled", ForecastsServed, nil, 2},
		{"geocoding skips", CandidatesSkipped, map[string]string{"reason": "geocoding"}, 1},
		{"prediction skips", CandidatesSkipped, map[string]string{"reason": "prediction"}, 3},
		{"unknown label", CandidatesSkipped, map[string]string{"reason": "other"}, 0},
		{"never touched", DatasetReloads, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mc.Counter(tt.metric, tt.labels); got != tt.want {
				t.Errorf("Counter(%s, %v) = %v, want %v", tt.metric, tt.labels, got, tt.want)
			}
		})
	}
}

func TestNilCollectorIsNoop(t *testing.T) {
	var mc *MetricsCollector
	mc.Inc(ForecastsServed)
	mc.IncLabeled(CandidatesSkipped, "reason", "geocoding")
	mc.SetGauge(DatasetEntities, 3, nil)
	mc.ObserveDuration(ForecastLatencyMs, time.Second)

	if got := mc.Counter(ForecastsServed, nil); got != 0 {
		t.Fatalf("expected 0 from nil collector, got %v", got)
	}
	if mc.ExportPrometheus() != "" {
		t.Fatal("expected empty export from nil collector")
	}
	if len(mc.Snapshot()) != 0 {
		t.Fatal("expected empty snapshot from nil collector")
	}
}

func TestMetricSummary(t *testing.T) {
	mc := NewMetricsCollector()
	for _, d := range []time.Duration{10, 30, 20} {
		mc.ObserveDuration(ForecastLatencyMs, d*time.Millisecond)
	}

	summary, err := mc.GetMetricSummary(ForecastLatencyMs)
	if err != nil {
		t.Fatal(err)
	}
	if summary["count"] != 3 || summary["min"] != 10.0 || summary["max"] != 30.0 || summary["average"] != 20.0 || summary["latest"] != 20.0 {
		t.Fatalf("unexpected summary: %v", summary)
	}
	if _, err := mc.GetMetricSummary("missing"); err == nil {
		t.Fatal("expected error for unknown metric")
	}
}

func TestHistoryIsCapped(t *testing.T) {
	mc := NewMetricsCollector()
	for i := 0; i < maxHistoryPerMetric+1; i++ {
		mc.SetGauge(DatasetEntities, float64(i), nil)
	}
	summary, err := mc.GetMetricSummary(DatasetEntities)
	if err != nil {
		t.Fatal(err)
	}
	if n := summary["count"].(int); n > maxHistoryPerMetric {
		t.Fatalf("expected history to be capped at %d, got %d", maxHistoryPerMetric, n)
	}
	if summary["latest"] != float64(maxHistoryPerMetric) {
		t.Fatalf("expected latest sample kept, got %v", summary["latest"])
	}
}

func TestExports(t *testing.T) {
	mc := NewMetricsCollector()
	mc.IncLabeled(HTTPRequests, "path", "/api/predict")
	mc.SetGauge(DatasetEntities, 12, nil)

	prom := mc.ExportPrometheus()
	for _, want := range []string{`http_requests{path="/api/predict"} 1`, "dataset_entities 12 "} {
		if !strings.Contains(prom, want) {
			t.Errorf("expected %q in export:\n%s", want, prom)
		}
	}

	out, err := mc.ExportJSON()
	if err != nil {
		t.Fatal(err)
	}
	var decoded struct {
		Uptime   string             `json:"uptime"`
		Counters map[string]float64 `json:"counters"`
	}
	if err := json.Unmarshal([]byte(out), &decoded); err != nil {
		t.Fatalf("invalid JSON export: %v", err)
	}
	if decoded.Counters[`http_requests{path="/api/predict"}`] != 1 || decoded.Uptime == "" {
		t.Fatalf("unexpected JSON export: %s", out)
	}
}
