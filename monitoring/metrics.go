package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// MetricType 指标类型
type MetricType string

const (
	MetricTypeCounter   MetricType = "counter"
	MetricTypeGauge     MetricType = "gauge"
	MetricTypeHistogram MetricType = "histogram"
)

// 业务指标名称
const (
	ForecastsServed        = "forecasts_served"
	ForecastErrors         = "forecast_errors"
	ForecastLatencyMs      = "forecast_latency_ms"
	SuggestionsServed      = "suggestions_served"
	SuggestionLatencyMs    = "suggestion_latency_ms"
	CandidatesSkipped      = "candidates_skipped"
	GeocodeCacheHits       = "geocode_cache_hits"
	GeocodeCacheMisses     = "geocode_cache_misses"
	GeocodeRequests        = "geocode_requests"
	DatasetReloads         = "dataset_reloads"
	DatasetReloadFailures  = "dataset_reload_failures"
	DatasetEntities        = "dataset_entities"
	HTTPRequests           = "http_requests"
	maxHistoryPerMetric    = 1000
	trimHistoryPerOverflow = 100
)

// Metric 指标
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// MetricsCollector 指标收集器。nil 收集器上的所有方法都是空操作，组件可以不注入指标。
type MetricsCollector struct {
	metrics  map[string][]*Metric
	counters map[string]float64
	lock     sync.RWMutex

	startTime time.Time
}

// NewMetricsCollector 创建指标收集器
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		metrics:   make(map[string][]*Metric),
		counters:  make(map[string]float64),
		startTime: time.Now(),
	}
}

// RecordMetric 记录一个采样值（仪表或直方图），保留最近的历史
func (mc *MetricsCollector) RecordMetric(metric *Metric) {
	if mc == nil {
		return
	}
	mc.lock.Lock()
	defer mc.lock.Unlock()

	metric.Timestamp = time.Now()
	key := seriesKey(metric.Name, metric.Labels)
	mc.metrics[key] = append(mc.metrics[key], metric)

	if len(mc.metrics[key]) > maxHistoryPerMetric {
		mc.metrics[key] = mc.metrics[key][trimHistoryPerOverflow:]
	}
}

// IncrCounter 增加计数器
func (mc *MetricsCollector) IncrCounter(name string, value float64, labels map[string]string) {
	if mc == nil {
		return
	}
	mc.lock.Lock()
	defer mc.lock.Unlock()

	mc.counters[seriesKey(name, labels)] += value
}

// Inc 计数器加一
func (mc *MetricsCollector) Inc(name string) {
	mc.IncrCounter(name, 1, nil)
}

// IncLabeled 带单个标签的计数器加一
func (mc *MetricsCollector) IncLabeled(name, label, value string) {
	mc.IncrCounter(name, 1, map[string]string{label: value})
}

// SetGauge 设置仪表
func (mc *MetricsCollector) SetGauge(name string, value float64, labels map[string]string) {
	mc.RecordMetric(&Metric{
		Name:   name,
		Type:   MetricTypeGauge,
		Value:  value,
		Labels: labels,
	})
}

// ObserveDuration 以毫秒记录一次耗时
func (mc *MetricsCollector) ObserveDuration(name string, d time.Duration) {
	mc.RecordMetric(&Metric{
		Name:  name,
		Type:  MetricTypeHistogram,
		Value: float64(d) / float64(time.Millisecond),
	})
}

// Counter 读取计数器当前值
func (mc *MetricsCollector) Counter(name string, labels map[string]string) float64 {
	if mc == nil {
		return 0
	}
	mc.lock.RLock()
	defer mc.lock.RUnlock()

	return mc.counters[seriesKey(name, labels)]
}

// GetMetricSummary 获取指标摘要
func (mc *MetricsCollector) GetMetricSummary(name string) (map[string]interface{}, error) {
	if mc == nil {
		return nil, fmt.Errorf("metric %s not found", name)
	}
	mc.lock.RLock()
	defer mc.lock.RUnlock()

	metrics, ok := mc.metrics[name]
	if !ok {
		return nil, fmt.Errorf("metric %s not found", name)
	}
	return summarize(name, metrics), nil
}

func summarize(name string, metrics []*Metric) map[string]interface{} {
	if len(metrics) == 0 {
		return map[string]interface{}{"count": 0}
	}

	minV, maxV, sum := metrics[0].Value, metrics[0].Value, 0.0
	for _, m := range metrics {
		sum += m.Value
		if m.Value < minV {
			minV = m.Value
		}
		if m.Value > maxV {
			maxV = m.Value
		}
	}

	return map[string]interface{}{
		"name":      name,
		"type":      metrics[0].Type,
		"count":     len(metrics),
		"latest":    metrics[len(metrics)-1].Value,
		"min":       minV,
		"max":       maxV,
		"average":   sum / float64(len(metrics)),
		"timestamp": metrics[len(metrics)-1].Timestamp,
	}
}

// Snapshot 导出计数器、采样摘要和系统统计
func (mc *MetricsCollector) Snapshot() map[string]interface{} {
	if mc == nil {
		return map[string]interface{}{}
	}
	mc.lock.RLock()
	counters := make(map[string]float64, len(mc.counters))
	for k, v := range mc.counters {
		counters[k] = v
	}
	summaries := make(map[string]interface{}, len(mc.metrics))
	for k, v := range mc.metrics {
		summaries[k] = summarize(k, v)
	}
	mc.lock.RUnlock()

	return map[string]interface{}{
		"uptime":   mc.GetUptime().String(),
		"counters": counters,
		"samples":  summaries,
		"system":   mc.GetSystemStats(),
	}
}

// ExportJSON 导出JSON格式
func (mc *MetricsCollector) ExportJSON() (string, error) {
	data, err := json.MarshalIndent(mc.Snapshot(), "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ExportPrometheus 导出Prometheus文本格式：计数器取累计值，采样取最新值
func (mc *MetricsCollector) ExportPrometheus() string {
	if mc == nil {
		return ""
	}
	mc.lock.RLock()
	defer mc.lock.RUnlock()

	var b strings.Builder
	keys := make([]string, 0, len(mc.counters))
	for k := range mc.counters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s %g\n", k, mc.counters[k])
	}

	keys = keys[:0]
	for k := range mc.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		list := mc.metrics[k]
		if len(list) == 0 {
			continue
		}
		latest := list[len(list)-1]
		fmt.Fprintf(&b, "%s %g %d\n", k, latest.Value, latest.Timestamp.UnixMilli())
	}
	return b.String()
}

// GetUptime 获取运行时间
func (mc *MetricsCollector) GetUptime() time.Duration {
	if mc == nil {
		return 0
	}
	return time.Since(mc.startTime)
}

// StartSystemMetrics 定期记录内存和协程数，直到 ctx 结束
func (mc *MetricsCollector) StartSystemMetrics(ctx context.Context, interval time.Duration) {
	if mc == nil {
		return
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				var m runtime.MemStats
				runtime.ReadMemStats(&m)
				mc.SetGauge("memory_heap_alloc", float64(m.HeapAlloc), nil)
				mc.SetGauge("system_goroutines", float64(runtime.NumGoroutine()), nil)
			}
		}
	}()
}

// GetSystemStats 获取系统统计
func (mc *MetricsCollector) GetSystemStats() map[string]interface{} {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return map[string]interface{}{
		"goroutines": runtime.NumGoroutine(),
		"memory": map[string]interface{}{
			"alloc":       m.Alloc,
			"sys":         m.Sys,
			"heap_alloc":  m.HeapAlloc,
			"heap_inuse":  m.HeapInuse,
			"gc_count":    m.NumGC,
			"gc_pause_ns": m.PauseTotalNs,
		},
		"num_cpu": runtime.NumCPU(),
	}
}

// seriesKey 把名称和标签拼成 name{k="v",...}，标签按键排序
func seriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%q", k, labels[k])
	}
	return name + "{" + strings.Join(parts, ",") + "}"
}
