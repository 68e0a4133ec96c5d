package monitoring

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// InferenceMetrics counts prediction traffic and model loads.
type InferenceMetrics struct {
	metricsLock sync.RWMutex

	singlePredictions int64
	batchRuns         int64
	batchRows         int64
	skippedRows       int64
	skippedByRule     map[string]int64
	nonFinite         int64
	loadSuccesses     int64
	loadFailures      int64
	notReady          int64
	lastLoad          time.Time
	lastLoadErr       string

	batchLatency LatencySummary

	startTime time.Time
}

// LatencySummary aggregates durations without keeping samples.
type LatencySummary struct {
	Count int64         `json:"count"`
	Total time.Duration `json:"-"`
	Max   time.Duration `json:"-"`
}

func (l *LatencySummary) observe(d time.Duration) {
	l.Count++
	l.Total += d
	if d > l.Max {
		l.Max = d
	}
}

// Mean is zero before the first observation.
func (l LatencySummary) Mean() time.Duration {
	if l.Count == 0 {
		return 0
	}
	return l.Total / time.Duration(l.Count)
}

// Snapshot is a point-in-time copy of InferenceMetrics.
type Snapshot struct {
	SinglePredictions int64            `json:"single_predictions"`
	BatchRuns         int64            `json:"batch_runs"`
	BatchRows         int64            `json:"batch_rows"`
	SkippedRows       int64            `json:"skipped_rows"`
	SkippedByRule     map[string]int64 `json:"skipped_by_rule,omitempty"`
	NonFinite         int64            `json:"non_finite_predictions"`
	LoadSuccesses     int64            `json:"load_successes"`
	LoadFailures      int64            `json:"load_failures"`
	NotReady          int64            `json:"not_ready_rejections"`
	LastLoad          time.Time        `json:"last_load,omitempty"`
	LastLoadError     string           `json:"last_load_error,omitempty"`
	BatchLatencyCount int64            `json:"batch_latency_count"`
	BatchLatencyMean  float64          `json:"batch_latency_mean_ms"`
	BatchLatencyMax   float64          `json:"batch_latency_max_ms"`
	Uptime            string           `json:"uptime"`
	Goroutines        int              `json:"goroutines"`
	HeapAlloc         uint64           `json:"heap_alloc"`
}

func NewInferenceMetrics() *InferenceMetrics {
	return &InferenceMetrics{
		skippedByRule: make(map[string]int64),
		startTime:     time.Now(),
	}
}

// RecordSingle counts one single-sample prediction.
func (m *InferenceMetrics) RecordSingle() {
	m.metricsLock.Lock()
	defer m.metricsLock.Unlock()

	m.singlePredictions++
}

// RecordBatch counts a batch run of rows predictions, its skipped input rows keyed by the
// cleaning rule that rejected them, and its duration.
func (m *InferenceMetrics) RecordBatch(rows, nonFinite int, skipped map[string]int64, elapsed time.Duration) {
	m.metricsLock.Lock()
	defer m.metricsLock.Unlock()

	m.batchRuns++
	m.batchRows += int64(rows)
	for rule, n := range skipped {
		m.skippedRows += n
		m.skippedByRule[rule] += n
	}
	m.nonFinite += int64(nonFinite)
	m.batchLatency.observe(elapsed)
}

// RecordLoad counts a model load attempt. It matches the predictor load hook signature.
func (m *InferenceMetrics) RecordLoad(err error) {
	m.metricsLock.Lock()
	defer m.metricsLock.Unlock()

	m.lastLoad = time.Now()
	if err != nil {
		m.loadFailures++
		m.lastLoadErr = err.Error()
		return
	}
	m.loadSuccesses++
	m.lastLoadErr = ""
}

// RecordNotReady counts a request rejected because no model was loaded.
func (m *InferenceMetrics) RecordNotReady() {
	m.metricsLock.Lock()
	defer m.metricsLock.Unlock()

	m.notReady++
}

func (m *InferenceMetrics) Snapshot() Snapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	m.metricsLock.RLock()
	defer m.metricsLock.RUnlock()

	byRule := make(map[string]int64, len(m.skippedByRule))
	for rule, n := range m.skippedByRule {
		byRule[rule] = n
	}
	return Snapshot{
		SinglePredictions: m.singlePredictions,
		BatchRuns:         m.batchRuns,
		BatchRows:         m.batchRows,
		SkippedRows:       m.skippedRows,
		SkippedByRule:     byRule,
		NonFinite:         m.nonFinite,
		LoadSuccesses:     m.loadSuccesses,
		LoadFailures:      m.loadFailures,
		NotReady:          m.notReady,
		LastLoad:          m.lastLoad,
		LastLoadError:     m.lastLoadErr,
		BatchLatencyCount: m.batchLatency.Count,
		BatchLatencyMean:  milliseconds(m.batchLatency.Mean()),
		BatchLatencyMax:   milliseconds(m.batchLatency.Max),
		Uptime:            time.Since(m.startTime).Round(time.Second).String(),
		Goroutines:        runtime.NumGoroutine(),
		HeapAlloc:         mem.HeapAlloc,
	}
}

// ExportPrometheus renders the counters in the Prometheus text format.
func (m *InferenceMetrics) ExportPrometheus() string {
	s := m.Snapshot()
	values := map[string]float64{
		"permnet_single_predictions_total":  float64(s.SinglePredictions),
		"permnet_batch_runs_total":          float64(s.BatchRuns),
		"permnet_batch_rows_total":          float64(s.BatchRows),
		"permnet_skipped_rows_total":        float64(s.SkippedRows),
		"permnet_non_finite_total":          float64(s.NonFinite),
		"permnet_model_loads_total":         float64(s.LoadSuccesses),
		"permnet_model_load_failures_total": float64(s.LoadFailures),
		"permnet_not_ready_total":           float64(s.NotReady),
		"permnet_batch_latency_mean_ms":     s.BatchLatencyMean,
		"permnet_batch_latency_max_ms":      s.BatchLatencyMax,
	}
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	var out strings.Builder
	for _, name := range names {
		kind := "counter"
		if !strings.HasSuffix(name, "_total") {
			kind = "gauge"
		}
		fmt.Fprintf(&out, "# TYPE %s %s\n", name, kind)
		fmt.Fprintf(&out, "%s %g\n", name, values[name])
	}

	if len(s.SkippedByRule) > 0 {
		rules := make([]string, 0, len(s.SkippedByRule))
		for rule := range s.SkippedByRule {
			rules = append(rules, rule)
		}
		sort.Strings(rules)
		out.WriteString("# TYPE permnet_skipped_rows_by_rule_total counter\n")
		for _, rule := range rules {
			fmt.Fprintf(&out, "permnet_skipped_rows_by_rule_total{rule=%q} %d\n", rule, s.SkippedByRule[rule])
		}
	}
	return out.String()
}

func milliseconds(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
