package observability

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Well-known metric files under memory/observability/.
const (
	DailyRoutingMetricsFile  = "daily-routing-metrics.jsonl"
	MemoryGuardMetricsFile   = "memory-update-guard-metrics.jsonl"
	SanitizeMetricsFile      = "memory-update-sanitize-metrics.jsonl"
	ConflictMetricsFile      = "memory-conflict-metrics.jsonl"
	MemoryOutcomeMetricsFile = "memory-update-outcome.jsonl"
)

// MetricSink appends one JSON object per line to files under a directory.
// Each append is a single O_APPEND write so rows are never torn.
type MetricSink struct {
	mu  sync.Mutex
	dir string
}

// NewMetricSink creates a sink rooted at dir, creating it on demand.
func NewMetricSink(dir string) *MetricSink {
	return &MetricSink{dir: dir}
}

// Emit appends a row to the named file. The row gains an ISO-8601 "ts" and
// the session_key if not already present.
func (s *MetricSink) Emit(file, sessionKey string, fields map[string]any) error {
	if s == nil || s.dir == "" {
		return nil
	}
	row := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		row[k] = v
	}
	if _, ok := row["ts"]; !ok {
		row["ts"] = time.Now().Format(time.RFC3339)
	}
	if _, ok := row["session_key"]; !ok {
		row["session_key"] = sessionKey
	}
	line, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("encode metric row: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(s.dir, file), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open metrics file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("append metric row: %w", err)
	}
	return nil
}

// ReadRows parses all rows from the named file, skipping unparseable lines
// and tolerating a truncated last line.
func (s *MetricSink) ReadRows(file string) ([]map[string]any, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, file))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var rows []map[string]any
	start := 0
	for i := 0; i <= len(data); i++ {
		if i == len(data) || data[i] == '\n' {
			line := data[start:i]
			start = i + 1
			if len(line) == 0 {
				continue
			}
			var row map[string]any
			if err := json.Unmarshal(line, &row); err != nil {
				continue // skip-with-log semantics; caller logs counts
			}
			rows = append(rows, row)
		}
	}
	return rows, nil
}

// Prometheus counters for the main data paths.
var (
	TurnsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nanobot_turns_started_total",
		Help: "Turns started by the turn runner.",
	})
	TurnsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nanobot_turns_completed_total",
		Help: "Turns that produced a final assistant message.",
	})
	ToolCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nanobot_tool_calls_total",
		Help: "Tool executions by tool name and error status.",
	}, []string{"tool", "error"})
	ProviderRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nanobot_provider_retries_total",
		Help: "LLM provider retries across all causes.",
	})
	ConsolidationRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nanobot_consolidation_runs_total",
		Help: "Consolidation runs by outcome.",
	}, []string{"outcome"})
)

var registerOnce sync.Once

// RegisterMetrics registers the counters with a registry, typically
// prometheus.DefaultRegisterer, exactly once per process.
func RegisterMetrics(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(TurnsStarted, TurnsCompleted, ToolCalls, ProviderRetries, ConsolidationRuns)
	})
}
