package memstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nanobot-ai/nanobot/internal/observability"
)

// Memory file names.
const (
	MemoryFile   = "MEMORY.md"
	HistoryFile  = "HISTORY.md"
	ProgressFile = "consolidation-in-progress.json"
)

// Memory update outcomes, recorded in the outcome metrics.
const (
	OutcomeWritten          = "written"
	OutcomeRejectedGuard    = "rejected_guard"
	OutcomeRejectedConflict = "rejected_conflict"
	OutcomeNoopEmpty        = "noop_empty"
	OutcomeSkippedTruncated = "skipped_truncated_context"
)

// Options configures store policies.
type Options struct {
	// DailyMode is compatible, preferred, or required.
	DailyMode string
	// ConflictStrategy is keep_new, keep_old, ask_user, or merge.
	ConflictStrategy string
	// PreferenceKeys are checked for preference conflicts.
	PreferenceKeys []string
}

// Store owns the workspace memory directory. All writes are atomic
// (temp + rename) and serialized behind a single mutex, so concurrent
// consolidations across sessions cannot interleave partial documents.
type Store struct {
	mu     sync.Mutex
	dir    string
	opts   Options
	sink   *observability.MetricSink
	logger *observability.Logger
	now    func() time.Time
}

// New creates a store rooted at dir, creating the directory on demand.
func New(dir string, opts Options, logger *observability.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create memory dir: %w", err)
	}
	if opts.DailyMode == "" {
		opts.DailyMode = "preferred"
	}
	if opts.ConflictStrategy == "" {
		opts.ConflictStrategy = "keep_new"
	}
	if logger == nil {
		logger = observability.Discard()
	}
	return &Store{
		dir:    dir,
		opts:   opts,
		sink:   observability.NewMetricSink(filepath.Join(dir, "observability")),
		logger: logger,
		now:    time.Now,
	}, nil
}

// Dir returns the memory directory.
func (s *Store) Dir() string { return s.dir }

// MemoryPath returns the MEMORY.md path.
func (s *Store) MemoryPath() string { return filepath.Join(s.dir, MemoryFile) }

// HistoryPath returns the HISTORY.md path.
func (s *Store) HistoryPath() string { return filepath.Join(s.dir, HistoryFile) }

// ProgressPath returns the consolidation progress marker path.
func (s *Store) ProgressPath() string { return filepath.Join(s.dir, ProgressFile) }

// DailyPath returns the path of one daily file.
func (s *Store) DailyPath(date string) string { return filepath.Join(s.dir, date+".md") }

// ReadMemory returns the current MEMORY.md content, empty when absent.
func (s *Store) ReadMemory() string {
	data, err := os.ReadFile(s.MemoryPath())
	if err != nil {
		return ""
	}
	return string(data)
}

// MemorySnippet returns up to maxChars of MEMORY.md for the dynamic system
// block, cut at a line boundary.
func (s *Store) MemorySnippet(maxChars int) string {
	memory := strings.TrimSpace(s.ReadMemory())
	if memory == "" || maxChars <= 0 {
		return ""
	}
	if len(memory) <= maxChars {
		return memory
	}
	cut := memory[:maxChars]
	if i := strings.LastIndexByte(cut, '\n'); i > 0 {
		cut = cut[:i]
	}
	return cut + "\n... (memory truncated)"
}

// SaveMemoryArgs are the parsed arguments of one save_memory tool call.
type SaveMemoryArgs struct {
	HistoryEntry  string
	MemoryUpdate  string
	DailySections any
}

// ApplyResult reports what one save_memory application did.
type ApplyResult struct {
	HistoryWritten bool
	EntryDate      string
	DailySource    string
	MemoryOutcome  string
	GuardReason    string
	Conflicts      []PreferenceConflict
}

// ApplySaveMemory runs the full save_memory pipeline: history entry
// normalization and append, daily routing, and the sanitize/merge/guard
// memory update. A rejected history entry skips history and daily writes
// but the memory update still proceeds. memoryTruncated marks that the
// prompt carried a truncated memory excerpt; MEMORY.md is then never
// overwritten from this chunk.
func (s *Store) ApplySaveMemory(ctx context.Context, sessionKey string, args SaveMemoryArgs, memoryTruncated bool) (ApplyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res ApplyResult

	entry, ok := NormalizeHistoryEntry(args.HistoryEntry, s.now())
	if ok {
		if err := s.appendHistoryLocked(entry); err != nil {
			return res, err
		}
		res.HistoryWritten = true
		res.EntryDate, _ = EntryDate(entry)

		sections, source := RouteDaily(args.DailySections, stripHistoryPrefix(entry), s.opts.DailyMode)
		res.DailySource = source
		if len(sections) > 0 {
			if err := s.writeDailyLocked(res.EntryDate, sections); err != nil {
				return res, err
			}
		}
		s.emit(observability.DailyRoutingMetricsFile, sessionKey, map[string]any{
			"source": source,
			"mode":   s.opts.DailyMode,
			"date":   res.EntryDate,
		})
	} else {
		s.logger.Warn(ctx, "history entry rejected", "session_key", sessionKey)
	}

	outcome, reason, conflicts, err := s.applyMemoryUpdateLocked(sessionKey, args.MemoryUpdate, memoryTruncated)
	if err != nil {
		return res, err
	}
	res.MemoryOutcome = outcome
	res.GuardReason = reason
	res.Conflicts = conflicts
	return res, nil
}

// appendHistoryLocked appends one entry to HISTORY.md, entries separated by
// a blank line.
func (s *Store) appendHistoryLocked(entry string) error {
	existing, err := os.ReadFile(s.HistoryPath())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read history: %w", err)
	}
	content := strings.TrimRight(string(existing), "\n")
	if content != "" {
		content += "\n\n"
	}
	content += entry + "\n"
	return writeFileAtomic(s.HistoryPath(), []byte(content))
}

func (s *Store) writeDailyLocked(date string, sections map[string][]string) error {
	path := s.DailyPath(date)
	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read daily file: %w", err)
	}
	updated := InsertDailyBullets(string(existing), date, sections)
	return writeFileAtomic(path, []byte(updated))
}

// applyMemoryUpdateLocked runs sanitize, merge, guard, and conflict check
// over a candidate and writes MEMORY.md when everything passes.
func (s *Store) applyMemoryUpdateLocked(sessionKey, candidate string, memoryTruncated bool) (outcome, guardReason string, conflicts []PreferenceConflict, err error) {
	current := s.ReadMemory()

	if memoryTruncated {
		s.emitOutcome(sessionKey, OutcomeSkippedTruncated, "")
		return OutcomeSkippedTruncated, "", nil, nil
	}

	sanitized, stats := Sanitize(candidate)
	if stats.Changed() {
		s.emit(observability.SanitizeMetricsFile, sessionKey, map[string]any{
			"sections_dropped": stats.SectionsDropped,
			"lines_dropped":    stats.LinesDropped,
			"bullets_deduped":  stats.BulletsDeduped,
		})
	}
	if strings.TrimSpace(sanitized) == "" {
		s.emitOutcome(sessionKey, OutcomeNoopEmpty, "")
		return OutcomeNoopEmpty, "", nil, nil
	}

	merged := Merge(current, sanitized)

	if reason := GuardReason(current, merged); reason != "" {
		s.emit(observability.MemoryGuardMetricsFile, sessionKey, map[string]any{
			"reason":          reason,
			"current_length":  len(current),
			"candidate_length": len(merged),
		})
		s.emitOutcome(sessionKey, OutcomeRejectedGuard, reason)
		return OutcomeRejectedGuard, reason, nil, nil
	}

	conflicts = FindPreferenceConflicts(current, merged, s.opts.PreferenceKeys)
	write := true
	for _, c := range conflicts {
		resolution := s.opts.ConflictStrategy
		if resolution == "keep_old" || resolution == "ask_user" {
			write = false
		}
		s.emit(observability.ConflictMetricsFile, sessionKey, map[string]any{
			"key":        c.Key,
			"old_value":  c.OldValue,
			"new_value":  c.NewValue,
			"resolution": resolution,
		})
	}
	if !write {
		s.emitOutcome(sessionKey, OutcomeRejectedConflict, "")
		return OutcomeRejectedConflict, "", conflicts, nil
	}

	if err := writeFileAtomic(s.MemoryPath(), []byte(merged)); err != nil {
		return "", "", conflicts, err
	}
	s.emitOutcome(sessionKey, OutcomeWritten, "")
	return OutcomeWritten, "", conflicts, nil
}

func (s *Store) emitOutcome(sessionKey, outcome, reason string) {
	fields := map[string]any{"outcome": outcome}
	if reason != "" {
		fields["guard_reason"] = reason
	}
	s.emit(observability.MemoryOutcomeMetricsFile, sessionKey, fields)
}

func (s *Store) emit(file, sessionKey string, fields map[string]any) {
	if err := s.sink.Emit(file, sessionKey, fields); err != nil {
		s.logger.Warn(context.Background(), "metric emission failed", "file", file, "error", err)
	}
}

// Metrics exposes the store's metric sink for readers.
func (s *Store) Metrics() *observability.MetricSink { return s.sink }

// stripHistoryPrefix removes the timestamp prefix from an entry.
func stripHistoryPrefix(entry string) string {
	return strings.TrimSpace(historyPrefixRe.ReplaceAllString(entry, ""))
}

// writeFileAtomic writes data via a temp file and rename in the target dir.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
