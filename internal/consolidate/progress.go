package consolidate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Progress is the crash-recovery marker persisted after every processed
// chunk. A consolidation interrupted mid-scope resumes from Start+Processed.
type Progress struct {
	SessionKey  string `json:"session_key"`
	Start       int    `json:"start"`
	Processed   int    `json:"processed"`
	TargetLast  int    `json:"target_last"`
	KeepCount   int    `json:"keep_count"`
	SnapshotLen int    `json:"snapshot_len"`
	ArchiveAll  bool   `json:"archive_all"`
}

// loadProgress reads the marker. A missing or unparseable file returns nil.
func loadProgress(path string) *Progress {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var p Progress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil
	}
	return &p
}

// saveProgress writes the marker atomically.
func saveProgress(path string, p *Progress) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".progress-")
	if err != nil {
		return fmt.Errorf("create progress temp: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("write progress: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("close progress: %w", err)
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return fmt.Errorf("rename progress: %w", err)
	}
	return nil
}

// clearProgress removes the marker, tolerating absence.
func clearProgress(path string) {
	_ = os.Remove(path)
}
