// Package sessions persists sessions as append-ordered JSONL files, one per
// session key, with signature-based save elision and atomic snapshots.
package sessions

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nanobot-ai/nanobot/internal/observability"
	"github.com/nanobot-ai/nanobot/pkg/models"
)

// metadata is the first line of every session file.
type metadata struct {
	Type             string         `json:"_type"`
	Key              string         `json:"key"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	LastConsolidated int            `json:"last_consolidated"`
}

// counterLogInterval controls how often the writes/skips counter is logged.
const counterLogInterval = 50

// Store loads and saves sessions. A per-store cache keeps one Session value
// per key together with its last saved signature.
type Store struct {
	dir    string
	legacy string
	logger *observability.Logger

	mu         sync.Mutex
	cache      map[string]*models.Session
	signatures map[string]string
	writes     int
	skips      int
}

// New creates a store rooted at dir. legacyDir, when non-empty, names an
// old location whose files migrate on first load.
func New(dir, legacyDir string, logger *observability.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	if logger == nil {
		logger = observability.Discard()
	}
	return &Store{
		dir:        dir,
		legacy:     legacyDir,
		logger:     logger,
		cache:      make(map[string]*models.Session),
		signatures: make(map[string]string),
	}, nil
}

// path maps a session key to its file, replacing separators.
func (s *Store) path(key string) string {
	safe := strings.NewReplacer(":", "_", "/", "_", "\\", "_").Replace(key)
	return filepath.Join(s.dir, safe+".jsonl")
}

// Load returns the session for key, reading it from disk on first use and
// creating an empty one when no file exists.
func (s *Store) Load(ctx context.Context, key string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.cache[key]; ok {
		return sess, nil
	}

	path := s.path(key)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		s.migrateLegacyLocked(ctx, key, path)
	}

	sess, err := readSessionFile(path, key)
	if err != nil {
		return nil, err
	}
	s.cache[key] = sess
	s.signatures[key] = signature(sess)
	return sess, nil
}

// migrateLegacyLocked moves a legacy session file into place if present.
func (s *Store) migrateLegacyLocked(ctx context.Context, key, dst string) {
	if s.legacy == "" {
		return
	}
	src := filepath.Join(s.legacy, filepath.Base(dst))
	if _, err := os.Stat(src); err != nil {
		return
	}
	if err := os.Rename(src, dst); err != nil {
		s.logger.Warn(ctx, "legacy session migration failed", "key", key, "error", err)
		return
	}
	s.logger.Info(ctx, "migrated legacy session file", "key", key, "from", src)
}

// Save persists the session unless its signature is unchanged since the
// last save. Writes are full atomic snapshots.
func (s *Store) Save(ctx context.Context, sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sig := signature(sess)
	if s.signatures[sess.Key] == sig {
		s.skips++
		s.maybeLogCountersLocked(ctx)
		return nil
	}

	data, err := encodeSession(sess)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(s.path(sess.Key), data); err != nil {
		return fmt.Errorf("save session %s: %w", sess.Key, err)
	}
	s.cache[sess.Key] = sess
	s.signatures[sess.Key] = sig
	s.writes++
	s.maybeLogCountersLocked(ctx)
	return nil
}

// Invalidate drops the cached session so the next Load re-reads disk.
func (s *Store) Invalidate(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, key)
	delete(s.signatures, key)
}

func (s *Store) maybeLogCountersLocked(ctx context.Context) {
	if (s.writes+s.skips)%counterLogInterval == 0 {
		s.logger.Info(ctx, "session store counters", "writes", s.writes, "skips", s.skips)
	}
}

// Keys lists the keys of all sessions on disk, sorted. The filename
// encoding is lossy, so each key is read back from the file's metadata
// line; files without one fall back to the filename stem.
func (s *Store) Keys() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list sessions dir: %w", err)
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		keys = append(keys, readSessionKey(filepath.Join(s.dir, name)))
	}
	sort.Strings(keys)
	return keys, nil
}

// readSessionKey returns the key from a session file's metadata line.
func readSessionKey(path string) string {
	fallback := strings.TrimSuffix(filepath.Base(path), ".jsonl")
	f, err := os.Open(path)
	if err != nil {
		return fallback
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64<<10), 16<<20)
	if !scanner.Scan() {
		return fallback
	}
	var meta metadata
	if err := json.Unmarshal(scanner.Bytes(), &meta); err != nil || meta.Type != "metadata" || meta.Key == "" {
		return fallback
	}
	return meta.Key
}

// Counters reports the rolling writes/skips counters.
func (s *Store) Counters() (writes, skips int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes, s.skips
}

// signature captures everything a save depends on; equal signatures mean
// the on-disk snapshot is already current.
func signature(sess *models.Session) string {
	var lastMsg []byte
	if n := len(sess.Messages); n > 0 {
		lastMsg, _ = json.Marshal(sess.Messages[n-1])
	}
	meta, _ := json.Marshal(sortedMap(sess.Metadata))
	return fmt.Sprintf("%s|%d|%d|%d|%d|%s|%s",
		sess.Key,
		sess.CreatedAt.UnixNano(),
		sess.UpdatedAt.UnixNano(),
		sess.LastConsolidated,
		len(sess.Messages),
		meta,
		lastMsg,
	)
}

// sortedMap round-trips a map so its JSON encoding is key-sorted.
func sortedMap(m map[string]any) map[string]any {
	// encoding/json already sorts map keys; the indirection documents the
	// dependency.
	return m
}

func encodeSession(sess *models.Session) ([]byte, error) {
	var b strings.Builder
	meta := metadata{
		Type:             "metadata",
		Key:              sess.Key,
		CreatedAt:        sess.CreatedAt,
		UpdatedAt:        sess.UpdatedAt,
		Metadata:         sess.Metadata,
		LastConsolidated: sess.LastConsolidated,
	}
	line, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode session metadata: %w", err)
	}
	b.Write(line)
	b.WriteByte('\n')
	for i := range sess.Messages {
		line, err := json.Marshal(&sess.Messages[i])
		if err != nil {
			return nil, fmt.Errorf("encode session message %d: %w", i, err)
		}
		b.Write(line)
		b.WriteByte('\n')
	}
	return []byte(b.String()), nil
}

// readSessionFile reconstructs a session; a missing file yields a fresh
// session and missing metadata defaults to now.
func readSessionFile(path, key string) (*models.Session, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return models.NewSession(key), nil
		}
		return nil, fmt.Errorf("open session %s: %w", key, err)
	}
	defer f.Close()

	sess := models.NewSession(key)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64<<10), 16<<20)
	first := true
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if first {
			first = false
			var meta metadata
			if err := json.Unmarshal(line, &meta); err == nil && meta.Type == "metadata" {
				if !meta.CreatedAt.IsZero() {
					sess.CreatedAt = meta.CreatedAt
				}
				if !meta.UpdatedAt.IsZero() {
					sess.UpdatedAt = meta.UpdatedAt
				}
				if meta.Metadata != nil {
					sess.Metadata = meta.Metadata
				}
				sess.LastConsolidated = meta.LastConsolidated
				continue
			}
			// No metadata line; fall through and parse as a message.
		}
		var msg models.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, fmt.Errorf("parse session %s: %w", key, err)
		}
		sess.Messages = append(sess.Messages, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read session %s: %w", key, err)
	}
	if sess.LastConsolidated < 0 || sess.LastConsolidated > len(sess.Messages) {
		sess.LastConsolidated = 0
	}
	return sess, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".session-")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}
