// ABOUTME: RunStore contract plus filesystem and in-memory implementations with whole-record atomic writes.
// ABOUTME: The filesystem store keeps one directory per run holding run.json and the run's progress log.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// RunStore persists complete Run records. Writes replace the whole record
// atomically; readers never observe a partial write.
type RunStore interface {
	Write(ctx context.Context, run *Run) error
	Read(ctx context.Context, id string) (*Run, error)
	List(ctx context.Context) ([]*Run, error)
}

// Compile-time interface checks.
var (
	_ RunStore = (*FSRunStore)(nil)
	_ RunStore = (*MemoryRunStore)(nil)
)

// FSRunStore stores each run as <baseDir>/<id>/run.json.
type FSRunStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFSRunStore creates the base directory if needed.
func NewFSRunStore(baseDir string) (*FSRunStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create base dir: %w", err)
	}
	return &FSRunStore{baseDir: baseDir}, nil
}

// RunDir returns the directory that holds a run's files.
func (s *FSRunStore) RunDir(id string) string {
	return filepath.Join(s.baseDir, id)
}

func (s *FSRunStore) Write(_ context.Context, run *Run) error {
	if err := validateRunID(run.ID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.RunDir(run.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create run directory: %w", err)
	}
	if err := writeJSONAtomic(filepath.Join(dir, "run.json"), run); err != nil {
		return fmt.Errorf("write run %q: %w", run.ID, err)
	}
	return nil
}

func (s *FSRunStore) Read(_ context.Context, id string) (*Run, error) {
	if err := validateRunID(id); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readUnlocked(id)
}

func (s *FSRunStore) readUnlocked(id string) (*Run, error) {
	data, err := os.ReadFile(filepath.Join(s.RunDir(id), "run.json"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("run %q: %w", id, ErrRunNotFound)
		}
		return nil, fmt.Errorf("read run %q: %w", id, err)
	}
	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("decode run %q: %w", id, err)
	}
	if run.Outputs == nil {
		run.Outputs = map[StageName]json.RawMessage{}
	}
	return &run, nil
}

// List returns every readable run, newest update first. Corrupt entries are skipped.
func (s *FSRunStore) List(_ context.Context) ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("read base dir: %w", err)
	}
	var runs []*Run
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		run, err := s.readUnlocked(entry.Name())
		if err != nil {
			continue
		}
		runs = append(runs, run)
	}
	sortNewestFirst(runs)
	return runs, nil
}

// MemoryRunStore keeps serialized copies of runs in memory.
type MemoryRunStore struct {
	mu   sync.RWMutex
	runs map[string][]byte
}

// NewMemoryRunStore returns an empty in-memory store.
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{runs: make(map[string][]byte)}
}

func (s *MemoryRunStore) Write(_ context.Context, run *Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run %q: %w", run.ID, err)
	}
	s.mu.Lock()
	s.runs[run.ID] = data
	s.mu.Unlock()
	return nil
}

func (s *MemoryRunStore) Read(_ context.Context, id string) (*Run, error) {
	s.mu.RLock()
	data, ok := s.runs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("run %q: %w", id, ErrRunNotFound)
	}
	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("decode run %q: %w", id, err)
	}
	return &run, nil
}

func (s *MemoryRunStore) List(ctx context.Context) ([]*Run, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	runs := make([]*Run, 0, len(ids))
	for _, id := range ids {
		run, err := s.Read(ctx, id)
		if err != nil {
			continue
		}
		runs = append(runs, run)
	}
	sortNewestFirst(runs)
	return runs, nil
}

func sortNewestFirst(runs []*Run) {
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].UpdatedAt.After(runs[j].UpdatedAt)
	})
}

// validateRunID rejects IDs that could escape the store directory.
func validateRunID(id string) error {
	if id == "" {
		return fmt.Errorf("run ID is required")
	}
	if strings.Contains(id, "..") || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("invalid run ID %q", id)
	}
	return nil
}

// writeJSONAtomic writes v as JSON to path via a temp file and rename.
func writeJSONAtomic(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
