// ABOUTME: Append-only NDJSON event log per run, written next to the run record by the filesystem store.
// ABOUTME: One file handle per run is opened lazily and closed when the run's task ends.
package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ProgressLog appends controller events to <dir>/<run_id>/progress.ndjson.
type ProgressLog struct {
	dir         string
	mu          sync.Mutex
	files       map[string]*os.File
	closed      bool
	WriteErrors int // count of write errors encountered (for diagnostics)
}

// NewProgressLog returns a log rooted at dir (normally the FS store's base directory).
func NewProgressLog(dir string) *ProgressLog {
	return &ProgressLog{dir: dir, files: make(map[string]*os.File)}
}

// HandleEvent matches EventHandler so it can be wired into ControllerConfig directly.
func (p *ProgressLog) HandleEvent(evt Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || evt.RunID == "" {
		return
	}

	f, err := p.fileFor(evt.RunID)
	if err != nil {
		p.WriteErrors++
		fmt.Fprintf(os.Stderr, "[progress] open error: %v\n", err)
		return
	}

	line, err := json.Marshal(evt)
	if err != nil {
		p.WriteErrors++
		fmt.Fprintf(os.Stderr, "[progress] marshal error: %v\n", err)
		return
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		p.WriteErrors++
		fmt.Fprintf(os.Stderr, "[progress] write error: %v\n", err)
	}

	switch evt.Type {
	case EventRunPaused, EventRunCompleted, EventRunFailed, EventPersistFailed:
		_ = f.Close()
		delete(p.files, evt.RunID)
	}
}

func (p *ProgressLog) fileFor(runID string) (*os.File, error) {
	if f, ok := p.files[runID]; ok {
		return f, nil
	}
	if err := validateRunID(runID); err != nil {
		return nil, err
	}
	runDir := filepath.Join(p.dir, runID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(runDir, "progress.ndjson"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	p.files[runID] = f
	return f, nil
}

// ReadProgress returns the logged events for a run in write order.
func ReadProgress(dir, runID string) ([]Event, error) {
	if err := validateRunID(runID); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, runID, "progress.ndjson"))
	if err != nil {
		return nil, err
	}
	var events []Event
	for _, line := range splitLines(data) {
		var evt Event
		if err := json.Unmarshal(line, &evt); err != nil {
			return nil, fmt.Errorf("decode progress line: %w", err)
		}
		events = append(events, evt)
	}
	return events, nil
}

func splitLines(data []byte) [][]byte {
	var out [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				out = append(out, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		out = append(out, data[start:])
	}
	return out
}

// Close closes every open file. Further events are dropped.
func (p *ProgressLog) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	var firstErr error
	for id, f := range p.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.files, id)
	}
	return firstErr
}
