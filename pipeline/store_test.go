// ABOUTME: Shared RunStore contract tests run against the filesystem, SQLite and in-memory stores.
// ABOUTME: Includes crash-consistency checks: a record reloaded by a fresh store equals the last write.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

type storeFactory struct {
	name string
	// open returns a store over dir; calling it twice on the same dir simulates a restart.
	open func(t *testing.T, dir string) RunStore
}

func storeFactories() []storeFactory {
	return []storeFactory{
		{name: "fs", open: func(t *testing.T, dir string) RunStore {
			s, err := NewFSRunStore(dir)
			if err != nil {
				t.Fatalf("NewFSRunStore() error = %v", err)
			}
			return s
		}},
		{name: "sqlite", open: func(t *testing.T, dir string) RunStore {
			s, err := OpenSQLiteRunStore(filepath.Join(dir, "runs.db"))
			if err != nil {
				t.Fatalf("OpenSQLiteRunStore() error = %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		}},
	}
}

func allStores(t *testing.T) map[string]RunStore {
	t.Helper()
	out := map[string]RunStore{"memory": NewMemoryRunStore()}
	for _, f := range storeFactories() {
		out[f.name] = f.open(t, t.TempDir())
	}
	return out
}

func TestRunStoreWriteRead(t *testing.T) {
	ctx := context.Background()
	for name, store := range allStores(t) {
		t.Run(name, func(t *testing.T) {
			r := newTestRun(t)
			completeStage(t, r, StageCoordinator)
			r.addInstruction("look at billing", testEpoch)
			if err := store.Write(ctx, r); err != nil {
				t.Fatalf("Write() error = %v", err)
			}
			got, err := store.Read(ctx, r.ID)
			if err != nil {
				t.Fatalf("Read() error = %v", err)
			}
			if got.Status != r.Status || got.CompletedCount() != 1 || len(got.Instructions) != 1 {
				t.Errorf("Read() = %+v", got)
			}
			if string(got.Outputs[StageCoordinator]) != string(r.Outputs[StageCoordinator]) {
				t.Errorf("output = %s, want %s", got.Outputs[StageCoordinator], r.Outputs[StageCoordinator])
			}
		})
	}
}

func TestRunStoreReadMissing(t *testing.T) {
	for name, store := range allStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Read(context.Background(), "does-not-exist")
			if !errors.Is(err, ErrRunNotFound) {
				t.Fatalf("Read() error = %v, want ErrRunNotFound", err)
			}
		})
	}
}

func TestRunStoreListNewestFirst(t *testing.T) {
	ctx := context.Background()
	for name, store := range allStores(t) {
		t.Run(name, func(t *testing.T) {
			older := newTestRun(t)
			newer := newTestRun(t)
			newer.UpdatedAt = older.UpdatedAt.Add(time.Hour)
			for _, r := range []*Run{older, newer} {
				if err := store.Write(ctx, r); err != nil {
					t.Fatalf("Write() error = %v", err)
				}
			}
			runs, err := store.List(ctx)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if len(runs) != 2 || runs[0].ID != newer.ID {
				t.Errorf("List() order = %v", runIDs(runs))
			}
		})
	}
}

func TestRunStoreReloadAfterRestart(t *testing.T) {
	ctx := context.Background()
	for _, f := range storeFactories() {
		t.Run(f.name, func(t *testing.T) {
			dir := t.TempDir()
			first := f.open(t, dir)

			r := newTestRun(t)
			for _, s := range []StageName{StageCoordinator, StageSemantic, StageBestPractice} {
				completeStage(t, r, s)
				if err := first.Write(ctx, r); err != nil {
					t.Fatalf("Write() error = %v", err)
				}
			}
			r.markPaused(testEpoch)
			if err := first.Write(ctx, r); err != nil {
				t.Fatalf("Write() error = %v", err)
			}

			reloaded, err := f.open(t, dir).Read(ctx, r.ID)
			if err != nil {
				t.Fatalf("Read() after restart error = %v", err)
			}
			want, _ := json.Marshal(r)
			got, _ := json.Marshal(reloaded)
			if string(got) != string(want) {
				t.Errorf("reloaded record differs\n got: %s\nwant: %s", got, want)
			}
			if err := reloaded.Validate(DefaultRegistry()); err != nil {
				t.Errorf("Validate() error = %v", err)
			}
		})
	}
}

func TestFSRunStoreLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFSRunStore(dir)
	if err != nil {
		t.Fatalf("NewFSRunStore() error = %v", err)
	}
	r := newTestRun(t)
	for i := 0; i < 3; i++ {
		if err := store.Write(context.Background(), r); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}
	entries, err := os.ReadDir(store.RunDir(r.ID))
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	if !reflect.DeepEqual(names, []string{"run.json"}) {
		t.Errorf("run dir = %v, want only run.json", names)
	}
}

func TestFSRunStoreRejectsTraversal(t *testing.T) {
	store, err := NewFSRunStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSRunStore() error = %v", err)
	}
	if _, err := store.Read(context.Background(), "../etc"); err == nil {
		t.Error("Read() accepted a traversal id")
	}
	r := newTestRun(t)
	r.ID = "a/b"
	if err := store.Write(context.Background(), r); err == nil {
		t.Error("Write() accepted an id with a separator")
	}
}

func TestFSRunStoreListSkipsCorrupt(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFSRunStore(dir)
	if err != nil {
		t.Fatalf("NewFSRunStore() error = %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "broken"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken", "run.json"), []byte("{"), 0644); err != nil {
		t.Fatal(err)
	}
	r := newTestRun(t)
	if err := store.Write(context.Background(), r); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	runs, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(runs) != 1 || runs[0].ID != r.ID {
		t.Errorf("List() = %v", runIDs(runs))
	}
}

func runIDs(runs []*Run) []string {
	ids := make([]string, len(runs))
	for i, r := range runs {
		ids[i] = r.ID
	}
	return ids
}
