package watcher

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestWatcher(t *testing.T, cfg Config) *Watcher {
	t.Helper()
	if cfg.Debounce == 0 {
		cfg.Debounce = 50 * time.Millisecond
	}
	if cfg.Step == 0 {
		cfg.Step = 10 * time.Millisecond
	}
	w, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	w.Start()
	t.Cleanup(w.Stop)
	return w
}

func waitBatch(t *testing.T, w *Watcher) Batch {
	t.Helper()
	select {
	case b, ok := <-w.Batches():
		if !ok {
			t.Fatal("batch channel closed")
		}
		return b
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a batch")
	}
	return nil
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestKindString(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{0, "none"},
		{Added, "added"},
		{Modified, "modified"},
		{Deleted, "deleted"},
		{Added | Deleted, "added|deleted"},
		{Added | Modified | Deleted, "added|modified|deleted"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("Kind(%d).String() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}

func TestBatchMerge(t *testing.T) {
	a := Batch{"/x": Added, "/y": Modified}
	b := Batch{"/x": Modified, "/z": Deleted}
	a.merge(b)
	if a["/x"] != Added|Modified {
		t.Errorf("merged /x = %v, want added|modified", a["/x"])
	}
	if a["/y"] != Modified || a["/z"] != Deleted {
		t.Errorf("merge lost entries: %v", a)
	}
}

func TestNewRequiresRoots(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("New with no roots: want error")
	}
	if _, err := New(Config{IncludeRoots: []string{"/does/not/exist"}}); err == nil {
		t.Fatal("New with missing root: want error")
	}
}

func TestWriteEventsCoalesce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	mustWrite(t, path, "before")

	w := newTestWatcher(t, Config{IncludeRoots: []string{dir}})

	mustWrite(t, path, "v1")
	mustWrite(t, path, "v2")
	mustWrite(t, path, "v3")

	batch := waitBatch(t, w)
	kind, ok := batch[path]
	if !ok {
		t.Fatalf("batch %v does not contain %s", batch, path)
	}
	if !kind.Has(Modified) {
		t.Fatalf("kind = %v, want modified", kind)
	}
}

func TestNewSubdirectoryIsFollowed(t *testing.T) {
	dir := t.TempDir()
	w := newTestWatcher(t, Config{IncludeRoots: []string{dir}})

	sub := filepath.Join(dir, "pkg")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	// Give the follow a moment, then create inside the new directory.
	time.Sleep(150 * time.Millisecond)
	inner := filepath.Join(sub, "b.txt")
	mustWrite(t, inner, "hi")

	deadline := time.After(3 * time.Second)
	for {
		select {
		case batch, ok := <-w.Batches():
			if !ok {
				t.Fatal("batch channel closed")
			}
			if kind, hit := batch[inner]; hit {
				if !kind.Has(Added) && !kind.Has(Modified) {
					t.Fatalf("kind = %v for new file", kind)
				}
				return
			}
		case <-deadline:
			t.Fatal("file in new subdirectory never reported")
		}
	}
}

func TestExcludedRootFiltered(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "vendor")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	w := newTestWatcher(t, Config{
		IncludeRoots: []string{dir},
		ExcludeRoots: []string{sub},
	})

	mustWrite(t, filepath.Join(sub, "ignored.txt"), "x")
	mustWrite(t, filepath.Join(dir, "seen.txt"), "x")

	batch := waitBatch(t, w)
	if _, hit := batch[filepath.Join(sub, "ignored.txt")]; hit {
		t.Fatalf("excluded path leaked into batch %v", batch)
	}
	if _, hit := batch[filepath.Join(dir, "seen.txt")]; !hit {
		t.Fatalf("included path missing from batch %v", batch)
	}
}

func TestSuffixFilter(t *testing.T) {
	dir := t.TempDir()
	w := newTestWatcher(t, Config{
		IncludeRoots: []string{dir},
		Allow: func(path string) bool {
			return strings.HasSuffix(path, ".yaml")
		},
	})

	mustWrite(t, filepath.Join(dir, "notes.txt"), "x")
	mustWrite(t, filepath.Join(dir, "app.yaml"), "x")

	batch := waitBatch(t, w)
	if _, hit := batch[filepath.Join(dir, "notes.txt")]; hit {
		t.Fatalf("disallowed suffix leaked into batch %v", batch)
	}
	if _, hit := batch[filepath.Join(dir, "app.yaml")]; !hit {
		t.Fatalf("allowed suffix missing from batch %v", batch)
	}
}

func TestDeleteReported(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	mustWrite(t, path, "x")

	w := newTestWatcher(t, Config{IncludeRoots: []string{dir}})
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}

	batch := waitBatch(t, w)
	kind, ok := batch[path]
	if !ok {
		t.Fatalf("batch %v does not contain deleted path", batch)
	}
	if !kind.Has(Deleted) {
		t.Fatalf("kind = %v, want deleted", kind)
	}
}

func TestStopClosesChannel(t *testing.T) {
	dir := t.TempDir()
	w, err := New(Config{IncludeRoots: []string{dir}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	w.Start()
	w.Stop()

	select {
	case _, ok := <-w.Batches():
		if ok {
			t.Fatal("expected closed channel after Stop")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after Stop")
	}
}

func TestSlowConsumerMergesBatches(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	b := filepath.Join(dir, "b.txt")
	mustWrite(t, a, "x")
	mustWrite(t, b, "x")

	w := newTestWatcher(t, Config{
		IncludeRoots: []string{dir},
		Debounce:     30 * time.Millisecond,
		Step:         10 * time.Millisecond,
	})

	// Don't consume: the first batch parks in the channel, the second folds
	// into it.
	mustWrite(t, a, "v1")
	time.Sleep(200 * time.Millisecond)
	mustWrite(t, b, "v2")
	time.Sleep(200 * time.Millisecond)

	batch := waitBatch(t, w)
	if _, hit := batch[a]; !hit {
		t.Fatalf("merged batch %v missing %s", batch, a)
	}
	if _, hit := batch[b]; !hit {
		t.Fatalf("merged batch %v missing %s", batch, b)
	}
}
