package observers

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestPruneTimelinesRemovesOnlyStaleTimelines(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "old-session.jsonl")
	fresh := filepath.Join(dir, "new-session.jsonl")
	other := filepath.Join(dir, "recording.wav")
	for _, p := range []string{stale, fresh, other} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", p, err)
		}
	}
	past := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(stale, past, past); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	if err := os.Chtimes(other, past, past); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	n, err := PruneTimelines(dir, 24*time.Hour)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("removed %d files, want 1", n)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("stale timeline should be gone")
	}
	for _, p := range []string{fresh, other} {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("%s should survive: %v", p, err)
		}
	}
}

func TestPruneTimelinesToleratesMissingDir(t *testing.T) {
	n, err := PruneTimelines(filepath.Join(t.TempDir(), "absent"), time.Hour)
	if err != nil || n != 0 {
		t.Fatalf("got n=%d err=%v, want 0, nil", n, err)
	}
}
