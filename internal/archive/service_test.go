package archive

import (
	"strings"
	"sync"
	"testing"
)

func TestCommitSnapshotAndHistory(t *testing.T) {
	svc := New(t.TempDir())

	files := SnapshotFiles([]SnapshotNode{
		{FilePath: "docs", Folder: true},
		{FilePath: "docs/intro", Content: "# Intro\n"},
		{FilePath: "readme", Content: "hello\n"},
	})
	first, err := svc.CommitSnapshot("my-planet", files, "Alice", "Apply editing session")
	if err != nil {
		t.Fatalf("CommitSnapshot() error = %v", err)
	}
	if first.Hash == "" {
		t.Fatal("expected commit hash")
	}

	files["docs/intro.md"] = "# Intro v2\n"
	second, err := svc.CommitSnapshot("my-planet", files, "Alice", "Apply editing session")
	if err != nil {
		t.Fatalf("second CommitSnapshot() error = %v", err)
	}

	history, err := svc.History("my-planet", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 commits, got %d", len(history))
	}
	if history[0].Hash != second.Hash {
		t.Fatalf("history must be newest first: %+v", history)
	}

	content, err := svc.FileAt("my-planet", second.Hash, "docs/intro.md")
	if err != nil {
		t.Fatalf("FileAt() error = %v", err)
	}
	if content != "# Intro v2\n" {
		t.Fatalf("FileAt() = %q", content)
	}

	old, err := svc.FileAt("my-planet", first.Hash, "docs/intro.md")
	if err != nil {
		t.Fatalf("FileAt(first) error = %v", err)
	}
	if old != "# Intro\n" {
		t.Fatalf("FileAt(first) = %q", old)
	}
}

func TestSnapshotDropsRemovedNodes(t *testing.T) {
	svc := New(t.TempDir())

	if _, err := svc.CommitSnapshot("p", map[string]string{
		"a.md": "a", "b.md": "b",
	}, "Alice", "first"); err != nil {
		t.Fatalf("CommitSnapshot() error = %v", err)
	}
	commit, err := svc.CommitSnapshot("p", map[string]string{"a.md": "a"}, "Alice", "second")
	if err != nil {
		t.Fatalf("CommitSnapshot() error = %v", err)
	}

	if _, err := svc.FileAt("p", commit.Hash, "b.md"); err == nil {
		t.Fatal("deleted node must not survive into the next snapshot")
	}
}

func TestHistoryWithoutRepo(t *testing.T) {
	svc := New(t.TempDir())
	history, err := svc.History("never-applied", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("expected empty history, got %d entries", len(history))
	}
}

func TestConcurrentCommitsSamePlanet(t *testing.T) {
	svc := New(t.TempDir())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.CommitSnapshot("planet", map[string]string{"a.md": "a"}, "Alice", "apply")
			if err != nil {
				t.Errorf("CommitSnapshot() error = %v", err)
			}
		}()
	}
	wg.Wait()

	history, err := svc.History("planet", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 4 {
		t.Fatalf("expected 4 commits, got %d", len(history))
	}
}

func TestSnapshotFiles(t *testing.T) {
	files := SnapshotFiles([]SnapshotNode{
		{FilePath: "docs", Folder: true},
		{FilePath: "docs/guide", Content: "body"},
	})
	paths := SortedPaths(files)
	joined := strings.Join(paths, ",")
	if joined != "docs/.gitkeep,docs/guide.md" {
		t.Fatalf("paths = %s", joined)
	}
}

func TestHistoryNegativeLimit(t *testing.T) {
	svc := New(t.TempDir())

	if _, err := svc.CommitSnapshot("p", map[string]string{"a.md": "a"}, "Alice", "first"); err != nil {
		t.Fatalf("CommitSnapshot() error = %v", err)
	}

	// A negative limit comes straight from the query string; it must
	// behave like "no limit", not blow up allocating the result slice.
	history, err := svc.History("p", -1)
	if err != nil {
		t.Fatalf("History(-1) error = %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("History(-1) returned %d commits, want 1", len(history))
	}
}
