package content

import "testing"

func TestTierForDepth(t *testing.T) {
	cases := map[int]string{
		0: "ocean",
		1: "sea",
		2: "river",
		3: "drop",
		4: "drop",
		9: "drop",
	}
	for depth, want := range cases {
		if got := TierForDepth(depth); got != want {
			t.Errorf("TierForDepth(%d) = %q, want %q", depth, got, want)
		}
	}
}

func TestValidatePath(t *testing.T) {
	cases := []struct {
		name      string
		slug      string
		namespace string
		depth     int
		filePath  string
		ok        bool
	}{
		{"root node", "intro", "", 0, "intro", true},
		{"nested node", "setup", "docs/guides", 2, "docs/guides/setup", true},
		{"dotted slug", "v1.2", "docs", 1, "docs/v1.2", true},
		{"uppercase slug", "Intro", "", 0, "Intro", false},
		{"spaced slug", "my page", "", 0, "my page", false},
		{"dot segment", "x", ".", 1, "./x", false},
		{"dotdot slug", "..", "", 0, "..", false},
		{"empty slug", "", "", 0, "", false},
		{"depth mismatch", "x", "docs", 2, "docs/x", false},
		{"path mismatch", "x", "docs", 1, "other/x", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidatePath(tc.slug, tc.namespace, tc.depth, tc.filePath)
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatalf("expected an error")
			}
		})
	}
}

func TestNormalizeNamespace(t *testing.T) {
	if got := NormalizeNamespace(" /docs/setup/ "); got != "docs/setup" {
		t.Fatalf("got %q", got)
	}
	if got := NormalizeNamespace("/"); got != "" {
		t.Fatalf("got %q, want empty root", got)
	}
}

func TestSplitFrontmatter(t *testing.T) {
	meta, body, err := SplitFrontmatter("---\ntitle: Hello\ndraft: true\n---\n# Heading\n")
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if meta["title"] != "Hello" || meta["draft"] != true {
		t.Fatalf("meta = %v", meta)
	}
	if body != "# Heading\n" {
		t.Fatalf("body = %q", body)
	}

	meta, body, err = SplitFrontmatter("plain text")
	if err != nil || meta != nil || body != "plain text" {
		t.Fatalf("plain content must pass through, got meta=%v body=%q err=%v", meta, body, err)
	}

	if _, _, err := SplitFrontmatter("---\n: [broken\n---\nbody"); err == nil {
		t.Fatalf("malformed frontmatter must error")
	}
}

func TestMergeMetadata(t *testing.T) {
	merged := MergeMetadata(
		map[string]any{"a": 1, "b": 1, "c": 1},
		map[string]any{"b": 2, "c": 2},
		map[string]any{"c": 3},
	)
	if merged["a"] != 1 || merged["b"] != 2 || merged["c"] != 3 {
		t.Fatalf("merged = %v", merged)
	}
}
