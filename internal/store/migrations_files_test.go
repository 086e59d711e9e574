package store

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
)

func migrationsDir() string {
	return filepath.Join("..", "..", "db", "migrations")
}

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	entries, err := os.ReadDir(migrationsDir())
	if err != nil {
		t.Fatalf("read migrations dir: %v", err)
	}

	pattern := regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)
	byVersion := map[string]map[string]bool{}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := pattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		version := match[1]
		direction := match[2]
		if byVersion[version] == nil {
			byVersion[version] = map[string]bool{}
		}
		if byVersion[version][direction] {
			t.Fatalf("duplicate %s migration file for version %s", direction, version)
		}
		byVersion[version][direction] = true
	}

	if len(byVersion) == 0 {
		t.Fatal("no migrations discovered")
	}

	for version, dirs := range byVersion {
		if !dirs["up"] || !dirs["down"] {
			t.Fatalf("version %s must include both up and down files", version)
		}
	}
}

// The session manager leans on two schema guarantees: at most one active
// session per user and planet, and backups that disappear with their
// session. Losing either silently breaks restore semantics, so pin them.
func TestInitMigrationCarriesSessionConstraints(t *testing.T) {
	raw, err := os.ReadFile(filepath.Join(migrationsDir(), "0001_init.up.sql"))
	if err != nil {
		t.Fatalf("read init migration: %v", err)
	}
	sql := strings.ToLower(string(raw))

	for _, fragment := range []string{
		"create unique index",
		"where is_active",
		"references editing_sessions(id) on delete cascade",
	} {
		if !strings.Contains(sql, fragment) {
			t.Fatalf("init migration must contain %q", fragment)
		}
	}
}
