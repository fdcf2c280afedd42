package db

import (
	"path/filepath"
	"testing"
)

func TestOpenStoreCreatesFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	store, err := OpenStore(dir)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()

	want := filepath.Join(dir, ".auto", "auto.db")
	if store.Path() != want {
		t.Errorf("Path() = %q, want %q", store.Path(), want)
	}

	// Migrations should be recorded
	var n int
	if err := store.QueryRow("SELECT COUNT(*) FROM _migrations").Scan(&n); err != nil {
		t.Fatalf("query migrations: %v", err)
	}
	if n == 0 {
		t.Error("expected at least one applied migration")
	}
}

func TestOpenStoreSetsPragmas(t *testing.T) {
	t.Parallel()

	store, err := OpenStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()

	var journalMode string
	if err := store.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("query journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("journal_mode = %q, want wal", journalMode)
	}

	var foreignKeys int
	if err := store.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys); err != nil {
		t.Fatalf("query foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Errorf("foreign_keys = %d, want 1", foreignKeys)
	}
}

func TestMigrateIdempotent(t *testing.T) {
	t.Parallel()
	store := NewTestStore(t)

	// Second migrate pass must be a no-op
	if err := store.Migrate("pipeline"); err != nil {
		t.Fatalf("re-migrate: %v", err)
	}

	var n int
	if err := store.QueryRow("SELECT COUNT(*) FROM pipeline_runs").Scan(&n); err != nil {
		t.Fatalf("pipeline_runs table missing after re-migrate: %v", err)
	}
}

func TestRebind(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		query string
		want  string
	}{
		{
			name:  "simple",
			query: "SELECT * FROM t WHERE a = ? AND b = ?",
			want:  "SELECT * FROM t WHERE a = $1 AND b = $2",
		},
		{
			name:  "no placeholders",
			query: "SELECT 1",
			want:  "SELECT 1",
		},
		{
			name:  "question mark in literal",
			query: "SELECT * FROM t WHERE a = '?' AND b = ?",
			want:  "SELECT * FROM t WHERE a = '?' AND b = $1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Rebind(tt.query); got != tt.want {
				t.Errorf("Rebind(%q) = %q, want %q", tt.query, got, tt.want)
			}
		})
	}
}
