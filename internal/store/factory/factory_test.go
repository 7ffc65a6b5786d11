package factory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/loykin/scriptbatch/internal/store"
)

func TestNewFromDSN(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		dsn  string
		want string
	}{
		{"memory", "*store.Memory"},
		{" MEMORY:// ", "*store.Memory"},
		{"sqlite://:memory:", "*store.SQL"},
		{"sqlite://" + filepath.Join(dir, "a.db"), "*store.SQL"},
		{filepath.Join(dir, "b.db"), "*store.SQL"},
		// sql.Open does not connect, so no server is needed
		{"postgres://batch@localhost/workitems", "*store.SQL"},
		{"postgresql://batch@localhost/workitems", "*store.SQL"},
	}
	for _, tc := range cases {
		repo, err := NewFromDSN(tc.dsn)
		if err != nil {
			t.Fatalf("%q: %v", tc.dsn, err)
		}
		var got string
		switch repo.(type) {
		case *store.Memory:
			got = "*store.Memory"
		case *store.SQL:
			got = "*store.SQL"
		}
		if got != tc.want {
			t.Fatalf("%q: got %T, want %s", tc.dsn, repo, tc.want)
		}
		_ = repo.Close()
	}
	if _, err := NewFromDSN("  "); err == nil {
		t.Fatal("expected error for blank DSN")
	}
}

func TestSQLiteFileDSNPersists(t *testing.T) {
	ctx := context.Background()
	dsn := "sqlite://" + filepath.Join(t.TempDir(), "items.db")

	repo, err := NewFromDSN(dsn)
	if err != nil {
		t.Fatal(err)
	}
	if err := repo.EnsureSchema(ctx); err != nil {
		t.Fatal(err)
	}
	if err := repo.PutWorkItem(ctx, store.WorkItem{ID: 3, Title: "Map collection"}); err != nil {
		t.Fatal(err)
	}
	_ = repo.Close()

	reopened, err := NewFromDSN(dsn)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = reopened.Close() }()
	w, err := reopened.WorkItem(ctx, 3)
	if err != nil {
		t.Fatalf("work item lost after reopen: %v", err)
	}
	if w.Title != "Map collection" {
		t.Fatalf("unexpected title %q", w.Title)
	}
}
