// Package storetest holds a conformance check shared by the repository implementations.
package storetest

import (
	"context"
	"testing"

	apperrors "github.com/loykin/scriptbatch/internal/errors"
	"github.com/loykin/scriptbatch/internal/store"
)

// Exercise runs the Repository contract against repo. The schema must not exist yet or be empty.
func Exercise(t *testing.T, repo store.Repository) {
	t.Helper()
	ctx := context.Background()
	if err := repo.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	// idempotent
	if err := repo.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema twice: %v", err)
	}

	if _, err := repo.WorkItem(ctx, 404); !apperrors.IsNotFound(err) {
		t.Fatalf("expected not found for missing work item, got %v", err)
	}

	item := store.WorkItem{
		ID:    7,
		Title: "book_0007",
		Steps: []store.Step{
			{ID: 70, Title: "Export", Order: 2, Scripts: []store.Script{
				{Name: "pdf", Path: "/opt/scripts/pdf.sh {workitemid}"},
				{Name: "mets", Path: "/opt/scripts/mets.sh", Args: []string{"--id", "7", "with space"}},
			}},
			{ID: 71, Title: "Import", Order: 1, Scripts: []store.Script{
				{Name: "pdf", Path: "/opt/scripts/other.sh"},
			}},
		},
	}
	if err := repo.PutWorkItem(ctx, item); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := repo.WorkItem(ctx, 7)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "book_0007" || len(got.Steps) != 2 {
		t.Fatalf("unexpected work item: %+v", got)
	}
	if got.Steps[0].Title != "Import" || got.Steps[1].Title != "Export" {
		t.Fatalf("steps not ordered by order: %+v", got.Steps)
	}
	export := got.StepsTitled("export")
	if len(export) != 1 || len(export[0].Scripts) != 2 {
		t.Fatalf("case-insensitive step lookup failed: %+v", export)
	}
	mets, ok := export[0].Script("mets")
	if !ok || len(mets.Args) != 3 || mets.Args[2] != "with space" {
		t.Fatalf("structured args not preserved: %+v", mets)
	}
	pdf, _ := export[0].Script("pdf")
	if pdf.Args != nil {
		t.Fatalf("legacy script should have nil args, got %#v", pdf.Args)
	}

	scripts, err := repo.ScriptsFor(ctx, 7)
	if err != nil {
		t.Fatalf("scripts for: %v", err)
	}
	if scripts["pdf"] != "/opt/scripts/other.sh" || scripts["mets"] != "/opt/scripts/mets.sh" {
		t.Fatalf("unexpected script map: %v", scripts)
	}

	// replace drops old steps
	item.Steps = item.Steps[:1]
	item.Title = "renamed"
	if err := repo.PutWorkItem(ctx, item); err != nil {
		t.Fatalf("put replace: %v", err)
	}
	got, err = repo.WorkItem(ctx, 7)
	if err != nil {
		t.Fatalf("get after replace: %v", err)
	}
	if got.Title != "renamed" || len(got.Steps) != 1 {
		t.Fatalf("replace not applied: %+v", got)
	}

	if err := repo.PutWorkItem(ctx, store.WorkItem{ID: 0}); !apperrors.IsValidation(err) {
		t.Fatalf("expected validation error for id 0, got %v", err)
	}

	for _, e := range []store.JournalEntry{
		{WorkItemID: 7, Level: store.LevelInfo, Message: "first", Author: "alice"},
		{WorkItemID: 7, Level: store.LevelError, Message: "second"},
		{WorkItemID: 8, Level: store.LevelDebug, Message: "other"},
	} {
		if err := repo.AddJournal(ctx, e); err != nil {
			t.Fatalf("add journal: %v", err)
		}
	}
	j, err := repo.Journal(ctx, 7)
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	if len(j) != 2 || j[0].Message != "first" || j[1].Level != store.LevelError || j[0].Author != "alice" {
		t.Fatalf("unexpected journal: %+v", j)
	}
	if j[0].CreatedAt.IsZero() {
		t.Fatalf("journal timestamp not set")
	}
	empty, err := repo.Journal(ctx, 999)
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected empty journal, got %v %v", empty, err)
	}
}
