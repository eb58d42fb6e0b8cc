package report_test

import (
	"context"
	"testing"

	"pmon/internal/catalog"
	"pmon/internal/config"
	"pmon/internal/db"
	"pmon/internal/domain"
	"pmon/internal/engine"
	"pmon/internal/migrate"
	"pmon/internal/report"
)

func newTestEngine(t *testing.T) engine.Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return engine.New(conn, config.Default())
}

func TestBuildSummary(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	for _, name := range []string{"A", "B", "C"} {
		if _, err := e.AddRecord(ctx, engine.RecordCreateOptions{
			Type: domain.TypeRPA, Name: name, ActorID: "tester",
		}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := e.AddRecord(ctx, engine.RecordCreateOptions{
		Type: domain.TypeScript, Name: "S", ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.UpdateRecord(ctx, "RPA-00001", []domain.FieldUpdate{
		{Field: domain.FieldHoursSaved, NewValue: "12.5"},
		{Field: domain.FieldHoursAdded, NewValue: "3"},
	}, "tester"); err != nil {
		t.Fatal(err)
	}

	summary, err := report.Build(ctx, e.Repo, 2)
	if err != nil {
		t.Fatal(err)
	}
	if summary.ByStatus[catalog.StatusUnderEvaluation] != 4 {
		t.Fatalf("by status = %v", summary.ByStatus)
	}
	if summary.ByType[domain.TypeRPA] != 3 || summary.ByType[domain.TypeScript] != 1 {
		t.Fatalf("by type = %v", summary.ByType)
	}
	if summary.HoursSaved != 12.5 || summary.HoursAdded != 3 {
		t.Fatalf("hours = %v / %v", summary.HoursAdded, summary.HoursSaved)
	}
	if len(summary.TopRanked) != 2 {
		t.Fatalf("top = %+v", summary.TopRanked)
	}
	if summary.TopRanked[0].Rank != 1 || summary.TopRanked[0].Name == "" {
		t.Fatalf("top entry = %+v", summary.TopRanked[0])
	}
}

func TestBuildSummaryEmptyPortfolio(t *testing.T) {
	e := newTestEngine(t)
	summary, err := report.Build(context.Background(), e.Repo, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(summary.TopRanked) != 0 || summary.HoursSaved != 0 {
		t.Fatalf("summary = %+v", summary)
	}
}
