package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"pmon/internal/catalog"
	"pmon/internal/config"
	"pmon/internal/db"
	"pmon/internal/domain"
	"pmon/internal/engine"
	"pmon/internal/migrate"
	"pmon/internal/repo"
	"pmon/internal/workflow"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func mustCreate(t *testing.T, env testEnv, typ, name, parent string) *domain.Project {
	t.Helper()
	p, err := env.Engine.AddRecord(env.Ctx, engine.RecordCreateOptions{
		Type:     typ,
		Name:     name,
		ParentID: parent,
		ActorID:  "tester",
	})
	if err != nil {
		t.Fatalf("create %s record: %v", typ, err)
	}
	return p
}

func mustMove(t *testing.T, env testEnv, opts engine.MoveOptions) {
	t.Helper()
	if opts.ActorID == "" {
		opts.ActorID = "tester"
	}
	if _, err := env.Engine.MoveRecord(env.Ctx, opts); err != nil {
		t.Fatalf("move %s to %s: %v", opts.ID, opts.ToStatus, err)
	}
}

func completeMilestones(t *testing.T, env testEnv, rec *domain.Project) {
	t.Helper()
	stored, err := env.Engine.Repo.GetProject(env.Ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, req := range env.Engine.Config.RequirementSet().For(workflow.EffectiveType(stored)) {
		fields := req.Group
		if req.Field != "" {
			fields = []string{req.Field}
		}
		for _, f := range fields {
			if _, err := env.Engine.SetMilestoneField(env.Ctx, rec.ID, f, "2026-03-01", "tester"); err != nil {
				t.Fatalf("set milestone %s: %v", f, err)
			}
		}
	}
}

func TestAddRecordAssignsSequentialIDs(t *testing.T) {
	env := newTestEnv(t)
	first := mustCreate(t, env, domain.TypeRPA, "First", "")
	second := mustCreate(t, env, domain.TypeRPA, "Second", "")
	if first.ID != "RPA-00001" || second.ID != "RPA-00002" {
		t.Fatalf("ids = %s, %s", first.ID, second.ID)
	}
	scr := mustCreate(t, env, domain.TypeScript, "Script", "")
	if scr.ID != "SCR-00001" {
		t.Fatalf("script counter should be independent, got %s", scr.ID)
	}
	if first.Status != catalog.StatusUnderEvaluation {
		t.Fatalf("new records start under evaluation, got %s", first.Status)
	}

	rankings, err := env.Engine.Repo.ListRankings(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rankings) != 3 {
		t.Fatalf("each new record gets a ranking entry, have %d", len(rankings))
	}
	for i, rk := range rankings {
		if rk.Rank != i+1 {
			t.Fatalf("ranks not dense: %+v", rankings)
		}
	}
}

func TestAddRecordValidation(t *testing.T) {
	env := newTestEnv(t)
	var ve engine.ValidationError

	_, err := env.Engine.AddRecord(env.Ctx, engine.RecordCreateOptions{Type: "robot", Name: "x", ActorID: "tester"})
	if !errors.As(err, &ve) {
		t.Fatalf("unknown type: %v", err)
	}
	_, err = env.Engine.AddRecord(env.Ctx, engine.RecordCreateOptions{Type: domain.TypeRPA, Name: "  ", ActorID: "tester"})
	if !errors.As(err, &ve) {
		t.Fatalf("blank name: %v", err)
	}
	_, err = env.Engine.AddRecord(env.Ctx, engine.RecordCreateOptions{Type: domain.TypeBug, Name: "Orphan", ActorID: "tester"})
	if !errors.As(err, &ve) {
		t.Fatalf("bug without parent: %v", err)
	}
	_, err = env.Engine.AddRecord(env.Ctx, engine.RecordCreateOptions{
		Type: domain.TypeEnhancement, Name: "Enh", ParentID: "RPA-99999", ActorID: "tester",
	})
	if !errors.As(err, &ve) {
		t.Fatalf("missing parent: %v", err)
	}
}

func TestMoveIntoDevelopmentNeedsDeveloper(t *testing.T) {
	env := newTestEnv(t)
	rec := mustCreate(t, env, domain.TypeRPA, "Automate", "")

	_, err := env.Engine.MoveRecord(env.Ctx, engine.MoveOptions{
		ID: rec.ID, ToStatus: catalog.StatusInDevelopment, ActorID: "tester",
	})
	var ve engine.ValidationError
	if !errors.As(err, &ve) || !strings.Contains(ve.Msg, "developer") {
		t.Fatalf("expected developer requirement, got %v", err)
	}

	mustMove(t, env, engine.MoveOptions{
		ID: rec.ID, ToStatus: catalog.StatusInDevelopment, DevIDs: []string{"dev-1"},
	})
	stored, err := env.Engine.Repo.GetProject(env.Ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != catalog.StatusInDevelopment {
		t.Fatalf("status = %s", stored.Status)
	}
	if len(stored.DevIDs) != 1 || stored.DevIDs[0] != "dev-1" {
		t.Fatalf("dev assignment lost: %v", stored.DevIDs)
	}
	// milestone row created on entry
	if _, err := env.Engine.Repo.GetMilestone(env.Ctx, rec.ID); err != nil {
		t.Fatalf("milestone not created: %v", err)
	}
	// ranking entry removed on leaving evaluation
	rankings, err := env.Engine.Repo.ListRankings(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, rk := range rankings {
		if rk.ProjectID == rec.ID {
			t.Fatalf("ranking entry should be gone: %+v", rankings)
		}
	}
}

func TestMoveRankingCompactsOnRemoval(t *testing.T) {
	env := newTestEnv(t)
	a := mustCreate(t, env, domain.TypeRPA, "A", "")
	b := mustCreate(t, env, domain.TypeRPA, "B", "")
	c := mustCreate(t, env, domain.TypeRPA, "C", "")

	mustMove(t, env, engine.MoveOptions{ID: b.ID, ToStatus: catalog.StatusCancelled, Reason: "duplicate effort"})

	rankings, err := env.Engine.Repo.ListRankings(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rankings) != 2 {
		t.Fatalf("len = %d, want 2", len(rankings))
	}
	if rankings[0].ProjectID != a.ID || rankings[0].Rank != 1 {
		t.Fatalf("first = %+v", rankings[0])
	}
	if rankings[1].ProjectID != c.ID || rankings[1].Rank != 2 {
		t.Fatalf("second should compact to rank 2: %+v", rankings[1])
	}
}

func TestMoveRequiresReasonForHoldAndCancel(t *testing.T) {
	env := newTestEnv(t)
	rec := mustCreate(t, env, domain.TypeRPA, "Automate", "")

	_, err := env.Engine.MoveRecord(env.Ctx, engine.MoveOptions{
		ID: rec.ID, ToStatus: catalog.StatusOnHold, ActorID: "tester",
	})
	var ve engine.ValidationError
	if !errors.As(err, &ve) || !strings.Contains(ve.Msg, "Why is this item on hold?") {
		t.Fatalf("expected hold prompt, got %v", err)
	}

	mustMove(t, env, engine.MoveOptions{ID: rec.ID, ToStatus: catalog.StatusOnHold, Reason: "vendor outage"})
	stored, err := env.Engine.Repo.GetProject(env.Ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.StatusReason != "vendor outage" {
		t.Fatalf("status reason = %q", stored.StatusReason)
	}
	if len(stored.Comments) == 0 || stored.Comments[0].Comment != "vendor outage" {
		t.Fatalf("reason should prepend the comment history: %+v", stored.Comments)
	}

	// reason clears when moving on
	mustMove(t, env, engine.MoveOptions{ID: rec.ID, ToStatus: catalog.StatusUnderEvaluation})
	stored, _ = env.Engine.Repo.GetProject(env.Ctx, rec.ID)
	if stored.StatusReason != "" {
		t.Fatalf("status reason should clear, got %q", stored.StatusReason)
	}
}

func TestProductionGateBlocksIncompleteWork(t *testing.T) {
	env := newTestEnv(t)
	rec := mustCreate(t, env, domain.TypeScript, "Nightly sync", "")
	mustMove(t, env, engine.MoveOptions{
		ID: rec.ID, ToStatus: catalog.StatusInDevelopment, DevIDs: []string{"dev-1"},
	})

	_, err := env.Engine.MoveRecord(env.Ctx, engine.MoveOptions{
		ID: rec.ID, ToStatus: catalog.StatusInProduction, ActorID: "tester",
	})
	var ve engine.ValidationError
	if !errors.As(err, &ve) || !strings.Contains(ve.Msg, "0%") {
		t.Fatalf("expected progress gate, got %v", err)
	}

	completeMilestones(t, env, rec)
	mustMove(t, env, engine.MoveOptions{ID: rec.ID, ToStatus: catalog.StatusInProduction})

	stored, err := env.Engine.Repo.GetProject(env.Ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != catalog.StatusInProduction {
		t.Fatalf("status = %s", stored.Status)
	}
	if stored.LiveDate == "" {
		t.Fatal("live date should stamp on first production entry")
	}
}

func TestBugSkipsProductionGate(t *testing.T) {
	env := newTestEnv(t)
	parent := mustCreate(t, env, domain.TypeRPA, "Parent", "")
	bug := mustCreate(t, env, domain.TypeBug, "Crash on empty invoice", parent.ID)
	mustMove(t, env, engine.MoveOptions{
		ID: bug.ID, ToStatus: catalog.StatusInDevelopment, DevIDs: []string{"dev-1"},
	})
	// no milestone work at all, yet the gate lets bugs through
	mustMove(t, env, engine.MoveOptions{ID: bug.ID, ToStatus: catalog.StatusInProduction})
}

func TestMoveClearsDevStage(t *testing.T) {
	env := newTestEnv(t)
	rec := mustCreate(t, env, domain.TypeScript, "Job", "")
	mustMove(t, env, engine.MoveOptions{
		ID: rec.ID, ToStatus: catalog.StatusInDevelopment, DevIDs: []string{"dev-1"},
	})
	if _, err := env.Engine.UpdateRecord(env.Ctx, rec.ID,
		[]domain.FieldUpdate{{Field: domain.FieldDevStage, NewValue: "build"}}, "tester"); err != nil {
		t.Fatal(err)
	}
	completeMilestones(t, env, rec)
	mustMove(t, env, engine.MoveOptions{ID: rec.ID, ToStatus: catalog.StatusInProduction})
	stored, _ := env.Engine.Repo.GetProject(env.Ctx, rec.ID)
	if stored.DevStage != "" {
		t.Fatalf("dev stage should clear outside development, got %q", stored.DevStage)
	}
}

func TestUpdateRecordReturnsCanonicalUpdates(t *testing.T) {
	env := newTestEnv(t)
	rec := mustCreate(t, env, domain.TypeRPA, "Automate", "")

	canonical, err := env.Engine.UpdateRecord(env.Ctx, rec.ID,
		[]domain.FieldUpdate{{Field: domain.FieldName, NewValue: "Automate v2"}}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	foundStamp := false
	for _, u := range canonical {
		if u.Field == domain.FieldLastModified && u.NewValue != "" {
			foundStamp = true
		}
	}
	if !foundStamp {
		t.Fatalf("canonical updates missing last-modified stamp: %+v", canonical)
	}

	_, err = env.Engine.UpdateRecord(env.Ctx, rec.ID,
		[]domain.FieldUpdate{{Field: domain.FieldSaving, NewValue: "true"}}, "tester")
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("saving must be rejected as transient: %v", err)
	}

	_, err = env.Engine.UpdateRecord(env.Ctx, "RPA-42424", []domain.FieldUpdate{{Field: domain.FieldName, NewValue: "x"}}, "tester")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("unknown record: %v", err)
	}
}

func TestUpdateRecordRejectsDirectStatusChange(t *testing.T) {
	env := newTestEnv(t)
	rec := mustCreate(t, env, domain.TypeRPA, "Ledger export", "")

	_, err := env.Engine.UpdateRecord(env.Ctx, rec.ID,
		[]domain.FieldUpdate{{Field: domain.FieldStatus, NewValue: catalog.StatusInProduction}}, "tester")
	var ve engine.ValidationError
	if !errors.As(err, &ve) || !strings.Contains(ve.Msg, "move") {
		t.Fatalf("expected status rejection, got %v", err)
	}

	stored, err := env.Engine.Repo.GetProject(env.Ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != catalog.StatusUnderEvaluation {
		t.Fatalf("status = %s, want %s", stored.Status, catalog.StatusUnderEvaluation)
	}
}

func TestUpdateRankingsRenumbersDensely(t *testing.T) {
	env := newTestEnv(t)
	a := mustCreate(t, env, domain.TypeRPA, "A", "")
	b := mustCreate(t, env, domain.TypeRPA, "B", "")

	canonical, err := env.Engine.UpdateRankings(env.Ctx, []domain.Ranking{
		{ProjectID: b.ID, Rank: 5},
		{ProjectID: a.ID, Rank: 9},
	}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if canonical[0].ProjectID != b.ID || canonical[0].Rank != 1 {
		t.Fatalf("canonical[0] = %+v", canonical[0])
	}
	if canonical[1].ProjectID != a.ID || canonical[1].Rank != 2 {
		t.Fatalf("canonical[1] = %+v", canonical[1])
	}
}

func TestSetMilestoneFieldRejectsBugs(t *testing.T) {
	env := newTestEnv(t)
	parent := mustCreate(t, env, domain.TypeRPA, "Parent", "")
	bug := mustCreate(t, env, domain.TypeBug, "Bug", parent.ID)
	_, err := env.Engine.SetMilestoneField(env.Ctx, bug.ID, "kickoff", "2026-03-01", "tester")
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("bugs do not track milestones: %v", err)
	}
}

func TestEventsRecordAuditTrail(t *testing.T) {
	env := newTestEnv(t)
	rec := mustCreate(t, env, domain.TypeRPA, "Automate", "")
	mustMove(t, env, engine.MoveOptions{
		ID: rec.ID, ToStatus: catalog.StatusInDevelopment, DevIDs: []string{"dev-1"},
	})
	events, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{RecordID: rec.ID})
	if err != nil {
		t.Fatal(err)
	}
	types := map[string]bool{}
	for _, evt := range events {
		types[evt.Type] = true
	}
	for _, want := range []string{"record.created", "record.updated", "record.audit"} {
		if !types[want] {
			t.Errorf("missing event %s in %v", want, types)
		}
	}
}

func TestLoadSnapshot(t *testing.T) {
	env := newTestEnv(t)
	a := mustCreate(t, env, domain.TypeRPA, "A", "")
	mustCreate(t, env, domain.TypeScript, "B", "")
	mustMove(t, env, engine.MoveOptions{
		ID: a.ID, ToStatus: catalog.StatusInDevelopment, DevIDs: []string{"dev-1"},
	})
	snap, err := env.Engine.LoadSnapshot(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Projects) != 2 {
		t.Fatalf("projects = %d", len(snap.Projects))
	}
	if len(snap.Rankings) != 1 {
		t.Fatalf("rankings = %d, want only the record still under evaluation", len(snap.Rankings))
	}
	if _, ok := snap.Milestones[a.ID]; !ok {
		t.Fatalf("milestone for %s missing", a.ID)
	}
}
