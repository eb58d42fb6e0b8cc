package workflow_test

import (
	"strings"
	"testing"

	"pmon/internal/catalog"
	"pmon/internal/domain"
	"pmon/internal/workflow"
)

func record(id, typ, status string) *domain.Project {
	return &domain.Project{ID: id, Type: typ, Status: status}
}

func TestCanMoveFollowsCatalog(t *testing.T) {
	cat := catalog.Default()
	cases := []struct {
		from, to string
		admin    bool
		allowed  bool
	}{
		{catalog.StatusUnderEvaluation, catalog.StatusInDevelopment, false, true},
		{catalog.StatusUnderEvaluation, catalog.StatusCancelled, false, true},
		{catalog.StatusInDevelopment, catalog.StatusInProduction, false, true},
		{catalog.StatusInDevelopment, catalog.StatusOnHold, false, true},
		{catalog.StatusOnHold, catalog.StatusInDevelopment, false, true},
		{catalog.StatusInProduction, catalog.StatusCompleted, false, true},
		{catalog.StatusCompleted, catalog.StatusArchived, false, true},
		{catalog.StatusUnderEvaluation, catalog.StatusInProduction, false, false},
		{catalog.StatusCompleted, catalog.StatusInDevelopment, false, false},
		{catalog.StatusArchived, catalog.StatusUnderEvaluation, false, false},
		// admin-only moves
		{catalog.StatusInProduction, catalog.StatusInDevelopment, false, false},
		{catalog.StatusInProduction, catalog.StatusInDevelopment, true, true},
		{catalog.StatusCancelled, catalog.StatusUnderEvaluation, false, false},
		{catalog.StatusCancelled, catalog.StatusUnderEvaluation, true, true},
	}
	for _, tc := range cases {
		got := workflow.CanMove(cat.Status(tc.from), cat.Status(tc.to), tc.admin)
		if (got != nil) != tc.allowed {
			t.Errorf("CanMove(%s -> %s, admin=%v) = %v, want allowed=%v", tc.from, tc.to, tc.admin, got, tc.allowed)
		}
	}
}

func TestCanMoveNilStatuses(t *testing.T) {
	cat := catalog.Default()
	if got := workflow.CanMove(nil, cat.Status(catalog.StatusInDevelopment), false); got != nil {
		t.Fatalf("nil from should not move, got %v", got)
	}
	if got := workflow.CanMove(cat.Status(catalog.StatusInDevelopment), nil, true); got != nil {
		t.Fatalf("nil to should not move, got %v", got)
	}
}

func TestValidateMoveProductionGate(t *testing.T) {
	cat := catalog.Default()
	rec := record("RPA-00001", domain.TypeRPA, catalog.StatusInDevelopment)

	msg := workflow.ValidateMove(cat, rec, catalog.StatusInDevelopment, catalog.StatusInProduction, 87, false)
	if !strings.Contains(msg, "87%") {
		t.Fatalf("expected progress gate message, got %q", msg)
	}
	msg = workflow.ValidateMove(cat, rec, catalog.StatusInDevelopment, catalog.StatusInProduction, 100, false)
	if msg != "" {
		t.Fatalf("complete record should pass, got %q", msg)
	}
}

func TestValidateMoveBugSkipsProductionGate(t *testing.T) {
	cat := catalog.Default()
	bug := record("BUG-00010", domain.TypeBug, catalog.StatusInDevelopment)
	if msg := workflow.ValidateMove(cat, bug, catalog.StatusInDevelopment, catalog.StatusInProduction, 0, false); msg != "" {
		t.Fatalf("bug should bypass the progress gate, got %q", msg)
	}
}

func TestValidateMoveCollectsAllErrors(t *testing.T) {
	cat := catalog.Default()
	rec := record("", domain.TypeRPA, catalog.StatusUnderEvaluation)
	rec.Saving = true
	msg := workflow.ValidateMove(cat, rec, catalog.StatusUnderEvaluation, "bogus", 0, false)
	for _, want := range []string{"record has no id", "record has a save in flight", `unknown status "bogus"`} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q missing %q", msg, want)
		}
	}
	if !strings.Contains(msg, "; ") {
		t.Errorf("errors should be joined with '; ': %q", msg)
	}
}

func TestValidateMoveDisallowedTransition(t *testing.T) {
	cat := catalog.Default()
	rec := record("SCR-00002", domain.TypeScript, catalog.StatusCompleted)
	msg := workflow.ValidateMove(cat, rec, catalog.StatusCompleted, catalog.StatusInDevelopment, 100, false)
	if !strings.Contains(msg, "not allowed") {
		t.Fatalf("expected disallowed transition, got %q", msg)
	}
}

func TestNextStageClearedWhenTargetLacksIt(t *testing.T) {
	cat := catalog.Default()
	dev := cat.Status(catalog.StatusInDevelopment)
	prod := cat.Status(catalog.StatusInProduction)

	if got := workflow.NextStage(dev, "build"); got != "build" {
		t.Fatalf("stage should survive within development, got %q", got)
	}
	if got := workflow.NextStage(prod, "build"); got != "" {
		t.Fatalf("stage should clear entering production, got %q", got)
	}
	if got := workflow.NextStage(dev, ""); got != "" {
		t.Fatalf("empty stage stays empty, got %q", got)
	}
}
