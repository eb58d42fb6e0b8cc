package workflow_test

import (
	"fmt"
	"testing"

	"pmon/internal/catalog"
	"pmon/internal/domain"
	"pmon/internal/workflow"
)

func TestProgressBugAlwaysComplete(t *testing.T) {
	reqs := workflow.DefaultRequirements()
	bug := record("BUG-00010", domain.TypeBug, catalog.StatusInDevelopment)
	// even a contradictory milestone cannot lower a bug's progress
	m := &domain.Milestone{RefID: bug.ID, Fields: map[string]string{}}
	if got := workflow.Progress(bug, m, reqs); got != 100 {
		t.Fatalf("bug progress = %d, want 100", got)
	}
	if got := workflow.Progress(bug, nil, reqs); got != 100 {
		t.Fatalf("bug without milestone = %d, want 100", got)
	}
}

func TestProgressOutsideDevelopment(t *testing.T) {
	reqs := workflow.DefaultRequirements()
	rec := record("RPA-00001", domain.TypeRPA, catalog.StatusUnderEvaluation)
	if got := workflow.Progress(rec, nil, reqs); got != 100 {
		t.Fatalf("non-development progress = %d, want 100", got)
	}
	rec.Status = catalog.StatusInProduction
	if got := workflow.Progress(rec, nil, reqs); got != 100 {
		t.Fatalf("production progress = %d, want 100", got)
	}
}

func TestProgressNoMilestoneIsZero(t *testing.T) {
	reqs := workflow.DefaultRequirements()
	rec := record("RPA-00001", domain.TypeRPA, catalog.StatusInDevelopment)
	if got := workflow.Progress(rec, nil, reqs); got != 0 {
		t.Fatalf("missing milestone progress = %d, want 0", got)
	}
}

func TestProgressScriptUsesShortList(t *testing.T) {
	reqs := workflow.DefaultRequirements()
	rec := record("SCR-00003", domain.TypeScript, catalog.StatusInDevelopment)
	m := &domain.Milestone{RefID: rec.ID, Fields: map[string]string{
		workflow.MilestoneKickoff:     "2026-01-05",
		workflow.MilestoneDevComplete: "2026-02-10",
	}}
	// 2 of 5 fields at 20% each
	if got := workflow.Progress(rec, m, reqs); got != 40 {
		t.Fatalf("script progress = %d, want 40", got)
	}
}

func TestProgressFullListFloors(t *testing.T) {
	reqs := workflow.DefaultRequirements()
	rec := record("RPA-00004", domain.TypeRPA, catalog.StatusInDevelopment)
	m := &domain.Milestone{RefID: rec.ID, Fields: map[string]string{
		workflow.MilestoneKickoff: "done",
	}}
	// 1 of 11 fields: 100/11 = 9.09..., floored
	if got := workflow.Progress(rec, m, reqs); got != 9 {
		t.Fatalf("progress = %d, want 9", got)
	}
	for _, f := range []string{
		workflow.MilestoneDesignDoc, workflow.MilestoneReqSignoff, workflow.MilestoneDevComplete,
		workflow.MilestoneCodeReview, workflow.MilestoneTestPlan, workflow.MilestoneUATStart,
		workflow.MilestoneUATComplete, workflow.MilestoneSecurityReview, workflow.MilestoneDeployPlan,
		workflow.MilestoneLive,
	} {
		m.Fields[f] = "done"
	}
	if got := workflow.Progress(rec, m, reqs); got != 100 {
		t.Fatalf("all fields done = %d, want 100", got)
	}
}

func TestProgressFullCompletionIsExact(t *testing.T) {
	// list lengths that do not divide 100 evenly
	for _, n := range []int{7, 12, 14, 17} {
		list := make([]catalog.Requirement, n)
		fields := map[string]string{}
		for i := range list {
			f := fmt.Sprintf("step_%d", i)
			list[i] = catalog.Requirement{Field: f}
			fields[f] = "done"
		}
		reqs := workflow.RequirementSet{"default": list}
		rec := record("RPA-00006", domain.TypeRPA, catalog.StatusInDevelopment)
		m := &domain.Milestone{RefID: rec.ID, Fields: fields}
		if got := workflow.Progress(rec, m, reqs); got != 100 {
			t.Errorf("%d fields all done = %d, want 100", n, got)
		}
	}
}

func TestProgressMonotonicUnderCompletion(t *testing.T) {
	reqs := workflow.DefaultRequirements()
	rec := record("RPA-00008", domain.TypeRPA, catalog.StatusInDevelopment)
	m := &domain.Milestone{RefID: rec.ID, Fields: map[string]string{}}
	fields := []string{
		workflow.MilestoneKickoff, workflow.MilestoneDesignDoc, workflow.MilestoneReqSignoff,
		workflow.MilestoneDevComplete, workflow.MilestoneCodeReview, workflow.MilestoneTestPlan,
		workflow.MilestoneUATStart, workflow.MilestoneUATComplete, workflow.MilestoneSecurityReview,
		workflow.MilestoneDeployPlan, workflow.MilestoneLive,
	}
	prev := workflow.Progress(rec, m, reqs)
	if prev != 0 {
		t.Fatalf("empty milestone = %d, want 0", prev)
	}
	for _, f := range fields {
		m.Fields[f] = "done"
		got := workflow.Progress(rec, m, reqs)
		if got < prev {
			t.Fatalf("completing %s dropped progress from %d to %d", f, prev, got)
		}
		prev = got
	}
	if prev != 100 {
		t.Fatalf("final progress = %d, want 100", prev)
	}
}

func TestProgressGroupedFields(t *testing.T) {
	reqs := workflow.RequirementSet{
		"default": []catalog.Requirement{
			{Field: "a"},
			{Group: []string{"b1", "b2", "b3", "b4"}},
		},
	}
	rec := record("RPA-00005", domain.TypeRPA, catalog.StatusInDevelopment)
	m := &domain.Milestone{RefID: rec.ID, Fields: map[string]string{
		"a":  "done",
		"b1": "done",
	}}
	// 50 + 50/4 = 62.5, floored to 62
	if got := workflow.Progress(rec, m, reqs); got != 62 {
		t.Fatalf("grouped progress = %d, want 62", got)
	}
}

func TestEffectiveTypeEnhancementFollowsParent(t *testing.T) {
	enh := record("ENH-00007", domain.TypeEnhancement, catalog.StatusInDevelopment)
	enh.ParentID = "SCR-00003"
	if got := workflow.EffectiveType(enh); got != domain.TypeScript {
		t.Fatalf("effective type = %q, want script", got)
	}
	enh.ParentID = "RPA-00001"
	if got := workflow.EffectiveType(enh); got != domain.TypeRPA {
		t.Fatalf("effective type = %q, want rpa", got)
	}
	enh.ParentID = ""
	if got := workflow.EffectiveType(enh); got != domain.TypeEnhancement {
		t.Fatalf("effective type = %q, want enhancement", got)
	}
}

func TestProgressEnhancementOfScript(t *testing.T) {
	reqs := workflow.DefaultRequirements()
	enh := record("ENH-00007", domain.TypeEnhancement, catalog.StatusInDevelopment)
	enh.ParentID = "SCR-00003"
	m := &domain.Milestone{RefID: enh.ID, Fields: map[string]string{
		workflow.MilestoneKickoff: "done",
	}}
	// script list applies through the parent: 1 of 5
	if got := workflow.Progress(enh, m, reqs); got != 20 {
		t.Fatalf("enhancement-of-script progress = %d, want 20", got)
	}
}
