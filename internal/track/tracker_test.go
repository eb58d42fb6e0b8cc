package track_test

import (
	"errors"
	"testing"

	"pmon/internal/config"
	"pmon/internal/domain"
	"pmon/internal/track"
)

func testRecord() *domain.Project {
	return &domain.Project{
		ID:       "RPA-00001",
		Type:     domain.TypeRPA,
		Name:     "Invoice matcher",
		Status:   "under_evaluation",
		Priority: "high",
	}
}

func TestNewDiffsEditedFields(t *testing.T) {
	rec := testRecord()
	edits := map[string]string{
		domain.FieldName:     "Invoice matcher v2",
		domain.FieldPriority: "high", // unchanged, must not register
	}
	tr := track.New(rec, edits, config.FieldNames(), nil)
	if !tr.Any() {
		t.Fatal("expected a pending change")
	}
	updates := tr.Updates()
	if len(updates) != 1 || updates[0].Field != domain.FieldName || updates[0].NewValue != "Invoice matcher v2" {
		t.Fatalf("unexpected updates %+v", updates)
	}
	reverts := tr.Reverts()
	if len(reverts) != 1 || reverts[0].NewValue != "Invoice matcher" {
		t.Fatalf("unexpected reverts %+v", reverts)
	}
}

func TestUpdateRevertSymmetry(t *testing.T) {
	rec := testRecord()
	edits := map[string]string{
		domain.FieldName:     "New name",
		domain.FieldPriority: "low",
	}
	tr := track.New(rec, edits, nil, nil)
	before := rec.Clone()
	if err := rec.Apply(tr.Updates()); err != nil {
		t.Fatalf("apply updates: %v", err)
	}
	if rec.Name != "New name" || rec.Priority != "low" {
		t.Fatalf("updates not applied: %+v", rec)
	}
	if err := rec.Apply(tr.Reverts()); err != nil {
		t.Fatalf("apply reverts: %v", err)
	}
	if rec.Name != before.Name || rec.Priority != before.Priority {
		t.Fatalf("reverts did not restore: %+v", rec)
	}
}

func TestAddRejectsDuplicate(t *testing.T) {
	rec := testRecord()
	tr := track.New(rec, nil, nil, nil)
	if err := tr.Add(rec, domain.FieldStatus, "in_development"); err != nil {
		t.Fatalf("first add: %v", err)
	}
	err := tr.Add(rec, domain.FieldStatus, "on_hold")
	if !errors.Is(err, track.ErrChangeExists) {
		t.Fatalf("want ErrChangeExists, got %v", err)
	}
}

func TestChangeRetargetsPending(t *testing.T) {
	rec := testRecord()
	tr := track.New(rec, nil, nil, nil)
	if tr.Change(domain.FieldStatus, "on_hold") {
		t.Fatal("change on untracked field should report false")
	}
	if err := tr.Add(rec, domain.FieldStatus, "in_development"); err != nil {
		t.Fatal(err)
	}
	if err := tr.AddOrChange(rec, domain.FieldStatus, "on_hold"); err != nil {
		t.Fatalf("add-or-change: %v", err)
	}
	updates := tr.Updates()
	if len(updates) != 1 || updates[0].NewValue != "on_hold" {
		t.Fatalf("retarget failed: %+v", updates)
	}
	// the log line is rewritten, not duplicated
	if len(tr.Log()) != 1 {
		t.Fatalf("log = %v, want one line", tr.Log())
	}
}

func TestChangeLogFormat(t *testing.T) {
	rec := testRecord()
	rec.StatusReason = ""
	tr := track.New(rec, map[string]string{
		domain.FieldName:         "Renamed",
		domain.FieldStatusReason: "waiting on vendor",
	}, config.FieldNames(), nil)
	log := tr.Log()
	want := map[string]bool{
		`Changed Name from "Invoice matcher" to "Renamed"`:        false,
		`Changed Status Reason from "N/A" to "waiting on vendor"`: false,
	}
	for _, line := range log {
		if _, ok := want[line]; ok {
			want[line] = true
		}
	}
	for line, seen := range want {
		if !seen {
			t.Errorf("missing log line %q in %v", line, log)
		}
	}
}

func TestExcludedFieldsIgnored(t *testing.T) {
	rec := testRecord()
	tr := track.New(rec, map[string]string{
		domain.FieldName:   "Renamed",
		domain.FieldStatus: "in_development",
	}, nil, []string{domain.FieldStatus})
	if len(tr.Updates()) != 1 || tr.Updates()[0].Field != domain.FieldName {
		t.Fatalf("exclude not honored: %+v", tr.Updates())
	}
}

func TestManualLogEntry(t *testing.T) {
	rec := testRecord()
	tr := track.New(rec, nil, nil, nil)
	tr.LogEntry("Changed rank from 3 to 1")
	if len(tr.Log()) != 1 || tr.Log()[0] != "Changed rank from 3 to 1" {
		t.Fatalf("manual entry lost: %v", tr.Log())
	}
	if tr.Any() {
		t.Fatal("manual entries must not count as pending updates")
	}
}
