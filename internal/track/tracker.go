// Package track captures the diff between a record's stored and edited field
// values, producing the paired update/revert lists an optimistic save needs
// plus a human-readable change log for auditing.
package track

import (
	"errors"
	"fmt"
	"sort"

	"pmon/internal/domain"
)

// ErrChangeExists is returned by Add when the field already has a pending
// change. Callers that may touch a field twice must use Change or AddOrChange.
var ErrChangeExists = errors.New("change already pending for field")

// Tracker accumulates field-level changes against a snapshot of a record.
type Tracker struct {
	updates []domain.FieldUpdate
	reverts []domain.FieldUpdate
	names   map[string]string
	log     []string
}

// New diffs the record against edited string values and seeds the tracker
// with one update/revert pair per changed field. Fields listed in exclude are
// ignored; names maps field names to friendly labels for the change log.
func New(current *domain.Project, edits map[string]string, names map[string]string, exclude []string) *Tracker {
	t := &Tracker{names: names}
	excluded := map[string]bool{}
	for _, f := range exclude {
		excluded[f] = true
	}
	fields := make([]string, 0, len(edits))
	for f := range edits {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	for _, f := range fields {
		if excluded[f] {
			continue
		}
		old, ok := current.Field(f)
		if !ok {
			continue
		}
		if edits[f] == old {
			continue
		}
		t.append(f, old, edits[f])
	}
	return t
}

// Any reports whether the tracker holds pending changes.
func (t *Tracker) Any() bool { return len(t.updates) > 0 }

// Updates returns the pending field updates in registration order.
func (t *Tracker) Updates() []domain.FieldUpdate { return t.updates }

// Reverts returns the updates that restore the pre-edit values.
func (t *Tracker) Reverts() []domain.FieldUpdate { return t.reverts }

// Log returns the recorded change descriptions.
func (t *Tracker) Log() []string { return t.log }

// Add registers a change for a field with no pending change. The old value is
// read from the supplied record so the revert restores it exactly.
func (t *Tracker) Add(current *domain.Project, field, value string) error {
	if t.find(field) >= 0 {
		return fmt.Errorf("%w: %s", ErrChangeExists, field)
	}
	old, ok := current.Field(field)
	if !ok {
		return fmt.Errorf("unknown field %q", field)
	}
	t.append(field, old, value)
	return nil
}

// Change retargets an existing pending change. Returns false when the field
// has no pending change.
func (t *Tracker) Change(field, value string) bool {
	i := t.find(field)
	if i < 0 {
		return false
	}
	t.updates[i].NewValue = value
	t.relog(field, t.reverts[i].NewValue, value)
	return true
}

// AddOrChange registers a change, retargeting any pending one.
func (t *Tracker) AddOrChange(current *domain.Project, field, value string) error {
	if t.Change(field, value) {
		return nil
	}
	return t.Add(current, field, value)
}

// LogEntry appends a manual change-log line not tied to a tracked field, for
// flows like drag-and-drop moves that carry no edit form.
func (t *Tracker) LogEntry(entry string) {
	t.log = append(t.log, entry)
}

func (t *Tracker) find(field string) int {
	for i, u := range t.updates {
		if u.Field == field {
			return i
		}
	}
	return -1
}

func (t *Tracker) append(field, old, value string) {
	t.updates = append(t.updates, domain.FieldUpdate{Field: field, NewValue: value})
	t.reverts = append(t.reverts, domain.FieldUpdate{Field: field, NewValue: old})
	t.log = append(t.log, t.describe(field, old, value))
}

// relog rewrites the log line for a retargeted field in place.
func (t *Tracker) relog(field, old, value string) {
	line := t.describe(field, old, value)
	prefix := fmt.Sprintf("Changed %s from", t.friendly(field))
	for i := len(t.log) - 1; i >= 0; i-- {
		if len(t.log[i]) >= len(prefix) && t.log[i][:len(prefix)] == prefix {
			t.log[i] = line
			return
		}
	}
	t.log = append(t.log, line)
}

func (t *Tracker) describe(field, old, value string) string {
	if old == "" {
		old = "N/A"
	}
	return fmt.Sprintf("Changed %s from %q to %q", t.friendly(field), old, value)
}

func (t *Tracker) friendly(field string) string {
	if t.names != nil {
		if name, ok := t.names[field]; ok && name != "" {
			return name
		}
	}
	return field
}
