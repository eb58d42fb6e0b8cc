package workflow

import (
	"fmt"
	"strings"

	"pmon/internal/catalog"
	"pmon/internal/domain"
)

// CanMove returns the target status when the catalog permits moving a record
// from `from` to `to`, considering admin-only moves. Nil means not allowed.
func CanMove(from, to *catalog.Status, admin bool) *catalog.Status {
	if from == nil || to == nil {
		return nil
	}
	if from.AllowsMove(to.ID) {
		return to
	}
	if admin && from.AllowsAdminMove(to.ID) {
		return to
	}
	return nil
}

// ValidateMove runs the full pre-flight check for a status transition. The
// returned string joins every failed check into one human-readable message;
// "" means the move is valid. Validation never mutates the record.
func ValidateMove(cat *catalog.Catalog, rec *domain.Project, fromID, toID string, progress int, admin bool) string {
	var errs []string
	if rec == nil || rec.ID == "" {
		errs = append(errs, "record has no id")
	}
	if rec != nil && rec.Saving {
		errs = append(errs, "record has a save in flight")
	}
	from := cat.Status(fromID)
	to := cat.Status(toID)
	if from == nil {
		errs = append(errs, fmt.Sprintf("unknown status %q", fromID))
	}
	if to == nil {
		errs = append(errs, fmt.Sprintf("unknown status %q", toID))
	}
	if from != nil && to != nil && CanMove(from, to, admin) == nil {
		errs = append(errs, fmt.Sprintf("moving from %s to %s is not allowed", from.Title, to.Title))
	}
	if rec != nil && toID == catalog.StatusInProduction && rec.Type != domain.TypeBug && progress < 100 {
		errs = append(errs, fmt.Sprintf("record is only %d%% complete; all milestones must be done before In Production", progress))
	}
	return strings.Join(errs, "; ")
}

// NextStage returns the record's dev_stage after a move into `to`: the stage
// is kept only when the target status still carries it.
func NextStage(to *catalog.Status, current string) string {
	if to == nil || current == "" {
		return ""
	}
	if to.HasStage(current) {
		return current
	}
	return ""
}
