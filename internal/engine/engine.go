package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"pmon/internal/catalog"
	"pmon/internal/config"
	"pmon/internal/domain"
	"pmon/internal/events"
	"pmon/internal/repo"
	"pmon/internal/track"
	"pmon/internal/workflow"
)

// Engine owns the authoritative record operations: it validates transitions,
// applies field updates, maintains milestone and ranking side effects, and
// appends audit events inside the same transaction.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// ValidationError carries a user-facing message for a rejected operation.
// It never reaches the persistence layer.
type ValidationError struct {
	Msg string
}

func (v ValidationError) Error() string { return v.Msg }

// RecordCreateOptions are parameters for creating a record. The permanent ID
// is assigned here, replacing any client-side temporary ID.
type RecordCreateOptions struct {
	Type            string
	Name            string
	Priority        string
	ParentID        string
	ProcessOwnerIDs []string
	SystemIDs       []string
	ToolsIDs        []string
	EstDelivery     string
	ActorID         string
}

// AddRecord creates a record in Under Evaluation with a fresh permanent ID
// and appends it to the ranking set.
func (e Engine) AddRecord(ctx context.Context, opts RecordCreateOptions) (*domain.Project, error) {
	if e.Config == nil {
		return nil, errors.New("config not loaded")
	}
	prefix := domain.Prefix(opts.Type)
	if prefix == "" {
		return nil, ValidationError{Msg: fmt.Sprintf("unknown record type %q", opts.Type)}
	}
	if strings.TrimSpace(opts.Name) == "" {
		return nil, ValidationError{Msg: "name is required"}
	}
	if opts.Type == domain.TypeEnhancement || opts.Type == domain.TypeBug {
		if opts.ParentID == "" {
			return nil, ValidationError{Msg: fmt.Sprintf("%s records require a parent project", opts.Type)}
		}
		parent := domain.TypeFromID(opts.ParentID)
		if parent != domain.TypeRPA && parent != domain.TypeScript {
			return nil, ValidationError{Msg: fmt.Sprintf("parent %s is not an RPA or script record", opts.ParentID)}
		}
		if _, err := e.Repo.GetProject(ctx, opts.ParentID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, ValidationError{Msg: fmt.Sprintf("parent %s does not exist", opts.ParentID)}
			}
			return nil, err
		}
	} else if opts.ParentID != "" {
		return nil, ValidationError{Msg: "only enhancements and bugs carry a parent project"}
	}

	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	id, err := e.Repo.NextRecordID(ctx, tx, prefix)
	if err != nil {
		return nil, err
	}
	p := &domain.Project{
		ID:              id,
		Type:            opts.Type,
		Name:            opts.Name,
		Status:          catalog.StatusUnderEvaluation,
		Priority:        opts.Priority,
		ProcessOwnerIDs: opts.ProcessOwnerIDs,
		SystemIDs:       opts.SystemIDs,
		ToolsIDs:        opts.ToolsIDs,
		EstDeliveryDate: opts.EstDelivery,
		StatusDate:      now,
		LastModified:    now,
		ParentID:        opts.ParentID,
		CreatedAt:       now,
	}
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return nil, err
	}
	if err := e.appendRanking(ctx, tx, p.ID); err != nil {
		return nil, err
	}
	if err := e.Events.Append(ctx, tx, "record.created", p.ID, opts.ActorID, events.EventPayload{
		"type": p.Type, "name": p.Name, "status": p.Status,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return p, nil
}

// UpdateRecord applies field updates to a record and returns the canonical
// update list: the requested changes plus server-stamped fields and any
// derived fixes (a cleared dev_stage, ranking maintenance on status change).
// Status changes are rejected here: only MoveRecord, which validates the
// transition, may set status.
func (e Engine) UpdateRecord(ctx context.Context, id string, updates []domain.FieldUpdate, actorID string) ([]domain.FieldUpdate, error) {
	for _, u := range updates {
		if u.Field == domain.FieldStatus {
			return nil, ValidationError{Msg: "status cannot be set directly; use the move operation"}
		}
	}
	return e.applyUpdates(ctx, id, updates, actorID)
}

// applyUpdates is the unvalidated write path shared by UpdateRecord and
// MoveRecord. Callers passing a status change are responsible for having
// validated the transition.
func (e Engine) applyUpdates(ctx context.Context, id string, updates []domain.FieldUpdate, actorID string) ([]domain.FieldUpdate, error) {
	if len(updates) == 0 {
		return nil, ValidationError{Msg: "no updates supplied"}
	}
	for _, u := range updates {
		if u.Field == domain.FieldSaving {
			return nil, ValidationError{Msg: "saving is a transient field"}
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rec, err := e.Repo.GetProjectTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	oldStatus := rec.Status
	if err := rec.Apply(updates); err != nil {
		return nil, ValidationError{Msg: err.Error()}
	}
	canonical := append([]domain.FieldUpdate(nil), updates...)

	if rec.Status != oldStatus {
		extra, err := e.applyStatusSideEffects(ctx, tx, rec, oldStatus)
		if err != nil {
			return nil, err
		}
		canonical = append(canonical, extra...)
	}

	stamp := e.now().UTC().Format(time.RFC3339)
	rec.LastModified = stamp
	canonical = append(canonical, domain.FieldUpdate{Field: domain.FieldLastModified, NewValue: stamp})

	if err := e.Repo.UpdateProject(ctx, tx, rec); err != nil {
		return nil, err
	}
	if err := e.Events.Append(ctx, tx, "record.updated", rec.ID, actorID, events.EventPayload{
		"fields": fieldNames(updates),
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return canonical, nil
}

// MoveOptions are parameters for a status transition.
type MoveOptions struct {
	ID       string
	ToStatus string
	Reason   string
	DevIDs   []string
	Admin    bool
	ActorID  string
}

// MoveRecord runs the full transition flow: validation, required inputs,
// diff capture, persistence and milestone/ranking side effects. The returned
// update list is canonical in the UpdateRecord sense.
func (e Engine) MoveRecord(ctx context.Context, opts MoveOptions) ([]domain.FieldUpdate, error) {
	if e.Config == nil {
		return nil, errors.New("config not loaded")
	}
	rec, err := e.Repo.GetProject(ctx, opts.ID)
	if err != nil {
		return nil, err
	}
	progress, err := e.Progress(ctx, rec)
	if err != nil {
		return nil, err
	}
	if msg := workflow.ValidateMove(&e.Config.Catalog, rec, rec.Status, opts.ToStatus, progress, opts.Admin); msg != "" {
		return nil, ValidationError{Msg: msg}
	}
	to := e.Config.Catalog.Status(opts.ToStatus)
	if to.RequiresReason() && strings.TrimSpace(opts.Reason) == "" {
		prompt := to.ReasonPrompt()
		return nil, ValidationError{Msg: fmt.Sprintf("a comment is required to move into %s: %s", to.Title, prompt)}
	}
	if opts.ToStatus == catalog.StatusInDevelopment && len(rec.DevIDs) == 0 && len(opts.DevIDs) == 0 {
		return nil, ValidationError{Msg: "a developer must be assigned before development starts"}
	}

	now := e.now().UTC().Format(time.RFC3339)
	t := track.New(rec, nil, config.FieldNames(), nil)
	if err := t.Add(rec, domain.FieldStatus, opts.ToStatus); err != nil {
		return nil, err
	}
	if err := t.Add(rec, domain.FieldStatusDate, now); err != nil {
		return nil, err
	}
	if stage := workflow.NextStage(to, rec.DevStage); stage != rec.DevStage {
		if err := t.Add(rec, domain.FieldDevStage, stage); err != nil {
			return nil, err
		}
	}
	if to.RequiresReason() {
		if err := t.Add(rec, domain.FieldStatusReason, opts.Reason); err != nil {
			return nil, err
		}
		comments := append([]domain.Comment{{Date: now, User: opts.ActorID, Comment: opts.Reason}}, rec.Comments...)
		if err := t.Add(rec, domain.FieldComments, domain.EncodeComments(comments)); err != nil {
			return nil, err
		}
	} else if rec.StatusReason != "" {
		if err := t.Add(rec, domain.FieldStatusReason, ""); err != nil {
			return nil, err
		}
	}
	if len(opts.DevIDs) > 0 {
		if err := t.AddOrChange(rec, domain.FieldDevID, domain.JoinIDs(opts.DevIDs)); err != nil {
			return nil, err
		}
	}
	if opts.ToStatus == catalog.StatusInProduction && rec.LiveDate == "" {
		if err := t.Add(rec, domain.FieldLiveDate, now); err != nil {
			return nil, err
		}
	}

	canonical, err := e.applyUpdates(ctx, rec.ID, t.Updates(), opts.ActorID)
	if err != nil {
		return nil, err
	}
	if err := e.WriteAudit(ctx, rec.ID, t.Log(), opts.ActorID); err != nil {
		return nil, err
	}
	return canonical, nil
}

// applyStatusSideEffects keeps dev_stage, milestone and ranking records
// consistent with a status change already applied to rec.
func (e Engine) applyStatusSideEffects(ctx context.Context, tx *sql.Tx, rec *domain.Project, oldStatus string) ([]domain.FieldUpdate, error) {
	var extra []domain.FieldUpdate
	to := e.Config.Catalog.Status(rec.Status)
	if to != nil {
		if stage := workflow.NextStage(to, rec.DevStage); stage != rec.DevStage {
			rec.DevStage = stage
			extra = append(extra, domain.FieldUpdate{Field: domain.FieldDevStage, NewValue: stage})
		}
	}
	if rec.Status == catalog.StatusInDevelopment && oldStatus != catalog.StatusInDevelopment {
		m := &domain.Milestone{
			RefID:     rec.ID,
			Fields:    map[string]string{},
			UpdatedAt: e.now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.UpsertMilestone(ctx, tx, m); err != nil {
			return nil, err
		}
	}
	if oldStatus == catalog.StatusInDevelopment && rec.Status != catalog.StatusInDevelopment {
		if err := e.Repo.DeleteMilestone(ctx, tx, rec.ID); err != nil {
			return nil, err
		}
	}
	if rec.Status == catalog.StatusUnderEvaluation && oldStatus != catalog.StatusUnderEvaluation {
		if err := e.appendRanking(ctx, tx, rec.ID); err != nil {
			return nil, err
		}
	}
	if oldStatus == catalog.StatusUnderEvaluation && rec.Status != catalog.StatusUnderEvaluation {
		if err := e.removeRanking(ctx, tx, rec.ID); err != nil {
			return nil, err
		}
	}
	return extra, nil
}

func (e Engine) appendRanking(ctx context.Context, tx *sql.Tx, projectID string) error {
	var max sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(rank) FROM rankings`).Scan(&max); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO rankings(project_id,rank) VALUES (?,?)
ON CONFLICT(project_id) DO NOTHING`, projectID, max.Int64+1)
	return err
}

func (e Engine) removeRanking(ctx context.Context, tx *sql.Tx, projectID string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM rankings WHERE project_id=?`, projectID); err != nil {
		return err
	}
	// compact the remainder so ranks stay dense
	rows, err := tx.QueryContext(ctx, `SELECT project_id FROM rankings ORDER BY rank ASC`)
	if err != nil {
		return err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for i, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE rankings SET rank=? WHERE project_id=?`, i+1, id); err != nil {
			return err
		}
	}
	return nil
}

// UpdateRankings replaces the ranking set and returns the canonical stored
// list, renumbered densely in rank order.
func (e Engine) UpdateRankings(ctx context.Context, rankings []domain.Ranking, actorID string) ([]domain.Ranking, error) {
	for _, rk := range rankings {
		if rk.ProjectID == "" {
			return nil, ValidationError{Msg: "ranking with empty project id"}
		}
	}
	canonical := append([]domain.Ranking(nil), rankings...)
	for i := range canonical {
		canonical[i].Rank = i + 1
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := e.Repo.ReplaceRankings(ctx, tx, canonical); err != nil {
		return nil, err
	}
	if err := e.Events.Append(ctx, tx, "rankings.updated", "", actorID, events.EventPayload{
		"count": len(canonical),
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return canonical, nil
}

// SetMilestoneField stamps or clears one completion marker.
func (e Engine) SetMilestoneField(ctx context.Context, refID, field, value, actorID string) (*domain.Milestone, error) {
	rec, err := e.Repo.GetProject(ctx, refID)
	if err != nil {
		return nil, err
	}
	if rec.Type == domain.TypeBug {
		return nil, ValidationError{Msg: "bug records do not track milestones"}
	}
	m, err := e.Repo.GetMilestone(ctx, refID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
		m = &domain.Milestone{RefID: refID, Fields: map[string]string{}}
	}
	if value == "" {
		delete(m.Fields, field)
	} else {
		m.Fields[field] = value
	}
	m.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertMilestone(ctx, tx, m); err != nil {
		return nil, err
	}
	if err := e.Events.Append(ctx, tx, "milestone.updated", refID, actorID, events.EventPayload{
		"field": field, "value": value,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return m, nil
}

// Progress computes the record's completion percentage from its milestone.
func (e Engine) Progress(ctx context.Context, rec *domain.Project) (int, error) {
	m, err := e.Repo.GetMilestone(ctx, rec.ID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return 0, err
	}
	return workflow.Progress(rec, m, e.Config.RequirementSet()), nil
}

// WriteAudit appends change-log entries as one audit event.
func (e Engine) WriteAudit(ctx context.Context, recordID string, entries []string, actorID string) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "record.audit", recordID, actorID, events.EventPayload{
		"entries": entries,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// Snapshot is the full dataset a dashboard session loads.
type Snapshot struct {
	Projects   []*domain.Project
	Rankings   []domain.Ranking
	Milestones map[string]*domain.Milestone
}

// LoadSnapshot reads every record, ranking and milestone.
func (e Engine) LoadSnapshot(ctx context.Context) (*Snapshot, error) {
	projects, err := e.Repo.ListProjects(ctx, repo.ProjectFilters{})
	if err != nil {
		return nil, err
	}
	rankings, err := e.Repo.ListRankings(ctx)
	if err != nil {
		return nil, err
	}
	milestones, err := e.Repo.ListMilestones(ctx)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Projects: projects, Rankings: rankings, Milestones: milestones}, nil
}

func fieldNames(updates []domain.FieldUpdate) []string {
	names := make([]string, 0, len(updates))
	for _, u := range updates {
		names = append(names, u.Field)
	}
	return names
}
