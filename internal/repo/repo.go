package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"pmon/internal/config"
	"pmon/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const projectColumns = `id,type,name,status,dev_stage,priority,dev_ids,process_owner_ids,system_ids,tools_ids,
start_date,est_delivery_date,live_date,status_date,last_modified_date,status_reason,comments_json,
hours_added,hours_saved,parent_id,created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*domain.Project, error) {
	var p domain.Project
	var devStage, priority, devIDs, owners, systems, tools sql.NullString
	var start, estDelivery, live, statusDate, lastMod, reason, comments, parent sql.NullString
	err := row.Scan(&p.ID, &p.Type, &p.Name, &p.Status, &devStage, &priority, &devIDs, &owners, &systems, &tools,
		&start, &estDelivery, &live, &statusDate, &lastMod, &reason, &comments,
		&p.HoursAdded, &p.HoursSaved, &parent, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.DevStage = devStage.String
	p.Priority = priority.String
	p.DevIDs = domain.SplitIDs(devIDs.String)
	p.ProcessOwnerIDs = domain.SplitIDs(owners.String)
	p.SystemIDs = domain.SplitIDs(systems.String)
	p.ToolsIDs = domain.SplitIDs(tools.String)
	p.StartDate = start.String
	p.EstDeliveryDate = estDelivery.String
	p.LiveDate = live.String
	p.StatusDate = statusDate.String
	p.LastModified = lastMod.String
	p.StatusReason = reason.String
	if comments.Valid {
		parsed, err := domain.DecodeComments(comments.String)
		if err != nil {
			return nil, fmt.Errorf("record %s comments: %w", p.ID, err)
		}
		p.Comments = parsed
	}
	p.ParentID = parent.String
	return &p, nil
}

func projectArgs(p *domain.Project) []any {
	return []any{
		p.Type, p.Name, p.Status, nullable(p.DevStage), nullable(p.Priority),
		nullable(domain.JoinIDs(p.DevIDs)), nullable(domain.JoinIDs(p.ProcessOwnerIDs)),
		nullable(domain.JoinIDs(p.SystemIDs)), nullable(domain.JoinIDs(p.ToolsIDs)),
		nullable(p.StartDate), nullable(p.EstDeliveryDate), nullable(p.LiveDate),
		nullable(p.StatusDate), nullable(p.LastModified), nullable(p.StatusReason),
		nullable(domain.EncodeComments(p.Comments)), p.HoursAdded, p.HoursSaved,
		nullable(p.ParentID), p.CreatedAt,
	}
}

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p *domain.Project) error {
	args := append([]any{p.ID}, projectArgs(p)...)
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(`+projectColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, args...)
	return err
}

func (r Repo) UpdateProject(ctx context.Context, tx *sql.Tx, p *domain.Project) error {
	args := append(projectArgs(p), p.ID)
	res, err := tx.ExecContext(ctx, `UPDATE projects SET type=?,name=?,status=?,dev_stage=?,priority=?,
dev_ids=?,process_owner_ids=?,system_ids=?,tools_ids=?,
start_date=?,est_delivery_date=?,live_date=?,status_date=?,last_modified_date=?,status_reason=?,
comments_json=?,hours_added=?,hours_saved=?,parent_id=?,created_at=? WHERE id=?`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetProject(ctx context.Context, id string) (*domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id string) (*domain.Project, error) {
	return scanProject(tx.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
}

type ProjectFilters struct {
	Status          string
	Type            string
	DevID           string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListProjects(ctx context.Context, f ProjectFilters) ([]*domain.Project, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.DevID != "" {
		clauses = append(clauses, "(','||COALESCE(dev_ids,'')||',') LIKE ?")
		args = append(args, "%,"+f.DevID+",%")
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + projectColumns + ` FROM projects ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []*domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) DeleteProject(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// NextRecordID reserves the next sequence number for a type prefix and
// returns the formatted record ID, e.g. RPA-00042.
func (r Repo) NextRecordID(ctx context.Context, tx *sql.Tx, prefix string) (string, error) {
	if prefix == "" {
		return "", errors.New("prefix required")
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO record_counters(prefix,next) VALUES (?,1)
ON CONFLICT(prefix) DO NOTHING`, prefix); err != nil {
		return "", err
	}
	var n int64
	if err := tx.QueryRowContext(ctx, `SELECT next FROM record_counters WHERE prefix=?`, prefix).Scan(&n); err != nil {
		return "", err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE record_counters SET next=next+1 WHERE prefix=?`, prefix); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%05d", prefix, n), nil
}

func (r Repo) UpsertMilestone(ctx context.Context, tx *sql.Tx, m *domain.Milestone) error {
	if m.RefID == "" {
		return errors.New("ref_id required")
	}
	fields, err := json.Marshal(m.Fields)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO milestones(ref_id,fields_json,updated_at) VALUES (?,?,?)
ON CONFLICT(ref_id) DO UPDATE SET fields_json=excluded.fields_json, updated_at=excluded.updated_at`,
		m.RefID, string(fields), m.UpdatedAt)
	return err
}

func scanMilestone(row rowScanner) (*domain.Milestone, error) {
	var m domain.Milestone
	var fields string
	err := row.Scan(&m.RefID, &fields, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(fields), &m.Fields); err != nil {
		return nil, fmt.Errorf("milestone %s fields: %w", m.RefID, err)
	}
	if m.Fields == nil {
		m.Fields = map[string]string{}
	}
	return &m, nil
}

func (r Repo) GetMilestone(ctx context.Context, refID string) (*domain.Milestone, error) {
	return scanMilestone(r.DB.QueryRowContext(ctx, `SELECT ref_id,fields_json,updated_at FROM milestones WHERE ref_id=?`, refID))
}

func (r Repo) ListMilestones(ctx context.Context) (map[string]*domain.Milestone, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT ref_id,fields_json,updated_at FROM milestones`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]*domain.Milestone{}
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, err
		}
		res[m.RefID] = m
	}
	return res, rows.Err()
}

func (r Repo) DeleteMilestone(ctx context.Context, tx *sql.Tx, refID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM milestones WHERE ref_id=?`, refID)
	return err
}

func (r Repo) ListRankings(ctx context.Context) ([]domain.Ranking, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT project_id,rank FROM rankings ORDER BY rank ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Ranking
	for rows.Next() {
		var rk domain.Ranking
		if err := rows.Scan(&rk.ProjectID, &rk.Rank); err != nil {
			return nil, err
		}
		res = append(res, rk)
	}
	return res, rows.Err()
}

// ReplaceRankings swaps the whole ranking set in one transaction.
func (r Repo) ReplaceRankings(ctx context.Context, tx *sql.Tx, rankings []domain.Ranking) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM rankings`); err != nil {
		return err
	}
	for _, rk := range rankings {
		if rk.ProjectID == "" {
			return errors.New("ranking with empty project id")
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO rankings(project_id,rank) VALUES (?,?)`, rk.ProjectID, rk.Rank); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) UpsertConfig(ctx context.Context, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.DB.ExecContext(ctx, `INSERT INTO configs(id,config_json,updated_at) VALUES (1,?,?)
ON CONFLICT(id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, string(payload), now)
	return err
}

func (r Repo) GetConfig(ctx context.Context) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM configs WHERE id=1`).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	return &cfg, cfg.Validate()
}

type EventFilters struct {
	Type     string
	RecordID string
	Limit    int
	Cursor   int64
}

func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.RecordID != "" {
		clauses = append(clauses, "record_id=?")
		args = append(args, f.RecordID)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,record_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var recordID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &recordID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		e.RecordID = recordID.String
		e.Payload = payload.String
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) CountByStatus(ctx context.Context) (map[string]int, error) {
	return r.countBy(ctx, "status")
}

func (r Repo) CountByType(ctx context.Context) (map[string]int, error) {
	return r.countBy(ctx, "type")
}

func (r Repo) countBy(ctx context.Context, column string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, fmt.Sprintf(`SELECT %s, count(*) FROM projects GROUP BY %s`, column, column))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return nil, err
		}
		res[key] = count
	}
	return res, rows.Err()
}

// SumHours returns the hours_added and hours_saved totals across all records.
func (r Repo) SumHours(ctx context.Context) (added, saved float64, err error) {
	err = r.DB.QueryRowContext(ctx, `SELECT COALESCE(SUM(hours_added),0), COALESCE(SUM(hours_saved),0) FROM projects`).
		Scan(&added, &saved)
	return added, saved, err
}

// LiveByQuarter buckets records carrying a live date by calendar quarter.
func (r Repo) LiveByQuarter(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT live_date FROM projects WHERE live_date IS NOT NULL AND live_date != ''`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var liveDate string
		if err := rows.Scan(&liveDate); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, liveDate)
		if err != nil {
			if t, err = time.Parse("2006-01-02", liveDate); err != nil {
				continue
			}
		}
		q := (int(t.Month())-1)/3 + 1
		res[fmt.Sprintf("%d-Q%d", t.Year(), q)]++
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
