package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Record type identifiers. The type of a record is encoded in its ID prefix.
const (
	TypeRPA         = "rpa"
	TypeScript      = "script"
	TypeEnhancement = "enhancement"
	TypeBug         = "bug"
)

var typePrefixes = map[string]string{
	TypeRPA:         "RPA-",
	TypeScript:      "SCR-",
	TypeEnhancement: "ENH-",
	TypeBug:         "BUG-",
}

// Prefix returns the ID prefix for a record type, or "" if unknown.
func Prefix(recordType string) string {
	return typePrefixes[recordType]
}

// TypeFromID resolves the record type from an ID prefix.
func TypeFromID(id string) string {
	for t, prefix := range typePrefixes {
		if strings.HasPrefix(id, prefix) {
			return t
		}
	}
	return ""
}

// Comment is one entry of a record's comment history, most recent first.
type Comment struct {
	Date    string `json:"date" format:"date-time"`
	User    string `json:"user"`
	Comment string `json:"comment"`
}

// Project is a tracked automation record (RPA, script, enhancement or bug).
// Multi-valued reference fields are ordered ID lists; they serialize to
// comma-joined strings only at the field-update and storage boundaries.
type Project struct {
	ID              string    `json:"id"`
	Type            string    `json:"type" enum:"rpa,script,enhancement,bug"`
	Name            string    `json:"name"`
	Status          string    `json:"status"`
	DevStage        string    `json:"dev_stage,omitempty"`
	Priority        string    `json:"priority,omitempty"`
	DevIDs          []string  `json:"dev_ids,omitempty"`
	ProcessOwnerIDs []string  `json:"process_owner_ids,omitempty"`
	SystemIDs       []string  `json:"system_ids,omitempty"`
	ToolsIDs        []string  `json:"tools_ids,omitempty"`
	StartDate       string    `json:"start_date,omitempty"`
	EstDeliveryDate string    `json:"est_delivery_date,omitempty"`
	LiveDate        string    `json:"live_date,omitempty"`
	StatusDate      string    `json:"status_date,omitempty"`
	LastModified    string    `json:"last_modified_date,omitempty"`
	StatusReason    string    `json:"status_reason,omitempty"`
	Comments        []Comment `json:"comments_history,omitempty"`
	HoursAdded      float64   `json:"hours_added"`
	HoursSaved      float64   `json:"hours_saved"`
	ParentID        string    `json:"project_id,omitempty"`
	CreatedAt       string    `json:"created_at" format:"date-time"`

	// Saving is true while an update round-trip is in flight. Never persisted.
	Saving bool `json:"saving,omitempty"`
}

// Milestone holds per-record completion markers keyed by field name. A field
// absent from (or empty in) Fields is incomplete; any non-empty marker (a
// date string or URL) counts as complete.
type Milestone struct {
	RefID     string            `json:"ref_id"`
	Fields    map[string]string `json:"fields"`
	UpdatedAt string            `json:"updated_at" format:"date-time"`
}

// Done reports whether the named milestone field carries a marker.
func (m *Milestone) Done(field string) bool {
	if m == nil {
		return false
	}
	return strings.TrimSpace(m.Fields[field]) != ""
}

// Ranking is a record's dense 1-based position among Under Evaluation records.
type Ranking struct {
	ProjectID string `json:"project_id"`
	Rank      int    `json:"rank"`
}

// FieldUpdate is one field-level change as carried over the wire: the field
// name and its new string value.
type FieldUpdate struct {
	Field    string `json:"field"`
	NewValue string `json:"new_value"`
}

// Event is one append-only audit log row.
type Event struct {
	ID       int64  `json:"id"`
	TS       string `json:"ts" format:"date-time"`
	Type     string `json:"type"`
	RecordID string `json:"record_id,omitempty"`
	ActorID  string `json:"actor_id"`
	Payload  string `json:"payload_json"`
}

// APIKey authenticates non-interactive callers of the HTTP API.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Field names accepted by Project.Field and Project.SetField.
const (
	FieldName            = "name"
	FieldStatus          = "status"
	FieldDevStage        = "dev_stage"
	FieldPriority        = "priority"
	FieldDevID           = "dev_id"
	FieldProcessOwnerIDs = "process_owner_ids"
	FieldSystemIDs       = "system_ids"
	FieldToolsIDs        = "tools_ids"
	FieldStartDate       = "start_date"
	FieldEstDelivery     = "est_delivery_date"
	FieldLiveDate        = "live_date"
	FieldStatusDate      = "status_date"
	FieldLastModified    = "last_modified_date"
	FieldStatusReason    = "status_reason"
	FieldComments        = "comments_history"
	FieldHoursAdded      = "hours_added"
	FieldHoursSaved      = "hours_saved"
	FieldParentID        = "project_id"
	FieldSaving          = "saving"
)

// Field returns the string form of a named field, as used in field-update
// lists. List fields come back comma-joined, the comment history JSON-encoded.
func (p *Project) Field(name string) (string, bool) {
	switch name {
	case FieldName:
		return p.Name, true
	case FieldStatus:
		return p.Status, true
	case FieldDevStage:
		return p.DevStage, true
	case FieldPriority:
		return p.Priority, true
	case FieldDevID:
		return JoinIDs(p.DevIDs), true
	case FieldProcessOwnerIDs:
		return JoinIDs(p.ProcessOwnerIDs), true
	case FieldSystemIDs:
		return JoinIDs(p.SystemIDs), true
	case FieldToolsIDs:
		return JoinIDs(p.ToolsIDs), true
	case FieldStartDate:
		return p.StartDate, true
	case FieldEstDelivery:
		return p.EstDeliveryDate, true
	case FieldLiveDate:
		return p.LiveDate, true
	case FieldStatusDate:
		return p.StatusDate, true
	case FieldLastModified:
		return p.LastModified, true
	case FieldStatusReason:
		return p.StatusReason, true
	case FieldComments:
		return EncodeComments(p.Comments), true
	case FieldHoursAdded:
		return formatHours(p.HoursAdded), true
	case FieldHoursSaved:
		return formatHours(p.HoursSaved), true
	case FieldParentID:
		return p.ParentID, true
	case FieldSaving:
		return strconv.FormatBool(p.Saving), true
	}
	return "", false
}

// SetField assigns a named field from its string form, parsing list, numeric
// and JSON-encoded fields as needed.
func (p *Project) SetField(name, value string) error {
	switch name {
	case FieldName:
		p.Name = value
	case FieldStatus:
		p.Status = value
	case FieldDevStage:
		p.DevStage = value
	case FieldPriority:
		p.Priority = value
	case FieldDevID:
		p.DevIDs = SplitIDs(value)
	case FieldProcessOwnerIDs:
		p.ProcessOwnerIDs = SplitIDs(value)
	case FieldSystemIDs:
		p.SystemIDs = SplitIDs(value)
	case FieldToolsIDs:
		p.ToolsIDs = SplitIDs(value)
	case FieldStartDate:
		p.StartDate = value
	case FieldEstDelivery:
		p.EstDeliveryDate = value
	case FieldLiveDate:
		p.LiveDate = value
	case FieldStatusDate:
		p.StatusDate = value
	case FieldLastModified:
		p.LastModified = value
	case FieldStatusReason:
		p.StatusReason = value
	case FieldComments:
		comments, err := DecodeComments(value)
		if err != nil {
			return fmt.Errorf("comments_history: %w", err)
		}
		p.Comments = comments
	case FieldHoursAdded:
		v, err := parseHours(value)
		if err != nil {
			return fmt.Errorf("hours_added: %w", err)
		}
		p.HoursAdded = v
	case FieldHoursSaved:
		v, err := parseHours(value)
		if err != nil {
			return fmt.Errorf("hours_saved: %w", err)
		}
		p.HoursSaved = v
	case FieldParentID:
		p.ParentID = value
	case FieldSaving:
		p.Saving = value == "true"
	default:
		return fmt.Errorf("unknown field %q", name)
	}
	return nil
}

// Apply sets every update in order, stopping at the first bad field.
func (p *Project) Apply(updates []FieldUpdate) error {
	for _, u := range updates {
		if err := p.SetField(u.Field, u.NewValue); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a deep copy of the record.
func (p *Project) Clone() *Project {
	cp := *p
	cp.DevIDs = append([]string(nil), p.DevIDs...)
	cp.ProcessOwnerIDs = append([]string(nil), p.ProcessOwnerIDs...)
	cp.SystemIDs = append([]string(nil), p.SystemIDs...)
	cp.ToolsIDs = append([]string(nil), p.ToolsIDs...)
	cp.Comments = append([]Comment(nil), p.Comments...)
	return &cp
}

// JoinIDs serializes an ID list to its comma-joined storage form.
func JoinIDs(ids []string) string {
	return strings.Join(ids, ",")
}

// SplitIDs parses a comma-joined ID list, dropping empty entries.
func SplitIDs(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	ids := make([]string, 0, len(parts))
	for _, part := range parts {
		if v := strings.TrimSpace(part); v != "" {
			ids = append(ids, v)
		}
	}
	return ids
}

// EncodeComments renders the comment history in its JSON storage form.
func EncodeComments(comments []Comment) string {
	if len(comments) == 0 {
		return ""
	}
	b, _ := json.Marshal(comments)
	return string(b)
}

// DecodeComments parses a JSON-encoded comment history; "" means none.
func DecodeComments(s string) ([]Comment, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var comments []Comment
	if err := json.Unmarshal([]byte(s), &comments); err != nil {
		return nil, err
	}
	return comments, nil
}

func formatHours(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseHours(s string) (float64, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, fmt.Errorf("must be non-negative, got %s", s)
	}
	return v, nil
}
