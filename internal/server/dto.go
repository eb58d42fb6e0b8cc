package server

import (
	"encoding/json"

	"pmon/internal/domain"
)

// Request payloads

type CreateRecordRequest struct {
	Type            string   `json:"type" enum:"rpa,script,enhancement,bug"`
	Name            string   `json:"name"`
	Priority        *string  `json:"priority,omitempty"`
	ParentID        *string  `json:"project_id,omitempty"`
	ProcessOwnerIDs []string `json:"process_owner_ids,omitempty"`
	SystemIDs       []string `json:"system_ids,omitempty"`
	ToolsIDs        []string `json:"tools_ids,omitempty"`
	EstDelivery     *string  `json:"est_delivery_date,omitempty"`
}

type FieldUpdateRequest struct {
	Field    string `json:"field"`
	NewValue string `json:"new_value"`
}

type UpdateRecordRequest struct {
	Updates []FieldUpdateRequest `json:"updates"`
}

type MoveRecordRequest struct {
	ToStatus string   `json:"to_status"`
	Reason   *string  `json:"reason,omitempty"`
	DevIDs   []string `json:"dev_ids,omitempty"`
}

type AddCommentRequest struct {
	Comment string `json:"comment"`
}

type SetMilestoneFieldRequest struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

type RankingRequest struct {
	ProjectID string `json:"project_id"`
	Rank      int    `json:"rank"`
}

type ReplaceRankingsRequest struct {
	Rankings []RankingRequest `json:"rankings"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

// Response payloads

type CommentResponse struct {
	Date    string `json:"date" format:"date-time"`
	User    string `json:"user"`
	Comment string `json:"comment"`
}

type RecordResponse struct {
	ID              string            `json:"id"`
	Type            string            `json:"type" enum:"rpa,script,enhancement,bug"`
	Name            string            `json:"name"`
	Status          string            `json:"status"`
	DevStage        string            `json:"dev_stage,omitempty"`
	Priority        string            `json:"priority,omitempty"`
	DevIDs          []string          `json:"dev_ids,omitempty"`
	ProcessOwnerIDs []string          `json:"process_owner_ids,omitempty"`
	SystemIDs       []string          `json:"system_ids,omitempty"`
	ToolsIDs        []string          `json:"tools_ids,omitempty"`
	StartDate       string            `json:"start_date,omitempty"`
	EstDelivery     string            `json:"est_delivery_date,omitempty"`
	LiveDate        string            `json:"live_date,omitempty"`
	StatusDate      string            `json:"status_date,omitempty"`
	LastModified    string            `json:"last_modified_date,omitempty"`
	StatusReason    string            `json:"status_reason,omitempty"`
	Comments        []CommentResponse `json:"comments_history,omitempty"`
	HoursAdded      float64           `json:"hours_added,omitempty"`
	HoursSaved      float64           `json:"hours_saved,omitempty"`
	ParentID        string            `json:"project_id,omitempty"`
	CreatedAt       string            `json:"created_at" format:"date-time"`
	Progress        int               `json:"progress"`
}

type UpdateRecordResponse struct {
	Updates []FieldUpdateResponse `json:"updates"`
}

type FieldUpdateResponse struct {
	Field    string `json:"field"`
	NewValue string `json:"new_value"`
}

type MilestoneResponse struct {
	RefID     string            `json:"ref_id"`
	Fields    map[string]string `json:"fields"`
	UpdatedAt string            `json:"updated_at,omitempty" format:"date-time"`
	Progress  int               `json:"progress"`
}

type RankingResponse struct {
	ProjectID string `json:"project_id"`
	Rank      int    `json:"rank"`
}

type EventResponse struct {
	ID       int64           `json:"id"`
	TS       string          `json:"ts" format:"date-time"`
	Type     string          `json:"type"`
	RecordID string          `json:"record_id,omitempty"`
	ActorID  string          `json:"actor_id"`
	Payload  json.RawMessage `json:"payload"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

func recordResponse(p *domain.Project, progress int) RecordResponse {
	comments := make([]CommentResponse, 0, len(p.Comments))
	for _, c := range p.Comments {
		comments = append(comments, CommentResponse{Date: c.Date, User: c.User, Comment: c.Comment})
	}
	return RecordResponse{
		ID:              p.ID,
		Type:            p.Type,
		Name:            p.Name,
		Status:          p.Status,
		DevStage:        p.DevStage,
		Priority:        p.Priority,
		DevIDs:          p.DevIDs,
		ProcessOwnerIDs: p.ProcessOwnerIDs,
		SystemIDs:       p.SystemIDs,
		ToolsIDs:        p.ToolsIDs,
		StartDate:       p.StartDate,
		EstDelivery:     p.EstDeliveryDate,
		LiveDate:        p.LiveDate,
		StatusDate:      p.StatusDate,
		LastModified:    p.LastModified,
		StatusReason:    p.StatusReason,
		Comments:        comments,
		HoursAdded:      p.HoursAdded,
		HoursSaved:      p.HoursSaved,
		ParentID:        p.ParentID,
		CreatedAt:       p.CreatedAt,
		Progress:        progress,
	}
}

func fieldUpdateResponses(updates []domain.FieldUpdate) []FieldUpdateResponse {
	out := make([]FieldUpdateResponse, 0, len(updates))
	for _, u := range updates {
		out = append(out, FieldUpdateResponse{Field: u.Field, NewValue: u.NewValue})
	}
	return out
}

func eventResponse(evt domain.Event) EventResponse {
	payload := json.RawMessage([]byte("{}"))
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage([]byte(evt.Payload))
	}
	return EventResponse{
		ID:       evt.ID,
		TS:       evt.TS,
		Type:     evt.Type,
		RecordID: evt.RecordID,
		ActorID:  evt.ActorID,
		Payload:  payload,
	}
}
