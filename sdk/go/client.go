package pmonsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Pmon HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Record represents the API record model (partial).
type Record struct {
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	Name         string   `json:"name"`
	Status       string   `json:"status"`
	DevStage     string   `json:"dev_stage,omitempty"`
	Priority     string   `json:"priority,omitempty"`
	DevIDs       []string `json:"dev_ids,omitempty"`
	LiveDate     string   `json:"live_date,omitempty"`
	StatusReason string   `json:"status_reason,omitempty"`
	ParentID     string   `json:"project_id,omitempty"`
	Progress     int      `json:"progress"`
}

// FieldUpdate is one field edit.
type FieldUpdate struct {
	Field    string `json:"field"`
	NewValue string `json:"new_value"`
}

// Ranking is one evaluation ranking entry.
type Ranking struct {
	ProjectID string `json:"project_id"`
	Rank      int    `json:"rank"`
}

// Milestone holds completion markers.
type Milestone struct {
	RefID    string            `json:"ref_id"`
	Fields   map[string]string `json:"fields"`
	Progress int               `json:"progress"`
}

// Event represents a log entry.
type Event struct {
	ID       int64          `json:"id"`
	TS       string         `json:"ts"`
	Type     string         `json:"type"`
	RecordID string         `json:"record_id,omitempty"`
	ActorID  string         `json:"actor_id"`
	Payload  map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateRecord creates a record.
func (c *Client) CreateRecord(ctx context.Context, recordType, name string, opts map[string]any) (Record, error) {
	body := map[string]any{
		"type": recordType,
		"name": name,
	}
	for k, v := range opts {
		body[k] = v
	}
	var resp Record
	err := c.do(ctx, http.MethodPost, "v0/records", body, &resp)
	return resp, err
}

// GetRecord fetches a record by ID.
func (c *Client) GetRecord(ctx context.Context, id string) (Record, error) {
	var resp Record
	err := c.do(ctx, http.MethodGet, "v0/records/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListRecords lists records, optionally filtered by status and type.
func (c *Client) ListRecords(ctx context.Context, status, recordType string) ([]Record, error) {
	endpoint := "v0/records"
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if recordType != "" {
		q.Set("type", recordType)
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Record
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// UpdateRecord applies field updates and returns the canonical update list.
func (c *Client) UpdateRecord(ctx context.Context, id string, updates []FieldUpdate) ([]FieldUpdate, error) {
	body := map[string]any{"updates": updates}
	var resp struct {
		Updates []FieldUpdate `json:"updates"`
	}
	err := c.do(ctx, http.MethodPatch, "v0/records/"+url.PathEscape(id), body, &resp)
	return resp.Updates, err
}

// MoveRecord moves a record to a new status.
func (c *Client) MoveRecord(ctx context.Context, id, toStatus, reason string, devIDs []string) (Record, error) {
	body := map[string]any{"to_status": toStatus}
	if reason != "" {
		body["reason"] = reason
	}
	if len(devIDs) > 0 {
		body["dev_ids"] = devIDs
	}
	var resp Record
	err := c.do(ctx, http.MethodPost, "v0/records/"+url.PathEscape(id)+"/move", body, &resp)
	return resp, err
}

// AddComment prepends a comment to a record's history.
func (c *Client) AddComment(ctx context.Context, id, comment string) (Record, error) {
	body := map[string]any{"comment": comment}
	var resp Record
	err := c.do(ctx, http.MethodPost, "v0/records/"+url.PathEscape(id)+"/comments", body, &resp)
	return resp, err
}

// GetMilestone fetches a record's milestone.
func (c *Client) GetMilestone(ctx context.Context, recordID string) (Milestone, error) {
	var resp Milestone
	err := c.do(ctx, http.MethodGet, "v0/records/"+url.PathEscape(recordID)+"/milestone", nil, &resp)
	return resp, err
}

// SetMilestoneField sets one completion marker; an empty value clears it.
func (c *Client) SetMilestoneField(ctx context.Context, recordID, field, value string) (Milestone, error) {
	body := map[string]any{"field": field, "value": value}
	var resp Milestone
	err := c.do(ctx, http.MethodPatch, "v0/records/"+url.PathEscape(recordID)+"/milestone", body, &resp)
	return resp, err
}

// Rankings returns the evaluation ranking in rank order.
func (c *Client) Rankings(ctx context.Context) ([]Ranking, error) {
	var resp []Ranking
	err := c.do(ctx, http.MethodGet, "v0/rankings", nil, &resp)
	return resp, err
}

// ReplaceRankings stores the full ranking set and returns the canonical one.
func (c *Client) ReplaceRankings(ctx context.Context, rankings []Ranking) ([]Ranking, error) {
	body := map[string]any{"rankings": rankings}
	var resp []Ranking
	err := c.do(ctx, http.MethodPut, "v0/rankings", body, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
