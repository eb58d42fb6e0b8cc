package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pmon/internal/domain"
)

const defaultNotifyTimeout = 5 * time.Second

// WebhookNotifier posts assignment changes to a configured endpoint, in
// place of the mail a human coordinator would otherwise send.
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		URL:    url,
		Client: &http.Client{Timeout: defaultNotifyTimeout},
	}
}

type assignmentMessage struct {
	RecordID   string   `json:"record_id"`
	RecordName string   `json:"record_name"`
	Status     string   `json:"status"`
	OldDevIDs  []string `json:"old_dev_ids"`
	NewDevIDs  []string `json:"new_dev_ids"`
	TS         string   `json:"ts"`
}

func (n *WebhookNotifier) AssignmentChanged(ctx context.Context, rec *domain.Project, oldIDs, newIDs []string) error {
	if strings.TrimSpace(n.URL) == "" {
		return nil
	}
	body := assignmentMessage{
		RecordID:   rec.ID,
		RecordName: rec.Name,
		Status:     rec.Status,
		OldDevIDs:  oldIDs,
		NewDevIDs:  newIDs,
		TS:         time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Pmon-Event", "assignment.changed")
	res, err := n.Client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}
