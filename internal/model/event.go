package model

import "time"

// Event is the final persisted event. (project_id, event_id) is unique.
type Event struct {
	ProjectID  int64          `json:"project_id"`
	EventID    string         `json:"event_id"`
	GroupHash  string         `json:"group_hash"`
	Platform   string         `json:"platform"`
	Timestamp  time.Time      `json:"timestamp"`
	Data       map[string]any `json:"data"`
	ReceivedAt time.Time      `json:"received_at"`
}
