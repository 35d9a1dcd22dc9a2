package model

import "time"

type ActivityType string

const (
	ActivityNewProcessingIssues ActivityType = "new_processing_issues"
)

type Activity struct {
	ID        int64          `json:"id"`
	ProjectID int64          `json:"project_id"`
	Type      ActivityType   `json:"type"`
	Data      map[string]any `json:"data"`
	CreatedAt time.Time      `json:"created_at"`
}
