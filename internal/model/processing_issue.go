package model

import (
	"crypto/sha1"
	"encoding/hex"
	"time"
)

type ProcessingIssue struct {
	ID         int64          `json:"id"`
	ProjectID  int64          `json:"project_id"`
	RawEventID int64          `json:"raw_event_id"`
	Checksum   string         `json:"checksum"`
	Scope      string         `json:"scope"`
	Object     string         `json:"object"`
	Type       string         `json:"type"`
	Data       map[string]any `json:"data"`
	CreatedAt  time.Time      `json:"created_at"`
}

// ProcessingIssueChecksum identifies an issue by what it is about, so the same
// missing file reported by many events collapses into one checksum.
func ProcessingIssueChecksum(scope, object string) string {
	h := sha1.New()
	h.Write([]byte(scope))
	h.Write([]byte{0})
	h.Write([]byte(object))
	return hex.EncodeToString(h.Sum(nil))
}

// ReprocessingReport marks an event that is currently being reprocessed.
type ReprocessingReport struct {
	ID        int64     `json:"id"`
	ProjectID int64     `json:"project_id"`
	EventID   string    `json:"event_id"`
	CreatedAt time.Time `json:"created_at"`
}
