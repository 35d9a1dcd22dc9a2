package model

import "time"

type Project struct {
	ID             int64     `json:"id"`
	OrganizationID int64     `json:"organization_id"`
	Name           string    `json:"name"`
	Slug           string    `json:"slug"`
	Platform       string    `json:"platform"`
	CreatedAt      time.Time `json:"created_at"`
}

// Project option keys read by the pipeline.
const (
	OptionProcessingRevision  = "ingest:processing-rev"
	OptionReprocessingActive  = "ingest:reprocessing_active"
	OptionSentFailedEventHint = "ingest:sent_failed_event_hint"
)
