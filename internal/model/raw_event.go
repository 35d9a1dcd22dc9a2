package model

import "time"

// RawEvent is the verbatim pre-processing payload of an event that is blocked on
// processing issues. Data holds the payload codec bytes.
type RawEvent struct {
	ID        int64     `json:"id"`
	ProjectID int64     `json:"project_id"`
	EventID   string    `json:"event_id"`
	Datetime  time.Time `json:"datetime"`
	Data      []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// UnprocessedEvent backs up the pristine payload before symbolication.
type UnprocessedEvent struct {
	ProjectID int64     `json:"project_id"`
	EventID   string    `json:"event_id"`
	Data      []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}
