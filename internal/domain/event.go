package domain

import "time"

// EventType names an outbound notification
type EventType string

const (
	EventScanStarted   EventType = "scan.started"
	EventScanCompleted EventType = "scan.completed"
	EventScanFailed    EventType = "scan.failed"
	EventScanCancelled EventType = "scan.cancelled"
	EventMatchFound    EventType = "match.found"
)

// Event is a progress, completion or match notification
type Event struct {
	Type       EventType      `json:"type"`
	JobID      string         `json:"job_id"`
	ProfileID  string         `json:"profile_id"`
	UserID     string         `json:"user_id"`
	Data       map[string]any `json:"data,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}
