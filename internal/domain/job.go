package domain

import "time"

// JobStatus is the lifecycle state of a scan job
type JobStatus string

// Job status constants
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Priority is the scheduling class of a scan job
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Level maps a priority class to a broker message priority (higher is served first)
func (p Priority) Level() uint8 {
	switch p {
	case PriorityUrgent:
		return 9
	case PriorityHigh:
		return 7
	case PriorityNormal:
		return 4
	default:
		return 1
	}
}

// ScanKind records which intake path created a job
type ScanKind string

const (
	ScanKindImmediate  ScanKind = "immediate"
	ScanKindManual     ScanKind = "manual"
	ScanKindDaily      ScanKind = "daily"
	ScanKindContinuous ScanKind = "continuous"
)

// Priority returns the priority class assigned to a scan kind
func (k ScanKind) Priority() Priority {
	switch k {
	case ScanKindImmediate:
		return PriorityUrgent
	case ScanKindManual:
		return PriorityHigh
	case ScanKindDaily:
		return PriorityNormal
	default:
		return PriorityLow
	}
}

// ScanJob is one execution of the discovery pipeline for a profile
type ScanJob struct {
	ID          string          `json:"job_id"`
	ProfileID   string          `json:"profile_id"`
	UserID      string          `json:"user_id"`
	Kind        ScanKind        `json:"kind"`
	Priority    Priority        `json:"priority"`
	Platforms   []string        `json:"platforms,omitempty"`
	Profile     ProfileData     `json:"profile"`
	Status      JobStatus       `json:"status"`
	Attempt     int             `json:"attempt"`
	MaxRetries  int             `json:"max_retries"`
	WorkerID    string          `json:"worker_id,omitempty"`
	Error       string          `json:"error,omitempty"`
	Progress    Progress        `json:"progress"`
	Summary     *ResultsSummary `json:"summary,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	HeartbeatAt *time.Time      `json:"heartbeat_at,omitempty"`
}

// Progress is the live counter set reported while a job runs
type Progress struct {
	URLsPlanned   int `json:"urls_planned"`
	URLsProcessed int `json:"urls_processed"`
	MatchesFound  int `json:"matches_found"`
}

// ResultsSummary is the per-job outcome embedded in the job record
type ResultsSummary struct {
	QueriesIssued    int                        `json:"queries_issued"`
	URLsScanned      int                        `json:"urls_scanned"`
	URLsFailed       int                        `json:"urls_failed"`
	URLsRateLimited  int                        `json:"urls_rate_limited"`
	MatchesFound     int                        `json:"matches_found"`
	HighConfidence   int                        `json:"high_confidence"`
	PlatformsCovered []string                   `json:"platforms_covered"`
	Platforms        map[string]PlatformSummary `json:"platforms"`
	Duration         time.Duration              `json:"duration"`
	Partial          bool                       `json:"partial"`
}

// PlatformSummary aggregates crawl outcomes for one platform or site
type PlatformSummary struct {
	URLsScanned int `json:"urls_scanned"`
	URLsFailed  int `json:"urls_failed"`
	Matches     int `json:"matches"`
}

// JobQuota caps a user's jobs of Kind created since Since
type JobQuota struct {
	Kind  ScanKind
	Since time.Time
	Limit int
}

// JobCountFilter narrows a job count query; zero fields are ignored
type JobCountFilter struct {
	UserID string
	Kind   ScanKind
	Status JobStatus
	Since  time.Time
}
