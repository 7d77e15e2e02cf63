package domain

import (
	"context"
	"time"
)

// JobRepository persists scan job state
type JobRepository interface {
	CreateJob(ctx context.Context, job *ScanJob) error
	// CreateJobWithinQuota creates job unless its user already reached the
	// quota, then it returns ErrScanLimitExceeded. Concurrent calls for one
	// user are serialized.
	CreateJobWithinQuota(ctx context.Context, job *ScanJob, quota JobQuota) error
	GetJob(ctx context.Context, jobID string) (*ScanJob, error)
	// ClaimJob moves a pending job to running for workerID
	ClaimJob(ctx context.Context, jobID, workerID string) (*ScanJob, error)
	// UpdateHeartbeat refreshes a running job and reports whether it is still running
	UpdateHeartbeat(ctx context.Context, jobID string, progress Progress) (bool, error)
	// FinishJob moves a non-terminal job to a terminal status
	FinishJob(ctx context.Context, jobID string, status JobStatus, summary *ResultsSummary, errMsg string) error
	// ReleaseJob moves a running job back to pending and counts the attempt
	ReleaseJob(ctx context.Context, jobID, errMsg string) error
	// CancelJob cancels a non-terminal job and returns its current state
	CancelJob(ctx context.Context, jobID string) (*ScanJob, error)
	CountJobs(ctx context.Context, filter JobCountFilter) (int, error)
	// FailStaleJobs fails running jobs whose heartbeat is older than before
	FailStaleJobs(ctx context.Context, before time.Time) (int64, error)
}

// ResultRepository persists crawl output and matches
type ResultRepository interface {
	// SaveCrawlResult stores the latest result for (job, url)
	SaveCrawlResult(ctx context.Context, result *CrawlResult) error
	ListCrawlResults(ctx context.Context, jobID string) ([]CrawlResult, error)
	SaveFingerprints(ctx context.Context, fingerprints []Fingerprint) error
	ListFingerprints(ctx context.Context, jobID string) ([]Fingerprint, error)
	DeleteFingerprintsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	// SaveMatch stores a match; a repeated (job, crawled, reference) pair is ignored
	SaveMatch(ctx context.Context, match *MatchCandidate) (bool, error)
	ListMatches(ctx context.Context, query MatchQuery) ([]MatchCandidate, int, error)
}

// ProfileRepository reads creator profiles and reference fingerprints
type ProfileRepository interface {
	GetProfile(ctx context.Context, profileID string) (*Profile, error)
	ListReferenceFingerprints(ctx context.Context, profileID string) ([]Fingerprint, error)
}

// TierLookup resolves a user's subscription tier
type TierLookup interface {
	TierForUser(ctx context.Context, userID string) (Tier, error)
}

// ScheduleRepository persists per-profile cadence state
type ScheduleRepository interface {
	GetSchedule(ctx context.Context, profileID string) (*ScanSchedule, error)
	SaveSchedule(ctx context.Context, schedule *ScanSchedule) error
	ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]ScanSchedule, error)
	// ListSchedules pages through all schedules ordered by profile id
	ListSchedules(ctx context.Context, afterProfileID string, limit int) ([]ScanSchedule, error)
}

// WorkerRegistry tracks live worker processes
type WorkerRegistry interface {
	RegisterWorker(ctx context.Context, info WorkerInfo) error
	ListWorkers(ctx context.Context, seenSince time.Time) ([]WorkerInfo, error)
}

// Notifier delivers events without reporting failures to the caller
type Notifier interface {
	Notify(ctx context.Context, event Event)
}
