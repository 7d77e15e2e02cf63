// Package orchestrator is the entry point for scan requests. It validates
// intake, records jobs, routes them onto the task queue and answers status,
// results and stats queries.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/cuongbtq/leakwatch/internal/domain"
	"github.com/cuongbtq/leakwatch/internal/queue"
	"github.com/cuongbtq/leakwatch/internal/schedule"
	"github.com/google/uuid"
)

const (
	defaultResultsLimit = 20
	maxResultsLimit     = 100
	maxNameLength       = 100
)

// PlatformHealth reports the scanner table
type PlatformHealth interface {
	Names() []string
	Health(ctx context.Context) map[string]bool
}

// Summarizer builds a summary from stored crawl output
type Summarizer interface {
	Summarize(ctx context.Context, jobID string) (*domain.ResultsSummary, error)
}

// Config wires an Orchestrator
type Config struct {
	Jobs       domain.JobRepository
	Results    domain.ResultRepository
	Schedules  domain.ScheduleRepository
	Tiers      domain.TierLookup
	Workers    domain.WorkerRegistry
	Broker     queue.Broker
	Lanes      []queue.Lane
	Policy     *schedule.Policy
	Platforms  PlatformHealth
	Summarizer Summarizer
	Notifier   domain.Notifier
	MaxRetries int
	WorkerTTL  time.Duration
	Logger     *slog.Logger
}

// Orchestrator implements the scan intake and query operations
type Orchestrator struct {
	jobs       domain.JobRepository
	results    domain.ResultRepository
	schedules  domain.ScheduleRepository
	tiers      domain.TierLookup
	workers    domain.WorkerRegistry
	broker     queue.Broker
	lanes      []queue.Lane
	policy     *schedule.Policy
	platforms  PlatformHealth
	summarizer Summarizer
	notifier   domain.Notifier
	maxRetries int
	workerTTL  time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// New creates an orchestrator
func New(cfg Config) *Orchestrator {
	lanes := cfg.Lanes
	if len(lanes) == 0 {
		lanes = []queue.Lane{queue.LaneUrgent, queue.LaneScheduled, queue.LaneMatch, queue.LaneMaintenance}
	}
	ttl := cfg.WorkerTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Orchestrator{
		jobs:       cfg.Jobs,
		results:    cfg.Results,
		schedules:  cfg.Schedules,
		tiers:      cfg.Tiers,
		workers:    cfg.Workers,
		broker:     cfg.Broker,
		lanes:      lanes,
		policy:     cfg.Policy,
		platforms:  cfg.Platforms,
		summarizer: cfg.Summarizer,
		notifier:   cfg.Notifier,
		maxRetries: cfg.MaxRetries,
		workerTTL:  ttl,
		logger:     cfg.Logger,
		now:        time.Now,
	}
}

// ScheduleImmediateScan queues an urgent scan, used on signup, and enrolls
// the profile in its tier's cadence
func (o *Orchestrator) ScheduleImmediateScan(ctx context.Context, profileID, userID string, data domain.ProfileData) (string, error) {
	jobID, err := o.schedule(ctx, domain.ScanKindImmediate, profileID, userID, data, nil, nil)
	if err != nil {
		return "", err
	}
	if _, err := o.enroll(ctx, profileID, userID, true); err != nil {
		o.logger.Warn("Failed to enroll profile",
			slog.String("profile_id", profileID),
			slog.String("error", err.Error()))
	}
	return jobID, nil
}

// ScheduleManualScan queues a high-priority scan, optionally restricted to
// platforms, subject to the tier's manual scan allowance
func (o *Orchestrator) ScheduleManualScan(ctx context.Context, profileID, userID string, data domain.ProfileData, platforms []string) (string, error) {
	platforms, err := o.validatePlatforms(platforms)
	if err != nil {
		return "", err
	}
	if err := validateIdentity(profileID, userID, data); err != nil {
		return "", err
	}
	quota, tier, err := o.manualQuota(ctx, userID)
	if err != nil {
		return "", err
	}
	jobID, err := o.schedule(ctx, domain.ScanKindManual, profileID, userID, data, platforms, quota)
	if errors.Is(err, domain.ErrScanLimitExceeded) {
		return "", fmt.Errorf("%w: %d manual scans per day on %s", domain.ErrScanLimitExceeded, quota.Limit, tier)
	}
	return jobID, err
}

// ScheduleDailyScan queues a normal-priority scan
func (o *Orchestrator) ScheduleDailyScan(ctx context.Context, profileID, userID string, data domain.ProfileData) (string, error) {
	return o.schedule(ctx, domain.ScanKindDaily, profileID, userID, data, nil, nil)
}

// ScheduleContinuousScan queues a low-priority monitoring scan
func (o *Orchestrator) ScheduleContinuousScan(ctx context.Context, profileID, userID string, data domain.ProfileData) (string, error) {
	return o.schedule(ctx, domain.ScanKindContinuous, profileID, userID, data, nil, nil)
}

// schedule creates and enqueues a job; a non-nil quota is enforced atomically
// with the insert
func (o *Orchestrator) schedule(ctx context.Context, kind domain.ScanKind, profileID, userID string, data domain.ProfileData, platforms []string, quota *domain.JobQuota) (string, error) {
	if err := validateIdentity(profileID, userID, data); err != nil {
		return "", err
	}

	job := &domain.ScanJob{
		ID:         uuid.NewString(),
		ProfileID:  profileID,
		UserID:     userID,
		Kind:       kind,
		Priority:   kind.Priority(),
		Platforms:  platforms,
		Profile:    cleanProfile(data),
		Status:     domain.JobStatusPending,
		MaxRetries: o.maxRetries,
		CreatedAt:  o.now().UTC(),
	}
	var err error
	if quota != nil {
		err = o.jobs.CreateJobWithinQuota(ctx, job, *quota)
	} else {
		err = o.jobs.CreateJob(ctx, job)
	}
	if err != nil {
		if errors.Is(err, domain.ErrScanLimitExceeded) {
			return "", err
		}
		return "", fmt.Errorf("failed to create job: %w", err)
	}

	task := queue.NewTask(queue.TaskScan, job.ID, job.Priority)
	lane := queue.LaneFor(task)
	if err := o.broker.Publish(ctx, lane, task); err != nil {
		o.logger.Error("Failed to enqueue scan",
			slog.String("job_id", job.ID),
			slog.String("lane", string(lane)),
			slog.String("error", err.Error()))
		if ferr := o.jobs.FinishJob(context.WithoutCancel(ctx), job.ID, domain.JobStatusFailed, nil, "failed to enqueue: "+err.Error()); ferr != nil {
			o.logger.Error("Failed to mark job failed", slog.String("job_id", job.ID), slog.String("error", ferr.Error()))
		}
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}

	o.logger.Info("Scan scheduled",
		slog.String("job_id", job.ID),
		slog.String("profile_id", profileID),
		slog.String("kind", string(kind)),
		slog.String("priority", string(job.Priority)),
		slog.String("lane", string(lane)),
	)
	return job.ID, nil
}

// manualQuota returns the tier's manual scan quota, nil when unlimited
func (o *Orchestrator) manualQuota(ctx context.Context, userID string) (*domain.JobQuota, domain.Tier, error) {
	if o.policy == nil || o.tiers == nil {
		return nil, "", nil
	}
	tier, err := o.tiers.TierForUser(ctx, userID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to look up tier: %w", err)
	}
	limit := o.policy.ManualLimit(tier)
	if limit <= 0 {
		return nil, tier, nil
	}
	return &domain.JobQuota{
		Kind:  domain.ScanKindManual,
		Since: o.now().Add(-24 * time.Hour),
		Limit: limit,
	}, tier, nil
}

// GetScanStatus returns the current job record
func (o *Orchestrator) GetScanStatus(ctx context.Context, jobID string) (*domain.ScanJob, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, domain.NewValidationError("job_id", "must be a valid UUID")
	}
	return o.jobs.GetJob(ctx, jobID)
}

// ScanResults is a page of matches plus the job's progress and summary
type ScanResults struct {
	JobID         string                  `json:"job_id"`
	Status        domain.JobStatus        `json:"status"`
	Complete      bool                    `json:"complete"`
	Progress      domain.Progress         `json:"progress"`
	Summary       *domain.ResultsSummary  `json:"summary,omitempty"`
	Total         int                     `json:"total"`
	Limit         int                     `json:"limit"`
	Offset        int                     `json:"offset"`
	MinConfidence float64                 `json:"min_confidence"`
	Matches       []domain.MatchCandidate `json:"matches"`
}

// GetScanResults pages through matches scoring at least minConfidence. A job
// that is still pending or running yields the matches found so far with
// Complete false.
func (o *Orchestrator) GetScanResults(ctx context.Context, jobID string, limit, offset int, minConfidence float64) (*ScanResults, error) {
	if limit == 0 {
		limit = defaultResultsLimit
	}
	if limit < 1 || limit > maxResultsLimit {
		return nil, domain.NewValidationError("limit", "must be between 1 and %d", maxResultsLimit)
	}
	if offset < 0 {
		return nil, domain.NewValidationError("offset", "must not be negative")
	}
	if minConfidence < 0 || minConfidence > 1 {
		return nil, domain.NewValidationError("min_confidence", "must be between 0 and 1")
	}

	job, err := o.GetScanStatus(ctx, jobID)
	if err != nil {
		return nil, err
	}
	matches, total, err := o.results.ListMatches(ctx, domain.MatchQuery{
		JobID:    jobID,
		MinScore: minConfidence,
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list matches: %w", err)
	}

	summary := job.Summary
	if summary == nil && o.summarizer != nil {
		// in-flight jobs report what has been stored so far
		if summary, err = o.summarizer.Summarize(ctx, jobID); err != nil {
			o.logger.Warn("Failed to summarize job", slog.String("job_id", jobID), slog.String("error", err.Error()))
			summary = nil
		}
	}

	return &ScanResults{
		JobID:         job.ID,
		Status:        job.Status,
		Complete:      job.Status == domain.JobStatusCompleted,
		Progress:      job.Progress,
		Summary:       summary,
		Total:         total,
		Limit:         limit,
		Offset:        offset,
		MinConfidence: minConfidence,
		Matches:       matches,
	}, nil
}

// CancelScan cancels a job that has not finished and drops its queued
// tasks where the broker allows. A running job stops starting new fetches
// at its next heartbeat. Cancelling a finished job returns it unchanged.
func (o *Orchestrator) CancelScan(ctx context.Context, jobID string) (*domain.ScanJob, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, domain.NewValidationError("job_id", "must be a valid UUID")
	}

	job, err := o.jobs.CancelJob(ctx, jobID)
	if errors.Is(err, domain.ErrJobTerminal) {
		return job, nil
	}
	if err != nil {
		return nil, err
	}

	if r, ok := o.broker.(queue.Revoker); ok {
		if _, err := r.Revoke(ctx, jobID); err != nil {
			o.logger.Warn("Failed to revoke queued task",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()))
		}
	}
	if o.notifier != nil {
		o.notifier.Notify(ctx, domain.Event{
			Type:       domain.EventScanCancelled,
			JobID:      job.ID,
			ProfileID:  job.ProfileID,
			UserID:     job.UserID,
			OccurredAt: o.now().UTC(),
		})
	}
	o.logger.Info("Scan cancelled", slog.String("job_id", jobID))
	return job, nil
}

// RequestRematch queues a re-score of a finished job's fingerprints against
// the profile's current references
func (o *Orchestrator) RequestRematch(ctx context.Context, jobID string) error {
	job, err := o.GetScanStatus(ctx, jobID)
	if err != nil {
		return err
	}
	if !job.Status.IsTerminal() {
		return domain.NewValidationError("job_id", "job %s is still %s", jobID, job.Status)
	}
	task := queue.NewTask(queue.TaskRematch, job.ID, domain.PriorityNormal)
	if err := o.broker.Publish(ctx, queue.LaneFor(task), task); err != nil {
		return fmt.Errorf("failed to enqueue rematch: %w", err)
	}
	return nil
}

// ScheduleMaintenance queues a cleanup task
func (o *Orchestrator) ScheduleMaintenance(ctx context.Context) error {
	task := queue.NewTask(queue.TaskCleanup, "", domain.PriorityLow)
	if err := o.broker.Publish(ctx, queue.LaneFor(task), task); err != nil {
		return fmt.Errorf("failed to enqueue cleanup: %w", err)
	}
	return nil
}

// EnrollProfile computes and stores the profile's schedule from the user's
// current tier, keeping a pending due time when the tier is unchanged
func (o *Orchestrator) EnrollProfile(ctx context.Context, profileID, userID string) (*domain.ScanSchedule, error) {
	return o.enroll(ctx, profileID, userID, false)
}

func (o *Orchestrator) enroll(ctx context.Context, profileID, userID string, scanQueued bool) (*domain.ScanSchedule, error) {
	if o.policy == nil || o.schedules == nil || o.tiers == nil {
		return nil, errors.New("scheduling is not configured")
	}
	tier, err := o.tiers.TierForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up tier: %w", err)
	}

	prev, err := o.schedules.GetSchedule(ctx, profileID)
	if err != nil && !errors.Is(err, domain.ErrScheduleNotFound) {
		return nil, fmt.Errorf("failed to load schedule: %w", err)
	}
	now := o.now()
	s := o.policy.Compute(prev, profileID, userID, tier, now)
	if scanQueued && prev == nil && s.Frequency == domain.FrequencyContinuous {
		// the queued scan counts as the first monitoring run
		s = o.policy.Advance(s, now)
	}
	if err := o.schedules.SaveSchedule(ctx, &s); err != nil {
		return nil, fmt.Errorf("failed to save schedule: %w", err)
	}
	return &s, nil
}

// SyncSchedule recomputes a profile's schedule, for use after a tier change
func (o *Orchestrator) SyncSchedule(ctx context.Context, profileID string) (*domain.ScanSchedule, error) {
	prev, err := o.schedules.GetSchedule(ctx, profileID)
	if err != nil {
		return nil, err
	}
	return o.EnrollProfile(ctx, profileID, prev.UserID)
}

// Stats is the operational snapshot
type Stats struct {
	ActiveScans    int             `json:"active_scans"`
	PendingScans   int             `json:"pending_scans"`
	QueueDepth     map[string]int  `json:"queue_depth"`
	Workers        int             `json:"workers"`
	PlatformHealth map[string]bool `json:"platform_health"`
}

// Stats reports running and pending scans, lane depth, live workers and
// platform health
func (o *Orchestrator) Stats(ctx context.Context) (*Stats, error) {
	active, err := o.jobs.CountJobs(ctx, domain.JobCountFilter{Status: domain.JobStatusRunning})
	if err != nil {
		return nil, fmt.Errorf("failed to count running jobs: %w", err)
	}
	pending, err := o.jobs.CountJobs(ctx, domain.JobCountFilter{Status: domain.JobStatusPending})
	if err != nil {
		return nil, fmt.Errorf("failed to count pending jobs: %w", err)
	}

	s := &Stats{
		ActiveScans:    active,
		PendingScans:   pending,
		QueueDepth:     make(map[string]int, len(o.lanes)),
		PlatformHealth: map[string]bool{},
	}
	for _, lane := range o.lanes {
		n, err := o.broker.Depth(ctx, lane)
		if err != nil {
			o.logger.Warn("Failed to read queue depth",
				slog.String("lane", string(lane)),
				slog.String("error", err.Error()))
			n = -1
		}
		s.QueueDepth[string(lane)] = n
	}
	if o.workers != nil {
		ws, err := o.workers.ListWorkers(ctx, o.now().Add(-o.workerTTL))
		if err != nil {
			return nil, fmt.Errorf("failed to list workers: %w", err)
		}
		s.Workers = len(ws)
	}
	if o.platforms != nil {
		s.PlatformHealth = o.platforms.Health(ctx)
	}
	return s, nil
}

func validateIdentity(profileID, userID string, data domain.ProfileData) error {
	if strings.TrimSpace(profileID) == "" {
		return domain.NewValidationError("profile_id", "is required")
	}
	if strings.TrimSpace(userID) == "" {
		return domain.NewValidationError("user_id", "is required")
	}
	username := strings.TrimSpace(data.Username)
	if username == "" {
		return domain.NewValidationError("username", "is required")
	}
	if len(username) > maxNameLength {
		return domain.NewValidationError("username", "must be at most %d characters", maxNameLength)
	}
	if !strings.ContainsFunc(username, isNameRune) {
		return domain.NewValidationError("username", "must contain a letter or digit")
	}
	for _, a := range data.Aliases {
		if len(a) > maxNameLength {
			return domain.NewValidationError("aliases", "must be at most %d characters each", maxNameLength)
		}
	}
	return nil
}

func isNameRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

func (o *Orchestrator) validatePlatforms(platforms []string) ([]string, error) {
	if len(platforms) == 0 {
		return nil, nil
	}
	known := make(map[string]bool)
	if o.platforms != nil {
		for _, n := range o.platforms.Names() {
			known[n] = true
		}
	}
	out := make([]string, 0, len(platforms))
	seen := make(map[string]bool, len(platforms))
	for _, p := range platforms {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" || seen[p] {
			continue
		}
		if len(known) > 0 && !known[p] {
			return nil, domain.NewValidationError("platforms", "unknown platform %q", p)
		}
		seen[p] = true
		out = append(out, p)
	}
	return out, nil
}

func cleanProfile(p domain.ProfileData) domain.ProfileData {
	out := domain.ProfileData{Username: strings.TrimSpace(p.Username)}
	for _, a := range p.Aliases {
		if a = strings.TrimSpace(a); a != "" {
			out.Aliases = append(out.Aliases, a)
		}
	}
	for _, k := range p.Keywords {
		if k = strings.TrimSpace(k); k != "" {
			out.Keywords = append(out.Keywords, k)
		}
	}
	return out
}
