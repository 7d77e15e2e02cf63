// Package memory implements every storage port in process memory. It backs
// single-process deployments and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/leakwatch/internal/crawler"
	"github.com/cuongbtq/leakwatch/internal/domain"
)

// Store holds jobs, results, profiles, schedules and workers
type Store struct {
	mu  sync.RWMutex
	now func() time.Time

	jobs         map[string]*domain.ScanJob
	results      map[string]map[string]domain.CrawlResult
	fingerprints []domain.Fingerprint
	matches      map[string]domain.MatchCandidate
	profiles     map[string]domain.Profile
	references   map[string][]domain.Fingerprint
	tiers        map[string]domain.Tier
	schedules    map[string]domain.ScanSchedule
	workers      map[string]domain.WorkerInfo

	// Limiter and Visited are the process-local crawl state
	Limiter *crawler.LocalRateLimiter
	Visited *crawler.LocalVisited
}

// NewStore creates an empty store; now defaults to time.Now
func NewStore(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		now:        now,
		jobs:       make(map[string]*domain.ScanJob),
		results:    make(map[string]map[string]domain.CrawlResult),
		matches:    make(map[string]domain.MatchCandidate),
		profiles:   make(map[string]domain.Profile),
		references: make(map[string][]domain.Fingerprint),
		tiers:      make(map[string]domain.Tier),
		schedules:  make(map[string]domain.ScanSchedule),
		workers:    make(map[string]domain.WorkerInfo),
		Limiter:    crawler.NewLocalRateLimiter(now),
		Visited:    crawler.NewLocalVisited(now, 24*time.Hour),
	}
}

func (s *Store) timestamp() *time.Time {
	t := s.now().UTC()
	return &t
}

func cloneJob(j *domain.ScanJob) *domain.ScanJob {
	c := *j
	c.Platforms = append([]string(nil), j.Platforms...)
	if j.Summary != nil {
		sum := *j.Summary
		c.Summary = &sum
	}
	return &c
}

// CreateJob stores a new job
func (s *Store) CreateJob(_ context.Context, job *domain.ScanJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// CreateJobWithinQuota counts and inserts under one lock
func (s *Store) CreateJobWithinQuota(_ context.Context, job *domain.ScanJob, quota domain.JobQuota) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	used := s.countJobs(domain.JobCountFilter{UserID: job.UserID, Kind: quota.Kind, Since: quota.Since})
	if used >= quota.Limit {
		return domain.ErrScanLimitExceeded
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// GetJob returns a copy of a job
func (s *Store) GetJob(_ context.Context, jobID string) (*domain.ScanJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return cloneJob(j), nil
}

// ClaimJob moves a pending job to running
func (s *Store) ClaimJob(_ context.Context, jobID, workerID string) (*domain.ScanJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if j.Status != domain.JobStatusPending {
		return nil, domain.ErrJobAlreadyClaimed
	}
	now := s.timestamp()
	j.Status = domain.JobStatusRunning
	j.WorkerID = workerID
	j.StartedAt = now
	j.HeartbeatAt = now
	return cloneJob(j), nil
}

// UpdateHeartbeat refreshes a running job
func (s *Store) UpdateHeartbeat(_ context.Context, jobID string, progress domain.Progress) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return false, domain.ErrJobNotFound
	}
	if j.Status != domain.JobStatusRunning {
		return false, nil
	}
	j.HeartbeatAt = s.timestamp()
	j.Progress = progress
	return true, nil
}

// FinishJob moves a job to a terminal status
func (s *Store) FinishJob(_ context.Context, jobID string, status domain.JobStatus, summary *domain.ResultsSummary, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if j.Status.IsTerminal() {
		return domain.ErrJobTerminal
	}
	j.Status = status
	j.Error = errMsg
	if summary != nil {
		sum := *summary
		j.Summary = &sum
		j.Progress.MatchesFound = summary.MatchesFound
	}
	j.CompletedAt = s.timestamp()
	return nil
}

// ReleaseJob returns a running job to pending for another attempt
func (s *Store) ReleaseJob(_ context.Context, jobID, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if j.Status.IsTerminal() {
		return domain.ErrJobTerminal
	}
	j.Status = domain.JobStatusPending
	j.Attempt++
	j.Error = errMsg
	j.WorkerID = ""
	return nil
}

// CancelJob cancels a non-terminal job
func (s *Store) CancelJob(_ context.Context, jobID string) (*domain.ScanJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if j.Status.IsTerminal() {
		return cloneJob(j), domain.ErrJobTerminal
	}
	j.Status = domain.JobStatusCancelled
	j.CompletedAt = s.timestamp()
	return cloneJob(j), nil
}

// CountJobs counts jobs matching filter
func (s *Store) CountJobs(_ context.Context, f domain.JobCountFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.countJobs(f), nil
}

func (s *Store) countJobs(f domain.JobCountFilter) int {
	n := 0
	for _, j := range s.jobs {
		if f.UserID != "" && j.UserID != f.UserID {
			continue
		}
		if f.Kind != "" && j.Kind != f.Kind {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if !f.Since.IsZero() && j.CreatedAt.Before(f.Since) {
			continue
		}
		n++
	}
	return n
}

// FailStaleJobs fails running jobs whose heartbeat is older than before
func (s *Store) FailStaleJobs(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, j := range s.jobs {
		if j.Status != domain.JobStatusRunning || j.HeartbeatAt == nil || !j.HeartbeatAt.Before(before) {
			continue
		}
		j.Status = domain.JobStatusFailed
		j.Error = "worker heartbeat lost"
		j.CompletedAt = s.timestamp()
		n++
	}
	return n, nil
}

// SaveCrawlResult stores the latest result per (job, url)
func (s *Store) SaveCrawlResult(_ context.Context, r *domain.CrawlResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byURL, ok := s.results[r.JobID]
	if !ok {
		byURL = make(map[string]domain.CrawlResult)
		s.results[r.JobID] = byURL
	}
	byURL[r.URL] = *r
	return nil
}

// ListCrawlResults returns a job's results ordered by fetch time
func (s *Store) ListCrawlResults(_ context.Context, jobID string) ([]domain.CrawlResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.CrawlResult, 0, len(s.results[jobID]))
	for _, r := range s.results[jobID] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FetchedAt.Equal(out[j].FetchedAt) {
			return out[i].FetchedAt.Before(out[j].FetchedAt)
		}
		return out[i].URL < out[j].URL
	})
	return out, nil
}

// SaveFingerprints appends crawled fingerprints
func (s *Store) SaveFingerprints(_ context.Context, fps []domain.Fingerprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fingerprints = append(s.fingerprints, fps...)
	return nil
}

// ListFingerprints returns a job's crawled fingerprints
func (s *Store) ListFingerprints(_ context.Context, jobID string) ([]domain.Fingerprint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Fingerprint
	for _, f := range s.fingerprints {
		if f.JobID == jobID {
			out = append(out, f)
		}
	}
	return out, nil
}

// DeleteFingerprintsBefore drops crawled fingerprints created before cutoff
func (s *Store) DeleteFingerprintsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.fingerprints[:0]
	var n int64
	for _, f := range s.fingerprints {
		if f.CreatedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, f)
	}
	s.fingerprints = kept
	return n, nil
}

func matchKey(m *domain.MatchCandidate) string {
	return m.JobID + "|" + m.CrawledFingerprintID + "|" + m.ReferenceFingerprintID
}

// SaveMatch stores a match unless the same pair is already recorded for the job
func (s *Store) SaveMatch(_ context.Context, m *domain.MatchCandidate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := matchKey(m)
	if _, ok := s.matches[key]; ok {
		return false, nil
	}
	s.matches[key] = *m
	return true, nil
}

// ListMatches returns a page of matches at or above MinScore, best first
func (s *Store) ListMatches(_ context.Context, q domain.MatchQuery) ([]domain.MatchCandidate, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []domain.MatchCandidate
	for _, m := range s.matches {
		if m.JobID == q.JobID && m.Score >= q.MinScore {
			all = append(all, m)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Score != all[j].Score {
			return all[i].Score > all[j].Score
		}
		return all[i].ID < all[j].ID
	})

	total := len(all)
	if q.Offset >= total {
		return []domain.MatchCandidate{}, total, nil
	}
	end := total
	if q.Limit > 0 && q.Offset+q.Limit < end {
		end = q.Offset + q.Limit
	}
	return append([]domain.MatchCandidate(nil), all[q.Offset:end]...), total, nil
}

// AddProfile seeds a profile
func (s *Store) AddProfile(p domain.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = p
}

// AddReference seeds a reference fingerprint
func (s *Store) AddReference(f domain.Fingerprint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f.Origin = domain.OriginReference
	s.references[f.ProfileID] = append(s.references[f.ProfileID], f)
}

// SetTier records a user's subscription tier
func (s *Store) SetTier(userID string, tier domain.Tier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tiers[userID] = tier
}

// GetProfile returns a seeded profile
func (s *Store) GetProfile(_ context.Context, profileID string) (*domain.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[profileID]
	if !ok {
		return nil, domain.ErrProfileNotFound
	}
	return &p, nil
}

// ListReferenceFingerprints returns a profile's references
func (s *Store) ListReferenceFingerprints(_ context.Context, profileID string) ([]domain.Fingerprint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Fingerprint(nil), s.references[profileID]...), nil
}

// TierForUser returns the user's tier; unknown users are free
func (s *Store) TierForUser(_ context.Context, userID string) (domain.Tier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.tiers[userID]; ok {
		return t, nil
	}
	return domain.TierFree, nil
}

// GetSchedule returns a profile's schedule
func (s *Store) GetSchedule(_ context.Context, profileID string) (*domain.ScanSchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.schedules[profileID]
	if !ok {
		return nil, domain.ErrScheduleNotFound
	}
	return &sc, nil
}

// SaveSchedule upserts a schedule
func (s *Store) SaveSchedule(_ context.Context, sc *domain.ScanSchedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules[sc.ProfileID] = *sc
	return nil
}

// ListDueSchedules returns schedules due at or before now, earliest first
func (s *Store) ListDueSchedules(_ context.Context, now time.Time, limit int) ([]domain.ScanSchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.ScanSchedule
	for _, sc := range s.schedules {
		if sc.NextScanAt != nil && !sc.NextScanAt.After(now) {
			out = append(out, sc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextScanAt.Equal(*out[j].NextScanAt) {
			return out[i].NextScanAt.Before(*out[j].NextScanAt)
		}
		return out[i].ProfileID < out[j].ProfileID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListSchedules pages through schedules ordered by profile id
func (s *Store) ListSchedules(_ context.Context, afterProfileID string, limit int) ([]domain.ScanSchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.ScanSchedule
	for _, sc := range s.schedules {
		if sc.ProfileID > afterProfileID {
			out = append(out, sc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProfileID < out[j].ProfileID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RegisterWorker upserts a worker liveness record
func (s *Store) RegisterWorker(_ context.Context, info domain.WorkerInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[info.WorkerID] = info
	return nil
}

// ListWorkers returns workers seen since seenSince
func (s *Store) ListWorkers(_ context.Context, seenSince time.Time) ([]domain.WorkerInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.WorkerInfo
	for _, w := range s.workers {
		if !w.LastSeenAt.Before(seenSince) {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}
