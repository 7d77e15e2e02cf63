// Package scanner runs the pipeline of one scan job: discover candidate URLs,
// crawl them, fingerprint what comes back and match it against the profile's
// references.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/leakwatch/internal/crawler"
	"github.com/cuongbtq/leakwatch/internal/discovery"
	"github.com/cuongbtq/leakwatch/internal/domain"
	"github.com/cuongbtq/leakwatch/internal/fingerprint"
	"github.com/google/uuid"
)

// Discoverer surfaces candidate URLs from search providers
type Discoverer interface {
	Discover(ctx context.Context, profile domain.ProfileData, platforms []string) discovery.Result
}

// Prober surfaces platform profile URLs
type Prober interface {
	Probe(ctx context.Context, platforms []string, profile domain.ProfileData) []domain.CandidateURL
}

// SiteRegistry supplies known-site probes and learns from fetch outcomes
type SiteRegistry interface {
	ProbeURLs(profile domain.ProfileData, limit int) []domain.CandidateURL
	RecordOutcome(host string, success bool)
}

// Crawler fetches candidates
type Crawler interface {
	Crawl(ctx context.Context, req crawler.Request) crawler.Stats
}

// Fingerprinter derives fingerprints from a crawl result
type Fingerprinter interface {
	Fingerprint(ctx context.Context, res domain.CrawlResult, body []byte) ([]domain.Fingerprint, error)
}

// Config wires an Executor. Discovery, Platforms and Registry are optional.
type Config struct {
	Discovery      Discoverer
	Platforms      Prober
	Registry       SiteRegistry
	Crawler        Crawler
	Engine         Fingerprinter
	Results        domain.ResultRepository
	Profiles       domain.ProfileRepository
	Notifier       domain.Notifier
	MaxURLs        int
	MaxProbeURLs   int
	MinStoredScore float64
	Logger         *slog.Logger
}

// Executor runs scan jobs
type Executor struct {
	discovery      Discoverer
	platforms      Prober
	registry       SiteRegistry
	crawler        Crawler
	engine         Fingerprinter
	results        domain.ResultRepository
	profiles       domain.ProfileRepository
	notifier       domain.Notifier
	maxURLs        int
	maxProbeURLs   int
	minStoredScore float64
	logger         *slog.Logger
	now            func() time.Time
}

// New creates an executor
func New(cfg Config) *Executor {
	return &Executor{
		discovery:      cfg.Discovery,
		platforms:      cfg.Platforms,
		registry:       cfg.Registry,
		crawler:        cfg.Crawler,
		engine:         cfg.Engine,
		results:        cfg.Results,
		profiles:       cfg.Profiles,
		notifier:       cfg.Notifier,
		maxURLs:        cfg.MaxURLs,
		maxProbeURLs:   cfg.MaxProbeURLs,
		minStoredScore: cfg.MinStoredScore,
		logger:         cfg.Logger,
		now:            time.Now,
	}
}

// Control is shared between a running job and its supervisor
type Control struct {
	stopped   atomic.Bool
	planned   atomic.Int64
	processed atomic.Int64
	matches   atomic.Int64
}

// Stop prevents new fetches from starting
func (c *Control) Stop() { c.stopped.Store(true) }

// Stopped reports whether Stop was called
func (c *Control) Stopped() bool { return c.stopped.Load() }

// Progress snapshots the live counters
func (c *Control) Progress() domain.Progress {
	planned, processed := c.planned.Load(), c.processed.Load()
	if processed > planned {
		planned = processed
	}
	return domain.Progress{
		URLsPlanned:   int(planned),
		URLsProcessed: int(processed),
		MatchesFound:  int(c.matches.Load()),
	}
}

type attemptStats struct {
	total, completed, transient atomic.Int64
}

// Execute runs one attempt of job. Results already stored for the job by
// earlier attempts are kept and their URLs are not fetched again. A deadline
// on ctx yields a partial summary rather than an error. When every fetch
// failed transiently the error is retryable.
func (e *Executor) Execute(ctx context.Context, job *domain.ScanJob, ctl *Control) (*domain.ResultsSummary, error) {
	if ctl == nil {
		ctl = &Control{}
	}
	log := e.logger.With(slog.String("job_id", job.ID), slog.Int("attempt", job.Attempt))
	started := e.now()

	refs, err := e.profiles.ListReferenceFingerprints(ctx, job.ProfileID)
	if err != nil {
		return nil, domain.NewRetryableError(fmt.Errorf("failed to load reference fingerprints: %w", err))
	}

	var discovered discovery.Result
	if e.discovery != nil {
		discovered = e.discovery.Discover(ctx, job.Profile, job.Platforms)
	}
	var probes, known []domain.CandidateURL
	if e.platforms != nil {
		probes = e.platforms.Probe(ctx, job.Platforms, job.Profile)
	}
	if e.registry != nil {
		known = e.registry.ProbeURLs(job.Profile, e.maxProbeURLs)
	}
	candidates := Merge(e.maxURLs, discovered.Candidates, probes, known)
	ctl.planned.Store(int64(len(candidates)))

	skip, err := e.completedURLs(ctx, job.ID)
	if err != nil {
		return nil, domain.NewRetryableError(err)
	}

	log.Info("Starting crawl",
		slog.Int("queries", discovered.QueriesIssued),
		slog.Int("candidates", len(candidates)),
		slog.Int("references", len(refs)),
		slog.Int("already_completed", len(skip)),
	)

	var attempt attemptStats
	e.crawler.Crawl(ctx, crawler.Request{
		JobID:      job.ID,
		Scope:      fmt.Sprintf("%s:%d", job.ID, job.Attempt),
		Candidates: candidates,
		Names:      job.Profile.Names(),
		Skip:       skip,
		Stopped:    ctl.Stopped,
		OnResult: func(res domain.CrawlResult, body []byte) {
			e.handleResult(ctx, job, refs, res, body, ctl, &attempt)
		},
	})

	summary, err := e.Summarize(context.WithoutCancel(ctx), job.ID)
	if err != nil {
		return nil, domain.NewRetryableError(err)
	}
	summary.QueriesIssued = discovered.QueriesIssued
	summary.Duration = e.now().Sub(started)
	if job.StartedAt != nil {
		summary.Duration = e.now().Sub(*job.StartedAt)
	}

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		summary.Partial = true
		log.Warn("Job deadline reached, returning partial results")
		return summary, nil
	case ctx.Err() != nil:
		return summary, domain.NewRetryableError(fmt.Errorf("scan interrupted: %w", ctx.Err()))
	case ctl.Stopped():
		summary.Partial = true
		return summary, nil
	}

	total, completed, transient := attempt.total.Load(), attempt.completed.Load(), attempt.transient.Load()
	if total > 0 && completed == 0 && transient == total {
		return summary, domain.NewRetryableError(fmt.Errorf("all %d fetches failed transiently", total))
	}
	return summary, nil
}

func (e *Executor) completedURLs(ctx context.Context, jobID string) (map[string]bool, error) {
	prior, err := e.results.ListCrawlResults(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load earlier results: %w", err)
	}
	skip := make(map[string]bool, len(prior))
	for _, r := range prior {
		if r.Status == domain.CrawlStatusCompleted {
			skip[r.URL] = true
		}
	}
	return skip, nil
}

func (e *Executor) handleResult(ctx context.Context, job *domain.ScanJob, refs []domain.Fingerprint, res domain.CrawlResult, body []byte, ctl *Control, attempt *attemptStats) {
	// results are kept even when the job is cancelled or times out mid-write
	store := context.WithoutCancel(ctx)
	res.JobID = job.ID
	if err := e.results.SaveCrawlResult(store, &res); err != nil {
		e.logger.Error("Failed to save crawl result",
			slog.String("job_id", job.ID),
			slog.String("url", res.URL),
			slog.String("error", err.Error()))
	}
	ctl.processed.Add(1)

	attempt.total.Add(1)
	switch {
	case res.Status == domain.CrawlStatusCompleted:
		attempt.completed.Add(1)
	case res.Status == domain.CrawlStatusFailed && res.Transient:
		attempt.transient.Add(1)
	}

	if e.registry != nil && res.Status != domain.CrawlStatusRateLimited {
		if u, err := url.Parse(res.URL); err == nil {
			e.registry.RecordOutcome(u.Hostname(), res.Status == domain.CrawlStatusCompleted)
		}
	}

	if res.Status != domain.CrawlStatusCompleted || res.DuplicateOf != "" || len(refs) == 0 {
		return
	}

	fps, err := e.engine.Fingerprint(ctx, res, body)
	if err != nil {
		level := slog.LevelWarn
		if errors.Is(err, fingerprint.ErrVideoUnsupported) {
			level = slog.LevelDebug
		}
		e.logger.Log(ctx, level, "Failed to fingerprint result",
			slog.String("job_id", job.ID),
			slog.String("url", res.URL),
			slog.String("error", err.Error()))
		return
	}
	if len(fps) == 0 {
		return
	}
	for i := range fps {
		fps[i].ProfileID = job.ProfileID
	}
	if err := e.results.SaveFingerprints(store, fps); err != nil {
		e.logger.Error("Failed to save fingerprints",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()))
	}

	n := e.saveMatches(store, job, fps, refs, map[string]domain.CrawlResult{res.URL: res})
	ctl.matches.Add(int64(n))
}

// saveMatches scores fps against refs and stores new pairs at or above the
// minimum stored score, returning how many were new
func (e *Executor) saveMatches(ctx context.Context, job *domain.ScanJob, fps, refs []domain.Fingerprint, byURL map[string]domain.CrawlResult) int {
	created := 0
	for _, s := range fingerprint.Match(fps, refs, e.minStoredScore) {
		res := byURL[s.Crawled.SourceURL]
		m := &domain.MatchCandidate{
			ID:                     uuid.NewString(),
			JobID:                  job.ID,
			ProfileID:              job.ProfileID,
			URL:                    s.Crawled.SourceURL,
			Platform:               platformOf(res),
			CrawledFingerprintID:   s.Crawled.ID,
			ReferenceFingerprintID: s.Reference.ID,
			Kind:                   s.Crawled.Kind,
			Score:                  s.Score,
			Confidence:             s.Confidence,
			CreatedAt:              e.now().UTC(),
		}
		inserted, err := e.results.SaveMatch(ctx, m)
		if err != nil {
			e.logger.Error("Failed to save match",
				slog.String("job_id", job.ID),
				slog.String("url", m.URL),
				slog.String("error", err.Error()))
			continue
		}
		if !inserted {
			continue
		}
		created++

		if m.Confidence == domain.ConfidenceHigh && e.notifier != nil {
			e.notifier.Notify(ctx, domain.Event{
				Type:      domain.EventMatchFound,
				JobID:     job.ID,
				ProfileID: job.ProfileID,
				UserID:    job.UserID,
				Data: map[string]any{
					"url":      m.URL,
					"score":    m.Score,
					"platform": m.Platform,
					"kind":     string(m.Kind),
				},
				OccurredAt: m.CreatedAt,
			})
		}
	}
	return created
}

// Rematch scores a job's stored crawled fingerprints against the profile's
// current references and returns the number of new matches
func (e *Executor) Rematch(ctx context.Context, job *domain.ScanJob) (int, error) {
	refs, err := e.profiles.ListReferenceFingerprints(ctx, job.ProfileID)
	if err != nil {
		return 0, domain.NewRetryableError(fmt.Errorf("failed to load reference fingerprints: %w", err))
	}
	fps, err := e.results.ListFingerprints(ctx, job.ID)
	if err != nil {
		return 0, domain.NewRetryableError(fmt.Errorf("failed to load crawled fingerprints: %w", err))
	}
	results, err := e.results.ListCrawlResults(ctx, job.ID)
	if err != nil {
		return 0, domain.NewRetryableError(fmt.Errorf("failed to load crawl results: %w", err))
	}
	byURL := make(map[string]domain.CrawlResult, len(results))
	for _, r := range results {
		byURL[r.URL] = r
	}

	n := e.saveMatches(ctx, job, fps, refs, byURL)
	e.logger.Info("Rematch finished",
		slog.String("job_id", job.ID),
		slog.Int("fingerprints", len(fps)),
		slog.Int("references", len(refs)),
		slog.Int("new_matches", n))
	return n, nil
}

// Summarize aggregates every stored result and match of a job
func (e *Executor) Summarize(ctx context.Context, jobID string) (*domain.ResultsSummary, error) {
	results, err := e.results.ListCrawlResults(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load crawl results: %w", err)
	}
	matches, _, err := e.results.ListMatches(ctx, domain.MatchQuery{JobID: jobID})
	if err != nil {
		return nil, fmt.Errorf("failed to load matches: %w", err)
	}
	return summarize(results, matches), nil
}

func summarize(results []domain.CrawlResult, matches []domain.MatchCandidate) *domain.ResultsSummary {
	s := &domain.ResultsSummary{Platforms: make(map[string]domain.PlatformSummary)}
	for _, r := range results {
		p := platformOf(r)
		ps := s.Platforms[p]
		switch r.Status {
		case domain.CrawlStatusCompleted:
			s.URLsScanned++
			ps.URLsScanned++
		case domain.CrawlStatusRateLimited:
			s.URLsRateLimited++
		default:
			s.URLsFailed++
			ps.URLsFailed++
		}
		s.Platforms[p] = ps
	}
	for _, m := range matches {
		s.MatchesFound++
		if m.Confidence == domain.ConfidenceHigh {
			s.HighConfidence++
		}
		p := m.Platform
		if p == "" {
			p = crawler.DomainKey(m.URL)
		}
		ps := s.Platforms[p]
		ps.Matches++
		s.Platforms[p] = ps
	}
	for p := range s.Platforms {
		s.PlatformsCovered = append(s.PlatformsCovered, p)
	}
	sort.Strings(s.PlatformsCovered)
	return s
}

func platformOf(r domain.CrawlResult) string {
	if r.Platform != "" {
		return r.Platform
	}
	return crawler.DomainKey(r.URL)
}

// Merge interleaves candidate lists round-robin, dropping URLs already taken,
// until limit is reached (limit <= 0 means no cap)
func Merge(limit int, lists ...[]domain.CandidateURL) []domain.CandidateURL {
	var (
		out  []domain.CandidateURL
		seen = make(map[string]bool)
		idx  = make([]int, len(lists))
	)
	for {
		progressed := false
		for li, list := range lists {
			for idx[li] < len(list) {
				c := list[idx[li]]
				idx[li]++
				norm, err := crawler.NormalizeURL(c.URL)
				if err != nil || seen[norm] {
					continue
				}
				seen[norm] = true
				c.URL = norm
				out = append(out, c)
				progressed = true
				break
			}
			if limit > 0 && len(out) >= limit {
				return out
			}
		}
		if !progressed {
			return out
		}
	}
}
