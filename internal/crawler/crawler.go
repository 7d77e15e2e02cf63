// Package crawler fetches candidate URLs under per-domain rate limits,
// deduplicates them and extracts page content and media.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cuongbtq/leakwatch/internal/config"
	"github.com/cuongbtq/leakwatch/internal/domain"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Options bound a crawl
type Options struct {
	MaxURLs          int
	Concurrency      int
	PerHostParallel  int
	FetchTimeout     time.Duration
	DomainCooldown   time.Duration
	MaxCooldownWait  time.Duration
	GlobalDedupTTL   time.Duration
	MaxBodyBytes     int64
	MaxMediaBytes    int64
	MaxTextLength    int
	MaxMediaPerPage  int
	MaxMediaPerJob   int
	UserAgent        string
	RespectRobots    bool
	FollowVideoLinks bool
}

// OptionsFromConfig copies crawler settings
func OptionsFromConfig(cfg config.CrawlerConfig) Options {
	return Options{
		MaxURLs:          cfg.MaxURLs,
		Concurrency:      cfg.Concurrency,
		PerHostParallel:  cfg.PerHostParallel,
		FetchTimeout:     cfg.FetchTimeout,
		DomainCooldown:   cfg.DomainCooldown,
		MaxCooldownWait:  cfg.MaxCooldownWait,
		GlobalDedupTTL:   cfg.GlobalDedupTTL,
		MaxBodyBytes:     cfg.MaxBodyBytes,
		MaxMediaBytes:    cfg.MaxMediaBytes,
		MaxTextLength:    cfg.MaxTextLength,
		MaxMediaPerPage:  cfg.MaxMediaPerPage,
		MaxMediaPerJob:   cfg.MaxMediaPerJob,
		UserAgent:        cfg.UserAgent,
		RespectRobots:    cfg.RespectRobots,
		FollowVideoLinks: cfg.FollowVideoLinks,
	}
}

// Config wires a Crawler
type Config struct {
	Client  *http.Client
	Limiter RateLimiter
	Visited VisitedStore
	Options Options
	Logger  *slog.Logger
}

// Crawler is safe for concurrent use by several jobs
type Crawler struct {
	client  *http.Client
	limiter RateLimiter
	visited VisitedStore
	robots  *RobotsCache
	opts    Options
	logger  *slog.Logger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error

	hostMu  sync.Mutex
	hostSem map[string]*semaphore.Weighted
}

// New creates a crawler
func New(cfg Config) *Crawler {
	opts := cfg.Options
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.PerHostParallel <= 0 {
		opts.PerHostParallel = 2
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 20 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 5 << 20
	}
	if opts.MaxMediaBytes <= 0 {
		opts.MaxMediaBytes = 25 << 20
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}

	c := &Crawler{
		client:  client,
		limiter: cfg.Limiter,
		visited: cfg.Visited,
		opts:    opts,
		logger:  cfg.Logger,
		now:     time.Now,
		sleep:   sleepContext,
		hostSem: make(map[string]*semaphore.Weighted),
	}
	if opts.RespectRobots {
		c.robots = NewRobotsCache(client, opts.UserAgent, cfg.Logger)
	}
	return c
}

// Request is one job's crawl
type Request struct {
	JobID string
	// Scope namespaces the visited set, one per job attempt
	Scope      string
	Candidates []domain.CandidateURL
	// Names are counted in page text as username mentions
	Names []string
	// Skip holds normalized URLs that already have a completed result
	Skip map[string]bool
	// Stopped is polled before each fetch starts
	Stopped func() bool
	// OnResult receives every result; body is set for direct media only.
	// It is called concurrently.
	OnResult func(result domain.CrawlResult, body []byte)
}

func (r *Request) stopped() bool {
	return r.Stopped != nil && r.Stopped()
}

// Stats counts crawl outcomes
type Stats struct {
	Fetched     int
	Failed      int
	RateLimited int
	Skipped     int
	Duplicates  int
}

type target struct {
	url      string
	source   domain.DiscoverySource
	platform string
	parent   string
}

// Crawl fetches the candidates, then the direct media they reference. A URL
// is fetched at most once per request; failures never abort the crawl.
func (c *Crawler) Crawl(ctx context.Context, req Request) Stats {
	var (
		mu       sync.Mutex
		stats    Stats
		hashes   = make(map[string]string)
		children []target
		budget   = c.opts.MaxMediaPerJob
	)

	seen := make(map[string]bool)
	var first []target
	for _, cand := range req.Candidates {
		if c.opts.MaxURLs > 0 && len(first) >= c.opts.MaxURLs {
			break
		}
		if t, ok := newTarget(cand.URL, cand.Source, cand.Platform, "", seen); ok {
			first = append(first, t)
		}
	}

	handle := func(res domain.CrawlResult, body []byte, collect bool) {
		mu.Lock()
		switch res.Status {
		case domain.CrawlStatusCompleted:
			stats.Fetched++
		case domain.CrawlStatusRateLimited:
			stats.RateLimited++
		default:
			stats.Failed++
		}

		if res.ContentHash != "" {
			if orig, dup := hashes[res.ContentHash]; dup {
				res.DuplicateOf = orig
				stats.Duplicates++
			} else {
				hashes[res.ContentHash] = res.URL
			}
		}

		if collect && res.Status == domain.CrawlStatusCompleted && res.Media == domain.MediaPage {
			refs := res.ImageURLs
			if c.opts.FollowVideoLinks {
				refs = append(append([]string(nil), refs...), res.VideoURLs...)
			}
			for _, ref := range refs {
				if budget <= 0 {
					break
				}
				if contains(res.VideoURLs, ref) && !IsDirectVideo(ref) {
					continue
				}
				if t, ok := newTarget(ref, domain.SourcePage, res.Platform, res.URL, seen); ok {
					children = append(children, t)
					budget--
				}
			}
		}
		mu.Unlock()

		if req.OnResult != nil {
			req.OnResult(res, body)
		}
	}

	// one worker set per host: cooldowns and host permits are waited out
	// there, and only the fetch itself takes a crawl-wide slot
	slots := semaphore.NewWeighted(int64(c.opts.Concurrency))
	run := func(targets []target, collect bool) {
		var g errgroup.Group
		for _, queue := range byHost(targets) {
			work := make(chan target, len(queue))
			for _, t := range queue {
				work <- t
			}
			close(work)

			for range min(c.opts.PerHostParallel, len(queue)) {
				g.Go(func() error {
					for t := range work {
						if ctx.Err() != nil || req.stopped() {
							return nil
						}
						res, body, ok := c.visit(ctx, &req, t, slots)
						if !ok {
							mu.Lock()
							stats.Skipped++
							mu.Unlock()
							continue
						}
						handle(res, body, collect)
					}
					return nil
				})
			}
		}
		_ = g.Wait()
	}

	run(first, true)

	mu.Lock()
	second := children
	mu.Unlock()
	if len(second) > 0 {
		c.logger.Debug("Crawling referenced media",
			slog.String("job_id", req.JobID),
			slog.Int("media_urls", len(second)),
		)
		run(second, false)
	}

	c.logger.Info("Crawl finished",
		slog.String("job_id", req.JobID),
		slog.Int("fetched", stats.Fetched),
		slog.Int("failed", stats.Failed),
		slog.Int("rate_limited", stats.RateLimited),
		slog.Int("skipped", stats.Skipped),
		slog.Int("duplicates", stats.Duplicates),
	)
	return stats
}

// visit applies dedup, robots and rate limiting before fetching; slots is
// held for the fetch only. ok is false when the URL was skipped without
// producing a result.
func (c *Crawler) visit(ctx context.Context, req *Request, t target, slots *semaphore.Weighted) (domain.CrawlResult, []byte, bool) {
	if req.Skip[t.url] {
		return domain.CrawlResult{}, nil, false
	}

	if c.visited != nil {
		fresh, err := c.visited.MarkVisited(ctx, req.Scope, t.url)
		if err != nil {
			c.logger.Warn("Failed to mark url visited",
				slog.String("url", t.url),
				slog.String("error", err.Error()),
			)
		} else if !fresh {
			return domain.CrawlResult{}, nil, false
		}

		if c.opts.GlobalDedupTTL > 0 {
			claimed, err := c.visited.ClaimGlobal(ctx, t.url, req.JobID, c.opts.GlobalDedupTTL)
			if err == nil && !claimed {
				c.logger.Debug("URL fetched recently by another job, skipping",
					slog.String("url", t.url),
				)
				return domain.CrawlResult{}, nil, false
			}
		}
	}

	base := domain.CrawlResult{
		URL:       t.url,
		Source:    t.source,
		Platform:  t.platform,
		ParentURL: t.parent,
		FetchedAt: c.now().UTC(),
	}

	if c.robots != nil && !c.robots.Allowed(ctx, t.url) {
		return failResult(withID(base), errors.New("disallowed by robots.txt"), false), nil, true
	}

	sem := c.hostSemaphore(hostOf(t.url))
	if err := sem.Acquire(ctx, 1); err != nil {
		return failResult(withID(base), fmt.Errorf("failed to start fetch: %w", err), true), nil, true
	}
	defer sem.Release(1)

	granted, err := c.waitForSlot(ctx, t.url)
	if err != nil {
		return failResult(withID(base), err, true), nil, true
	}
	if !granted {
		res := withID(base)
		res.Status = domain.CrawlStatusRateLimited
		res.Error = domain.ErrRateLimited.Error()
		return res, nil, true
	}

	if err := slots.Acquire(ctx, 1); err != nil {
		return failResult(withID(base), fmt.Errorf("failed to start fetch: %w", err), true), nil, true
	}
	res, body := c.fetch(ctx, t, req.Names)
	slots.Release(1)
	return res, body, true
}

// waitForSlot reserves a request slot for the URL's domain, sleeping through
// cooldowns up to MaxCooldownWait. It returns false when the wait would exceed it.
func (c *Crawler) waitForSlot(ctx context.Context, rawURL string) (bool, error) {
	if c.limiter == nil || c.opts.DomainCooldown <= 0 {
		return true, nil
	}

	key := DomainKey(rawURL)
	deadline := c.now().Add(c.opts.MaxCooldownWait)
	for {
		granted, next, err := c.limiter.Reserve(ctx, key, c.opts.DomainCooldown)
		if err != nil {
			return false, fmt.Errorf("failed to reserve rate limit slot: %w", err)
		}
		if granted {
			return true, nil
		}
		if next.After(deadline) {
			return false, nil
		}
		if err := c.sleep(ctx, next.Sub(c.now())); err != nil {
			return false, fmt.Errorf("failed to wait for cooldown: %w", err)
		}
	}
}

func (c *Crawler) hostSemaphore(host string) *semaphore.Weighted {
	c.hostMu.Lock()
	defer c.hostMu.Unlock()

	sem, ok := c.hostSem[host]
	if !ok {
		sem = semaphore.NewWeighted(int64(c.opts.PerHostParallel))
		c.hostSem[host] = sem
	}
	return sem
}

// byHost groups targets per host keeping the candidate order within each
func byHost(targets []target) [][]target {
	index := make(map[string]int)
	var out [][]target
	for _, t := range targets {
		h := hostOf(t.url)
		i, ok := index[h]
		if !ok {
			i = len(out)
			index[h] = i
			out = append(out, nil)
		}
		out[i] = append(out[i], t)
	}
	return out
}

func newTarget(raw string, source domain.DiscoverySource, platform, parent string, seen map[string]bool) (target, bool) {
	norm, err := NormalizeURL(raw)
	if err != nil || seen[norm] {
		return target{}, false
	}
	seen[norm] = true
	return target{url: norm, source: source, platform: platform, parent: parent}, true
}

func withID(res domain.CrawlResult) domain.CrawlResult {
	res.ID = uuid.NewString()
	return res
}

func hostOf(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil {
		return u.Host
	}
	return rawURL
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
