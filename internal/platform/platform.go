// Package platform provides per-platform probe URL generators.
package platform

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuongbtq/leakwatch/internal/domain"
	"golang.org/x/sync/errgroup"
)

// Scanner turns a profile into platform-specific candidate URLs
type Scanner interface {
	Name() string
	Probe(ctx context.Context, profile domain.ProfileData) []domain.CandidateURL
	HealthCheck(ctx context.Context) bool
}

// TemplateScanner expands URL templates containing {name} for each profile name
type TemplateScanner struct {
	name      string
	templates []string
	healthURL string
	client    *http.Client
}

// NewTemplateScanner creates a scanner; healthURL may be empty
func NewTemplateScanner(name, healthURL string, client *http.Client, templates ...string) *TemplateScanner {
	return &TemplateScanner{name: name, templates: templates, healthURL: healthURL, client: client}
}

func (s *TemplateScanner) Name() string { return s.name }

func (s *TemplateScanner) Probe(_ context.Context, profile domain.ProfileData) []domain.CandidateURL {
	var out []domain.CandidateURL
	for _, name := range profile.Names() {
		for _, tpl := range s.templates {
			value := url.PathEscape(name)
			if strings.Contains(tpl, "?") {
				value = url.QueryEscape(name)
			}
			out = append(out, domain.CandidateURL{
				URL:      strings.ReplaceAll(tpl, "{name}", value),
				Source:   domain.SourcePlatform,
				Platform: s.name,
			})
		}
	}
	return out
}

// HealthCheck reports whether the platform answers without a server error
func (s *TemplateScanner) HealthCheck(ctx context.Context) bool {
	if s.healthURL == "" {
		return true
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.healthURL, nil)
	if err != nil {
		return false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

// Defaults is the static scanner table
func Defaults(client *http.Client) []Scanner {
	return []Scanner{
		NewTemplateScanner("reddit", "https://www.reddit.com", client,
			"https://www.reddit.com/user/{name}/",
			"https://www.reddit.com/search/?q={name}",
		),
		NewTemplateScanner("x", "https://x.com", client,
			"https://x.com/{name}",
			"https://x.com/search?q={name}&f=media",
		),
		NewTemplateScanner("telegram", "https://t.me", client,
			"https://t.me/s/{name}",
		),
		NewTemplateScanner("tumblr", "https://www.tumblr.com", client,
			"https://www.tumblr.com/search/{name}",
		),
	}
}

// Table is a health-cached set of scanners keyed by name
type Table struct {
	scanners  map[string]Scanner
	healthTTL time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu        sync.Mutex
	health    map[string]bool
	checkedAt time.Time
}

// NewTable registers scanners; later names override earlier ones
func NewTable(scanners []Scanner, healthTTL time.Duration, logger *slog.Logger) *Table {
	t := &Table{
		scanners:  make(map[string]Scanner, len(scanners)),
		healthTTL: healthTTL,
		logger:    logger,
		now:       time.Now,
	}
	for _, s := range scanners {
		t.scanners[s.Name()] = s
	}
	return t
}

// Names returns registered platform names in order
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.scanners))
	for n := range t.scanners {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Probe runs the selected scanners in parallel; empty platforms selects all
func (t *Table) Probe(ctx context.Context, platforms []string, profile domain.ProfileData) []domain.CandidateURL {
	selected := t.pick(platforms)
	results := make([][]domain.CandidateURL, len(selected))

	g, gctx := errgroup.WithContext(ctx)
	for i, s := range selected {
		g.Go(func() error {
			results[i] = s.Probe(gctx, profile)
			return nil
		})
	}
	_ = g.Wait()

	var out []domain.CandidateURL
	for _, r := range results {
		out = append(out, r...)
	}
	return out
}

func (t *Table) pick(platforms []string) []Scanner {
	if len(platforms) == 0 {
		out := make([]Scanner, 0, len(t.scanners))
		for _, n := range t.Names() {
			out = append(out, t.scanners[n])
		}
		return out
	}

	var out []Scanner
	for _, p := range platforms {
		if s, ok := t.scanners[strings.ToLower(p)]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Health returns per-platform health, refreshing at most once per TTL
func (t *Table) Health(ctx context.Context) map[string]bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.health != nil && t.now().Sub(t.checkedAt) < t.healthTTL {
		return copyHealth(t.health)
	}

	names := t.Names()
	status := make([]bool, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for i, n := range names {
		g.Go(func() error {
			status[i] = t.scanners[n].HealthCheck(gctx)
			return nil
		})
	}
	_ = g.Wait()

	health := make(map[string]bool, len(names))
	for i, n := range names {
		health[n] = status[i]
		if !status[i] {
			t.logger.Warn("Platform health check failed", slog.String("platform", n))
		}
	}

	t.health = health
	t.checkedAt = t.now()
	return copyHealth(health)
}

func copyHealth(in map[string]bool) map[string]bool {
	out := make(map[string]bool, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
