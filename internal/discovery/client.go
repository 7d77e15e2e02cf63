// Package discovery turns a profile into candidate URLs by querying search
// providers, falling back to scraping a results page when a provider fails.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/cuongbtq/leakwatch/internal/config"
	"github.com/cuongbtq/leakwatch/internal/crawler"
	"github.com/cuongbtq/leakwatch/internal/domain"
	"golang.org/x/sync/errgroup"
)

// Client fans queries out to every provider
type Client struct {
	providers       []Provider
	fallback        Provider
	maxQueries      int
	resultsPerQuery int
	terms           []string
	logger          *slog.Logger
}

// Result is the outcome of one discovery run
type Result struct {
	Candidates    []domain.CandidateURL
	QueriesIssued int
	Failures      int
}

// New builds a client from configuration
func New(cfg config.DiscoveryConfig, httpClient *http.Client, userAgent string, logger *slog.Logger) (*Client, error) {
	providers := make([]Provider, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		p, err := NewProvider(pc, httpClient, cfg.ProviderInterval)
		if err != nil {
			return nil, fmt.Errorf("failed to configure provider %s: %w", pc.Name, err)
		}
		providers = append(providers, p)
	}

	var fallback Provider
	if cfg.Fallback.Enabled {
		fallback = NewScrapeProvider(cfg.Fallback.Endpoint, userAgent, httpClient, cfg.Fallback.Interval)
	}
	return NewClient(providers, fallback, cfg, logger), nil
}

// NewClient wires explicit providers; fallback may be nil
func NewClient(providers []Provider, fallback Provider, cfg config.DiscoveryConfig, logger *slog.Logger) *Client {
	maxQueries := cfg.MaxQueries
	if maxQueries <= 0 {
		maxQueries = 10
	}
	perQuery := cfg.ResultsPerQuery
	if perQuery <= 0 {
		perQuery = 10
	}
	return &Client{
		providers:       providers,
		fallback:        fallback,
		maxQueries:      maxQueries,
		resultsPerQuery: perQuery,
		terms:           cfg.PlatformTerms,
		logger:          logger,
	}
}

type hit struct {
	urls   []string
	source domain.DiscoverySource
}

// Discover runs every query against every provider. A query that fails on any
// provider, or when no provider is configured, is retried once on the
// fallback. Provider failures are logged and never returned.
func (c *Client) Discover(ctx context.Context, profile domain.ProfileData, platforms []string) Result {
	queries := BuildQueries(profile, platforms, c.terms, c.maxQueries)
	if len(queries) == 0 {
		return Result{}
	}

	// hits[q][p] is provider p's answer to query q
	hits := make([][]hit, len(queries))
	for i := range hits {
		hits[i] = make([]hit, len(c.providers))
	}
	failed := make([]bool, len(queries))
	var (
		mu       sync.Mutex
		failures int
	)

	g, gctx := errgroup.WithContext(ctx)
	for pi, p := range c.providers {
		g.Go(func() error {
			for qi, q := range queries {
				urls, err := p.Search(gctx, q.Text, c.resultsPerQuery)
				if err != nil {
					if gctx.Err() != nil {
						return nil
					}
					c.logProviderError(p.Name(), q.Text, err)
					mu.Lock()
					failed[qi] = true
					failures++
					mu.Unlock()
					continue
				}
				hits[qi][pi] = hit{urls: urls, source: p.Source()}
			}
			return nil
		})
	}
	_ = g.Wait()

	fallbacks := make([]hit, len(queries))
	if c.fallback != nil {
		for qi, q := range queries {
			if ctx.Err() != nil {
				break
			}
			if len(c.providers) > 0 && !failed[qi] {
				continue
			}
			urls, err := c.fallback.Search(ctx, q.Text, c.resultsPerQuery)
			if err != nil {
				c.logProviderError(c.fallback.Name(), q.Text, err)
				failures++
				continue
			}
			fallbacks[qi] = hit{urls: urls, source: c.fallback.Source()}
		}
	}

	res := Result{QueriesIssued: len(queries), Failures: failures}
	seen := make(map[string]bool)
	for qi, q := range queries {
		for _, h := range append(hits[qi], fallbacks[qi]) {
			for _, raw := range h.urls {
				u, err := crawler.NormalizeURL(raw)
				if err != nil || seen[u] {
					continue
				}
				seen[u] = true
				res.Candidates = append(res.Candidates, domain.CandidateURL{
					URL:      u,
					Source:   h.source,
					Platform: q.Platform,
					Query:    q.Text,
				})
			}
		}
	}

	c.logger.Debug("Discovery finished",
		slog.Int("queries", res.QueriesIssued),
		slog.Int("candidates", len(res.Candidates)),
		slog.Int("failures", res.Failures))
	return res
}

func (c *Client) logProviderError(name, query string, err error) {
	level := slog.LevelWarn
	if errors.Is(err, domain.ErrThrottled) {
		level = slog.LevelInfo
	}
	c.logger.Log(context.Background(), level, "Search provider failed",
		slog.String("provider", name),
		slog.String("query", query),
		slog.String("error", err.Error()))
}
