package crawler

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/temoto/robotstxt"
)

// RobotsCache fetches robots.txt once per scheme+host
type RobotsCache struct {
	client    *http.Client
	userAgent string
	logger    *slog.Logger

	mu      sync.Mutex
	entries map[string]*robotsEntry
}

type robotsEntry struct {
	once  sync.Once
	group *robotstxt.Group
}

// NewRobotsCache creates an empty cache
func NewRobotsCache(client *http.Client, userAgent string, logger *slog.Logger) *RobotsCache {
	return &RobotsCache{
		client:    client,
		userAgent: userAgent,
		logger:    logger,
		entries:   make(map[string]*robotsEntry),
	}
}

// Allowed reports whether the user agent may fetch rawURL. Missing or
// unreadable robots files allow everything.
func (r *RobotsCache) Allowed(ctx context.Context, rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}

	group := r.group(ctx, u)
	if group == nil {
		return true
	}

	target := u.EscapedPath()
	if u.RawQuery != "" {
		target += "?" + u.RawQuery
	}
	return group.Test(target)
}

func (r *RobotsCache) group(ctx context.Context, u *url.URL) *robotstxt.Group {
	key := u.Scheme + "://" + u.Host

	r.mu.Lock()
	entry, ok := r.entries[key]
	if !ok {
		entry = &robotsEntry{}
		r.entries[key] = entry
	}
	r.mu.Unlock()

	// Hosts load independently; only callers for the same host wait
	entry.once.Do(func() {
		entry.group = r.load(ctx, key, u.Host)
	})
	return entry.group
}

func (r *RobotsCache) load(ctx context.Context, base, host string) *robotstxt.Group {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/robots.txt", nil)
	if err != nil {
		return nil
	}
	req.Header.Set("User-Agent", r.userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Debug("Failed to fetch robots.txt, allowing host",
			slog.String("host", host),
			slog.String("error", err.Error()),
		)
		return nil
	}
	defer resp.Body.Close()

	data, err := robotstxt.FromResponse(resp)
	if err != nil {
		r.logger.Debug("Failed to parse robots.txt, allowing host",
			slog.String("host", host),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return data.FindGroup(r.userAgent)
}
