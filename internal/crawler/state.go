package crawler

import (
	"context"
	"sync"
	"time"
)

// RateLimiter holds per-domain "earliest next request" state
type RateLimiter interface {
	// Reserve atomically grants a request slot for key when its cooldown has
	// elapsed, pushing the next slot out by cooldown. When not granted it
	// returns the earliest time a slot may be available.
	Reserve(ctx context.Context, key string, cooldown time.Duration) (bool, time.Time, error)
}

// VisitedStore is the shared visited-URL set
type VisitedStore interface {
	// MarkVisited adds url to scope and reports whether it was new
	MarkVisited(ctx context.Context, scope, url string) (bool, error)
	// ClaimGlobal reports whether no job other than owner fetched url within
	// window, and claims it for owner when so
	ClaimGlobal(ctx context.Context, url, owner string, window time.Duration) (bool, error)
}

// LocalRateLimiter is an in-process RateLimiter for single-worker setups and tests
type LocalRateLimiter struct {
	mu   sync.Mutex
	next map[string]time.Time
	now  func() time.Time
}

// NewLocalRateLimiter uses now as its clock; nil means time.Now
func NewLocalRateLimiter(now func() time.Time) *LocalRateLimiter {
	if now == nil {
		now = time.Now
	}
	return &LocalRateLimiter{next: make(map[string]time.Time), now: now}
}

func (l *LocalRateLimiter) Reserve(_ context.Context, key string, cooldown time.Duration) (bool, time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if next, ok := l.next[key]; ok && now.Before(next) {
		return false, next, nil
	}
	l.next[key] = now.Add(cooldown)
	return true, now, nil
}

// PurgeExpired drops domains whose cooldown ended before now
func (l *LocalRateLimiter) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var n int64
	for k, v := range l.next {
		if v.Before(now) {
			delete(l.next, k)
			n++
		}
	}
	return n, nil
}

type claim struct {
	owner   string
	expires time.Time
}

// LocalVisited is an in-process VisitedStore
type LocalVisited struct {
	mu       sync.Mutex
	scopes   map[string]map[string]time.Time
	claims   map[string]claim
	now      func() time.Time
	scopeTTL time.Duration
}

// NewLocalVisited keeps per-job scopes for scopeTTL after their last insert
func NewLocalVisited(now func() time.Time, scopeTTL time.Duration) *LocalVisited {
	if now == nil {
		now = time.Now
	}
	return &LocalVisited{
		scopes:   make(map[string]map[string]time.Time),
		claims:   make(map[string]claim),
		now:      now,
		scopeTTL: scopeTTL,
	}
}

func (v *LocalVisited) MarkVisited(_ context.Context, scope, url string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	set := v.scopes[scope]
	if set == nil {
		set = make(map[string]time.Time)
		v.scopes[scope] = set
	}
	if _, ok := set[url]; ok {
		return false, nil
	}
	set[url] = v.now()
	return true, nil
}

func (v *LocalVisited) ClaimGlobal(_ context.Context, url, owner string, window time.Duration) (bool, error) {
	if window <= 0 {
		return true, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()
	if c, ok := v.claims[url]; ok && now.Before(c.expires) && c.owner != owner {
		return false, nil
	}
	v.claims[url] = claim{owner: owner, expires: now.Add(window)}
	return true, nil
}

// PurgeExpired drops expired global claims and scopes idle for the scope TTL
func (v *LocalVisited) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	var n int64
	for u, c := range v.claims {
		if !now.Before(c.expires) {
			delete(v.claims, u)
			n++
		}
	}

	if v.scopeTTL <= 0 {
		return n, nil
	}
	for scope, set := range v.scopes {
		var latest time.Time
		for _, at := range set {
			if at.After(latest) {
				latest = at
			}
		}
		if now.Sub(latest) >= v.scopeTTL {
			n += int64(len(set))
			delete(v.scopes, scope)
		}
	}
	return n, nil
}
