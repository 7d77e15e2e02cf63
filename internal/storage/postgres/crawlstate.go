package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// RateLimiter keeps per-domain cooldowns in domain_rate_limits so every
// worker process observes the same schedule
type RateLimiter struct {
	db *sqlx.DB
}

// NewRateLimiter creates a shared rate limiter
func NewRateLimiter(db *sqlx.DB) *RateLimiter {
	return &RateLimiter{db: db}
}

// Reserve grants a slot when the domain's cooldown has elapsed. The grant and
// the next slot are written in one statement using the database clock.
func (l *RateLimiter) Reserve(ctx context.Context, key string, cooldown time.Duration) (bool, time.Time, error) {
	query := `
		INSERT INTO domain_rate_limits (domain, next_allowed_at)
		VALUES ($1, NOW() + $2::double precision * INTERVAL '1 second')
		ON CONFLICT (domain) DO UPDATE
		SET next_allowed_at = EXCLUDED.next_allowed_at
		WHERE domain_rate_limits.next_allowed_at <= NOW()
		RETURNING NOW()
	`

	var grantedAt time.Time
	err := l.db.QueryRowContext(ctx, query, key, cooldown.Seconds()).Scan(&grantedAt)
	if err == nil {
		return true, grantedAt, nil
	}
	if !isNoRows(err) {
		return false, time.Time{}, fmt.Errorf("failed to reserve rate limit slot: %w", err)
	}

	var next time.Time
	if err := l.db.QueryRowContext(ctx, `SELECT next_allowed_at FROM domain_rate_limits WHERE domain = $1`, key).Scan(&next); err != nil {
		return false, time.Time{}, fmt.Errorf("failed to read rate limit slot: %w", err)
	}
	return false, next, nil
}

// PurgeExpired drops domains whose cooldown ended before now
func (l *RateLimiter) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := l.db.ExecContext(ctx, `DELETE FROM domain_rate_limits WHERE next_allowed_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to purge rate limits: %w", err)
	}
	return result.RowsAffected()
}

// VisitedStore keeps per-job visited sets and cross-job fetch claims
type VisitedStore struct {
	db       *sqlx.DB
	scopeTTL time.Duration
}

// NewVisitedStore keeps visited rows for scopeTTL; zero keeps them until the job rows go
func NewVisitedStore(db *sqlx.DB, scopeTTL time.Duration) *VisitedStore {
	return &VisitedStore{db: db, scopeTTL: scopeTTL}
}

// MarkVisited adds url to scope and reports whether it was new
func (v *VisitedStore) MarkVisited(ctx context.Context, scope, url string) (bool, error) {
	query := `
		INSERT INTO visited_urls (scope, url, visited_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (scope, url) DO NOTHING
	`

	result, err := v.db.ExecContext(ctx, query, scope, url)
	if err != nil {
		return false, fmt.Errorf("failed to mark url visited: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// ClaimGlobal claims url for owner unless another owner holds an unexpired claim
func (v *VisitedStore) ClaimGlobal(ctx context.Context, url, owner string, window time.Duration) (bool, error) {
	if window <= 0 {
		return true, nil
	}

	query := `
		INSERT INTO url_fetch_claims (url, owner, expires_at)
		VALUES ($1, $2, NOW() + $3::double precision * INTERVAL '1 second')
		ON CONFLICT (url) DO UPDATE
		SET owner = EXCLUDED.owner,
		    expires_at = EXCLUDED.expires_at
		WHERE url_fetch_claims.expires_at <= NOW()
		   OR url_fetch_claims.owner = EXCLUDED.owner
	`

	result, err := v.db.ExecContext(ctx, query, url, owner, window.Seconds())
	if err != nil {
		return false, fmt.Errorf("failed to claim url: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// PurgeExpired drops expired claims and visited rows older than the scope TTL
func (v *VisitedStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := v.db.ExecContext(ctx, `DELETE FROM url_fetch_claims WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to purge url claims: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if v.scopeTTL <= 0 {
		return n, nil
	}
	result, err = v.db.ExecContext(ctx, `DELETE FROM visited_urls WHERE visited_at < $1`, now.Add(-v.scopeTTL))
	if err != nil {
		return n, fmt.Errorf("failed to purge visited urls: %w", err)
	}
	m, err := result.RowsAffected()
	if err != nil {
		return n, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n + m, nil
}
