package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/cuongbtq/leakwatch/internal/domain"
	"github.com/lib/pq"
)

// GetProfile reads a creator profile
func (s *Storage) GetProfile(ctx context.Context, profileID string) (*domain.Profile, error) {
	query := `SELECT profile_id, user_id, username, aliases, keywords FROM profiles WHERE profile_id = $1`

	var (
		p                 domain.Profile
		aliases, keywords pq.StringArray
	)
	err := s.db.QueryRowContext(ctx, query, profileID).Scan(&p.ID, &p.UserID, &p.Data.Username, &aliases, &keywords)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrProfileNotFound
		}
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	if len(aliases) > 0 {
		p.Data.Aliases = []string(aliases)
	}
	if len(keywords) > 0 {
		p.Data.Keywords = []string(keywords)
	}
	return &p, nil
}

// ListReferenceFingerprints returns the enrolled fingerprints of a profile
func (s *Storage) ListReferenceFingerprints(ctx context.Context, profileID string) ([]domain.Fingerprint, error) {
	query := `
		SELECT fingerprint_id, NULL, profile_id, kind, source_url, COALESCE(content_hash, ''), hash, frames,
		       created_at
		FROM reference_fingerprints
		WHERE profile_id = $1
		ORDER BY fingerprint_id
	`

	rows, err := s.db.QueryContext(ctx, query, profileID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reference fingerprints: %w", err)
	}
	defer rows.Close()

	var out []domain.Fingerprint
	for rows.Next() {
		f, err := scanFingerprint(rows, &sql.NullString{})
		if err != nil {
			return nil, err
		}
		f.Origin = domain.OriginReference
		out = append(out, f)
	}
	return out, rows.Err()
}

// TierForUser reads the subscription tier; users without a row are free
func (s *Storage) TierForUser(ctx context.Context, userID string) (domain.Tier, error) {
	var tier string
	err := s.db.QueryRowContext(ctx, `SELECT tier FROM subscriptions WHERE user_id = $1`, userID).Scan(&tier)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.TierFree, nil
		}
		return "", fmt.Errorf("failed to get tier: %w", err)
	}
	return domain.Tier(tier), nil
}
