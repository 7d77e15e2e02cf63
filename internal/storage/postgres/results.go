package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuongbtq/leakwatch/internal/domain"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// SaveCrawlResult upserts the latest result for (job, url)
func (s *Storage) SaveCrawlResult(ctx context.Context, r *domain.CrawlResult) error {
	query := `
		INSERT INTO crawl_results (result_id, job_id, url, source, platform, parent_url, status, status_code,
			content_type, content_hash, duplicate_of, media, image_urls, video_urls, text_content, metadata,
			error, fetched_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (job_id, url) DO UPDATE
		SET source = EXCLUDED.source,
		    platform = EXCLUDED.platform,
		    parent_url = EXCLUDED.parent_url,
		    status = EXCLUDED.status,
		    status_code = EXCLUDED.status_code,
		    content_type = EXCLUDED.content_type,
		    content_hash = EXCLUDED.content_hash,
		    duplicate_of = EXCLUDED.duplicate_of,
		    media = EXCLUDED.media,
		    image_urls = EXCLUDED.image_urls,
		    video_urls = EXCLUDED.video_urls,
		    text_content = EXCLUDED.text_content,
		    metadata = EXCLUDED.metadata,
		    error = EXCLUDED.error,
		    fetched_at = EXCLUDED.fetched_at
	`

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	metadata, err := marshalJSON(r.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, query,
		r.ID,
		r.JobID,
		r.URL,
		r.Source,
		r.Platform,
		r.ParentURL,
		r.Status,
		r.StatusCode,
		r.ContentType,
		r.ContentHash,
		r.DuplicateOf,
		r.Media,
		textArray(r.ImageURLs),
		textArray(r.VideoURLs),
		r.Text,
		metadata,
		r.Error,
		r.FetchedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save crawl result: %w", err)
	}
	return nil
}

// ListCrawlResults returns every stored result of a job ordered by fetch time
func (s *Storage) ListCrawlResults(ctx context.Context, jobID string) ([]domain.CrawlResult, error) {
	query := `
		SELECT result_id, job_id, url, source, COALESCE(platform, ''), COALESCE(parent_url, ''), status,
		       COALESCE(status_code, 0), COALESCE(content_type, ''), COALESCE(content_hash, ''),
		       COALESCE(duplicate_of, ''), COALESCE(media, ''), image_urls, video_urls,
		       COALESCE(text_content, ''), metadata, COALESCE(error, ''), fetched_at
		FROM crawl_results
		WHERE job_id = $1
		ORDER BY fetched_at, url
	`

	rows, err := s.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list crawl results: %w", err)
	}
	defer rows.Close()

	var out []domain.CrawlResult
	for rows.Next() {
		var (
			r              domain.CrawlResult
			images, videos pq.StringArray
			metadata       []byte
		)
		if err := rows.Scan(
			&r.ID,
			&r.JobID,
			&r.URL,
			&r.Source,
			&r.Platform,
			&r.ParentURL,
			&r.Status,
			&r.StatusCode,
			&r.ContentType,
			&r.ContentHash,
			&r.DuplicateOf,
			&r.Media,
			&images,
			&videos,
			&r.Text,
			&metadata,
			&r.Error,
			&r.FetchedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan crawl result: %w", err)
		}
		if len(images) > 0 {
			r.ImageURLs = []string(images)
		}
		if len(videos) > 0 {
			r.VideoURLs = []string(videos)
		}
		if err := json.Unmarshal(metadata, &r.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveFingerprints stores crawled fingerprints in one transaction
func (s *Storage) SaveFingerprints(ctx context.Context, fps []domain.Fingerprint) error {
	if len(fps) == 0 {
		return nil
	}
	query := `
		INSERT INTO crawled_fingerprints (fingerprint_id, job_id, profile_id, kind, source_url, content_hash,
			hash, frames, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (fingerprint_id) DO NOTHING
	`

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, f := range fps {
		created := f.CreatedAt
		if created.IsZero() {
			created = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx,
			f.ID,
			f.JobID,
			f.ProfileID,
			f.Kind,
			f.SourceURL,
			f.ContentHash,
			int64(f.Hash),
			pq.Int64Array(toInt64s(f.Frames)),
			created,
		); err != nil {
			return fmt.Errorf("failed to save fingerprint: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit fingerprints: %w", err)
	}
	return nil
}

// ListFingerprints returns the crawled fingerprints of a job
func (s *Storage) ListFingerprints(ctx context.Context, jobID string) ([]domain.Fingerprint, error) {
	query := `
		SELECT fingerprint_id, job_id, profile_id, kind, source_url, COALESCE(content_hash, ''), hash, frames,
		       created_at
		FROM crawled_fingerprints
		WHERE job_id = $1
		ORDER BY created_at, fingerprint_id
	`

	rows, err := s.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list fingerprints: %w", err)
	}
	defer rows.Close()

	var out []domain.Fingerprint
	for rows.Next() {
		f, err := scanFingerprint(rows, &sql.NullString{})
		if err != nil {
			return nil, err
		}
		f.Origin = domain.OriginCrawled
		out = append(out, f)
	}
	return out, rows.Err()
}

// scanFingerprint reads id, job, profile, kind, source, content hash, hash,
// frames and created_at; job is scanned into jobID so references can pass a
// placeholder
func scanFingerprint(row rowScanner, jobID *sql.NullString) (domain.Fingerprint, error) {
	var (
		f      domain.Fingerprint
		hash   int64
		frames pq.Int64Array
		source sql.NullString
	)
	if err := row.Scan(
		&f.ID,
		jobID,
		&f.ProfileID,
		&f.Kind,
		&source,
		&f.ContentHash,
		&hash,
		&frames,
		&f.CreatedAt,
	); err != nil {
		return f, fmt.Errorf("failed to scan fingerprint: %w", err)
	}
	f.JobID = jobID.String
	f.SourceURL = source.String
	f.Hash = uint64(hash)
	f.Frames = toUint64s(frames)
	return f, nil
}

// DeleteFingerprintsBefore drops crawled fingerprints created before cutoff
func (s *Storage) DeleteFingerprintsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM crawled_fingerprints WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete fingerprints: %w", err)
	}
	return result.RowsAffected()
}

// SaveMatch stores a match; a repeated (job, crawled, reference) pair is ignored
func (s *Storage) SaveMatch(ctx context.Context, m *domain.MatchCandidate) (bool, error) {
	query := `
		INSERT INTO match_candidates (match_id, job_id, profile_id, url, platform, crawled_fingerprint_id,
			reference_fingerprint_id, kind, score, confidence, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (job_id, crawled_fingerprint_id, reference_fingerprint_id) DO NOTHING
	`

	created := m.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	result, err := s.db.ExecContext(ctx, query,
		m.ID,
		m.JobID,
		m.ProfileID,
		m.URL,
		m.Platform,
		m.CrawledFingerprintID,
		m.ReferenceFingerprintID,
		m.Kind,
		m.Score,
		m.Confidence,
		created,
	)
	if err != nil {
		return false, fmt.Errorf("failed to save match: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// ListMatches returns a page of matches at or above MinScore, best first.
// A zero Limit returns every match.
func (s *Storage) ListMatches(ctx context.Context, q domain.MatchQuery) ([]domain.MatchCandidate, int, error) {
	var total int
	countQuery := `SELECT COUNT(*) FROM match_candidates WHERE job_id = $1 AND score >= $2`
	if err := s.db.QueryRowContext(ctx, countQuery, q.JobID, q.MinScore).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count matches: %w", err)
	}

	query := `
		SELECT match_id, job_id, profile_id, url, COALESCE(platform, ''), crawled_fingerprint_id,
		       reference_fingerprint_id, kind, score, confidence, created_at
		FROM match_candidates
		WHERE job_id = $1 AND score >= $2
		ORDER BY score DESC, match_id
		LIMIT $3 OFFSET $4
	`
	rows, err := s.db.QueryContext(ctx, query, q.JobID, q.MinScore, nullLimit(q.Limit), q.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list matches: %w", err)
	}
	defer rows.Close()

	out := []domain.MatchCandidate{}
	for rows.Next() {
		var m domain.MatchCandidate
		if err := rows.Scan(
			&m.ID,
			&m.JobID,
			&m.ProfileID,
			&m.URL,
			&m.Platform,
			&m.CrawledFingerprintID,
			&m.ReferenceFingerprintID,
			&m.Kind,
			&m.Score,
			&m.Confidence,
			&m.CreatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("failed to scan match: %w", err)
		}
		out = append(out, m)
	}
	return out, total, rows.Err()
}
