package postgres

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/leakwatch/internal/domain"
	"github.com/cuongbtq/leakwatch/internal/fingerprint"
	"github.com/cuongbtq/leakwatch/migrations"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openTestDB connects to LEAKWATCH_TEST_DSN and applies the schema
func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	dsn := os.Getenv("LEAKWATCH_TEST_DSN")
	if dsn == "" {
		t.Skip("LEAKWATCH_TEST_DSN not set")
	}

	db, err := sqlx.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(migrations.Schema)
	require.NoError(t, err)
	return db
}

func newTestJob() *domain.ScanJob {
	return &domain.ScanJob{
		ID:         uuid.NewString(),
		ProfileID:  "profile-" + uuid.NewString()[:8],
		UserID:     "user-" + uuid.NewString()[:8],
		Kind:       domain.ScanKindManual,
		Priority:   domain.PriorityHigh,
		Platforms:  []string{"reddit", "twitter"},
		Profile:    domain.ProfileData{Username: "creator", Aliases: []string{"alias"}},
		Status:     domain.JobStatusPending,
		MaxRetries: 3,
		CreatedAt:  time.Now().UTC(),
	}
}

func TestStorage_JobLifecycle(t *testing.T) {
	db := openTestDB(t)
	s := NewStorage(db, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	job := newTestJob()
	require.NoError(t, s.CreateJob(ctx, job))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.Platforms, got.Platforms)
	assert.Equal(t, "creator", got.Profile.Username)
	assert.Nil(t, got.Summary)

	claimed, err := s.ClaimJob(ctx, job.ID, "w1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, claimed.Status)
	assert.Equal(t, "w1", claimed.WorkerID)

	_, err = s.ClaimJob(ctx, job.ID, "w2")
	assert.ErrorIs(t, err, domain.ErrJobAlreadyClaimed)

	running, err := s.UpdateHeartbeat(ctx, job.ID, domain.Progress{URLsPlanned: 4, URLsProcessed: 2})
	require.NoError(t, err)
	assert.True(t, running)

	summary := &domain.ResultsSummary{URLsScanned: 4, MatchesFound: 2}
	require.NoError(t, s.FinishJob(ctx, job.ID, domain.JobStatusCompleted, summary, ""))

	done, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, done.Status)
	require.NotNil(t, done.Summary)
	assert.Equal(t, 2, done.Progress.MatchesFound)
	assert.NotNil(t, done.CompletedAt)

	assert.ErrorIs(t, s.FinishJob(ctx, job.ID, domain.JobStatusFailed, nil, "late"), domain.ErrJobTerminal)

	current, err := s.CancelJob(ctx, job.ID)
	assert.ErrorIs(t, err, domain.ErrJobTerminal)
	assert.Equal(t, domain.JobStatusCompleted, current.Status)

	_, err = s.GetJob(ctx, uuid.NewString())
	assert.ErrorIs(t, err, domain.ErrJobNotFound)

	n, err := s.CountJobs(ctx, domain.JobCountFilter{UserID: job.UserID, Kind: domain.ScanKindManual})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStorage_MatchesDeduplicateAndPage(t *testing.T) {
	db := openTestDB(t)
	s := NewStorage(db, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	job := newTestJob()
	require.NoError(t, s.CreateJob(ctx, job))

	for i, score := range []float64{0.4, 0.95, 0.7} {
		saved, err := s.SaveMatch(ctx, &domain.MatchCandidate{
			ID:                     uuid.NewString(),
			JobID:                  job.ID,
			ProfileID:              job.ProfileID,
			URL:                    "https://example.com/p",
			CrawledFingerprintID:   "crawled-" + string(rune('a'+i)),
			ReferenceFingerprintID: "ref",
			Kind:                   domain.FingerprintImageDHash,
			Score:                  score,
			Confidence:             fingerprint.Bucket(score),
		})
		require.NoError(t, err)
		assert.True(t, saved)
	}

	saved, err := s.SaveMatch(ctx, &domain.MatchCandidate{
		ID:                     uuid.NewString(),
		JobID:                  job.ID,
		ProfileID:              job.ProfileID,
		URL:                    "https://example.com/p",
		CrawledFingerprintID:   "crawled-a",
		ReferenceFingerprintID: "ref",
		Kind:                   domain.FingerprintImageDHash,
		Score:                  0.4,
	})
	require.NoError(t, err)
	assert.False(t, saved)

	page, total, err := s.ListMatches(ctx, domain.MatchQuery{JobID: job.ID, MinScore: 0.5, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, page, 1)
	assert.InDelta(t, 0.95, page[0].Score, 1e-9)

	all, _, err := s.ListMatches(ctx, domain.MatchQuery{JobID: job.ID})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestRateLimiter_Reserve(t *testing.T) {
	db := openTestDB(t)
	l := NewRateLimiter(db)
	ctx := context.Background()
	key := "example-" + uuid.NewString()[:8] + ".com"

	ok, _, err := l.Reserve(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, next, err := l.Reserve(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, next.After(time.Now().Add(30*time.Second)))
}

func TestVisitedStore_ClaimGlobal(t *testing.T) {
	db := openTestDB(t)
	v := NewVisitedStore(db, time.Hour)
	ctx := context.Background()
	url := "https://example.com/" + uuid.NewString()

	first, err := v.MarkVisited(ctx, "job-a", url)
	require.NoError(t, err)
	assert.True(t, first)
	again, err := v.MarkVisited(ctx, "job-a", url)
	require.NoError(t, err)
	assert.False(t, again)

	ok, err := v.ClaimGlobal(ctx, url, "job-a", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = v.ClaimGlobal(ctx, url, "job-a", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok, "owner may re-claim its own url")

	ok, err = v.ClaimGlobal(ctx, url, "job-b", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStorage_CreateJobWithinQuota_Concurrent(t *testing.T) {
	db := openTestDB(t)
	s := NewStorage(db, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	userID := "user-" + uuid.NewString()[:8]
	quota := domain.JobQuota{Kind: domain.ScanKindManual, Since: time.Now().Add(-24 * time.Hour), Limit: 2}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job := newTestJob()
			job.UserID = userID
			err := s.CreateJobWithinQuota(ctx, job, quota)
			if err != nil {
				assert.ErrorIs(t, err, domain.ErrScanLimitExceeded)
				return
			}
			mu.Lock()
			created++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, created)
	n, err := s.CountJobs(ctx, domain.JobCountFilter{UserID: userID, Kind: domain.ScanKindManual})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
