package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/leakwatch/internal/config"
	"github.com/cuongbtq/leakwatch/internal/domain"
	"github.com/cuongbtq/leakwatch/internal/queue"
	"github.com/cuongbtq/leakwatch/internal/schedule"
	"github.com/cuongbtq/leakwatch/internal/storage/memory"
	"github.com/cuongbtq/leakwatch/shared/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePlatforms struct{}

func (fakePlatforms) Names() []string { return []string{"onlyfans", "fansly"} }

func (fakePlatforms) Health(context.Context) map[string]bool {
	return map[string]bool{"onlyfans": true, "fansly": false}
}

type failingBroker struct {
	*queue.MemoryBroker
}

func (failingBroker) Publish(context.Context, queue.Lane, queue.Task) error {
	return errors.New("broker unavailable")
}

type fixture struct {
	orch   *Orchestrator
	store  *memory.Store
	broker *queue.MemoryBroker
	now    time.Time
}

func newFixture(t *testing.T, broker queue.Broker) *fixture {
	t.Helper()
	var cfg config.Config
	cfg.ApplyDefaults()
	policy, err := schedule.NewPolicy(cfg.Schedule)
	require.NoError(t, err)

	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	store := memory.NewStore(func() time.Time { return now })
	mem := queue.NewMemoryBroker()
	if broker == nil {
		broker = mem
	}
	o := New(Config{
		Jobs:       store,
		Results:    store,
		Schedules:  store,
		Tiers:      store,
		Workers:    store,
		Broker:     broker,
		Policy:     policy,
		Platforms:  fakePlatforms{},
		MaxRetries: 3,
		Logger:     logger.Discard(),
	})
	o.now = func() time.Time { return now }
	return &fixture{orch: o, store: store, broker: mem, now: now}
}

var jane = domain.ProfileData{Username: " jane ", Aliases: []string{"", "janey"}}

func TestScheduleImmediateScan(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.store.SetTier("u1", domain.TierPro)

	id, err := f.orch.ScheduleImmediateScan(ctx, "p1", "u1", jane)
	require.NoError(t, err)

	job, err := f.orch.GetScanStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, job.Status)
	assert.Equal(t, domain.PriorityUrgent, job.Priority)
	assert.Equal(t, domain.ScanKindImmediate, job.Kind)
	assert.Equal(t, 3, job.MaxRetries)
	assert.Equal(t, domain.ProfileData{Username: "jane", Aliases: []string{"janey"}}, job.Profile)

	d, ok, err := f.broker.Get(ctx, queue.LaneUrgent)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id, d.Task.JobID)
	assert.Equal(t, queue.TaskScan, d.Task.Type)

	s, err := f.store.GetSchedule(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.FrequencyDaily, s.Frequency)
	require.NotNil(t, s.NextScanAt)
	assert.Equal(t, time.Date(2026, 3, 10, 18, 0, 0, 0, time.UTC), *s.NextScanAt)
}

func TestSchedule_Validation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	tests := []struct {
		name      string
		profileID string
		userID    string
		data      domain.ProfileData
		field     string
	}{
		{"missing profile", "", "u1", jane, "profile_id"},
		{"missing user", "p1", " ", jane, "user_id"},
		{"missing username", "p1", "u1", domain.ProfileData{}, "username"},
		{"username of quotes only", "p1", "u1", domain.ProfileData{Username: `"""`}, "username"},
		{"username of punctuation", "p1", "u1", domain.ProfileData{Username: "._-"}, "username"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.orch.ScheduleDailyScan(ctx, tt.profileID, tt.userID, tt.data)
			require.ErrorIs(t, err, domain.ErrInvalidInput)
			var ve *domain.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}

	_, err := f.orch.ScheduleManualScan(ctx, "p1", "u1", jane, []string{"myspace"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = f.orch.GetScanStatus(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestScheduleManualScan_TierLimit(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	id, err := f.orch.ScheduleManualScan(ctx, "p1", "u1", jane, []string{"OnlyFans", "onlyfans"})
	require.NoError(t, err)
	job, err := f.orch.GetScanStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"onlyfans"}, job.Platforms)
	assert.Equal(t, domain.PriorityHigh, job.Priority)

	// free tier allows one manual scan per day
	_, err = f.orch.ScheduleManualScan(ctx, "p1", "u1", jane, nil)
	assert.ErrorIs(t, err, domain.ErrScanLimitExceeded)

	f.store.SetTier("u1", domain.TierPremium)
	for i := 0; i < 3; i++ {
		_, err = f.orch.ScheduleManualScan(ctx, "p1", "u1", jane, nil)
		require.NoError(t, err)
	}
}

func TestScheduleManualScan_ConcurrentRequestsHonorLimit(t *testing.T) {
	f := newFixture(t, nil)
	f.store.SetTier("u1", domain.TierPro)
	ctx := context.Background()

	const requests = 12
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok, over int
	)
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.orch.ScheduleManualScan(ctx, "p1", "u1", jane, nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, domain.ErrScanLimitExceeded):
				over++
			}
		}()
	}
	wg.Wait()

	// pro allows five manual scans per day
	assert.Equal(t, 5, ok)
	assert.Equal(t, requests-5, over)
	n, err := f.store.CountJobs(ctx, domain.JobCountFilter{UserID: "u1", Kind: domain.ScanKindManual})
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestSchedule_PublishFailureFailsJob(t *testing.T) {
	f := newFixture(t, failingBroker{queue.NewMemoryBroker()})
	ctx := context.Background()

	_, err := f.orch.ScheduleDailyScan(ctx, "p1", "u1", jane)
	require.Error(t, err)

	failed, err := f.store.CountJobs(ctx, domain.JobCountFilter{Status: domain.JobStatusFailed})
	require.NoError(t, err)
	assert.Equal(t, 1, failed)
}

func TestGetScanResults(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	id, err := f.orch.ScheduleDailyScan(ctx, "p1", "u1", jane)
	require.NoError(t, err)
	for i, score := range []float64{0.95, 0.7, 0.4, 0.85} {
		_, err := f.store.SaveMatch(ctx, &domain.MatchCandidate{
			ID:                     string(rune('a' + i)),
			JobID:                  id,
			URL:                    "https://mirror.example/" + string(rune('a'+i)),
			CrawledFingerprintID:   string(rune('a' + i)),
			ReferenceFingerprintID: "ref",
			Score:                  score,
		})
		require.NoError(t, err)
	}

	res, err := f.orch.GetScanResults(ctx, id, 2, 0, 0.5)
	require.NoError(t, err)
	assert.False(t, res.Complete)
	assert.Equal(t, domain.JobStatusPending, res.Status)
	assert.Equal(t, 3, res.Total)
	require.Len(t, res.Matches, 2)
	assert.Equal(t, 0.95, res.Matches[0].Score)
	assert.Equal(t, 0.85, res.Matches[1].Score)

	res, err = f.orch.GetScanResults(ctx, id, 0, 2, 0.5)
	require.NoError(t, err)
	assert.Equal(t, 20, res.Limit)
	require.Len(t, res.Matches, 1)
	for _, m := range res.Matches {
		assert.GreaterOrEqual(t, m.Score, 0.5)
	}

	for _, bad := range []struct {
		limit, offset int
		min           float64
	}{{101, 0, 0}, {-1, 0, 0}, {10, -1, 0}, {10, 0, 1.5}} {
		_, err := f.orch.GetScanResults(ctx, id, bad.limit, bad.offset, bad.min)
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	}
}

func TestCancelScan(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	id, err := f.orch.ScheduleDailyScan(ctx, "p1", "u1", jane)
	require.NoError(t, err)

	job, err := f.orch.CancelScan(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCancelled, job.Status)

	depth, err := f.broker.Depth(ctx, queue.LaneScheduled)
	require.NoError(t, err)
	assert.Zero(t, depth)

	again, err := f.orch.CancelScan(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCancelled, again.Status)

	_, err = f.orch.CancelScan(ctx, "5f0c6f38-8a43-4d7e-9a55-8ad4a7c7f0a1")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestRequestRematch(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	id, err := f.orch.ScheduleDailyScan(ctx, "p1", "u1", jane)
	require.NoError(t, err)
	assert.ErrorIs(t, f.orch.RequestRematch(ctx, id), domain.ErrInvalidInput)

	require.NoError(t, f.store.FinishJob(ctx, id, domain.JobStatusCompleted, &domain.ResultsSummary{}, ""))
	require.NoError(t, f.orch.RequestRematch(ctx, id))

	d, ok, err := f.broker.Get(ctx, queue.LaneMatch)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, queue.TaskRematch, d.Task.Type)
}

func TestEnrollProfile_FreeTierOnDemand(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	s, err := f.orch.EnrollProfile(ctx, "p1", "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.FrequencyOnDemand, s.Frequency)
	assert.Nil(t, s.NextScanAt)

	f.store.SetTier("u1", domain.TierPremium)
	s, err = f.orch.SyncSchedule(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.FrequencyContinuous, s.Frequency)
	require.NotNil(t, s.NextScanAt)
	assert.False(t, s.NextScanAt.Before(f.now))
}

func TestStats(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.orch.ScheduleDailyScan(ctx, "p1", "u1", jane)
	require.NoError(t, err)
	_, err = f.orch.ScheduleManualScan(ctx, "p2", "u2", jane, nil)
	require.NoError(t, err)
	require.NoError(t, f.orch.ScheduleMaintenance(ctx))
	require.NoError(t, f.store.RegisterWorker(ctx, domain.WorkerInfo{WorkerID: "w1", Concurrency: 2, LastSeenAt: f.now}))

	stats, err := f.orch.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.PendingScans)
	assert.Zero(t, stats.ActiveScans)
	assert.Equal(t, 1, stats.Workers)
	assert.Equal(t, map[string]int{
		string(queue.LaneUrgent):      1,
		string(queue.LaneScheduled):   1,
		string(queue.LaneMatch):       0,
		string(queue.LaneMaintenance): 1,
	}, stats.QueueDepth)
	assert.Equal(t, map[string]bool{"onlyfans": true, "fansly": false}, stats.PlatformHealth)
}
