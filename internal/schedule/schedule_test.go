package schedule

import (
	"context"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/cuongbtq/leakwatch/internal/config"
	"github.com/cuongbtq/leakwatch/internal/domain"
	"github.com/cuongbtq/leakwatch/internal/storage/memory"
	"github.com/cuongbtq/leakwatch/shared/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPolicy(t *testing.T) *Policy {
	t.Helper()
	var cfg config.Config
	cfg.ApplyDefaults()
	p, err := NewPolicy(cfg.Schedule)
	require.NoError(t, err)
	return p
}

func at(h, m int) time.Time {
	return time.Date(2026, 3, 10, h, m, 0, 0, time.UTC)
}

func TestPolicy_NextScanAt(t *testing.T) {
	p := testPolicy(t)
	last := at(9, 0)

	tests := []struct {
		name string
		freq domain.Frequency
		now  time.Time
		last *time.Time
		want *time.Time
	}{
		{name: "on demand never", freq: domain.FrequencyOnDemand, now: at(5, 0)},
		{name: "daily before first slot", freq: domain.FrequencyDaily, now: at(5, 0), want: ptr(at(6, 0))},
		{name: "daily on slot moves to next", freq: domain.FrequencyDaily, now: at(6, 0), want: ptr(at(18, 0))},
		{name: "daily after last slot rolls over", freq: domain.FrequencyDaily, now: at(19, 30), want: ptr(at(6, 0).AddDate(0, 0, 1))},
		{name: "continuous first run is now", freq: domain.FrequencyContinuous, now: at(10, 0), want: ptr(at(10, 0))},
		{name: "continuous after last", freq: domain.FrequencyContinuous, now: at(10, 0), last: &last, want: ptr(at(11, 0))},
		{name: "continuous overdue is now", freq: domain.FrequencyContinuous, now: at(15, 0), last: &last, want: ptr(at(15, 0))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.NextScanAt(tt.freq, tt.now, tt.last)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.True(t, tt.want.Equal(*got), "want %s got %s", tt.want, got)

			// same inputs, same answer
			again := p.NextScanAt(tt.freq, tt.now, tt.last)
			assert.True(t, got.Equal(*again))
		})
	}
}

func TestPolicy_Timezone(t *testing.T) {
	p, err := NewPolicy(config.ScheduleConfig{Timezone: "Asia/Ho_Chi_Minh", DailySlots: []string{"09:00"}, ContinuousInterval: time.Hour})
	require.NoError(t, err)

	// 01:00 UTC is 08:00 in UTC+7
	got := p.NextScanAt(domain.FrequencyDaily, at(1, 0), nil)
	require.NotNil(t, got)
	assert.True(t, at(2, 0).Equal(*got))
}

func TestPolicy_ComputeAndTierChange(t *testing.T) {
	p := testPolicy(t)

	free := p.Compute(nil, "p1", "u1", domain.TierFree, at(5, 0))
	assert.Equal(t, domain.FrequencyOnDemand, free.Frequency)
	assert.Nil(t, free.NextScanAt)

	pro := p.Compute(&free, "p1", "u1", domain.TierPro, at(5, 0))
	assert.Equal(t, domain.FrequencyDaily, pro.Frequency)
	require.NotNil(t, pro.NextScanAt)
	assert.True(t, at(6, 0).Equal(*pro.NextScanAt))

	// unchanged tier keeps the pending due time
	kept := p.Compute(&pro, "p1", "u1", domain.TierPro, at(5, 30))
	assert.Equal(t, pro.NextScanAt, kept.NextScanAt)

	premium := p.Compute(&pro, "p1", "u1", domain.TierPremium, at(5, 30))
	require.NotNil(t, premium.NextScanAt)
	assert.True(t, at(5, 30).Equal(*premium.NextScanAt))

	advanced := p.Advance(premium, at(5, 30))
	assert.True(t, at(7, 30).Equal(*advanced.NextScanAt))
	assert.True(t, at(5, 30).Equal(*advanced.LastScanAt))

	assert.Equal(t, 1, p.ManualLimit(domain.TierFree))
	assert.Equal(t, 0, p.ManualLimit(domain.TierPremium))
	assert.Equal(t, 1, p.ManualLimit("enterprise"))
	assert.Equal(t, domain.FrequencyOnDemand, p.Frequency("enterprise"))
}

type recordingScheduler struct {
	mu          sync.Mutex
	daily       []string
	continuous  []string
	maintenance int
}

func (r *recordingScheduler) ScheduleDailyScan(_ context.Context, profileID, _ string, _ domain.ProfileData) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.daily = append(r.daily, profileID)
	return "job-" + profileID, nil
}

func (r *recordingScheduler) ScheduleContinuousScan(_ context.Context, profileID, _ string, _ domain.ProfileData) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.continuous = append(r.continuous, profileID)
	return "job-" + profileID, nil
}

func (r *recordingScheduler) ScheduleMaintenance(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maintenance++
	return nil
}

func newDriverFixture(t *testing.T) (*Driver, *memory.Store, *recordingScheduler, *Policy) {
	t.Helper()
	store := memory.NewStore(nil)
	policy := testPolicy(t)
	rec := &recordingScheduler{}
	d := NewDriver(DriverConfig{
		Policy:    policy,
		Schedules: store,
		Profiles:  store,
		Tiers:     store,
		Scheduler: rec,
		BatchSize: 2,
		Logger:    logger.Discard(),
	})
	return d, store, rec, policy
}

func enroll(t *testing.T, store *memory.Store, policy *Policy, profileID, userID string, tier domain.Tier, now time.Time) {
	t.Helper()
	store.AddProfile(domain.Profile{ID: profileID, UserID: userID, Data: domain.ProfileData{Username: profileID}})
	store.SetTier(userID, tier)
	s := policy.Compute(nil, profileID, userID, tier, now)
	require.NoError(t, store.SaveSchedule(context.Background(), &s))
}

func TestDriver_FreeTierNeverScheduled(t *testing.T) {
	d, store, rec, policy := newDriverFixture(t)
	ctx := context.Background()
	start := at(0, 0)
	enroll(t, store, policy, "free-profile", "u-free", domain.TierFree, start)

	for h := 0; h < 72; h++ {
		now := start.Add(time.Duration(h) * time.Hour)
		assert.Zero(t, d.Tick(ctx, now))
		d.Resync(ctx, now)
	}
	assert.Empty(t, rec.daily)
	assert.Empty(t, rec.continuous)
}

func TestDriver_TriggersDueSchedules(t *testing.T) {
	d, store, rec, policy := newDriverFixture(t)
	ctx := context.Background()
	start := at(5, 0)

	enroll(t, store, policy, "pro", "u-pro", domain.TierPro, start)
	enroll(t, store, policy, "prem", "u-prem", domain.TierPremium, start)

	assert.Equal(t, 1, d.Tick(ctx, start))
	assert.Equal(t, []string{"prem"}, rec.continuous)

	assert.Equal(t, 1, d.Tick(ctx, at(6, 0)))
	assert.Equal(t, []string{"pro"}, rec.daily)

	// nothing due again until the interval elapses
	assert.Zero(t, d.Tick(ctx, at(6, 30)))
	assert.Equal(t, 1, d.Tick(ctx, at(7, 0)))
	assert.Equal(t, []string{"prem", "prem"}, rec.continuous)

	s, err := store.GetSchedule(ctx, "pro")
	require.NoError(t, err)
	assert.True(t, at(18, 0).Equal(*s.NextScanAt))
}

func TestDriver_TierChangeObserved(t *testing.T) {
	d, store, rec, policy := newDriverFixture(t)
	ctx := context.Background()
	start := at(5, 0)

	enroll(t, store, policy, "p", "u", domain.TierPremium, start)
	store.SetTier("u", domain.TierFree)

	assert.Zero(t, d.Tick(ctx, start))
	assert.Empty(t, rec.continuous)
	s, _ := store.GetSchedule(ctx, "p")
	assert.Equal(t, domain.TierFree, s.Tier)
	assert.Nil(t, s.NextScanAt)

	// upgrade is picked up by resync even though nothing is due
	store.SetTier("u", domain.TierPremium)
	assert.Equal(t, 1, d.Resync(ctx, at(8, 0)))
	assert.Equal(t, 1, d.Tick(ctx, at(8, 0)))
}

func TestDriver_ResyncPages(t *testing.T) {
	d, store, _, policy := newDriverFixture(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		enroll(t, store, policy, id, "u-"+id, domain.TierFree, at(1, 0))
		store.SetTier("u-"+id, domain.TierPro)
	}
	assert.Equal(t, 5, d.Resync(ctx, at(2, 0)))
	assert.Zero(t, d.Resync(ctx, at(2, 0)))
}

func TestDriver_RunStopsOnCancel(t *testing.T) {
	d, _, rec, _ := newDriverFixture(t)
	d.tickInterval = 5 * time.Millisecond
	d.cleanupInterval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return rec.maintenance > 0
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("driver did not stop")
	}
}

func ptr(t time.Time) *time.Time { return &t }
