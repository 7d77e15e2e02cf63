package schedule

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cuongbtq/leakwatch/internal/domain"
)

// Scheduler is the orchestrator surface the driver triggers
type Scheduler interface {
	ScheduleDailyScan(ctx context.Context, profileID, userID string, data domain.ProfileData) (string, error)
	ScheduleContinuousScan(ctx context.Context, profileID, userID string, data domain.ProfileData) (string, error)
	ScheduleMaintenance(ctx context.Context) error
}

// DriverConfig holds driver dependencies
type DriverConfig struct {
	Policy          *Policy
	Schedules       domain.ScheduleRepository
	Profiles        domain.ProfileRepository
	Tiers           domain.TierLookup
	Scheduler       Scheduler
	TickInterval    time.Duration
	ResyncInterval  time.Duration
	CleanupInterval time.Duration
	BatchSize       int
	Logger          *slog.Logger
}

// Driver is the recurring control loop that turns due schedules into jobs
type Driver struct {
	policy          *Policy
	schedules       domain.ScheduleRepository
	profiles        domain.ProfileRepository
	tiers           domain.TierLookup
	scheduler       Scheduler
	tickInterval    time.Duration
	resyncInterval  time.Duration
	cleanupInterval time.Duration
	batchSize       int
	logger          *slog.Logger
	now             func() time.Time
}

// NewDriver creates a driver
func NewDriver(cfg DriverConfig) *Driver {
	d := &Driver{
		policy:          cfg.Policy,
		schedules:       cfg.Schedules,
		profiles:        cfg.Profiles,
		tiers:           cfg.Tiers,
		scheduler:       cfg.Scheduler,
		tickInterval:    cfg.TickInterval,
		resyncInterval:  cfg.ResyncInterval,
		cleanupInterval: cfg.CleanupInterval,
		batchSize:       cfg.BatchSize,
		logger:          cfg.Logger,
		now:             time.Now,
	}
	if d.tickInterval <= 0 {
		d.tickInterval = time.Minute
	}
	if d.batchSize <= 0 {
		d.batchSize = 100
	}
	return d
}

// Run ticks until ctx is done. Resync and cleanup run on their own tickers
// when their interval is positive.
func (d *Driver) Run(ctx context.Context) {
	d.logger.Info("Starting schedule driver",
		slog.Duration("tick_interval", d.tickInterval),
		slog.Duration("resync_interval", d.resyncInterval),
		slog.Duration("cleanup_interval", d.cleanupInterval),
	)

	tick := time.NewTicker(d.tickInterval)
	defer tick.Stop()
	resync := optionalTicker(d.resyncInterval)
	defer resync.Stop()
	cleanup := optionalTicker(d.cleanupInterval)
	defer cleanup.Stop()

	d.Resync(ctx, d.now())
	d.Tick(ctx, d.now())

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Schedule driver stopped")
			return
		case <-tick.C:
			d.Tick(ctx, d.now())
		case <-resync.C:
			d.Resync(ctx, d.now())
		case <-cleanup.C:
			if err := d.scheduler.ScheduleMaintenance(ctx); err != nil {
				d.logger.Warn("Failed to enqueue maintenance",
					slog.String("error", err.Error()))
			}
		}
	}
}

// Tick triggers every schedule due at now and returns the number of jobs created
func (d *Driver) Tick(ctx context.Context, now time.Time) int {
	due, err := d.schedules.ListDueSchedules(ctx, now, d.batchSize)
	if err != nil {
		d.logger.Error("Failed to list due schedules", slog.String("error", err.Error()))
		return 0
	}

	created := 0
	for i := range due {
		if ctx.Err() != nil {
			break
		}
		if d.trigger(ctx, due[i], now) {
			created++
		}
	}
	if created > 0 {
		d.logger.Info("Scheduled scans triggered",
			slog.Int("due", len(due)),
			slog.Int("created", created))
	}
	return created
}

func (d *Driver) trigger(ctx context.Context, s domain.ScanSchedule, now time.Time) bool {
	log := d.logger.With(slog.String("profile_id", s.ProfileID))

	tier, err := d.tiers.TierForUser(ctx, s.UserID)
	if err != nil {
		log.Warn("Failed to look up tier", slog.String("error", err.Error()))
		return false
	}
	if tier != s.Tier {
		s = d.policy.Compute(&s, s.ProfileID, s.UserID, tier, now)
		d.save(ctx, s)
		log.Info("Tier changed, schedule recomputed", slog.String("tier", string(tier)))
		if s.NextScanAt == nil || s.NextScanAt.After(now) {
			return false
		}
	}

	profile, err := d.profiles.GetProfile(ctx, s.ProfileID)
	if err != nil {
		if errors.Is(err, domain.ErrProfileNotFound) {
			log.Warn("Scheduled profile no longer exists")
			d.save(ctx, d.policy.Advance(s, now))
		} else {
			log.Warn("Failed to load profile", slog.String("error", err.Error()))
		}
		return false
	}

	var jobID string
	switch s.Frequency {
	case domain.FrequencyDaily:
		jobID, err = d.scheduler.ScheduleDailyScan(ctx, s.ProfileID, s.UserID, profile.Data)
	case domain.FrequencyContinuous:
		jobID, err = d.scheduler.ScheduleContinuousScan(ctx, s.ProfileID, s.UserID, profile.Data)
	default:
		// on-demand profiles are never scheduled automatically
		s.NextScanAt = nil
		d.save(ctx, s)
		return false
	}
	if err != nil {
		log.Error("Failed to schedule scan", slog.String("error", err.Error()))
		return false
	}

	d.save(ctx, d.policy.Advance(s, now))
	log.Debug("Scheduled scan created",
		slog.String("job_id", jobID),
		slog.String("frequency", string(s.Frequency)))
	return true
}

// Resync walks every schedule and recomputes those whose tier changed
func (d *Driver) Resync(ctx context.Context, now time.Time) int {
	changed := 0
	after := ""
	for ctx.Err() == nil {
		page, err := d.schedules.ListSchedules(ctx, after, d.batchSize)
		if err != nil {
			d.logger.Error("Failed to list schedules", slog.String("error", err.Error()))
			return changed
		}
		for i := range page {
			s := page[i]
			tier, err := d.tiers.TierForUser(ctx, s.UserID)
			if err != nil || tier == s.Tier {
				continue
			}
			d.save(ctx, d.policy.Compute(&s, s.ProfileID, s.UserID, tier, now))
			changed++
		}
		if len(page) < d.batchSize {
			break
		}
		after = page[len(page)-1].ProfileID
	}
	if changed > 0 {
		d.logger.Info("Schedules resynced", slog.Int("changed", changed))
	}
	return changed
}

func (d *Driver) save(ctx context.Context, s domain.ScanSchedule) {
	if err := d.schedules.SaveSchedule(ctx, &s); err != nil {
		d.logger.Error("Failed to save schedule",
			slog.String("profile_id", s.ProfileID),
			slog.String("error", err.Error()))
	}
}

type stoppable struct {
	C    <-chan time.Time
	stop func()
}

func (s stoppable) Stop() {
	if s.stop != nil {
		s.stop()
	}
}

func optionalTicker(d time.Duration) stoppable {
	if d <= 0 {
		return stoppable{}
	}
	t := time.NewTicker(d)
	return stoppable{C: t.C, stop: t.Stop}
}
