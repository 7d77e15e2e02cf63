// Package schedule maps subscription tiers to scan cadences and drives the
// recurring scans they imply.
package schedule

import (
	"fmt"
	"sort"
	"time"

	"github.com/cuongbtq/leakwatch/internal/config"
	"github.com/cuongbtq/leakwatch/internal/domain"
)

type slot struct {
	hour, minute int
}

// Policy is the pure cadence decision for a tier. It holds no state beyond
// configuration.
type Policy struct {
	loc          *time.Location
	slots        []slot
	interval     time.Duration
	frequencies  map[domain.Tier]domain.Frequency
	manualLimits map[domain.Tier]int
}

// NewPolicy parses the schedule configuration
func NewPolicy(cfg config.ScheduleConfig) (*Policy, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone: %w", err)
	}

	p := &Policy{
		loc:          loc,
		interval:     cfg.ContinuousInterval,
		frequencies:  make(map[domain.Tier]domain.Frequency, len(cfg.TierFrequencies)),
		manualLimits: make(map[domain.Tier]int, len(cfg.MaxManualScansPerDay)),
	}
	for _, s := range cfg.DailySlots {
		off, err := config.ParseSlot(s)
		if err != nil {
			return nil, err
		}
		p.slots = append(p.slots, slot{hour: int(off / time.Hour), minute: int(off % time.Hour / time.Minute)})
	}
	sort.Slice(p.slots, func(i, j int) bool {
		if p.slots[i].hour != p.slots[j].hour {
			return p.slots[i].hour < p.slots[j].hour
		}
		return p.slots[i].minute < p.slots[j].minute
	})
	for tier, freq := range cfg.TierFrequencies {
		p.frequencies[domain.Tier(tier)] = domain.Frequency(freq)
	}
	for tier, limit := range cfg.MaxManualScansPerDay {
		p.manualLimits[domain.Tier(tier)] = limit
	}
	if p.interval <= 0 {
		p.interval = 2 * time.Hour
	}
	return p, nil
}

// Frequency returns the cadence of tier; unknown tiers are on-demand
func (p *Policy) Frequency(tier domain.Tier) domain.Frequency {
	if f, ok := p.frequencies[tier]; ok {
		return f
	}
	return domain.FrequencyOnDemand
}

// ManualLimit returns the manual scans per 24h allowed for tier; 0 is
// unlimited and unknown tiers get the free allowance
func (p *Policy) ManualLimit(tier domain.Tier) int {
	if n, ok := p.manualLimits[tier]; ok {
		return n
	}
	return p.manualLimits[domain.TierFree]
}

// NextScanAt returns when the next automated scan is due, or nil when the
// frequency has no automated cadence. Daily cadences pick the first slot
// strictly after now; continuous cadences run one interval after the last
// scan, and never earlier than now.
func (p *Policy) NextScanAt(freq domain.Frequency, now time.Time, last *time.Time) *time.Time {
	switch freq {
	case domain.FrequencyDaily:
		if len(p.slots) == 0 {
			return nil
		}
		t := p.nextSlot(now)
		return &t
	case domain.FrequencyContinuous:
		t := now
		if last != nil {
			t = last.Add(p.interval)
		}
		if t.Before(now) {
			t = now
		}
		t = t.UTC()
		return &t
	}
	return nil
}

func (p *Policy) nextSlot(now time.Time) time.Time {
	local := now.In(p.loc)
	for day := 0; day < 2; day++ {
		y, m, d := local.AddDate(0, 0, day).Date()
		for _, s := range p.slots {
			t := time.Date(y, m, d, s.hour, s.minute, 0, 0, p.loc)
			if t.After(now) {
				return t.UTC()
			}
		}
	}
	// unreachable with at least one slot
	return now.Add(24 * time.Hour).UTC()
}

// Compute derives the schedule of a profile on tier. A previous schedule
// with the same tier and a pending due time is kept; otherwise the due time
// is recomputed from now.
func (p *Policy) Compute(prev *domain.ScanSchedule, profileID, userID string, tier domain.Tier, now time.Time) domain.ScanSchedule {
	freq := p.Frequency(tier)
	s := domain.ScanSchedule{
		ProfileID: profileID,
		UserID:    userID,
		Tier:      tier,
		Frequency: freq,
		UpdatedAt: now.UTC(),
	}
	if prev != nil {
		s.LastScanAt = prev.LastScanAt
		if prev.Tier == tier && prev.Frequency == freq && prev.NextScanAt != nil {
			s.NextScanAt = prev.NextScanAt
			return s
		}
	}
	s.NextScanAt = p.NextScanAt(freq, now, s.LastScanAt)
	return s
}

// Advance records a scan that ran at now and moves the due time forward
func (p *Policy) Advance(s domain.ScanSchedule, now time.Time) domain.ScanSchedule {
	ran := now.UTC()
	s.LastScanAt = &ran
	s.NextScanAt = p.NextScanAt(s.Frequency, now, s.LastScanAt)
	s.UpdatedAt = ran
	return s
}
