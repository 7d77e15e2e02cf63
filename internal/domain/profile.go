package domain

import "time"

// ProfileData is the identity snapshot a scan searches for
type ProfileData struct {
	Username string   `json:"username"`
	Aliases  []string `json:"aliases,omitempty"`
	Keywords []string `json:"keywords,omitempty"`
}

// Names returns the username followed by its distinct aliases
func (p ProfileData) Names() []string {
	names := make([]string, 0, len(p.Aliases)+1)
	seen := make(map[string]struct{}, len(p.Aliases)+1)
	for _, n := range append([]string{p.Username}, p.Aliases...) {
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		names = append(names, n)
	}
	return names
}

// Profile is a protected creator record owned by the profile store
type Profile struct {
	ID     string
	UserID string
	Data   ProfileData
}

// Tier is a subscription level
type Tier string

const (
	TierFree    Tier = "free"
	TierPro     Tier = "pro"
	TierPremium Tier = "premium"
)

// Frequency is the automated scan cadence class
type Frequency string

const (
	FrequencyOnDemand   Frequency = "on_demand"
	FrequencyDaily      Frequency = "daily"
	FrequencyContinuous Frequency = "continuous"
)

// ScanSchedule is the cadence state of one profile
type ScanSchedule struct {
	ProfileID  string     `json:"profile_id" db:"profile_id"`
	UserID     string     `json:"user_id" db:"user_id"`
	Tier       Tier       `json:"tier" db:"tier"`
	Frequency  Frequency  `json:"frequency" db:"frequency"`
	NextScanAt *time.Time `json:"next_scan_at,omitempty" db:"next_scan_at"`
	LastScanAt *time.Time `json:"last_scan_at,omitempty" db:"last_scan_at"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`
}

// WorkerInfo is the liveness record a worker process publishes
type WorkerInfo struct {
	WorkerID    string    `json:"worker_id" db:"worker_id"`
	Concurrency int       `json:"concurrency" db:"concurrency"`
	LastSeenAt  time.Time `json:"last_seen_at" db:"last_seen_at"`
}
