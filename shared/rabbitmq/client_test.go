package rabbitmq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffTiers(t *testing.T) {
	tests := []struct {
		name        string
		base, limit time.Duration
		want        []time.Duration
	}{
		{
			name:  "doubling up to the cap",
			base:  30 * time.Second,
			limit: 5 * time.Minute,
			want:  []time.Duration{30 * time.Second, time.Minute, 2 * time.Minute, 4 * time.Minute, 5 * time.Minute},
		},
		{
			name:  "cap on a doubling",
			base:  time.Second,
			limit: 4 * time.Second,
			want:  []time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
		},
		{
			name:  "cap below base",
			base:  time.Minute,
			limit: time.Second,
			want:  []time.Duration{time.Second},
		},
		{name: "no base", limit: time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BackoffTiers(tt.base, tt.limit))
		})
	}

	assert.Len(t, BackoffTiers(time.Second, 0), maxBackoffTiers)
}

func TestRetryTier(t *testing.T) {
	tiers := BackoffTiers(30*time.Second, 30*time.Minute)

	// every worker backoff lands on its own tier so one queue never mixes TTLs
	delay := 30 * time.Second
	for attempt := 0; attempt < 10; attempt++ {
		got := retryTier(tiers, delay)
		assert.Equal(t, delay, got)
		delay *= 2
		if delay > 30*time.Minute {
			delay = 30 * time.Minute
		}
	}

	assert.Equal(t, 30*time.Second, retryTier(tiers, time.Second))
	assert.Equal(t, 2*time.Minute, retryTier(tiers, 90*time.Second))
	assert.Equal(t, 30*time.Minute, retryTier(tiers, time.Hour))
}

func TestRetryQueue(t *testing.T) {
	assert.Equal(t, "scan.urgent.retry.30000", RetryQueue("scan.urgent", 30*time.Second))
	assert.NotEqual(t, RetryQueue("match", time.Minute), RetryQueue("match", 2*time.Minute))
}
