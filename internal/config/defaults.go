package config

import "time"

// Default lane names; the queue package uses the same identifiers
const (
	LaneUrgent      = "scan.urgent"
	LaneScheduled   = "scan.scheduled"
	LaneMatch       = "match"
	LaneMaintenance = "maintenance"
)

// DefaultLanes returns the lane set used when none is configured
func DefaultLanes() []LaneConfig {
	return []LaneConfig{
		{Name: LaneUrgent, Weight: 8, MaxPriority: 10, Durable: true},
		{Name: LaneScheduled, Weight: 4, MaxPriority: 10, Durable: true},
		{Name: LaneMatch, Weight: 2, MaxPriority: 10, Durable: true},
		{Name: LaneMaintenance, Weight: 1, MaxPriority: 10, Durable: true},
	}
}

// ApplyDefaults fills unset values
func (c *Config) ApplyDefaults() {
	setDuration(&c.Server.ReadTimeout, 15*time.Second)
	setDuration(&c.Server.WriteTimeout, 15*time.Second)
	setDuration(&c.Server.IdleTimeout, 60*time.Second)
	setDuration(&c.Server.ShutdownTimeout, 10*time.Second)

	setString(&c.Database.SSLMode, "disable")
	setInt(&c.Database.MaxOpenConns, 25)
	setInt(&c.Database.MaxIdleConns, 5)
	setDuration(&c.Database.ConnMaxLifetime, 5*time.Minute)
	setDuration(&c.Database.ConnMaxIdleTime, time.Minute)

	setString(&c.RabbitMQ.VHost, "/")
	setString(&c.RabbitMQ.Exchange.Type, "direct")
	if len(c.RabbitMQ.Lanes) == 0 {
		c.RabbitMQ.Lanes = DefaultLanes()
	}
	for i := range c.RabbitMQ.Lanes {
		setInt(&c.RabbitMQ.Lanes[i].Weight, 1)
		setInt(&c.RabbitMQ.Lanes[i].MaxPriority, 10)
	}
	setInt(&c.RabbitMQ.Connection.RetryAttempts, 5)
	setDuration(&c.RabbitMQ.Connection.RetryInterval, 2*time.Second)
	setDuration(&c.RabbitMQ.Connection.Heartbeat, 10*time.Second)
	setInt(&c.RabbitMQ.Publish.RetryAttempts, 3)
	setDuration(&c.RabbitMQ.Publish.RetryInterval, 100*time.Millisecond)

	setString(&c.Logging.Level, "info")
	setString(&c.Logging.Format, "console")

	setInt(&c.Worker.Concurrency, 4)
	setDuration(&c.Worker.JobTimeout, 30*time.Minute)
	setDuration(&c.Worker.HeartbeatInterval, 10*time.Second)
	setDuration(&c.Worker.ShutdownTimeout, 30*time.Second)
	setDuration(&c.Worker.PollInterval, 500*time.Millisecond)
	setDuration(&c.Worker.StaleAfter, 5*time.Minute)

	setInt(&c.Queue.MaxRetries, 3)
	setDuration(&c.Queue.RetryBaseDelay, 30*time.Second)
	setDuration(&c.Queue.RetryMaxDelay, 30*time.Minute)

	setString(&c.Schedule.Timezone, "UTC")
	if len(c.Schedule.DailySlots) == 0 {
		c.Schedule.DailySlots = []string{"06:00", "18:00"}
	}
	setDuration(&c.Schedule.ContinuousInterval, 2*time.Hour)
	if c.Schedule.TierFrequencies == nil {
		c.Schedule.TierFrequencies = map[string]string{
			"free":    "on_demand",
			"pro":     "daily",
			"premium": "continuous",
		}
	}
	if c.Schedule.MaxManualScansPerDay == nil {
		c.Schedule.MaxManualScansPerDay = map[string]int{"free": 1, "pro": 5, "premium": 0}
	}
	setDuration(&c.Schedule.TickInterval, time.Minute)
	setDuration(&c.Schedule.ResyncInterval, 15*time.Minute)
	setDuration(&c.Schedule.CleanupInterval, time.Hour)
	setInt(&c.Schedule.BatchSize, 100)

	setInt(&c.Discovery.MaxQueries, 10)
	setDuration(&c.Discovery.ProviderInterval, time.Second)
	setDuration(&c.Discovery.RequestTimeout, 15*time.Second)
	setInt(&c.Discovery.ResultsPerQuery, 10)
	setString(&c.Discovery.Fallback.Endpoint, "https://html.duckduckgo.com/html/")
	setDuration(&c.Discovery.Fallback.Interval, 3*time.Second)

	setInt(&c.Crawler.MaxURLs, 100)
	setInt(&c.Crawler.Concurrency, 20)
	setInt(&c.Crawler.PerHostParallel, 2)
	setDuration(&c.Crawler.FetchTimeout, 20*time.Second)
	setDuration(&c.Crawler.DomainCooldown, 2*time.Second)
	setDuration(&c.Crawler.MaxCooldownWait, 10*time.Second)
	setDuration(&c.Crawler.GlobalDedupTTL, 10*time.Minute)
	setInt64(&c.Crawler.MaxBodyBytes, 5<<20)
	setInt64(&c.Crawler.MaxMediaBytes, 25<<20)
	setInt(&c.Crawler.MaxTextLength, 20000)
	setInt(&c.Crawler.MaxMediaPerPage, 8)
	setInt(&c.Crawler.MaxMediaPerJob, 200)
	setString(&c.Crawler.UserAgent, "leakwatch-crawler/1.0 (+https://leakwatch.io/bot)")

	setFloat(&c.Matching.MinStoredScore, 0.3)
	setInt(&c.Matching.MinTextLength, 200)
	setInt(&c.Matching.VideoFrames, 8)
	setDuration(&c.Matching.VideoTimeout, 2*time.Minute)
	setDuration(&c.Matching.FingerprintRetention, 30*24*time.Hour)

	setInt(&c.Registry.MaxProbeURLs, 20)

	setDuration(&c.Notify.Timeout, 5*time.Second)
}

func setString(v *string, def string) {
	if *v == "" {
		*v = def
	}
}

func setInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func setInt64(v *int64, def int64) {
	if *v == 0 {
		*v = def
	}
}

func setFloat(v *float64, def float64) {
	if *v == 0 {
		*v = def
	}
}

func setDuration(v *time.Duration, def time.Duration) {
	if *v == 0 {
		*v = def
	}
}
