package config

import (
	"fmt"
	"time"
)

var validFrequencies = map[string]bool{"on_demand": true, "daily": true, "continuous": true}

// Validate checks the settings shared by every service
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if len(c.RabbitMQ.Lanes) == 0 {
		return fmt.Errorf("at least one rabbitmq lane is required")
	}

	seen := make(map[string]bool, len(c.RabbitMQ.Lanes))
	for _, lane := range c.RabbitMQ.Lanes {
		if lane.Name == "" {
			return fmt.Errorf("rabbitmq lane name is required")
		}
		if seen[lane.Name] {
			return fmt.Errorf("duplicate rabbitmq lane: %s", lane.Name)
		}
		seen[lane.Name] = true
		if lane.Weight <= 0 {
			return fmt.Errorf("lane %s weight must be greater than 0", lane.Name)
		}
		if lane.MaxPriority < 1 || lane.MaxPriority > 255 {
			return fmt.Errorf("lane %s max_priority must be between 1 and 255", lane.Name)
		}
	}

	return c.validateSchedule()
}

// ValidateAPIConfig checks the API service settings
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	return c.Validate()
}

// ValidateWorkerConfig checks the worker service settings
func (c *Config) ValidateWorkerConfig() error {
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}

	if c.Worker.HeartbeatInterval <= 0 {
		return fmt.Errorf("worker heartbeat_interval must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue max_retries must not be negative")
	}

	if c.Crawler.MaxURLs <= 0 {
		return fmt.Errorf("crawler max_urls must be greater than 0")
	}

	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler concurrency must be greater than 0")
	}

	if c.Discovery.MaxQueries <= 0 {
		return fmt.Errorf("discovery max_queries must be greater than 0")
	}

	for _, p := range c.Discovery.Providers {
		if p.Kind != "web" && p.Kind != "image" {
			return fmt.Errorf("provider %s kind must be web or image", p.Name)
		}
		if p.Type != "google" && p.Type != "bing" {
			return fmt.Errorf("provider %s type must be google or bing", p.Name)
		}
	}

	if c.Matching.MinStoredScore < 0 || c.Matching.MinStoredScore > 1 {
		return fmt.Errorf("matching min_stored_score must be between 0 and 1")
	}

	return c.Validate()
}

func (c *Config) validateSchedule() error {
	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
		return fmt.Errorf("invalid schedule timezone %q: %w", c.Schedule.Timezone, err)
	}

	for _, slot := range c.Schedule.DailySlots {
		if _, err := ParseSlot(slot); err != nil {
			return err
		}
	}

	for tier, freq := range c.Schedule.TierFrequencies {
		if !validFrequencies[freq] {
			return fmt.Errorf("invalid frequency %q for tier %s", freq, tier)
		}
	}

	if c.Schedule.ContinuousInterval <= 0 {
		return fmt.Errorf("schedule continuous_interval must be greater than 0")
	}

	return nil
}

// ParseSlot converts an "HH:MM" time of day to an offset from midnight
func ParseSlot(slot string) (time.Duration, error) {
	t, err := time.Parse("15:04", slot)
	if err != nil {
		return 0, fmt.Errorf("invalid daily slot %q: %w", slot, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}
