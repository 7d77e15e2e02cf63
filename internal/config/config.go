package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Logging   LoggingConfig   `yaml:"logging"`
	App       AppConfig       `yaml:"app"`
	Worker    WorkerConfig    `yaml:"worker"`
	Queue     QueueConfig     `yaml:"queue"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Crawler   CrawlerConfig   `yaml:"crawler"`
	Matching  MatchingConfig  `yaml:"matching"`
	Registry  RegistryConfig  `yaml:"registry"`
	Notify    NotifyConfig    `yaml:"notify"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	ApplySchema     bool          `yaml:"apply_schema"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/lane configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Lanes      []LaneConfig     `yaml:"lanes"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// LaneConfig declares one priority lane queue
type LaneConfig struct {
	Name        string `yaml:"name"`
	Weight      int    `yaml:"weight"`
	MaxPriority int    `yaml:"max_priority"`
	Durable     bool   `yaml:"durable"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level            string `yaml:"level"`
	Format           string `yaml:"format"`
	Output           string `yaml:"output"`
	EnableCaller     bool   `yaml:"enable_caller"`
	EnableStackTrace bool   `yaml:"enable_stack_trace"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	ID                string        `yaml:"id"`
	Concurrency       int           `yaml:"concurrency"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	StaleAfter        time.Duration `yaml:"stale_after"`
	RunScheduler      bool          `yaml:"run_scheduler"`
}

// QueueConfig holds task retry policy
type QueueConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`
}

// ScheduleConfig holds tier cadence policy
type ScheduleConfig struct {
	Timezone             string            `yaml:"timezone"`
	DailySlots           []string          `yaml:"daily_slots"`
	ContinuousInterval   time.Duration     `yaml:"continuous_interval"`
	TierFrequencies      map[string]string `yaml:"tier_frequencies"`
	MaxManualScansPerDay map[string]int    `yaml:"max_manual_scans_per_day"`
	TickInterval         time.Duration     `yaml:"tick_interval"`
	ResyncInterval       time.Duration     `yaml:"resync_interval"`
	CleanupInterval      time.Duration     `yaml:"cleanup_interval"`
	BatchSize            int               `yaml:"batch_size"`
}

// DiscoveryConfig holds search provider settings
type DiscoveryConfig struct {
	MaxQueries       int              `yaml:"max_queries"`
	ProviderInterval time.Duration    `yaml:"provider_interval"`
	RequestTimeout   time.Duration    `yaml:"request_timeout"`
	ResultsPerQuery  int              `yaml:"results_per_query"`
	PlatformTerms    []string         `yaml:"platform_terms"`
	Providers        []ProviderConfig `yaml:"providers"`
	Fallback         FallbackConfig   `yaml:"fallback"`
}

// ProviderConfig configures one search API
type ProviderConfig struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"` // google, bing
	Kind     string `yaml:"kind"` // web, image
	APIKey   string `yaml:"api_key"`
	EngineID string `yaml:"engine_id"`
	Endpoint string `yaml:"endpoint"`
}

// FallbackConfig configures HTML results-page scraping
type FallbackConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Endpoint string        `yaml:"endpoint"`
	Interval time.Duration `yaml:"interval"`
}

// CrawlerConfig holds fetcher settings
type CrawlerConfig struct {
	MaxURLs          int           `yaml:"max_urls"`
	Concurrency      int           `yaml:"concurrency"`
	PerHostParallel  int           `yaml:"per_host_parallel"`
	FetchTimeout     time.Duration `yaml:"fetch_timeout"`
	DomainCooldown   time.Duration `yaml:"domain_cooldown"`
	MaxCooldownWait  time.Duration `yaml:"max_cooldown_wait"`
	GlobalDedupTTL   time.Duration `yaml:"global_dedup_ttl"`
	MaxBodyBytes     int64         `yaml:"max_body_bytes"`
	MaxMediaBytes    int64         `yaml:"max_media_bytes"`
	MaxTextLength    int           `yaml:"max_text_length"`
	MaxMediaPerPage  int           `yaml:"max_media_per_page"`
	MaxMediaPerJob   int           `yaml:"max_media_per_job"`
	UserAgent        string        `yaml:"user_agent"`
	RespectRobots    bool          `yaml:"respect_robots"`
	FollowVideoLinks bool          `yaml:"follow_video_links"`
}

// MatchingConfig holds fingerprint engine settings
type MatchingConfig struct {
	MinStoredScore       float64       `yaml:"min_stored_score"`
	MinTextLength        int           `yaml:"min_text_length"`
	FFmpegPath           string        `yaml:"ffmpeg_path"`
	VideoFrames          int           `yaml:"video_frames"`
	VideoTimeout         time.Duration `yaml:"video_timeout"`
	FingerprintRetention time.Duration `yaml:"fingerprint_retention"`
}

// RegistryConfig adds known sites on top of the built-in catalog
type RegistryConfig struct {
	MaxProbeURLs int          `yaml:"max_probe_urls"`
	Sites        []SiteConfig `yaml:"sites"`
}

// SiteConfig describes one known site
type SiteConfig struct {
	Domain         string  `yaml:"domain"`
	Name           string  `yaml:"name"`
	Type           string  `yaml:"type"`
	Risk           string  `yaml:"risk"`
	SuccessRate    float64 `yaml:"success_rate"`
	SearchTemplate string  `yaml:"search_template"`
}

// NotifyConfig holds the notification sender settings
type NotifyConfig struct {
	WebhookURL string        `yaml:"webhook_url"`
	Secret     string        `yaml:"secret"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Load reads and parses the configuration file, expanding ${VAR} references
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyDefaults()
	return &config, nil
}
