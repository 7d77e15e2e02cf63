package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{Port: 8080},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "leakwatch",
		},
		RabbitMQ: RabbitMQConfig{
			Host:     "localhost",
			Port:     5672,
			Exchange: ExchangeConfig{Name: "scans"},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestLoad(t *testing.T) {
	t.Setenv("LEAKWATCH_TEST_DB_PASSWORD", "s3cret")

	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, cfg)

			assert.Equal(t, 8080, cfg.Server.Port)
			assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
			assert.Equal(t, "s3cret", cfg.Database.Password)
			assert.Equal(t, "leakwatch", cfg.Database.Database)
			assert.Equal(t, "scans", cfg.RabbitMQ.Exchange.Name)
			require.Len(t, cfg.RabbitMQ.Lanes, 2)
			assert.Equal(t, 6, cfg.RabbitMQ.Lanes[0].Weight)
			assert.Equal(t, 10, cfg.RabbitMQ.Lanes[0].MaxPriority)
			assert.Equal(t, []string{"07:30"}, cfg.Schedule.DailySlots)
			assert.Equal(t, 90*time.Minute, cfg.Schedule.ContinuousInterval)
			assert.Equal(t, "leakwatch-api", cfg.App.Name)
			require.Len(t, cfg.Discovery.Providers, 1)
			assert.Equal(t, "google", cfg.Discovery.Providers[0].Type)

			// defaults
			assert.Equal(t, 100, cfg.Crawler.MaxURLs)
			assert.Equal(t, 10, cfg.Discovery.MaxQueries)
			assert.Equal(t, "on_demand", cfg.Schedule.TierFrequencies["free"])
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyDefaults()

	assert.Equal(t, DefaultLanes(), cfg.RabbitMQ.Lanes)
	assert.Equal(t, []string{"06:00", "18:00"}, cfg.Schedule.DailySlots)
	assert.Equal(t, 2*time.Hour, cfg.Schedule.ContinuousInterval)
	assert.Equal(t, 3, cfg.Queue.MaxRetries)
	assert.Equal(t, "disable", cfg.Database.SSLMode)
	assert.Equal(t, 0.3, cfg.Matching.MinStoredScore)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		errString string
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{
			name:      "missing database host",
			mutate:    func(c *Config) { c.Database.Host = "" },
			errString: "database host is required",
		},
		{
			name:      "invalid database port",
			mutate:    func(c *Config) { c.Database.Port = 0 },
			errString: "invalid database port",
		},
		{
			name:      "missing database name",
			mutate:    func(c *Config) { c.Database.Database = "" },
			errString: "database name is required",
		},
		{
			name:      "missing rabbitmq host",
			mutate:    func(c *Config) { c.RabbitMQ.Host = "" },
			errString: "rabbitmq host is required",
		},
		{
			name:      "invalid rabbitmq port",
			mutate:    func(c *Config) { c.RabbitMQ.Port = 70000 },
			errString: "invalid rabbitmq port",
		},
		{
			name:      "missing exchange",
			mutate:    func(c *Config) { c.RabbitMQ.Exchange.Name = "" },
			errString: "rabbitmq exchange name is required",
		},
		{
			name: "duplicate lane",
			mutate: func(c *Config) {
				c.RabbitMQ.Lanes = append(c.RabbitMQ.Lanes, c.RabbitMQ.Lanes[0])
			},
			errString: "duplicate rabbitmq lane",
		},
		{
			name:      "lane priority out of range",
			mutate:    func(c *Config) { c.RabbitMQ.Lanes[0].MaxPriority = 300 },
			errString: "max_priority must be between 1 and 255",
		},
		{
			name:      "bad daily slot",
			mutate:    func(c *Config) { c.Schedule.DailySlots = []string{"25:00"} },
			errString: "invalid daily slot",
		},
		{
			name:      "bad timezone",
			mutate:    func(c *Config) { c.Schedule.Timezone = "Mars/Olympus" },
			errString: "invalid schedule timezone",
		},
		{
			name:      "bad frequency",
			mutate:    func(c *Config) { c.Schedule.TierFrequencies["pro"] = "hourly" },
			errString: "invalid frequency",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.errString == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errString)
		})
	}
}

func TestConfig_ValidateAPIConfig(t *testing.T) {
	tests := []struct {
		name    string
		port    int
		wantErr bool
	}{
		{name: "valid port", port: 8080},
		{name: "too low", port: 0, wantErr: true},
		{name: "too high", port: 70000, wantErr: true},
		{name: "min port", port: MinPort},
		{name: "max port", port: MaxPort},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Server.Port = tt.port

			err := cfg.ValidateAPIConfig()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "invalid server port")
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_ValidateWorkerConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		errString string
	}{
		{name: "defaults are valid", mutate: func(c *Config) {}},
		{
			name:      "zero concurrency",
			mutate:    func(c *Config) { c.Worker.Concurrency = 0 },
			errString: "worker concurrency must be greater than 0",
		},
		{
			name:      "negative retries",
			mutate:    func(c *Config) { c.Queue.MaxRetries = -1 },
			errString: "queue max_retries must not be negative",
		},
		{
			name: "unknown provider kind",
			mutate: func(c *Config) {
				c.Discovery.Providers = []ProviderConfig{{Name: "x", Type: "google", Kind: "video"}}
			},
			errString: "kind must be web or image",
		},
		{
			name: "unknown provider type",
			mutate: func(c *Config) {
				c.Discovery.Providers = []ProviderConfig{{Name: "x", Type: "yahoo", Kind: "web"}}
			},
			errString: "type must be google or bing",
		},
		{
			name:      "score floor out of range",
			mutate:    func(c *Config) { c.Matching.MinStoredScore = 1.5 },
			errString: "min_stored_score must be between 0 and 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.ValidateWorkerConfig()
			if tt.errString == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errString)
		})
	}
}

func TestLoad_ValidateIntegration(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		errString string
	}{
		{name: "invalid port", filePath: "testdata/invalid_port.yaml", errString: "invalid server port"},
		{name: "missing database", filePath: "testdata/missing_database.yaml", errString: "database host is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)
			require.NoError(t, err)

			err = cfg.ValidateAPIConfig()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errString)
		})
	}
}

func TestParseSlot(t *testing.T) {
	d, err := ParseSlot("18:45")
	require.NoError(t, err)
	assert.Equal(t, 18*time.Hour+45*time.Minute, d)

	_, err = ParseSlot("6pm")
	assert.Error(t, err)
}
