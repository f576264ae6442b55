// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is shared by every medadmin binary. Fields a binary does not use
// are ignored by it.
type Config struct {
	Port string `mapstructure:"PORT"`
	Env  string `mapstructure:"ENV"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	RedisAddr   string `mapstructure:"REDIS_ADDR"`
	// KafkaBrokers is a comma-separated broker list
	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// APIKeys is a comma-separated list of key:client pairs
	APIKeys     string `mapstructure:"API_KEYS"`
	CORSOrigins string `mapstructure:"CORS_ORIGINS"`

	LogLevel      string `mapstructure:"LOG_LEVEL"`
	LogFile       string `mapstructure:"LOG_FILE"`
	LogMaxSizeMB  int    `mapstructure:"LOG_MAX_SIZE_MB"`
	LogMaxBackups int    `mapstructure:"LOG_MAX_BACKUPS"`
	LogMaxAgeDays int    `mapstructure:"LOG_MAX_AGE_DAYS"`

	TracingEnabled  bool    `mapstructure:"TRACING_ENABLED"`
	OTLPEndpoint    string  `mapstructure:"OTLP_ENDPOINT"`
	TraceSampleRate float64 `mapstructure:"TRACE_SAMPLE_RATE"`

	HospitalTimezone      string        `mapstructure:"HOSPITAL_TIMEZONE"`
	ScheduleWorkers       int           `mapstructure:"SCHEDULE_WORKERS"`
	ScheduleLookaheadDays int           `mapstructure:"SCHEDULE_LOOKAHEAD_DAYS"`
	ScheduleInterval      time.Duration `mapstructure:"SCHEDULE_INTERVAL"`
	OutboxPollInterval    time.Duration `mapstructure:"OUTBOX_POLL_INTERVAL"`
	OutboxMaxRetries      int           `mapstructure:"OUTBOX_MAX_RETRIES"`
	EntryLockTTL          time.Duration `mapstructure:"ENTRY_LOCK_TTL"`
}

var defaults = map[string]interface{}{
	"PORT":                    "8080",
	"ENV":                     "development",
	"DATABASE_URL":            "",
	"DB_MAX_CONNS":            20,
	"REDIS_ADDR":              "",
	"KAFKA_BROKERS":           "localhost:9092",
	"API_KEYS":                "",
	"CORS_ORIGINS":            "*",
	"LOG_LEVEL":               "info",
	"LOG_FILE":                "",
	"LOG_MAX_SIZE_MB":         100,
	"LOG_MAX_BACKUPS":         5,
	"LOG_MAX_AGE_DAYS":        30,
	"TRACING_ENABLED":         false,
	"OTLP_ENDPOINT":           "localhost:4317",
	"TRACE_SAMPLE_RATE":       0.1,
	"HOSPITAL_TIMEZONE":       "UTC",
	"SCHEDULE_WORKERS":        4,
	"SCHEDULE_LOOKAHEAD_DAYS": 1,
	"SCHEDULE_INTERVAL":       "1h",
	"OUTBOX_POLL_INTERVAL":    "500ms",
	"OUTBOX_MAX_RETRIES":      5,
	"ENTRY_LOCK_TTL":          "10s",
}

// Load reads the environment and an optional .env file in the working
// directory. Environment variables win over the file.
func Load() (*Config, error) {
	return load(".env")
}

func load(envFile string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(envFile)
	v.SetConfigType("env")
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
		// Bind explicitly so Unmarshal sees keys only present in the env
		_ = v.BindEnv(key)
	}

	// A missing .env is fine
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	switch c.Env {
	case "development", "staging", "production":
	default:
		return fmt.Errorf("ENV must be development, staging or production, got %q", c.Env)
	}
	if c.IsProduction() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required in production")
	}
	if c.IsProduction() && len(c.APIKeyMap()) == 0 {
		return fmt.Errorf("API_KEYS is required in production")
	}
	if c.ScheduleWorkers <= 0 {
		return fmt.Errorf("SCHEDULE_WORKERS must be positive, got %d", c.ScheduleWorkers)
	}
	if c.ScheduleLookaheadDays < 0 {
		return fmt.Errorf("SCHEDULE_LOOKAHEAD_DAYS must not be negative, got %d", c.ScheduleLookaheadDays)
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATE must be within [0,1], got %v", c.TraceSampleRate)
	}
	if c.OutboxPollInterval <= 0 || c.ScheduleInterval <= 0 || c.EntryLockTTL <= 0 {
		return fmt.Errorf("OUTBOX_POLL_INTERVAL, SCHEDULE_INTERVAL and ENTRY_LOCK_TTL must be positive")
	}
	if _, err := time.LoadLocation(c.HospitalTimezone); err != nil {
		return fmt.Errorf("HOSPITAL_TIMEZONE %q: %w", c.HospitalTimezone, err)
	}
	return nil
}

// IsProduction returns true when the service runs in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Location returns the hospital time zone. Validate has already checked it.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.HospitalTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Brokers returns the Kafka seed brokers
func (c *Config) Brokers() []string {
	return splitList(c.KafkaBrokers)
}

// Origins returns the allowed CORS origins
func (c *Config) Origins() []string {
	return splitList(c.CORSOrigins)
}

// APIKeyMap returns API keys mapped to their client names. An entry without
// a client name uses the key as the name.
func (c *Config) APIKeyMap() map[string]string {
	keys := make(map[string]string)
	for _, pair := range splitList(c.APIKeys) {
		key, client, ok := strings.Cut(pair, ":")
		if !ok || client == "" {
			client = key
		}
		keys[key] = client
	}
	return keys
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
