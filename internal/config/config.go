package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

// DatabaseConfig holds the database connection information.
type DatabaseConfig struct {
	Type string `yaml:"type"`
	DSN  string `yaml:"dsn"`
}

// AdminConfig holds the shared secret for the admin API.
type AdminConfig struct {
	Password string `yaml:"password"`
}

// KeysConfig holds defaults applied when issuing access keys.
type KeysConfig struct {
	DefaultMaxUses   int `yaml:"default_max_uses"`
	DefaultDaysValid int `yaml:"default_days_valid"`
	UsageLogLimit    int `yaml:"usage_log_limit"`
}

// GenerationConfig holds configuration for the card generator.
type GenerationConfig struct {
	GeminiAPIKey          string   `yaml:"gemini_api_key"`
	GeminiAPIKeys         []string `yaml:"gemini_api_keys"`
	Model                 string   `yaml:"model"`
	TimeoutSeconds        int      `yaml:"timeout_seconds"`
	SupportContact        string   `yaml:"support_contact"`
	ExposeRejectionReason bool     `yaml:"expose_rejection_reason"`
}

// APIKeys returns every configured Gemini key once, single key first.
func (g GenerationConfig) APIKeys() []string {
	seen := make(map[string]bool)
	var keys []string
	for _, k := range append([]string{g.GeminiAPIKey}, g.GeminiAPIKeys...) {
		k = strings.TrimSpace(k)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		keys = append(keys, k)
	}
	return keys
}

// RateLimitConfig limits generation requests per client IP.
// RedisURL switches from the in-process limiter to a shared redis window.
type RateLimitConfig struct {
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	Burst             int    `yaml:"burst"`
	RedisURL          string `yaml:"redis_url"`
}

// AccountingConfig holds configuration for the usage accountant.
type AccountingConfig struct {
	QueueSize int `yaml:"queue_size"`
}

// SchedulerConfig holds configuration for the scheduler.
// UsageLogRetentionDays defaults to 90 when absent; zero or less turns pruning off.
type SchedulerConfig struct {
	PruneSchedule         string `yaml:"prune_schedule"`
	UsageLogRetentionDays int    `yaml:"usage_log_retention_days"`
}

// LogConfig selects the log output format ("json" or "text").
type LogConfig struct {
	Format string `yaml:"format"`
}

// Config holds the configuration for the service.
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Admin      AdminConfig      `yaml:"admin"`
	Keys       KeysConfig       `yaml:"keys"`
	Generation GenerationConfig `yaml:"generation"`
	RateLimit  RateLimitConfig  `yaml:"ratelimit"`
	Accounting AccountingConfig `yaml:"accounting"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Log        LogConfig        `yaml:"log"`
	Port       int              `yaml:"port"`
	Debug      bool             `yaml:"debug"`
}

const defaultUsageLogRetentionDays = 90

// LoadConfig reads and parses the configuration file. It returns the config and a potential warning message.
var LoadConfig = func(path string) (*Config, string, error) {
	// Seeded before parsing so an explicit zero in the file survives.
	config := Config{Scheduler: SchedulerConfig{UsageLogRetentionDays: defaultUsageLogRetentionDays}}

	data, err := os.ReadFile(path)
	if err == nil {
		err = yaml.Unmarshal(data, &config)
		if err != nil {
			return nil, "", fmt.Errorf("failed to parse config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, "", fmt.Errorf("failed to read config file: %w", err)
	}
	// A missing file is fine; environment variables may carry everything.

	warning := config.applyDefaults()
	config.applyEnv()

	if config.Database.Type == "" || config.Database.DSN == "" {
		return nil, "", fmt.Errorf("database type and dsn must be configured in config.yaml or via environment variables")
	}

	return &config, warning, nil
}

// applyDefaults fills unset values and returns a warning listing the defaulted keys.
func (c *Config) applyDefaults() string {
	var defaulted []string

	if c.Port == 0 {
		c.Port = 8080
	}
	if c.Keys.DefaultMaxUses == 0 {
		c.Keys.DefaultMaxUses = 100
		defaulted = append(defaulted, "keys.default_max_uses=100")
	}
	if c.Keys.DefaultDaysValid == 0 {
		c.Keys.DefaultDaysValid = 30
		defaulted = append(defaulted, "keys.default_days_valid=30")
	}
	if c.Keys.UsageLogLimit <= 0 {
		c.Keys.UsageLogLimit = 50
	}
	if c.Generation.Model == "" {
		c.Generation.Model = "gemini-1.5-flash"
	}
	if c.Generation.TimeoutSeconds <= 0 {
		c.Generation.TimeoutSeconds = 60
	}
	if c.RateLimit.RequestsPerMinute == 0 {
		c.RateLimit.RequestsPerMinute = 30
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 5
	}
	if c.Accounting.QueueSize <= 0 {
		c.Accounting.QueueSize = 100
	}
	if c.Scheduler.PruneSchedule == "" {
		c.Scheduler.PruneSchedule = "@daily"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	if len(defaulted) == 0 {
		return ""
	}
	return "using default values for " + strings.Join(defaulted, ", ")
}

// applyEnv overrides file values with TUWEN_* environment variables.
func (c *Config) applyEnv() {
	if dsn := os.Getenv("TUWEN_DATABASE_DSN"); dsn != "" {
		c.Database.DSN = dsn
	}
	if dbType := os.Getenv("TUWEN_DATABASE_TYPE"); dbType != "" {
		c.Database.Type = dbType
	}
	if port := os.Getenv("TUWEN_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Port = p
		}
	}
	if password := os.Getenv("TUWEN_ADMIN_PASSWORD"); password != "" {
		c.Admin.Password = password
	}
	if debug := os.Getenv("TUWEN_DEBUG"); debug != "" {
		c.Debug = (debug == "true")
	}
	if apiKey := os.Getenv("TUWEN_GEMINI_API_KEY"); apiKey != "" {
		c.Generation.GeminiAPIKey = apiKey
	}
	if apiKeys := os.Getenv("TUWEN_GEMINI_API_KEYS"); apiKeys != "" {
		c.Generation.GeminiAPIKeys = strings.Split(apiKeys, ",")
	}
	if redisURL := os.Getenv("TUWEN_REDIS_URL"); redisURL != "" {
		c.RateLimit.RedisURL = redisURL
	}
}
