// Package config resolves campaignsync settings from an optional YAML file,
// then CAMPAIGNSYNC_* environment variables. Command-line flags are applied
// last by the CLI.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/campaignsync/internal/campaign"
)

const envPrefix = "CAMPAIGNSYNC_"

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	APIBaseURL     string        `yaml:"api_base_url"`
	Token          string        `yaml:"token"`
	TokenFile      string        `yaml:"token_file"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	RequestMaxRetries     int           `yaml:"request_max_retries"`
	RequestRetryBaseDelay time.Duration `yaml:"request_retry_base_delay"`
	RequestRetryMaxDelay  time.Duration `yaml:"request_retry_max_delay"`

	RealtimeDSN    string `yaml:"realtime_dsn"`
	RealtimeAPIKey string `yaml:"realtime_api_key"`
	SnapshotDSN    string `yaml:"snapshot_dsn"`

	DebounceWindow time.Duration `yaml:"debounce_window"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	// ResyncOnAssetChange refetches after every asset event, not only after
	// ones the projection cannot apply. Canvas views turn it on.
	ResyncOnAssetChange bool `yaml:"resync_on_asset_change"`

	ModificationPollInterval time.Duration `yaml:"modification_poll_interval"`
	ModificationMaxAttempts  int           `yaml:"modification_max_attempts"`

	LogLevel string `yaml:"log_level"`
}

func Default() Config {
	retry := campaign.DefaultRetryPolicy()
	return Config{
		APIBaseURL:               campaign.DefaultBaseURL,
		RequestTimeout:           30 * time.Second,
		RequestMaxRetries:        retry.MaxRetries,
		RequestRetryBaseDelay:    retry.BaseDelay,
		RequestRetryMaxDelay:     retry.MaxDelay,
		DebounceWindow:           300 * time.Millisecond,
		PollInterval:             3 * time.Second,
		ModificationPollInterval: 3 * time.Second,
		ModificationMaxAttempts:  60,
		LogLevel:                 "info",
	}
}

// Load starts from Default, overlays the YAML file at path (skipped when
// path is empty) and then the environment.
func Load(path string, logger *zap.Logger) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, path, err)
		}
	}
	cfg.ApplyEnv(logger)
	return cfg, nil
}

// ApplyEnv overrides fields from CAMPAIGNSYNC_* variables. Unparseable values
// are logged and leave the field unchanged.
func (c *Config) ApplyEnv(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c.APIBaseURL = envOrDefault(envPrefix+"API_BASE_URL", c.APIBaseURL)
	c.Token = envOrDefault(envPrefix+"TOKEN", c.Token)
	c.TokenFile = envOrDefault(envPrefix+"TOKEN_FILE", c.TokenFile)
	c.RequestTimeout = durationEnv(logger, envPrefix+"REQUEST_TIMEOUT", c.RequestTimeout)
	c.RequestMaxRetries = intEnv(logger, envPrefix+"REQUEST_MAX_RETRIES", c.RequestMaxRetries)
	c.RequestRetryBaseDelay = durationEnv(logger, envPrefix+"REQUEST_RETRY_BASE_DELAY", c.RequestRetryBaseDelay)
	c.RequestRetryMaxDelay = durationEnv(logger, envPrefix+"REQUEST_RETRY_MAX_DELAY", c.RequestRetryMaxDelay)
	c.RealtimeDSN = envOrDefault(envPrefix+"REALTIME_DSN", c.RealtimeDSN)
	c.RealtimeAPIKey = envOrDefault(envPrefix+"REALTIME_API_KEY", c.RealtimeAPIKey)
	c.SnapshotDSN = envOrDefault(envPrefix+"SNAPSHOT_DSN", c.SnapshotDSN)
	c.DebounceWindow = durationEnv(logger, envPrefix+"DEBOUNCE_WINDOW", c.DebounceWindow)
	c.PollInterval = durationEnv(logger, envPrefix+"POLL_INTERVAL", c.PollInterval)
	c.ResyncOnAssetChange = boolEnv(logger, envPrefix+"RESYNC_ON_ASSET_CHANGE", c.ResyncOnAssetChange)
	c.ModificationPollInterval = durationEnv(logger, envPrefix+"MODIFICATION_POLL_INTERVAL", c.ModificationPollInterval)
	c.ModificationMaxAttempts = intEnv(logger, envPrefix+"MODIFICATION_MAX_ATTEMPTS", c.ModificationMaxAttempts)
	c.LogLevel = envOrDefault(envPrefix+"LOG_LEVEL", c.LogLevel)
}

func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.APIBaseURL) == "" {
		problems = append(problems, "api_base_url is required")
	}
	if c.RequestTimeout <= 0 {
		problems = append(problems, "request_timeout must be positive")
	}
	if c.RequestMaxRetries < 0 {
		problems = append(problems, "request_max_retries must not be negative")
	}
	if c.RequestRetryBaseDelay <= 0 {
		problems = append(problems, "request_retry_base_delay must be positive")
	}
	if c.RequestRetryMaxDelay < c.RequestRetryBaseDelay {
		problems = append(problems, "request_retry_max_delay must not be below request_retry_base_delay")
	}
	if c.DebounceWindow <= 0 {
		problems = append(problems, "debounce_window must be positive")
	}
	if c.PollInterval <= 0 {
		problems = append(problems, "poll_interval must be positive")
	}
	if c.ModificationPollInterval <= 0 {
		problems = append(problems, "modification_poll_interval must be positive")
	}
	if c.ModificationMaxAttempts <= 0 {
		problems = append(problems, "modification_max_attempts must be positive")
	}
	if _, err := c.Level(); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

func (c Config) RetryPolicy() campaign.RetryPolicy {
	return campaign.RetryPolicy{
		MaxRetries: c.RequestMaxRetries,
		BaseDelay:  c.RequestRetryBaseDelay,
		MaxDelay:   c.RequestRetryMaxDelay,
	}
}

func (c Config) Level() (zapcore.Level, error) {
	level, err := zapcore.ParseLevel(strings.TrimSpace(c.LogLevel))
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("log_level: %w", err)
	}
	return level, nil
}

func envOrDefault(name, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	return fallback
}

func intEnv(logger *zap.Logger, name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		logger.Warn("invalid integer in environment, using fallback",
			zap.String("name", name), zap.String("value", raw), zap.Int("fallback", fallback))
		return fallback
	}
	return value
}

func durationEnv(logger *zap.Logger, name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		logger.Warn("invalid duration in environment, using fallback",
			zap.String("name", name), zap.String("value", raw), zap.Duration("fallback", fallback))
		return fallback
	}
	return value
}

func boolEnv(logger *zap.Logger, name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		logger.Warn("invalid boolean in environment, using fallback",
			zap.String("name", name), zap.String("value", raw), zap.Bool("fallback", fallback))
		return fallback
	}
	return value
}
