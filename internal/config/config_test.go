package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/agentworkforce/campaignsync/internal/campaign"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
	require.NoError(t, cfg.Validate())
	require.Equal(t, 300*time.Millisecond, cfg.DebounceWindow)
	require.Equal(t, 3*time.Second, cfg.PollInterval)
	require.Equal(t, 60, cfg.ModificationMaxAttempts)
	require.False(t, cfg.ResyncOnAssetChange)
	require.Equal(t, campaign.DefaultBaseURL, cfg.APIBaseURL)
	require.Equal(t, campaign.DefaultRetryPolicy(), cfg.RetryPolicy())
}

func TestLoadOverlaysFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "campaignsync.yaml")
	doc := `
api_base_url: https://api.example.test
token_file: /run/secrets/token
realtime_dsn: wss://rt.example.test/realtime/v1/websocket
debounce_window: 500ms
poll_interval: 5s
modification_max_attempts: 10
log_level: debug
resync_on_asset_change: true
request_max_retries: 5
request_retry_base_delay: 250ms
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	t.Setenv("CAMPAIGNSYNC_POLL_INTERVAL", "2s")
	t.Setenv("CAMPAIGNSYNC_SNAPSHOT_DSN", "file:///tmp/snapshots.json")
	t.Setenv("CAMPAIGNSYNC_REQUEST_RETRY_MAX_DELAY", "5s")

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	require.Equal(t, "https://api.example.test", cfg.APIBaseURL)
	require.Equal(t, "/run/secrets/token", cfg.TokenFile)
	require.Equal(t, "wss://rt.example.test/realtime/v1/websocket", cfg.RealtimeDSN)
	require.Equal(t, 500*time.Millisecond, cfg.DebounceWindow)
	require.Equal(t, 2*time.Second, cfg.PollInterval)
	require.Equal(t, "file:///tmp/snapshots.json", cfg.SnapshotDSN)
	require.Equal(t, 10, cfg.ModificationMaxAttempts)
	require.Equal(t, 3*time.Second, cfg.ModificationPollInterval)
	require.True(t, cfg.ResyncOnAssetChange)
	require.Equal(t, campaign.RetryPolicy{MaxRetries: 5, BaseDelay: 250 * time.Millisecond, MaxDelay: 5 * time.Second}, cfg.RetryPolicy())
	require.NoError(t, cfg.Validate())

	level, err := cfg.Level()
	require.NoError(t, err)
	require.Equal(t, zapcore.DebugLevel, level)
}

func TestLoadReportsMissingAndMalformedFiles(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(filepath.Join(dir, "absent.yaml"), nil)
	require.ErrorIs(t, err, os.ErrNotExist)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("poll_interval: [1, 2"), 0o600))
	_, err = Load(bad, nil)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestInvalidEnvFallsBackWithWarning(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	t.Setenv("CAMPAIGNSYNC_DEBOUNCE_WINDOW", "soon")
	t.Setenv("CAMPAIGNSYNC_MODIFICATION_MAX_ATTEMPTS", "many")
	t.Setenv("CAMPAIGNSYNC_RESYNC_ON_ASSET_CHANGE", "sometimes")

	cfg := Default()
	cfg.ApplyEnv(zap.New(core))
	require.Equal(t, 300*time.Millisecond, cfg.DebounceWindow)
	require.Equal(t, 60, cfg.ModificationMaxAttempts)
	require.False(t, cfg.ResyncOnAssetChange)
	require.Equal(t, 3, logs.Len())
	require.Equal(t, "CAMPAIGNSYNC_DEBOUNCE_WINDOW", logs.All()[0].ContextMap()["name"])
}

func TestEnvHelpersParseValues(t *testing.T) {
	logger := zap.NewNop()
	t.Setenv("CAMPAIGNSYNC_TEST_INT", "42")
	t.Setenv("CAMPAIGNSYNC_TEST_DURATION", "150ms")
	t.Setenv("CAMPAIGNSYNC_TEST_STRING", "  value ")
	t.Setenv("CAMPAIGNSYNC_TEST_BOOL", "1")

	require.Equal(t, 42, intEnv(logger, "CAMPAIGNSYNC_TEST_INT", 7))
	require.Equal(t, 150*time.Millisecond, durationEnv(logger, "CAMPAIGNSYNC_TEST_DURATION", time.Second))
	require.Equal(t, "value", envOrDefault("CAMPAIGNSYNC_TEST_STRING", "fallback"))
	require.Equal(t, "fallback", envOrDefault("CAMPAIGNSYNC_TEST_UNSET", "fallback"))
	require.Equal(t, 9, intEnv(logger, "CAMPAIGNSYNC_TEST_INT_UNSET", 9))
	require.True(t, boolEnv(logger, "CAMPAIGNSYNC_TEST_BOOL", false))
	require.True(t, boolEnv(logger, "CAMPAIGNSYNC_TEST_BOOL_UNSET", true))
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := Default()
	cfg.APIBaseURL = " "
	cfg.PollInterval = 0
	cfg.ModificationMaxAttempts = -1
	cfg.LogLevel = "loud"
	cfg.RequestMaxRetries = -2
	cfg.RequestRetryMaxDelay = time.Millisecond

	err := cfg.Validate()
	require.True(t, errors.Is(err, ErrInvalidConfig))
	for _, want := range []string{"api_base_url", "poll_interval", "modification_max_attempts", "log_level", "request_max_retries", "request_retry_max_delay"} {
		require.Contains(t, err.Error(), want)
	}
}
