package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdir moves into dir so Load does not pick up a developer's .env file.
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, LockBackendPostgres, cfg.Lock.Backend)
	assert.Equal(t, time.Minute, cfg.Lock.Duration)
	assert.Equal(t, 15*time.Second, cfg.Lock.RenewInterval)
	assert.Equal(t, 100, cfg.Scan.PageSize)
	assert.Equal(t, 24*time.Hour, cfg.Scan.DailyLookback)
	assert.False(t, cfg.Schedule.Enabled)
	assert.Empty(t, cfg.Archive.BucketURL)
}

func TestLoad_Environment(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("LOCK_BACKEND", "Redis")
	t.Setenv("LOCK_DURATION", "2m")
	t.Setenv("LOCK_RENEW_INTERVAL", "30s")
	t.Setenv("SCAN_PAGE_SIZE", "500")
	t.Setenv("SCAN_PAGE_DELAY", "0s")
	t.Setenv("SCHEDULE_ENABLED", "true")
	t.Setenv("ARCHIVE_BUCKET_URL", "mem://")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, LockBackendRedis, cfg.Lock.Backend)
	assert.Equal(t, 2*time.Minute, cfg.Lock.Duration)
	assert.Equal(t, 500, cfg.Scan.PageSize)
	assert.Zero(t, cfg.Scan.PageDelay)
	assert.True(t, cfg.Schedule.Enabled)
	assert.Equal(t, "mem://", cfg.Archive.BucketURL)
}

func TestLoad_RejectsInvalid(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("LOCK_BACKEND", "mongo")

	_, err := Load()
	assert.ErrorContains(t, err, "LOCK_BACKEND")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Lock:    LockConfig{Backend: LockBackendMemory, Duration: time.Minute, RenewInterval: 15 * time.Second},
			Worker:  WorkerConfig{PoolSize: 1},
			Sources: SourcesConfig{SAMBaseURL: "http://sam"},
			Scan:    ScanConfig{PageSize: 10, DailyLookback: time.Hour},
		}
	}

	tests := map[string]struct {
		mutate func(*Config)
		want   string
	}{
		"valid":                  {mutate: func(*Config) {}},
		"renew not shorter":      {mutate: func(c *Config) { c.Lock.RenewInterval = time.Minute }, want: "LOCK_RENEW_INTERVAL"},
		"zero duration":          {mutate: func(c *Config) { c.Lock.Duration = 0 }, want: "LOCK_DURATION"},
		"no pool":                {mutate: func(c *Config) { c.Worker.PoolSize = 0 }, want: "WORKER_POOL_SIZE"},
		"zero page size":         {mutate: func(c *Config) { c.Scan.PageSize = 0 }, want: "SCAN_PAGE_SIZE"},
		"negative delay":         {mutate: func(c *Config) { c.Scan.PageDelay = -time.Second }, want: "SCAN_PAGE_DELAY"},
		"no lookback":            {mutate: func(c *Config) { c.Scan.DailyLookback = 0 }, want: "SCAN_DAILY_LOOKBACK"},
		"no sources":             {mutate: func(c *Config) { c.Sources.SAMBaseURL = "" }, want: "SAM_BASE_URL"},
		"sampling out of bounds": {mutate: func(c *Config) { c.Telemetry.SamplingRate = 2 }, want: "OTEL_SAMPLING_RATE"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.want == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tc.want)
		})
	}
}
