package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curatorhq/curator/pkg/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
global:
  log_level: debug
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Global.LogLevel)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, config.DefaultDatabasePath, cfg.Database.SQLite.Path)
	assert.Equal(t, config.DefaultRetryAttempts, cfg.Database.Retry.MaxAttempts)
	assert.Equal(t, config.DefaultRetryBackoff, cfg.Database.Retry.Backoff)
	assert.Equal(t, config.DefaultScanWorkers, cfg.Scan.Workers)
	assert.Equal(t, config.DefaultSchedulerInterval, cfg.Scheduler.Interval)

	require.NoError(t, cfg.Validate())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CURATOR_DB_RETRY_ATTEMPTS", "9")
	t.Setenv("CURATOR_DB_RETRY_BACKOFF", "200ms")
	t.Setenv("CURATOR_SCAN_WORKERS", "7")

	path := writeConfig(t, `
database:
  retry:
    max_attempts: 3
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9, cfg.Database.Retry.MaxAttempts)
	assert.Equal(t, "200ms", cfg.Database.Retry.Backoff)
	assert.Equal(t, 7, cfg.Scan.Workers)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *config.Config)
		wantErr string
	}{
		{
			name: "bad driver",
			mutate: func(cfg *config.Config) {
				cfg.Database.Driver = "oracle"
			},
			wantErr: "unsupported database driver",
		},
		{
			name: "bad backoff",
			mutate: func(cfg *config.Config) {
				cfg.Database.Retry.Backoff = "fast"
			},
			wantErr: "invalid retry backoff",
		},
		{
			name: "schedule missing root",
			mutate: func(cfg *config.Config) {
				cfg.Schedules = []config.ScheduleConfig{
					{Name: "nightly", Cron: "0 2 * * *"},
				}
			},
			wantErr: "root is required",
		},
		{
			name: "schedule bad cron",
			mutate: func(cfg *config.Config) {
				cfg.Schedules = []config.ScheduleConfig{
					{Name: "nightly", Cron: "whenever", Root: "/data"},
				}
			},
			wantErr: "invalid cron spec",
		},
		{
			name: "duplicate schedule name",
			mutate: func(cfg *config.Config) {
				cfg.Schedules = []config.ScheduleConfig{
					{Name: "nightly", Cron: "0 2 * * *", Root: "/data"},
					{Name: "nightly", Cron: "0 3 * * *", Root: "/other"},
				}
			},
			wantErr: "duplicate name",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestFilterConfig_Parsing(t *testing.T) {
	f := config.FilterConfig{
		MinSize:       "1KB",
		MaxSize:       "2MB",
		ModifiedAfter: "2026-01-01T00:00:00Z",
		MaxRuntime:    "90s",
	}

	require.NoError(t, f.Validate())

	assert.Equal(t, int64(1000), f.MinSizeBytes())
	assert.Equal(t, int64(2000000), f.MaxSizeBytes())
	assert.Equal(t, 90*time.Second, f.MaxRuntimeDuration())
	assert.Equal(t, 2026, f.ModifiedAfterTime().Year())
}
