package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolated keeps Load from picking up a developer's jobline.yaml.
func isolated(t *testing.T, overrides ...map[string]any) (*Config, error) {
	t.Helper()
	return LoadWithOptions(context.Background(), Options{SearchPaths: []string{t.TempDir()}, Overrides: overrides})
}

func TestLoad(t *testing.T) {
	t.Run("LoadDefaults", func(t *testing.T) {
		cfg, err := isolated(t)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
		assert.False(t, cfg.Server.Enabled)

		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "structured", cfg.Logging.Profile)

		assert.Equal(t, StorageS3, cfg.Storage.Backend)
		assert.Equal(t, StoreDynamoDB, cfg.Store.Backend)
		assert.Equal(t, "jobline_jobs", cfg.Store.Table)

		assert.Equal(t, 20, cfg.Queue.WaitSeconds)
		assert.Equal(t, 1, cfg.Queue.MaxMessages)
		assert.Equal(t, 5, cfg.Queue.MaxReceives)

		assert.Equal(t, 4, cfg.Dispatch.MaxWorkers)
		assert.Equal(t, time.Hour, cfg.Dispatch.WorkerTimeout)
		assert.Empty(t, cfg.Dispatch.WorkerCommand)
		assert.Zero(t, cfg.Dispatch.PendingAfter)
		assert.Equal(t, 500*time.Millisecond, cfg.Worker.PendingBackoff)
	})

	t.Run("RuntimeOverrides", func(t *testing.T) {
		cfg, err := isolated(t, map[string]any{
			"server":  map[string]any{"port": 9000, "host": "0.0.0.0"},
			"logging": map[string]any{"level": "debug"},
		})
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, "structured", cfg.Logging.Profile)
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		t.Setenv("JOBLINE_SERVER_PORT", "3000")
		t.Setenv("JOBLINE_LOGGING_LEVEL", "warn")
		t.Setenv("JOBLINE_QUEUE_REQUESTS_URL", "http://localhost:5000/123/requests")
		t.Setenv("JOBLINE_DISPATCH_WORKER_COMMAND", "/usr/bin/env,jobline,worker")

		cfg, err := isolated(t)
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Server.Port)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.Equal(t, "http://localhost:5000/123/requests", cfg.Queue.RequestsURL)
		assert.Equal(t, []string{"/usr/bin/env", "jobline", "worker"}, cfg.Dispatch.WorkerCommand)
	})

	t.Run("ConfigPrecedence", func(t *testing.T) {
		t.Setenv("JOBLINE_SERVER_PORT", "4000")

		cfg, err := isolated(t, map[string]any{"server": map[string]any{"port": 5000}})
		require.NoError(t, err)
		assert.Equal(t, 5000, cfg.Server.Port)
	})

	t.Run("DurationFromEnv", func(t *testing.T) {
		t.Setenv("JOBLINE_SERVER_READ_TIMEOUT", "45s")
		t.Setenv("JOBLINE_DISPATCH_WORKER_TIMEOUT", "5m")
		t.Setenv("JOBLINE_DISPATCH_PENDING_AFTER", "24h")

		cfg, err := isolated(t)
		require.NoError(t, err)
		assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 5*time.Minute, cfg.Dispatch.WorkerTimeout)
		assert.Equal(t, 24*time.Hour, cfg.Dispatch.PendingAfter)
	})
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage:
  backend: file
  file_root: /srv/objects
  results_bucket: results
store:
  backend: sqlite
  sqlite_path: /srv/jobs.db
notify:
  timezone: America/Chicago
  web_endpoint: https://example.com/annotations
`), 0o644))

	t.Setenv("JOBLINE_STORAGE_RESULTS_BUCKET", "env-results")

	cfg, err := LoadWithOptions(context.Background(), Options{File: path})
	require.NoError(t, err)
	assert.Equal(t, StorageFile, cfg.Storage.Backend)
	assert.Equal(t, "/srv/objects", cfg.Storage.FileRoot)
	assert.Equal(t, "env-results", cfg.Storage.ResultsBucket, "env beats file")
	assert.Equal(t, StoreSQLite, cfg.Store.Backend)

	loc, err := cfg.Notify.Location()
	require.NoError(t, err)
	assert.Equal(t, "America/Chicago", loc.String())
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadWithOptions(context.Background(), Options{File: filepath.Join(t.TempDir(), "nope.yaml")})
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		overrides map[string]any
		field     string
	}{
		{"bad storage backend", map[string]any{"storage": map[string]any{"backend": "gcs"}}, "storage.backend"},
		{"file backend needs root", map[string]any{"storage": map[string]any{"backend": "file"}}, "storage.file_root"},
		{"bad store backend", map[string]any{"store": map[string]any{"backend": "redis"}}, "store.backend"},
		{"sqlite needs path", map[string]any{"store": map[string]any{"backend": "sqlite"}}, "store.sqlite_path"},
		{"wait too long", map[string]any{"queue": map[string]any{"wait_seconds": 30}}, "queue.wait_seconds"},
		{"batch too large", map[string]any{"queue": map[string]any{"max_messages": 11}}, "queue.max_messages"},
		{"no workers", map[string]any{"dispatch": map[string]any{"max_workers": 0}}, "dispatch.max_workers"},
		{"negative pending age", map[string]any{"dispatch": map[string]any{"pending_after": "-1h"}}, "dispatch.pending_after"},
		{"bad timezone", map[string]any{"notify": map[string]any{"timezone": "Mars/Olympus"}}, "notify.timezone"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := isolated(t, tt.overrides)
			require.Error(t, err)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "got %T", err)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestRequire(t *testing.T) {
	cfg, err := isolated(t)
	require.NoError(t, err)

	require.Error(t, cfg.RequireDispatch())
	require.Error(t, cfg.RequireWorker())
	require.Error(t, cfg.RequireNotify())
	require.Error(t, cfg.RequireSubmit())

	cfg.Queue.RequestsURL = "q"
	cfg.Queue.ResultsURL = "r"
	cfg.Storage.ResultsBucket = "out"
	cfg.Storage.InputsBucket = "in"
	cfg.Notify.Sender = "noreply@example.com"
	cfg.Notify.ProfilesDSN = "postgres://localhost/accounts"

	assert.NoError(t, cfg.RequireDispatch())
	assert.NoError(t, cfg.RequireWorker())
	assert.NoError(t, cfg.RequireNotify())
	assert.NoError(t, cfg.RequireSubmit())
}

func TestFlatten(t *testing.T) {
	got := flatten("", map[string]any{
		"Server": map[string]any{"port": 1, "tls": map[string]any{"on": true}},
		"x":      "y",
	})
	assert.Equal(t, map[string]any{"server.port": 1, "server.tls.on": true, "x": "y"}, got)
}
