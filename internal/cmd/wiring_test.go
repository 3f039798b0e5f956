package cmd

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/jobline/internal/config"
	"github.com/3leaps/jobline/pkg/worker"
)

// localConfig uses the file and sqlite backends only.
func localConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Storage: config.StorageConfig{
			Backend:       config.StorageFile,
			FileRoot:      t.TempDir(),
			InputsBucket:  "in",
			ResultsBucket: "out",
		},
		Store:    config.StoreConfig{Backend: config.StoreSQLite, SQLitePath: ":memory:"},
		Dispatch: config.DispatchConfig{StagingDir: t.TempDir(), Partition: "P1"},
	}
}

func TestOpenStoreSQLite(t *testing.T) {
	ctx := context.Background()
	store, err := openStore(ctx, localConfig(t))
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	assert.NoError(t, storeChecker(store).CheckHealth(ctx))
}

func TestOpenObjectsFile(t *testing.T) {
	ctx := context.Background()
	opener, err := openObjects(ctx, localConfig(t))
	require.NoError(t, err)

	p, err := opener.Open(ctx, "out")
	require.NoError(t, err)
	require.NoError(t, p.PutObject(ctx, "P1/U1/J1/a.txt", strings.NewReader("hi"), 2))
	meta, err := p.Head(ctx, "P1/U1/J1/a.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(2), meta.Size)
}

func TestUnsupportedBackends(t *testing.T) {
	ctx := context.Background()
	cfg := localConfig(t)
	cfg.Store.Backend = "mongo"
	cfg.Storage.Backend = "gcs"

	_, err := openStore(ctx, cfg)
	assert.ErrorContains(t, err, `unsupported store backend "mongo"`)
	_, err = openObjects(ctx, cfg)
	assert.ErrorContains(t, err, `unsupported storage backend "gcs"`)
}

func TestNewComputer(t *testing.T) {
	cfg := localConfig(t)
	assert.IsType(t, worker.CountComputer{}, newComputer(cfg))

	cfg.Worker.Command = []string{"vcf-annotate"}
	c, ok := newComputer(cfg).(*worker.ExecComputer)
	require.True(t, ok)
	assert.Equal(t, []string{"vcf-annotate"}, c.Command)
}

func TestNewLauncher(t *testing.T) {
	orig := configPath
	defer func() { configPath = orig }()

	cfg := localConfig(t)
	configPath = "/etc/jobline.yaml"
	l := newLauncher(cfg)
	assert.Empty(t, l.Command)
	assert.Equal(t, []string{"--config", "/etc/jobline.yaml"}, l.ExtraArgs)

	cfg.Dispatch.WorkerCommand = []string{"/opt/bin/worker"}
	l = newLauncher(cfg)
	assert.Equal(t, []string{"/opt/bin/worker"}, l.Command)
	assert.Empty(t, l.ExtraArgs)
}
