package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override: storage.results_bucket is
// read from JOBLINE_STORAGE_RESULTS_BUCKET.
const EnvPrefix = "JOBLINE"

// Name is the config file base name searched for when no path is given.
const Name = "jobline"

// Options controls where Load looks.
type Options struct {
	// File is an explicit config file. It must exist when set.
	File string

	// SearchPaths replaces the default search (., $XDG_CONFIG_HOME/jobline).
	SearchPaths []string

	// Overrides are nested maps applied above every other source.
	Overrides []map[string]any
}

// Load reads configuration from the default locations.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	return LoadWithOptions(ctx, Options{Overrides: overrides})
}

// LoadWithOptions reads configuration as described by opts.
func LoadWithOptions(_ context.Context, opts Options) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := readConfigFile(v, opts); err != nil {
		return nil, err
	}

	for _, o := range opts.Overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func readConfigFile(v *viper.Viper, opts Options) error {
	if opts.File != "" {
		v.SetConfigFile(opts.File)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", opts.File, err)
		}
		return nil
	}

	v.SetConfigName(Name)
	v.SetConfigType("yaml")
	paths := opts.SearchPaths
	if paths == nil {
		paths = defaultSearchPaths()
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func defaultSearchPaths() []string {
	paths := []string{"."}
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, Name))
	}
	return paths
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := strings.ToLower(k)
		if prefix != "" {
			key = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("aws.region", "")
	v.SetDefault("aws.endpoint", "")
	v.SetDefault("aws.profile", "")

	v.SetDefault("storage.backend", StorageS3)
	v.SetDefault("storage.inputs_bucket", "")
	v.SetDefault("storage.results_bucket", "")
	v.SetDefault("storage.file_root", "")
	v.SetDefault("storage.force_path_style", false)

	v.SetDefault("store.backend", StoreDynamoDB)
	v.SetDefault("store.table", "jobline_jobs")
	v.SetDefault("store.user_index", "user_id_index")
	v.SetDefault("store.sqlite_path", "")
	v.SetDefault("store.sqlite_url", "")
	v.SetDefault("store.sqlite_auth_token", "")

	v.SetDefault("queue.requests_url", "")
	v.SetDefault("queue.results_url", "")
	v.SetDefault("queue.requests_dead_letter_url", "")
	v.SetDefault("queue.results_dead_letter_url", "")
	v.SetDefault("queue.wait_seconds", 20)
	v.SetDefault("queue.max_messages", 1)
	v.SetDefault("queue.visibility_timeout", 0)
	v.SetDefault("queue.max_receives", 5)

	v.SetDefault("events.requests_topic_arn", "")
	v.SetDefault("events.results_topic_arn", "")

	v.SetDefault("dispatch.staging_dir", filepath.Join(os.TempDir(), "jobline"))
	v.SetDefault("dispatch.partition", "default")
	v.SetDefault("dispatch.max_workers", 4)
	v.SetDefault("dispatch.worker_timeout", "1h")
	v.SetDefault("dispatch.shutdown_timeout", "30s")
	v.SetDefault("dispatch.worker_command", []string{})
	v.SetDefault("dispatch.stale_after", "0s")
	v.SetDefault("dispatch.reconcile_interval", "5m")
	v.SetDefault("dispatch.pending_after", "0s")

	v.SetDefault("worker.command", []string{})
	v.SetDefault("worker.pending_retries", 5)
	v.SetDefault("worker.pending_backoff", "500ms")

	v.SetDefault("notify.sender", "")
	v.SetDefault("notify.web_endpoint", "http://localhost:8080/jobs")
	v.SetDefault("notify.timezone", "")
	v.SetDefault("notify.profiles_dsn", "")
	v.SetDefault("notify.profiles_table", "profiles")

	v.SetDefault("server.enabled", false)
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")
}
