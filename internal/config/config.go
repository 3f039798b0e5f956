// Package config loads the jobline configuration.
//
// Values come from defaults, an optional YAML file, JOBLINE_* environment
// variables and runtime overrides, in increasing order of precedence. The
// result is an explicit *Config handed to every component.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/3leaps/jobline/pkg/awsconfig"
)

// Config is the full process configuration.
type Config struct {
	AWS      AWSConfig      `mapstructure:"aws" yaml:"aws"`
	Storage  StorageConfig  `mapstructure:"storage" yaml:"storage"`
	Store    StoreConfig    `mapstructure:"store" yaml:"store"`
	Queue    QueueConfig    `mapstructure:"queue" yaml:"queue"`
	Events   EventsConfig   `mapstructure:"events" yaml:"events"`
	Dispatch DispatchConfig `mapstructure:"dispatch" yaml:"dispatch"`
	Worker   WorkerConfig   `mapstructure:"worker" yaml:"worker"`
	Notify   NotifyConfig   `mapstructure:"notify" yaml:"notify"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
}

// AWSConfig is shared by every AWS client.
type AWSConfig struct {
	Region   string `mapstructure:"region" yaml:"region"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	Profile  string `mapstructure:"profile" yaml:"profile"`
}

// Client converts to the SDK loader settings.
func (c AWSConfig) Client() awsconfig.Config {
	return awsconfig.Config{Region: c.Region, Endpoint: c.Endpoint, Profile: c.Profile}
}

// Storage backends.
const (
	StorageS3   = "s3"
	StorageFile = "file"
)

// StorageConfig locates input and result objects.
type StorageConfig struct {
	Backend       string `mapstructure:"backend" yaml:"backend"`
	InputsBucket  string `mapstructure:"inputs_bucket" yaml:"inputs_bucket"`
	ResultsBucket string `mapstructure:"results_bucket" yaml:"results_bucket"`
	// FileRoot holds one directory per bucket for the file backend.
	FileRoot       string `mapstructure:"file_root" yaml:"file_root"`
	ForcePathStyle bool   `mapstructure:"force_path_style" yaml:"force_path_style"`
}

// Store backends.
const (
	StoreDynamoDB = "dynamodb"
	StoreSQLite   = "sqlite"
)

// StoreConfig selects the job store.
type StoreConfig struct {
	Backend    string `mapstructure:"backend" yaml:"backend"`
	Table      string `mapstructure:"table" yaml:"table"`
	UserIndex  string `mapstructure:"user_index" yaml:"user_index"`
	SQLitePath string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	// SQLiteURL selects a remote libsql database instead of SQLitePath.
	SQLiteURL       string `mapstructure:"sqlite_url" yaml:"sqlite_url"`
	SQLiteAuthToken string `mapstructure:"sqlite_auth_token" yaml:"-"`
}

// QueueConfig names the request and result queues.
type QueueConfig struct {
	RequestsURL           string `mapstructure:"requests_url" yaml:"requests_url"`
	ResultsURL            string `mapstructure:"results_url" yaml:"results_url"`
	RequestsDeadLetterURL string `mapstructure:"requests_dead_letter_url" yaml:"requests_dead_letter_url"`
	ResultsDeadLetterURL  string `mapstructure:"results_dead_letter_url" yaml:"results_dead_letter_url"`
	WaitSeconds           int    `mapstructure:"wait_seconds" yaml:"wait_seconds"`
	MaxMessages           int    `mapstructure:"max_messages" yaml:"max_messages"`
	VisibilityTimeout     int    `mapstructure:"visibility_timeout" yaml:"visibility_timeout"`
	// MaxReceives is the dead-letter threshold; 0 disables it.
	MaxReceives int `mapstructure:"max_receives" yaml:"max_receives"`
}

// EventsConfig names the topics. An empty topic publishes straight to the
// matching queue instead.
type EventsConfig struct {
	RequestsTopicARN string `mapstructure:"requests_topic_arn" yaml:"requests_topic_arn"`
	ResultsTopicARN  string `mapstructure:"results_topic_arn" yaml:"results_topic_arn"`
}

// DispatchConfig controls staging and the worker pool.
type DispatchConfig struct {
	StagingDir      string        `mapstructure:"staging_dir" yaml:"staging_dir"`
	Partition       string        `mapstructure:"partition" yaml:"partition"`
	MaxWorkers      int           `mapstructure:"max_workers" yaml:"max_workers"`
	WorkerTimeout   time.Duration `mapstructure:"worker_timeout" yaml:"worker_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	// WorkerCommand replaces "<self> worker" as the launched program.
	WorkerCommand []string `mapstructure:"worker_command" yaml:"worker_command"`
	// StaleAfter enables the in-process reconciler when > 0.
	StaleAfter        time.Duration `mapstructure:"stale_after" yaml:"stale_after"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval" yaml:"reconcile_interval"`
	// PendingAfter lets the reconciler fail PENDING jobs never dispatched
	// within this age of submission. Zero disables it.
	PendingAfter time.Duration `mapstructure:"pending_after" yaml:"pending_after"`
}

// WorkerConfig controls the computation.
type WorkerConfig struct {
	// Command runs the computation; empty uses the built-in line counter.
	Command        []string      `mapstructure:"command" yaml:"command"`
	PendingRetries int           `mapstructure:"pending_retries" yaml:"pending_retries"`
	PendingBackoff time.Duration `mapstructure:"pending_backoff" yaml:"pending_backoff"`
}

// NotifyConfig controls completion notifications.
type NotifyConfig struct {
	Sender        string `mapstructure:"sender" yaml:"sender"`
	WebEndpoint   string `mapstructure:"web_endpoint" yaml:"web_endpoint"`
	Timezone      string `mapstructure:"timezone" yaml:"timezone"`
	ProfilesDSN   string `mapstructure:"profiles_dsn" yaml:"-"`
	ProfilesTable string `mapstructure:"profiles_table" yaml:"profiles_table"`
}

// Location resolves Timezone. Empty means the process local zone.
func (c NotifyConfig) Location() (*time.Location, error) {
	if strings.TrimSpace(c.Timezone) == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// Addr is host:port.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level   string `mapstructure:"level" yaml:"level"`
	Profile string `mapstructure:"profile" yaml:"profile"`
}

// ValidationError names the offending key.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return "config: " + e.Field + ": " + e.Message
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Validate checks settings every command relies on. Command-specific
// requirements (queue URLs, sender address) are checked by Require*.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case StorageS3:
	case StorageFile:
		if strings.TrimSpace(c.Storage.FileRoot) == "" {
			return invalid("storage.file_root", "required for the file backend")
		}
	default:
		return invalid("storage.backend", "must be %s or %s, got %q", StorageS3, StorageFile, c.Storage.Backend)
	}

	switch c.Store.Backend {
	case StoreDynamoDB:
		if strings.TrimSpace(c.Store.Table) == "" {
			return invalid("store.table", "required for the dynamodb backend")
		}
	case StoreSQLite:
		if strings.TrimSpace(c.Store.SQLitePath) == "" && strings.TrimSpace(c.Store.SQLiteURL) == "" {
			return invalid("store.sqlite_path", "required for the sqlite backend")
		}
	default:
		return invalid("store.backend", "must be %s or %s, got %q", StoreDynamoDB, StoreSQLite, c.Store.Backend)
	}

	if c.Queue.WaitSeconds < 0 || c.Queue.WaitSeconds > 20 {
		return invalid("queue.wait_seconds", "must be between 0 and 20")
	}
	if c.Queue.MaxMessages < 1 || c.Queue.MaxMessages > 10 {
		return invalid("queue.max_messages", "must be between 1 and 10")
	}
	if c.Queue.MaxReceives < 0 {
		return invalid("queue.max_receives", "must not be negative")
	}
	if c.Dispatch.MaxWorkers < 1 {
		return invalid("dispatch.max_workers", "must be at least 1")
	}
	if c.Dispatch.WorkerTimeout < 0 {
		return invalid("dispatch.worker_timeout", "must not be negative")
	}
	if c.Dispatch.PendingAfter < 0 {
		return invalid("dispatch.pending_after", "must not be negative")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return invalid("server.port", "out of range")
	}
	if _, err := c.Notify.Location(); err != nil {
		return invalid("notify.timezone", "%v", err)
	}
	return nil
}

// RequireDispatch checks what the dispatcher needs.
func (c *Config) RequireDispatch() error {
	if strings.TrimSpace(c.Queue.RequestsURL) == "" {
		return invalid("queue.requests_url", "required")
	}
	if strings.TrimSpace(c.Dispatch.StagingDir) == "" {
		return invalid("dispatch.staging_dir", "required")
	}
	return nil
}

// RequireWorker checks what the worker needs.
func (c *Config) RequireWorker() error {
	if strings.TrimSpace(c.Storage.ResultsBucket) == "" {
		return invalid("storage.results_bucket", "required")
	}
	if strings.TrimSpace(c.Dispatch.StagingDir) == "" {
		return invalid("dispatch.staging_dir", "required")
	}
	if c.Events.ResultsTopicARN == "" && c.Queue.ResultsURL == "" {
		return invalid("events.results_topic_arn", "set a topic or queue.results_url")
	}
	return nil
}

// RequireNotify checks what the notifier needs.
func (c *Config) RequireNotify() error {
	switch {
	case strings.TrimSpace(c.Queue.ResultsURL) == "":
		return invalid("queue.results_url", "required")
	case strings.TrimSpace(c.Notify.Sender) == "":
		return invalid("notify.sender", "required")
	case strings.TrimSpace(c.Notify.ProfilesDSN) == "":
		return invalid("notify.profiles_dsn", "required")
	}
	return nil
}

// RequireSubmit checks what the submit command needs.
func (c *Config) RequireSubmit() error {
	if strings.TrimSpace(c.Storage.InputsBucket) == "" {
		return invalid("storage.inputs_bucket", "required")
	}
	if strings.TrimSpace(c.Dispatch.Partition) == "" {
		return invalid("dispatch.partition", "required")
	}
	if c.Events.RequestsTopicARN == "" && c.Queue.RequestsURL == "" {
		return invalid("events.requests_topic_arn", "set a topic or queue.requests_url")
	}
	return nil
}
