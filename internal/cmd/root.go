// Package cmd implements the jobline command line.
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/jobline/internal/config"
	"github.com/3leaps/jobline/internal/observability"
)

// VersionInfo is stamped at build time.
type VersionInfo struct {
	Version   string `json:"version" yaml:"version"`
	Commit    string `json:"commit" yaml:"commit"`
	BuildDate string `json:"build_date" yaml:"build_date"`
}

var versionInfo = VersionInfo{Version: "dev", Commit: "unknown", BuildDate: "unknown"}

var (
	configPath string
	verbose    bool
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "jobline",
	Short: "Queue-driven job pipeline",
	Long: `jobline moves computation jobs through a queue-mediated pipeline.

A request message is dispatched to a supervised worker process, the worker
uploads its artifacts and records completion, and the notifier tells the
submitter their results are ready.

Examples:
  jobline dispatch --config jobline.yaml
  jobline notify
  jobline submit --user U1 sample.vcf
  jobline jobs list --user U1`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default ./jobline.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override logging.level")
}

// SetVersionInfo records build metadata.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// loadConfig reads configuration and initializes the command logger.
func loadConfig(cmd *cobra.Command, name string) (*config.Config, *zap.Logger, error) {
	var overrides []map[string]any
	if logLevel != "" {
		overrides = append(overrides, map[string]any{"logging": map[string]any{"level": logLevel}})
	}
	cfg, err := config.LoadWithOptions(cmd.Context(), config.Options{File: configPath, Overrides: overrides})
	if err != nil {
		observability.InitCLILogger(observability.LoggerConfig{Service: name, Verbose: verbose})
		return nil, observability.CLILogger, exitError(exitConfig, "Invalid configuration", err)
	}
	logger := observability.InitCLILogger(observability.LoggerConfig{
		Service: name,
		Level:   cfg.Logging.Level,
		Profile: cfg.Logging.Profile,
		Verbose: verbose,
	})
	logger.Debug("Configuration loaded", zap.String("config_file", configPath))
	return cfg, logger, nil
}

func requireConfig(check func() error) error {
	if err := check(); err != nil {
		return exitError(exitConfig, "Incomplete configuration", err)
	}
	return nil
}

func versionString() string {
	return fmt.Sprintf("%s (commit %s, built %s)", versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate)
}
