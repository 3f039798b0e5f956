package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/jobline/internal/config"
	"github.com/3leaps/jobline/pkg/awsconfig"
	"github.com/3leaps/jobline/pkg/provider"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check configuration and backend connectivity",
	Long: `Check that each pipeline role is configured and that the job store,
object storage and AWS credentials are reachable.

Examples:
  jobline doctor
  jobline doctor --config prod.yaml`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

// doctorCheck is one diagnostic. Run returns a short detail on success.
type doctorCheck struct {
	name string
	run  func(ctx context.Context) (string, error)
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig(cmd, "jobline-doctor")
	if err != nil {
		return err
	}
	if failed := runChecks(cmd.Context(), cmd.OutOrStdout(), doctorChecks(cfg)); failed > 0 {
		return exitError(foundry.ExitExternalServiceUnavailable, fmt.Sprintf("%d checks failed", failed), nil)
	}
	return nil
}

func runChecks(ctx context.Context, w io.Writer, checks []doctorCheck) int {
	failed := 0
	for i, c := range checks {
		detail, err := c.run(ctx)
		prefix := fmt.Sprintf("[%d/%d] %s...", i+1, len(checks), c.name)
		if err != nil {
			failed++
			_, _ = fmt.Fprintf(w, "%s FAIL %v\n", prefix, err)
			continue
		}
		_, _ = fmt.Fprintf(w, "%s ok %s\n", prefix, detail)
	}
	if failed == 0 {
		_, _ = fmt.Fprintln(w, "All checks passed")
	}
	return failed
}

func doctorChecks(cfg *config.Config) []doctorCheck {
	role := func(name string, check func() error) doctorCheck {
		return doctorCheck{name: name + " config", run: func(context.Context) (string, error) {
			return "", check()
		}}
	}
	checks := []doctorCheck{
		role("dispatch", cfg.RequireDispatch),
		role("worker", cfg.RequireWorker),
		role("notify", cfg.RequireNotify),
		role("submit", cfg.RequireSubmit),
		{name: "staging dir", run: func(context.Context) (string, error) {
			return cfg.Dispatch.StagingDir, checkWritableDir(cfg.Dispatch.StagingDir)
		}},
		{name: "job store", run: func(ctx context.Context) (string, error) {
			store, err := openStore(ctx, cfg)
			if err != nil {
				return "", err
			}
			defer func() { _ = store.Close() }()
			return cfg.Store.Backend, storeChecker(store).CheckHealth(ctx)
		}},
	}
	for _, bucket := range []string{cfg.Storage.InputsBucket, cfg.Storage.ResultsBucket} {
		if bucket == "" {
			continue
		}
		checks = append(checks, doctorCheck{name: "bucket " + bucket, run: func(ctx context.Context) (string, error) {
			return cfg.Storage.Backend, checkBucket(ctx, cfg, bucket)
		}})
	}
	if cfg.Storage.Backend == config.StorageS3 || cfg.Store.Backend == config.StoreDynamoDB {
		checks = append(checks, doctorCheck{name: "AWS credentials", run: func(ctx context.Context) (string, error) {
			return checkCredentials(ctx, cfg.AWS.Client())
		}})
	}
	return checks
}

func checkWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(filepath.Clean(name))
}

// checkBucket treats a missing marker key as reachable.
func checkBucket(ctx context.Context, cfg *config.Config, bucket string) error {
	opener, err := openObjects(ctx, cfg)
	if err != nil {
		return err
	}
	p, err := opener.Open(ctx, bucket)
	if err != nil {
		return err
	}
	defer func() { _ = p.Close() }()
	if _, err := p.Head(ctx, ".jobline-doctor"); err != nil && !provider.IsNotFound(err) {
		return err
	}
	return nil
}

func checkCredentials(ctx context.Context, c awsconfig.Config) (string, error) {
	awsCfg, err := awsconfig.Load(ctx, c)
	if err != nil {
		return "", err
	}
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s (%s)", maskAccessKey(creds.AccessKeyID), creds.Source), nil
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}
