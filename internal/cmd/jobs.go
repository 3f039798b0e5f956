package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/jobline/pkg/job"
	"github.com/3leaps/jobline/pkg/jobstore"
)

type outputFormat string

const (
	formatTable outputFormat = "table"
	formatJSON  outputFormat = "json"
	formatYAML  outputFormat = "yaml"
)

func parseOutputFormat(s string) (outputFormat, error) {
	switch f := outputFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case formatTable, formatJSON, formatYAML:
		return f, nil
	case "":
		return formatTable, nil
	default:
		return "", fmt.Errorf("unsupported format %q (table, json, yaml)", s)
	}
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect job records",
}

var jobsGetCmd = &cobra.Command{
	Use:   "get <job_id>",
	Short: "Show one job record",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsGet,
}

var jobsListCmd = &cobra.Command{
	Use:   "list (--user <user_id> | --status <status>)",
	Short: "List job records by user or status",
	Long: `List job records for one user, newest first, or every job in a status.

Examples:
  jobline jobs list --user U1
  jobline jobs list --status RUNNING --format json`,
	Args: cobra.NoArgs,
	RunE: runJobsList,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsGetCmd)
	jobsCmd.AddCommand(jobsListCmd)

	jobsCmd.PersistentFlags().StringP("format", "o", "table", "Output format: table, json or yaml")
	jobsListCmd.Flags().String("user", "", "List jobs submitted by this user")
	jobsListCmd.Flags().String("status", "", "List jobs in this status")
	jobsListCmd.MarkFlagsMutuallyExclusive("user", "status")
	jobsListCmd.MarkFlagsOneRequired("user", "status")
}

func openReadStore(cmd *cobra.Command) (jobstore.Store, outputFormat, error) {
	raw, _ := cmd.Flags().GetString("format")
	format, err := parseOutputFormat(raw)
	if err != nil {
		return nil, "", exitError(foundry.ExitInvalidArgument, "Invalid --format", err)
	}
	cfg, _, err := loadConfig(cmd, "jobline")
	if err != nil {
		return nil, "", err
	}
	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return nil, "", exitError(foundry.ExitExternalServiceUnavailable, "Failed to open job store", err)
	}
	return store, format, nil
}

func runJobsGet(cmd *cobra.Command, args []string) error {
	store, format, err := openReadStore(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	rec, err := store.Get(cmd.Context(), args[0])
	if err != nil {
		if jobstore.IsNotFound(err) {
			return exitError(foundry.ExitFileNotFound, "Job not found", err)
		}
		return exitError(foundry.ExitExternalServiceUnavailable, "Job lookup failed", err)
	}
	return writeRecord(cmd.OutOrStdout(), format, rec)
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	user, _ := cmd.Flags().GetString("user")
	rawStatus, _ := cmd.Flags().GetString("status")

	var status job.Status
	if rawStatus != "" {
		s, err := job.ParseStatus(rawStatus)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid --status", err)
		}
		status = s
	}

	store, format, err := openReadStore(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	var recs []job.Record
	if user != "" {
		recs, err = store.ListByUser(cmd.Context(), user)
	} else {
		recs, err = store.ListByStatus(cmd.Context(), status)
	}
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Job listing failed", err)
	}
	return writeRecords(cmd.OutOrStdout(), format, recs)
}

func writeRecords(w io.Writer, format outputFormat, recs []job.Record) error {
	if recs == nil {
		recs = []job.Record{}
	}
	switch format {
	case formatJSON:
		return encodeJSON(w, recs)
	case formatYAML:
		return encodeYAML(w, recs)
	}
	if len(recs) == 0 {
		_, _ = fmt.Fprintln(w, "No jobs found")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer func() { _ = tw.Flush() }()

	_, _ = fmt.Fprintln(tw, "JOB ID\tUSER\tSTATUS\tSUBMITTED\tCOMPLETED\tINPUT")
	for _, r := range recs {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.JobID, r.UserID, r.Status, formatEpoch(r.SubmitTime), formatEpoch(r.CompleteTime), r.InputFileName)
	}
	return nil
}

func writeRecord(w io.Writer, format outputFormat, rec *job.Record) error {
	switch format {
	case formatJSON:
		return encodeJSON(w, rec)
	case formatYAML:
		return encodeYAML(w, rec)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer func() { _ = tw.Flush() }()

	rows := [][2]string{
		{"Job ID", rec.JobID},
		{"User", rec.UserID},
		{"Status", rec.Status.String()},
		{"Input", rec.InputsBucket + "/" + rec.InputKey},
		{"Submitted", formatEpoch(rec.SubmitTime)},
		{"Started", formatEpoch(rec.StartTime)},
		{"Completed", formatEpoch(rec.CompleteTime)},
	}
	if rec.ResultKey != "" {
		rows = append(rows, [2]string{"Result", rec.ResultsBucket + "/" + rec.ResultKey})
	}
	if rec.LogKey != "" {
		rows = append(rows, [2]string{"Log", rec.ResultsBucket + "/" + rec.LogKey})
	}
	if rec.FailureReason != "" {
		rows = append(rows, [2]string{"Failure", rec.FailureReason})
	}
	for _, row := range rows {
		_, _ = fmt.Fprintf(tw, "%s:\t%s\n", row[0], row[1])
	}
	return nil
}

func encodeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func encodeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func formatEpoch(sec int64) string {
	if sec == 0 {
		return "-"
	}
	return time.Unix(sec, 0).UTC().Format(time.RFC3339)
}
