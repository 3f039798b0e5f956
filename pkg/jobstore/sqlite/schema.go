package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

const SchemaVersion = 1

// Migrate creates (or upgrades) the job schema in-place.
func Migrate(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("db is nil")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,

		`CREATE TABLE IF NOT EXISTS jobs (
			job_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			partition_id TEXT NOT NULL DEFAULT '',
			input_file_name TEXT NOT NULL DEFAULT '',
			s3_inputs_bucket TEXT NOT NULL DEFAULT '',
			s3_key_input_file TEXT NOT NULL DEFAULT '',
			submit_time INTEGER NOT NULL DEFAULT 0,
			job_status TEXT NOT NULL,
			start_time INTEGER NOT NULL DEFAULT 0,
			complete_time INTEGER NOT NULL DEFAULT 0,
			s3_results_bucket TEXT NOT NULL DEFAULT '',
			s3_key_result_file TEXT NOT NULL DEFAULT '',
			s3_key_log_file TEXT NOT NULL DEFAULT '',
			failure_reason TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_user_id ON jobs(user_id, submit_time);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(job_status);`,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET schema_version = ? WHERE id = 1`, SchemaVersion); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}

	return tx.Commit()
}
