// Package profiles resolves user contact details from the accounts database.
package profiles

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	// Postgres driver for the accounts database.
	_ "github.com/lib/pq"

	"github.com/3leaps/jobline/pkg/notify"
)

// DefaultTable holds one row per user.
const DefaultTable = "profiles"

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Config configures the resolver.
type Config struct {
	// DSN is a lib/pq connection string (required for Open).
	DSN string

	// Table overrides DefaultTable. It may be schema-qualified.
	Table string

	ConnMaxLifetime time.Duration
}

func (c Config) table() string {
	if strings.TrimSpace(c.Table) == "" {
		return DefaultTable
	}
	return c.Table
}

// Validate checks the table name.
func (c Config) Validate() error {
	if !identRe.MatchString(c.table()) {
		return fmt.Errorf("profiles config: invalid table name %q", c.Table)
	}
	return nil
}

// Resolver implements notify.Resolver.
type Resolver struct {
	db    *sqlx.DB
	query string
}

var _ notify.Resolver = (*Resolver)(nil)

// Open connects to Postgres and pings it.
func Open(ctx context.Context, cfg Config) (*Resolver, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("profiles config: dsn is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect accounts database: %w", err)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return New(db, cfg)
}

// New wraps an existing connection. Placeholders are rebound for its driver.
func New(db *sqlx.DB, cfg Config) (*Resolver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	q := fmt.Sprintf("SELECT user_id, COALESCE(name, '') AS name, COALESCE(email, '') AS email FROM %s WHERE user_id = ?", cfg.table())
	return &Resolver{db: db, query: db.Rebind(q)}, nil
}

// Resolve returns the profile for userID or notify.ErrUnknownUser.
func (r *Resolver) Resolve(ctx context.Context, userID string) (notify.Profile, error) {
	var p notify.Profile
	if err := r.db.GetContext(ctx, &p, r.query, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notify.Profile{}, fmt.Errorf("%w: %s", notify.ErrUnknownUser, userID)
		}
		return notify.Profile{}, fmt.Errorf("query profile %s: %w", userID, err)
	}
	return p, nil
}

// Close releases the connection pool.
func (r *Resolver) Close() error {
	return r.db.Close()
}
