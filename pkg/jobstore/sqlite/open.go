package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const memoryPath = ":memory:"

// Config locates the SQLite database. URL takes precedence over Path.
type Config struct {
	// Path is a local database file, a file: DSN, or ":memory:".
	Path string

	// URL is a remote libsql database, e.g. libsql://jobs.turso.io.
	URL string

	// AuthToken authenticates URL. A token already in the URL query wins.
	AuthToken string
}

// Remote reports whether c names a remote libsql database.
func (c Config) Remote() bool {
	if strings.TrimSpace(c.URL) != "" {
		return true
	}
	p := strings.TrimSpace(c.Path)
	return strings.HasPrefix(p, "libsql:") || strings.HasPrefix(p, "https:")
}

// DSN renders the driver data source name for c.
func (c Config) DSN() (string, error) {
	if u := strings.TrimSpace(c.URL); u != "" {
		return c.remoteDSN(u)
	}
	p := strings.TrimSpace(c.Path)
	switch {
	case p == "":
		return "", errors.New("job store path or url is required")
	case p == memoryPath, c.Remote():
		return p, nil
	case strings.HasPrefix(p, "file:"):
		return p, nil
	}
	return "file:" + filepath.Clean(p), nil
}

func (c Config) remoteDSN(raw string) (string, error) {
	if strings.TrimSpace(c.AuthToken) == "" {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid store url: %w", err)
	}
	q := u.Query()
	if q.Get("authToken") == "" {
		q.Set("authToken", c.AuthToken)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// localFile returns the database file path when c names one.
func (c Config) localFile() (string, bool, error) {
	if c.Remote() {
		return "", false, nil
	}
	p := strings.TrimSpace(c.Path)
	if p == "" || p == memoryPath {
		return "", false, nil
	}
	if !strings.HasPrefix(p, "file:") {
		return filepath.Clean(p), true, nil
	}
	u, err := url.Parse(p)
	if err != nil {
		return "", false, fmt.Errorf("invalid store path: %w", err)
	}
	f := u.Opaque
	if u.Path != "" {
		f = u.Path
	}
	f = strings.TrimPrefix(f, "//")
	if f == "" || f == memoryPath {
		return "", false, nil
	}
	return f, true, nil
}

// openDB opens the database named by c on the build's driver. Local files
// get their parent directory created, WAL journaling and a busy timeout.
// The pool is pinned to one connection so in-process writers serialize;
// other processes rely on SQLite file locking.
func openDB(ctx context.Context, c Config) (*sql.DB, error) {
	if err := checkDriverSupport(c); err != nil {
		return nil, err
	}
	dsn, err := c.DSN()
	if err != nil {
		return nil, err
	}
	file, local, err := c.localFile()
	if err != nil {
		return nil, err
	}
	if local {
		// #nosec G301 -- store directories are shared with operators
		if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping job store: %w", err)
	}
	if local {
		if err := tuneLocal(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}

func tuneLocal(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var mode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&mode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	var timeout int
	if err := db.QueryRowContext(ctx, "PRAGMA busy_timeout=5000").Scan(&timeout); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	return nil
}
