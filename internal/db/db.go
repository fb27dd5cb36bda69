package db

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const defaultDBName = "rtwline.db"

type Config struct {
	Workspace string
	// BusyTimeout is how long a writer waits on a locked database before
	// SQLite reports SQLITE_BUSY.
	BusyTimeout time.Duration
}

func dbPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".rtwline", defaultDBName)
}

// EnsureWorkspace creates workspace directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	if workspace == "" {
		workspace = "."
	}
	path := filepath.Join(workspace, ".rtwline")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// DSN builds the sqlite connection string. Transactions take the write lock
// at BEGIN so read-modify-write sequences on a case serialize.
func DSN(path string, busy time.Duration) string {
	if busy <= 0 {
		busy = 5 * time.Second
	}
	return fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_txlock=immediate",
		path, busy.Milliseconds())
}

// Open opens the SQLite database for the workspace.
func Open(cfg Config) (*sqlx.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	conn, err := sqlx.Open("sqlite", DSN(dbPath(cfg.Workspace), cfg.BusyTimeout))
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// OpenWithRetry opens the database and pings it, retrying transient lock
// errors with exponential backoff. Used once at startup.
func OpenWithRetry(ctx context.Context, cfg Config, logger *slog.Logger) (*sqlx.DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = 10 * time.Second

	var conn *sqlx.DB
	op := func() error {
		c, err := Open(cfg)
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := c.PingContext(ctx); err != nil {
			_ = c.Close()
			if IsBusy(err) {
				logger.Warn("database busy, retrying", "path", Path(cfg.Workspace), "err", err)
				return err
			}
			return backoff.Permanent(err)
		}
		conn = c
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return conn, nil
}

// TimeLayout is how timestamps are stored. The fraction is fixed width so
// text order matches time order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime renders t in UTC using TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// IsBusy reports whether err is a SQLite lock contention error.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_LOCKED")
}

// Path returns the db path for the workspace.
func Path(workspace string) string {
	return dbPath(workspace)
}
