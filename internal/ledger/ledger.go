// Package ledger stores the set of archive paths that have already been
// processed. It is a single-table SQLite database; presence of a path means the
// scanner never dispatches it again.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Register pure-Go SQLite driver for database/sql

	"github.com/hdshock/mangafixer/internal/logger"
)

// ErrUnavailable is returned when the backing store cannot be opened, is
// corrupt, or a commit fails irrecoverably. Callers must stop the pass.
var ErrUnavailable = errors.New("ledger unavailable")

// Ledger provides access to the processed_files table.
type Ledger struct {
	DB       *sql.DB
	path     string
	firstRun bool

	// beforeCommit runs inside CommitBatch after all inserts, before COMMIT.
	beforeCommit func() error
}

// Open opens (and if needed creates) the ledger database at dbPath.
func Open(dbPath string) (*Ledger, error) {
	_, statErr := os.Stat(dbPath)
	firstRun := errors.Is(statErr, os.ErrNotExist)

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, unavailable("failed to create database directory", err)
	}

	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, unavailable("failed to open database", err)
	}

	// WAL allows concurrent readers next to the single batch writer.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	l := &Ledger{DB: db, path: dbPath, firstRun: firstRun}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, unavailable("failed to ping database", err)
	}
	if err := configureSQLite(db); err != nil {
		_ = db.Close()
		return nil, unavailable("failed to configure database", err)
	}
	if err := l.runMigrations(); err != nil {
		_ = db.Close()
		return nil, unavailable("failed to run migrations", err)
	}
	if err := l.checkIntegrity(); err != nil {
		_ = db.Close()
		return nil, unavailable("database integrity check failed", err)
	}

	return l, nil
}

// dsn applies the per-connection pragmas on every pooled connection and makes
// write transactions take the lock up front.
func dsn(dbPath string) string {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(30000)")
	q.Add("_pragma", "synchronous(FULL)")
	q.Add("_pragma", "temp_store(MEMORY)")
	q.Set("_txlock", "immediate")
	return "file:" + dbPath + "?" + q.Encode()
}

func configureSQLite(db *sql.DB) error {
	var mode string
	if err := db.QueryRow("PRAGMA journal_mode=WAL").Scan(&mode); err != nil {
		return fmt.Errorf("failed to enable WAL: %w", err)
	}
	if mode != "wal" {
		logger.Warnf("Ledger journal mode is %q, expected wal", mode)
	}
	return nil
}

func (l *Ledger) checkIntegrity() error {
	var result string
	if err := l.DB.QueryRow("PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check query failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	logger.Debugf("Ledger integrity check passed")
	return nil
}

// FirstRun reports whether the database file did not exist before Open.
func (l *Ledger) FirstRun() bool {
	return l.firstRun
}

// Path returns the database file path.
func (l *Ledger) Path() string {
	return l.path
}

// Exists reports whether path has been committed.
func (l *Ledger) Exists(ctx context.Context, path string) (bool, error) {
	var one int
	err := l.DB.QueryRowContext(ctx, "SELECT 1 FROM processed_files WHERE filepath = ?", path).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("lookup failed", err)
	}
	return true, nil
}

// CommitBatch inserts every path not already present in a single
// transaction. Either all new paths become visible or none do.
func (l *Ledger) CommitBatch(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	err := withRetry(ctx, func() error {
		return l.commit(ctx, paths)
	})
	if err != nil {
		return unavailable(fmt.Sprintf("commit of %d paths failed", len(paths)), err)
	}
	return nil
}

func (l *Ledger) commit(ctx context.Context, paths []string) error {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, "INSERT OR IGNORE INTO processed_files (filepath) VALUES (?)")
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := stmt.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("failed to insert %s: %w", p, err)
		}
	}

	if l.beforeCommit != nil {
		if err := l.beforeCommit(); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	tx = nil // prevent deferred rollback after successful commit
	return nil
}

// Count returns the number of processed paths.
func (l *Ledger) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := l.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM processed_files").Scan(&n); err != nil {
		return 0, unavailable("count failed", err)
	}
	return n, nil
}

// Close closes the database connection.
func (l *Ledger) Close() error {
	return l.DB.Close()
}

// GracefulClose merges the WAL into the main database file and closes it.
func (l *Ledger) GracefulClose() error {
	if _, err := l.DB.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		logger.Warnf("Ledger WAL checkpoint failed: %v", err)
	}
	if err := l.DB.Close(); err != nil {
		return fmt.Errorf("failed to close ledger: %w", err)
	}
	logger.Debugf("Ledger closed: %s", l.path)
	return nil
}

func unavailable(msg string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, msg, err)
}
