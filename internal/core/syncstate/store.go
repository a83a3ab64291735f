// Package syncstate persists the per-resource sync locks and per-root batch
// counters that coordinate ingestion jobs across worker restarts.
package syncstate

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS sync_locks (
	resource_id TEXT PRIMARY KEY,
	holder      TEXT NOT NULL,
	acquired_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS batch_counters (
	taxonomy_root TEXT PRIMARY KEY,
	pending       INTEGER NOT NULL DEFAULT 0
);
`

// Store wraps a SQLite database holding sync locks and batch counters.
// Locks are durable so a crashed worker's lock is visible (and reclaimable
// once stale) after restart.
type Store struct {
	db         *sql.DB
	holder     string
	staleAfter time.Duration

	now func() time.Time // overridable in tests
}

// Open opens (or creates) the sync-state database in dataDir and applies the
// schema. Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string, staleAfter time.Duration) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating state directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "sync_state.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sync-state database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging sync-state database: %w", err)
	}

	// Single connection avoids "database is locked" errors under concurrency.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	host, _ := os.Hostname()
	return &Store{
		db:         db,
		holder:     fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8]),
		staleAfter: staleAfter,
		now:        time.Now,
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Holder returns this store's lock-holder identity.
func (s *Store) Holder() string { return s.holder }

// TryAcquire makes a single attempt to take the lock for resourceID.
// A lock older than the staleness window counts as abandoned and is
// reclaimed. Returns true when this store now holds the lock.
func (s *Store) TryAcquire(ctx context.Context, resourceID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin acquire tx: %w", err)
	}
	defer tx.Rollback()

	cutoff := s.now().Add(-s.staleAfter).Unix()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM sync_locks WHERE resource_id = ? AND acquired_at < ?`,
		resourceID, cutoff,
	); err != nil {
		return false, fmt.Errorf("reclaim stale lock: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO sync_locks (resource_id, holder, acquired_at) VALUES (?, ?, ?)
		 ON CONFLICT (resource_id) DO NOTHING`,
		resourceID, s.holder, s.now().Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("insert lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return false, tx.Commit()
	}
	return true, tx.Commit()
}

// Acquire polls TryAcquire until the lock is held or the overall timeout
// elapses. It reports false on timeout rather than hanging forever.
func (s *Store) Acquire(ctx context.Context, resourceID string, timeout, pollInterval time.Duration) (bool, error) {
	deadline := s.now().Add(timeout)
	for {
		ok, err := s.TryAcquire(ctx, resourceID)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		if s.now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Release drops the lock if this store holds it. Releasing a lock held by
// someone else (for example after a stale reclaim) is a no-op.
func (s *Store) Release(ctx context.Context, resourceID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_locks WHERE resource_id = ? AND holder = ?`,
		resourceID, s.holder,
	)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// IncrementAndCheck bumps the pending-file counter for root and reports
// whether the threshold was reached. When it is, the counter resets to zero
// in the same transaction, before the sync's outcome is known, so concurrent
// completions never double-trigger.
func (s *Store) IncrementAndCheck(ctx context.Context, root string, threshold int) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin counter tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO batch_counters (taxonomy_root, pending) VALUES (?, 1)
		 ON CONFLICT (taxonomy_root) DO UPDATE SET pending = pending + 1`,
		root,
	); err != nil {
		return false, fmt.Errorf("increment counter: %w", err)
	}

	var pending int
	if err := tx.QueryRowContext(ctx,
		`SELECT pending FROM batch_counters WHERE taxonomy_root = ?`, root,
	).Scan(&pending); err != nil {
		return false, fmt.Errorf("read counter: %w", err)
	}

	if pending < threshold {
		return false, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE batch_counters SET pending = 0 WHERE taxonomy_root = ?`, root,
	); err != nil {
		return false, fmt.Errorf("reset counter: %w", err)
	}
	return true, tx.Commit()
}

// ResetCount zeroes the pending counter for root.
func (s *Store) ResetCount(ctx context.Context, root string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE batch_counters SET pending = 0 WHERE taxonomy_root = ?`, root,
	)
	if err != nil {
		return fmt.Errorf("reset counter: %w", err)
	}
	return nil
}

// Count returns the pending counter for root (zero if never seen).
func (s *Store) Count(ctx context.Context, root string) (int, error) {
	var pending int
	err := s.db.QueryRowContext(ctx,
		`SELECT pending FROM batch_counters WHERE taxonomy_root = ?`, root,
	).Scan(&pending)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read counter: %w", err)
	}
	return pending, nil
}

// PendingRoots returns every taxonomy root with a nonzero pending counter,
// for the end-of-run flush.
func (s *Store) PendingRoots(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT taxonomy_root, pending FROM batch_counters WHERE pending > 0`,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending roots: %w", err)
	}
	defer rows.Close()

	pending := map[string]int{}
	for rows.Next() {
		var root string
		var n int
		if err := rows.Scan(&root, &n); err != nil {
			return nil, fmt.Errorf("scan pending root: %w", err)
		}
		pending[root] = n
	}
	return pending, rows.Err()
}
