// Package sqlite provides a SQLite store.Store backend for single-node
// deployments (spec §4.D), grounded on the teacher's
// controller/backend/sqlite package: one writer connection, WAL mode,
// and the same migrate-on-New pattern.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Compile-time interface assertion lives in store_test-adjacent file to
// avoid an import cycle at package scope; see sqlite_test.go.

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path ("file::memory:?cache=shared" for
	// an ephemeral in-process database).
	Path string

	// WAL enables Write-Ahead Logging for concurrent readers alongside
	// the single writer.
	WAL bool

	// LeaseExpiry is how long a worker's lease survives without a ping
	// before PullWorkflows treats the row as unleased.
	LeaseExpiry time.Duration
}

// Backend is a SQLite-backed store.Store. SQLite serializes writes at
// the engine level, so the compound read-evaluate-write operations the
// Database Contract requires (pull_workflows' eligibility scan,
// listen_with_timeout's claim-or-fail) are additionally guarded by mu,
// matching the teacher's single-connection pool (SetMaxOpenConns(1)).
type Backend struct {
	db          *sql.DB
	mu          sync.Mutex
	leaseExpiry time.Duration

	wakeCh chan struct{}
}

// New opens (creating if absent) a SQLite database at cfg.Path and runs
// migrations.
func New(cfg Config) (*Backend, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes; one connection avoids SQLITE_BUSY churn
	// under our own mutex.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	leaseExpiry := cfg.LeaseExpiry
	if leaseExpiry <= 0 {
		leaseExpiry = 30 * time.Second
	}

	b := &Backend{db: db, leaseExpiry: leaseExpiry, wakeCh: make(chan struct{}, 1)}

	if err := b.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}
	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return b, nil
}

func (b *Backend) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := b.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (b *Backend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at TEXT NOT NULL,
			ray_id TEXT,
			input TEXT,
			state TEXT,
			output TEXT,
			error TEXT,
			wake_immediate INTEGER NOT NULL DEFAULT 0,
			wake_deadline TEXT,
			wake_signals TEXT,
			wake_sub_wfid TEXT,
			lease_owner TEXT,
			last_pull_at TEXT,
			silenced_at TEXT,
			tags TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_name ON workflows(name)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_created_at ON workflows(created_at)`,
		`CREATE TABLE IF NOT EXISTS events (
			workflow_id TEXT NOT NULL,
			location TEXT NOT NULL,
			forgotten INTEGER NOT NULL DEFAULT 0,
			payload TEXT NOT NULL,
			PRIMARY KEY (workflow_id, location),
			FOREIGN KEY (workflow_id) REFERENCES workflows(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS signals (
			id TEXT PRIMARY KEY,
			ray_id TEXT,
			dest_wfid TEXT,
			dest_tags TEXT,
			name TEXT NOT NULL,
			body TEXT,
			created_at TEXT NOT NULL,
			acked_at TEXT,
			silenced_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_dest_wfid ON signals(dest_wfid)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_created_at ON signals(created_at)`,
		`CREATE TABLE IF NOT EXISTS worker_pings (
			worker_id TEXT PRIMARY KEY,
			last_ping_at TEXT NOT NULL
		)`,
	}
	for _, migration := range migrations {
		if _, err := b.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (b *Backend) notifyWake() {
	select {
	case b.wakeCh <- struct{}{}:
	default:
	}
}

// WakeSub returns a channel that receives a notification whenever new
// work may have become available.
func (b *Backend) WakeSub() <-chan struct{} { return b.wakeCh }

// Close closes the underlying database connection.
func (b *Backend) Close() error { return b.db.Close() }
