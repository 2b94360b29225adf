package postgres

import (
	"context"
	"fmt"
)

// advisoryLockID is grounded on the teacher's leader.Elector: a fixed
// 64-bit key shared by every worker in the fleet so pg_try_advisory_lock
// contends on the same slot regardless of which process calls it.
const advisoryLockID int64 = 0x666C6F776C6F636B

// GCLock is a worker.GCLock backed by a PostgreSQL session-level
// advisory lock, so only one worker in a fleet runs lease GC at a time.
// Like the teacher's Elector, it calls pg_try_advisory_lock/unlock
// directly on the shared pool rather than pinning a single connection.
type GCLock struct {
	db *Backend
}

// NewGCLock returns a GCLock backed by b's connection pool.
func NewGCLock(b *Backend) *GCLock {
	return &GCLock{db: b}
}

func (l *GCLock) TryLock(ctx context.Context) (bool, error) {
	var acquired bool
	row := l.db.db.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, advisoryLockID)
	if err := row.Scan(&acquired); err != nil {
		return false, fmt.Errorf("failed to try advisory lock: %w", err)
	}
	return acquired, nil
}

func (l *GCLock) Unlock(ctx context.Context) error {
	if _, err := l.db.db.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, advisoryLockID); err != nil {
		return fmt.Errorf("failed to release advisory lock: %w", err)
	}
	return nil
}
