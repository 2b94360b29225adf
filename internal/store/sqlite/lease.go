package sqlite

import (
	"context"
	"fmt"
	"time"
)

func (b *Backend) UpdateWorkerPing(ctx context.Context, workerID string, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO worker_pings (worker_id, last_ping_at) VALUES (?, ?)
		ON CONFLICT (worker_id) DO UPDATE SET last_ping_at = excluded.last_ping_at`,
		workerID, formatTime(now))
	if err != nil {
		return fmt.Errorf("failed to update worker ping: %w", err)
	}
	return nil
}

func (b *Backend) ClearExpiredLeases(ctx context.Context, workerID string, expiredBefore time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	res, err := b.db.ExecContext(ctx, `
		UPDATE workflows SET lease_owner = NULL
		WHERE lease_owner IS NOT NULL AND lease_owner NOT IN (
			SELECT worker_id FROM worker_pings WHERE last_ping_at > ?
		)`, formatTime(expiredBefore))
	if err != nil {
		return 0, fmt.Errorf("failed to clear expired leases: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return int(n), nil
}
