package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowcraft/engine/internal/alloc"
	"github.com/flowcraft/engine/internal/store"
)

func (b *Backend) DispatchWorkflow(ctx context.Context, rayID, wfID, name string, input json.RawMessage, opts store.DispatchOptions) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if opts.Unique {
		if existing, ok, err := b.findIncompleteByNameTagsLocked(ctx, name, opts.Tags); err != nil {
			return "", err
		} else if ok {
			return existing, nil
		}
	}

	if wfID == "" {
		wfID = uuid.New().String()
	}
	tagsJSON, err := marshalTags(opts.Tags)
	if err != nil {
		return "", fmt.Errorf("failed to marshal tags: %w", err)
	}

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO workflows (id, name, created_at, ray_id, input, wake_immediate, tags)
		VALUES (?, ?, ?, ?, ?, 1, ?)`,
		wfID, name, formatTime(time.Now()), rayID, string(input), tagsJSON,
	)
	if err != nil {
		return "", fmt.Errorf("failed to create workflow: %w", err)
	}
	b.notifyWake()
	return wfID, nil
}

// findIncompleteByNameTagsLocked scans incomplete workflows of the given
// name for an exact tag-set match. Callers must hold b.mu.
func (b *Backend) findIncompleteByNameTagsLocked(ctx context.Context, name string, tags map[string]string) (string, bool, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, output, error, wake_immediate, wake_deadline, wake_signals, wake_sub_wfid, tags
		FROM workflows WHERE name = ?`, name)
	if err != nil {
		return "", false, fmt.Errorf("failed to query workflows: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var output sql.NullString
		var errStr, wakeDeadline, wakeSignals, wakeSubWFID, tagsJSON sql.NullString
		var wakeImmediate int
		if err := rows.Scan(&id, &output, &errStr, &wakeImmediate, &wakeDeadline, &wakeSignals, &wakeSubWFID, &tagsJSON); err != nil {
			return "", false, fmt.Errorf("failed to scan workflow: %w", err)
		}
		wf := store.Workflow{
			Output: nullRawMessage(output),
			Error:  errStr.String,
			Wake: store.WakeCondition{
				Immediate:     wakeImmediate != 0,
				DeadlineAt:    parseTimePtrNullable(wakeDeadline),
				SubWorkflowID: wakeSubWFID.String,
			},
		}
		if !wf.IsIncomplete() {
			continue
		}
		have, err := unmarshalTags(tagsJSON.String)
		if err != nil {
			return "", false, err
		}
		if tagsEqual(have, tags) {
			return id, true, nil
		}
	}
	return "", false, rows.Err()
}

func tagsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func nullRawMessage(s sql.NullString) json.RawMessage {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.RawMessage(s.String)
}

func parseTimePtrNullable(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	return parseTimePtr(s.String)
}

func (b *Backend) GetWorkflow(ctx context.Context, id string) (*store.Workflow, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.getWorkflowLocked(ctx, id)
}

func (b *Backend) getWorkflowLocked(ctx context.Context, id string) (*store.Workflow, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT id, name, created_at, ray_id, input, state, output, error,
			wake_immediate, wake_deadline, wake_signals, wake_sub_wfid,
			lease_owner, last_pull_at, silenced_at, tags
		FROM workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	return wf, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row scanner) (*store.Workflow, error) {
	var wf store.Workflow
	var createdAt string
	var input, state, output, errStr sql.NullString
	var wakeDeadline, wakeSignals, wakeSubWFID sql.NullString
	var wakeImmediate int
	var leaseOwner, lastPullAt, silencedAt, tagsJSON sql.NullString

	err := row.Scan(
		&wf.ID, &wf.Name, &createdAt, &wf.RayID, &input, &state, &output, &errStr,
		&wakeImmediate, &wakeDeadline, &wakeSignals, &wakeSubWFID,
		&leaseOwner, &lastPullAt, &silencedAt, &tagsJSON,
	)
	if err != nil {
		return nil, err
	}

	wf.CreatedAt = parseTime(createdAt)
	wf.Input = nullRawMessage(input)
	wf.State = nullRawMessage(state)
	wf.Output = nullRawMessage(output)
	wf.Error = errStr.String
	wf.Wake.Immediate = wakeImmediate != 0
	wf.Wake.DeadlineAt = parseTimePtrNullable(wakeDeadline)
	wf.Wake.SubWorkflowID = wakeSubWFID.String
	if wakeSignals.Valid {
		sigs, err := unmarshalStrings(wakeSignals.String)
		if err != nil {
			return nil, err
		}
		wf.Wake.Signals = sigs
	}
	wf.LeaseOwner = leaseOwner.String
	if lastPullAt.Valid {
		wf.LastPullAt = parseTime(lastPullAt.String)
	}
	wf.SilencedAt = parseTimePtrNullable(silencedAt)
	if tagsJSON.Valid {
		tags, err := unmarshalTags(tagsJSON.String)
		if err != nil {
			return nil, err
		}
		wf.Tags = tags
	}
	return &wf, nil
}

func (b *Backend) PullWorkflows(ctx context.Context, workerID string, nameFilter []string, limit int) ([]store.PulledWorkflow, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	nameSet := toSet(nameFilter)

	rows, err := b.db.QueryContext(ctx, `
		SELECT id, name, created_at, ray_id, input, state, output, error,
			wake_immediate, wake_deadline, wake_signals, wake_sub_wfid,
			lease_owner, last_pull_at, silenced_at, tags
		FROM workflows ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}
	var candidates []*store.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		candidates = append(candidates, wf)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []store.PulledWorkflow
	for _, wf := range candidates {
		if len(out) >= limit {
			break
		}
		av := alloc.Workflow{
			Incomplete:    wf.IsIncomplete(),
			Silenced:      wf.SilencedAt != nil,
			LeaseOwner:    wf.LeaseOwner,
			LeaseExpired:  wf.LeaseOwner != "" && now.Sub(wf.LastPullAt) > b.leaseExpiry,
			NameMatches:   len(nameSet) == 0 || nameSet[wf.Name],
			WakeImmediate: wf.Wake.Immediate,
			WakeDeadline:  wf.Wake.DeadlineAt,
			WakeSignals:   wf.Wake.Signals,
			WakeSubWFID:   wf.Wake.SubWorkflowID,
		}
		hasSignal := func(names []string) bool {
			ok, err := b.hasMatchingSignalLocked(ctx, wf, names)
			return err == nil && ok
		}
		subDone := func(subID string) bool {
			sub, err := b.getWorkflowLocked(ctx, subID)
			return err == nil && sub.Output != nil
		}
		if !alloc.Eligible(av, now, hasSignal, subDone) {
			continue
		}

		if _, err := b.db.ExecContext(ctx, `UPDATE workflows SET lease_owner = ?, last_pull_at = ? WHERE id = ?`,
			workerID, formatTime(now), wf.ID); err != nil {
			return nil, fmt.Errorf("failed to lease workflow: %w", err)
		}
		wf.LeaseOwner = workerID
		wf.LastPullAt = now

		evs, err := b.loadEventsLocked(ctx, wf.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, store.PulledWorkflow{Workflow: *wf, History: evs})
	}
	return out, nil
}

func toSet(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

func (b *Backend) CommitWorkflow(ctx context.Context, id string, wake store.WakeCondition, errMsg string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sigs, err := marshalStrings(wake.Signals)
	if err != nil {
		return fmt.Errorf("failed to marshal wake signals: %w", err)
	}
	wakeImmediate := 0
	if wake.Immediate {
		wakeImmediate = 1
	}
	res, err := b.db.ExecContext(ctx, `
		UPDATE workflows SET lease_owner = NULL, error = ?,
			wake_immediate = ?, wake_deadline = ?, wake_signals = ?, wake_sub_wfid = ?
		WHERE id = ?`,
		nullIfEmpty(errMsg), wakeImmediate, formatTimePtr(wake.DeadlineAt), sigs, nullIfEmpty(wake.SubWorkflowID), id,
	)
	if err != nil {
		return fmt.Errorf("failed to commit workflow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	if !wake.IsZero() {
		b.notifyWake()
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (b *Backend) CompleteWorkflow(ctx context.Context, id string, output json.RawMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	res, err := b.db.ExecContext(ctx, `
		UPDATE workflows SET lease_owner = NULL, output = ?,
			wake_immediate = 0, wake_deadline = NULL, wake_signals = NULL, wake_sub_wfid = NULL
		WHERE id = ?`, string(output), id)
	if err != nil {
		return fmt.Errorf("failed to complete workflow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	b.notifyWake()
	return nil
}

