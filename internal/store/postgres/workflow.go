package postgres

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
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	if opts.Unique {
		if existing, ok, err := findIncompleteByNameTags(ctx, tx, name, opts.Tags); err != nil {
			return "", err
		} else if ok {
			return existing, tx.Commit()
		}
	}

	if wfID == "" {
		wfID = uuid.New().String()
	}
	tagsJSON, err := marshalTags(opts.Tags)
	if err != nil {
		return "", fmt.Errorf("failed to marshal tags: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO workflows (id, name, created_at, ray_id, input, wake_immediate, tags)
		VALUES ($1, $2, $3, $4, $5, TRUE, $6)`,
		wfID, name, time.Now(), rayID, nullableJSON(input), nullableJSON([]byte(tagsJSON)),
	); err != nil {
		return "", fmt.Errorf("failed to create workflow: %w", err)
	}
	b.notifyWake()
	return wfID, tx.Commit()
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// findIncompleteByNameTags scans incomplete workflows of the given name
// for an exact tag-set match, within tx.
func findIncompleteByNameTags(ctx context.Context, tx *sql.Tx, name string, tags map[string]string) (string, bool, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, output, error, wake_immediate, wake_deadline, wake_signals, wake_sub_wfid, tags
		FROM workflows WHERE name = $1 FOR UPDATE`, name)
	if err != nil {
		return "", false, fmt.Errorf("failed to query workflows: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var output, errStr, wakeSignals, wakeSubWFID, tagsJSON sql.NullString
		var wakeDeadline sql.NullTime
		var wakeImmediate bool
		if err := rows.Scan(&id, &output, &errStr, &wakeImmediate, &wakeDeadline, &wakeSignals, &wakeSubWFID, &tagsJSON); err != nil {
			return "", false, fmt.Errorf("failed to scan workflow: %w", err)
		}
		wf := store.Workflow{
			Output: nullRawMessage(output),
			Error:  errStr.String,
			Wake: store.WakeCondition{
				Immediate:     wakeImmediate,
				DeadlineAt:    nullTimePtr(wakeDeadline),
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

func nullRawMessage(s sql.NullString) json.RawMessage {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.RawMessage(s.String)
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func (b *Backend) GetWorkflow(ctx context.Context, id string) (*store.Workflow, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT id, name, created_at, ray_id, input, state, output, error,
			wake_immediate, wake_deadline, wake_signals, wake_sub_wfid,
			lease_owner, last_pull_at, silenced_at, tags
		FROM workflows WHERE id = $1`, id)
	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	return wf, nil
}

func getWorkflowTx(ctx context.Context, tx *sql.Tx, id string) (*store.Workflow, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, name, created_at, ray_id, input, state, output, error,
			wake_immediate, wake_deadline, wake_signals, wake_sub_wfid,
			lease_owner, last_pull_at, silenced_at, tags
		FROM workflows WHERE id = $1`, id)
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
	var input, state, output, errStr sql.NullString
	var wakeSignals, wakeSubWFID sql.NullString
	var wakeDeadline sql.NullTime
	var wakeImmediate bool
	var leaseOwner, tagsJSON sql.NullString
	var lastPullAt, silencedAt sql.NullTime

	err := row.Scan(
		&wf.ID, &wf.Name, &wf.CreatedAt, &wf.RayID, &input, &state, &output, &errStr,
		&wakeImmediate, &wakeDeadline, &wakeSignals, &wakeSubWFID,
		&leaseOwner, &lastPullAt, &silencedAt, &tagsJSON,
	)
	if err != nil {
		return nil, err
	}

	wf.Input = nullRawMessage(input)
	wf.State = nullRawMessage(state)
	wf.Output = nullRawMessage(output)
	wf.Error = errStr.String
	wf.Wake.Immediate = wakeImmediate
	wf.Wake.DeadlineAt = nullTimePtr(wakeDeadline)
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
		wf.LastPullAt = lastPullAt.Time
	}
	wf.SilencedAt = nullTimePtr(silencedAt)
	if tagsJSON.Valid {
		tags, err := unmarshalTags(tagsJSON.String)
		if err != nil {
			return nil, err
		}
		wf.Tags = tags
	}
	return &wf, nil
}

// fetchMultiplier over-fetches candidate rows under FOR UPDATE SKIP
// LOCKED since eligibility (signal/sub-workflow wake conditions) can
// only be evaluated in Go after the row is read.
const fetchMultiplier = 4

func (b *Backend) PullWorkflows(ctx context.Context, workerID string, nameFilter []string, limit int) ([]store.PulledWorkflow, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	nameSet := toSet(nameFilter)

	rows, err := tx.QueryContext(ctx, `
		SELECT id, name, created_at, ray_id, input, state, output, error,
			wake_immediate, wake_deadline, wake_signals, wake_sub_wfid,
			lease_owner, last_pull_at, silenced_at, tags
		FROM workflows
		WHERE output IS NULL
		ORDER BY created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $1`, limit*fetchMultiplier)
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
			ok, err := hasMatchingSignal(ctx, tx, wf, names)
			return err == nil && ok
		}
		subDone := func(subID string) bool {
			sub, err := getWorkflowTx(ctx, tx, subID)
			return err == nil && sub.Output != nil
		}
		if !alloc.Eligible(av, now, hasSignal, subDone) {
			continue
		}

		if _, err := tx.ExecContext(ctx, `UPDATE workflows SET lease_owner = $1, last_pull_at = $2 WHERE id = $3`,
			workerID, now, wf.ID); err != nil {
			return nil, fmt.Errorf("failed to lease workflow: %w", err)
		}
		wf.LeaseOwner = workerID
		wf.LastPullAt = now

		evs, err := loadEvents(ctx, tx, wf.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, store.PulledWorkflow{Workflow: *wf, History: evs})
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit pull: %w", err)
	}
	return out, nil
}

func (b *Backend) CommitWorkflow(ctx context.Context, id string, wake store.WakeCondition, errMsg string) error {
	sigs, err := marshalStrings(wake.Signals)
	if err != nil {
		return fmt.Errorf("failed to marshal wake signals: %w", err)
	}
	res, err := b.db.ExecContext(ctx, `
		UPDATE workflows SET lease_owner = NULL, error = $1,
			wake_immediate = $2, wake_deadline = $3, wake_signals = $4, wake_sub_wfid = $5
		WHERE id = $6`,
		nullIfEmpty(errMsg), wake.Immediate, wake.DeadlineAt, nullableJSON([]byte(sigs)), nullIfEmpty(wake.SubWorkflowID), id,
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
	res, err := b.db.ExecContext(ctx, `
		UPDATE workflows SET lease_owner = NULL, output = $1,
			wake_immediate = FALSE, wake_deadline = NULL, wake_signals = NULL, wake_sub_wfid = NULL
		WHERE id = $2`, nullableJSON(output), id)
	if err != nil {
		return fmt.Errorf("failed to complete workflow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	b.notifyWake()
	return nil
}
