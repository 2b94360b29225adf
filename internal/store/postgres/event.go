package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowcraft/engine/internal/event"
	"github.com/flowcraft/engine/internal/location"
	"github.com/flowcraft/engine/internal/store"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx, letting the same
// helper run standalone or as part of a PullWorkflows/listen transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadEvents(ctx context.Context, q dbtx, wfID string) ([]event.Event, error) {
	rows, err := q.QueryContext(ctx, `SELECT location, forgotten, payload FROM events WHERE workflow_id = $1`, wfID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []event.Event
	for rows.Next() {
		var loc, payload string
		var forgotten bool
		if err := rows.Scan(&loc, &forgotten, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e, err := decodeEvent(wfID, loc, forgotten, payload)
		if err != nil {
			return nil, fmt.Errorf("failed to decode event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// findEvent returns the non-forgotten event at loc, if any.
func findEvent(ctx context.Context, q dbtx, wfID string, loc location.Location) (*event.Event, error) {
	row := q.QueryRowContext(ctx, `
		SELECT forgotten, payload FROM events WHERE workflow_id = $1 AND location = $2 AND forgotten = FALSE`,
		wfID, loc.String())
	var forgotten bool
	var payload string
	if err := row.Scan(&forgotten, &payload); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to query event: %w", err)
	}
	e, err := decodeEvent(wfID, loc.String(), forgotten, payload)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func insertEvent(ctx context.Context, q dbtx, e event.Event) error {
	loc, payload, err := encodeEvent(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO events (workflow_id, location, forgotten, payload) VALUES ($1, $2, FALSE, $3)`,
		e.WorkflowID, loc, payload)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func updateEventPayload(ctx context.Context, q dbtx, wfID string, loc location.Location, e event.Event) error {
	_, payload, err := encodeEvent(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	_, err = q.ExecContext(ctx, `UPDATE events SET payload = $1 WHERE workflow_id = $2 AND location = $3`,
		payload, wfID, loc.String())
	if err != nil {
		return fmt.Errorf("failed to update event: %w", err)
	}
	return nil
}

func (b *Backend) CommitActivityEvent(ctx context.Context, wfID string, loc location.Location, version int, eventID, name string, input json.RawMessage, now time.Time, output json.RawMessage, attemptErr string) error {
	existing, err := findEvent(ctx, b.db, wfID, loc)
	if err != nil {
		return err
	}
	if existing != nil {
		if output != nil {
			existing.Activity.Output = output
		} else if attemptErr != "" {
			existing.Activity.Errors = append(existing.Activity.Errors, attemptErr)
		}
		return updateEventPayload(ctx, b.db, wfID, loc, *existing)
	}

	e := event.NewActivity(wfID, loc, version, name, eventID, input, now)
	if output != nil {
		e.Activity.Output = output
	} else if attemptErr != "" {
		e.Activity.Errors = append(e.Activity.Errors, attemptErr)
	}
	return insertEvent(ctx, b.db, e)
}

func (b *Backend) CommitSleepEvent(ctx context.Context, wfID string, loc location.Location, version int, deadline time.Time, state event.SleepState, now time.Time) error {
	existing, err := findEvent(ctx, b.db, wfID, loc)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	return insertEvent(ctx, b.db, event.Event{
		WorkflowID: wfID, Location: loc, Kind: event.KindSleep, Version: version, CreatedAt: now,
		Sleep: &event.SleepPayload{DeadlineAt: deadline, State: state},
	})
}

func (b *Backend) UpdateSleepEventState(ctx context.Context, wfID string, loc location.Location, state event.SleepState) error {
	existing, err := findEvent(ctx, b.db, wfID, loc)
	if err != nil {
		return err
	}
	if existing == nil {
		return store.ErrNotFound
	}
	existing.Sleep.State = state
	return updateEventPayload(ctx, b.db, wfID, loc, *existing)
}

func (b *Backend) CommitBranchEvent(ctx context.Context, wfID string, loc location.Location, version int, now time.Time) error {
	if existing, err := findEvent(ctx, b.db, wfID, loc); err != nil {
		return err
	} else if existing != nil {
		return nil
	}
	return insertEvent(ctx, b.db, event.Event{WorkflowID: wfID, Location: loc, Kind: event.KindBranch, Version: version, CreatedAt: now})
}

func (b *Backend) CommitRemovedEvent(ctx context.Context, wfID string, loc location.Location, version int, originalKind event.Kind, originalName string, now time.Time) error {
	if existing, err := findEvent(ctx, b.db, wfID, loc); err != nil {
		return err
	} else if existing != nil {
		return nil
	}
	return insertEvent(ctx, b.db, event.Event{
		WorkflowID: wfID, Location: loc, Kind: event.KindRemoved, Version: version, CreatedAt: now,
		Removed: &event.RemovedPayload{OriginalKind: originalKind, OriginalName: originalName},
	})
}

func (b *Backend) CommitVersionCheckEvent(ctx context.Context, wfID string, loc location.Location, version int, now time.Time) error {
	if existing, err := findEvent(ctx, b.db, wfID, loc); err != nil {
		return err
	} else if existing != nil {
		return nil
	}
	return insertEvent(ctx, b.db, event.Event{WorkflowID: wfID, Location: loc, Kind: event.KindVersionCheck, Version: version, CreatedAt: now})
}

func (b *Backend) CommitMessageSendEvent(ctx context.Context, wfID string, loc location.Location, version int, tags map[string]string, name string, body json.RawMessage, now time.Time) error {
	if existing, err := findEvent(ctx, b.db, wfID, loc); err != nil {
		return err
	} else if existing != nil {
		return nil
	}
	return insertEvent(ctx, b.db, event.Event{
		WorkflowID: wfID, Location: loc, Kind: event.KindMessageSend, Version: version, CreatedAt: now,
		MessageSend: &event.MessageSendPayload{Tags: tags, Name: name, Body: body},
	})
}

// CommitListenWithTimeout runs inside a single transaction: claiming a
// signal, updating the sleep event, and writing the listen event must
// all commit together or not at all.
func (b *Backend) CommitListenWithTimeout(ctx context.Context, wfID string, sleepLoc, listenLoc location.Location, version int, nameFilter []string, now time.Time) (*store.Signal, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	wf, err := getWorkflowTx(ctx, tx, wfID)
	if err != nil {
		return nil, err
	}

	chosen, err := claimSignal(ctx, tx, wf, nameFilter)
	if err != nil {
		return nil, err
	}

	state := event.SleepUninterrupted
	if chosen != nil {
		state = event.SleepInterrupted
	}
	if existing, err := findEvent(ctx, tx, wfID, sleepLoc); err != nil {
		return nil, err
	} else if existing != nil {
		existing.Sleep.State = state
		if err := updateEventPayload(ctx, tx, wfID, sleepLoc, *existing); err != nil {
			return nil, err
		}
	}

	if chosen == nil {
		return nil, tx.Commit()
	}
	if err := ackSignal(ctx, tx, chosen.ID, now); err != nil {
		return nil, err
	}
	if err := insertEvent(ctx, tx, event.Event{
		WorkflowID: wfID, Location: listenLoc, Kind: event.KindSignalListen, Version: version, CreatedAt: now,
		SignalListen: &event.SignalListenPayload{SignalID: chosen.ID, SignalName: chosen.Name, Body: chosen.Body},
	}); err != nil {
		return nil, err
	}
	chosen.AckedAt = &now
	return chosen, tx.Commit()
}

func (b *Backend) UpsertLoopEvent(ctx context.Context, wfID string, loopLoc location.Location, version int, iteration int, state json.RawMessage, output json.RawMessage, now time.Time) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	existing, err := findEvent(ctx, tx, wfID, loopLoc)
	if err != nil {
		return err
	}
	if existing == nil {
		if err := insertEvent(ctx, tx, event.Event{
			WorkflowID: wfID, Location: loopLoc, Kind: event.KindLoop, Version: version, CreatedAt: now,
			Loop: &event.LoopPayload{Iteration: iteration, State: state, Output: output},
		}); err != nil {
			return err
		}
		return tx.Commit()
	}

	existing.Loop.Iteration = iteration
	existing.Loop.State = state
	existing.Loop.Output = output
	if err := updateEventPayload(ctx, tx, wfID, loopLoc, *existing); err != nil {
		return err
	}

	// Forget every non-forgotten event under loopLoc except the subtree
	// belonging to the iteration that just finished.
	currentScope := loopLoc.IterationChild(iteration)
	rows, err := tx.QueryContext(ctx, `SELECT location FROM events WHERE workflow_id = $1 AND forgotten = FALSE`, wfID)
	if err != nil {
		return fmt.Errorf("failed to scan loop scope: %w", err)
	}
	var toForget []string
	for rows.Next() {
		var locStr string
		if err := rows.Scan(&locStr); err != nil {
			rows.Close()
			return err
		}
		loc, err := location.Parse(locStr)
		if err != nil {
			rows.Close()
			return err
		}
		if loc.Compare(loopLoc) == 0 {
			continue
		}
		if loc.HasPrefix(currentScope) {
			continue
		}
		if loc.HasPrefix(loopLoc) {
			toForget = append(toForget, locStr)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, locStr := range toForget {
		if _, err := tx.ExecContext(ctx, `UPDATE events SET forgotten = TRUE WHERE workflow_id = $1 AND location = $2`, wfID, locStr); err != nil {
			return fmt.Errorf("failed to forget event: %w", err)
		}
	}
	return tx.Commit()
}

func (b *Backend) DispatchSubWorkflow(ctx context.Context, parentID string, parentLoc location.Location, version int, rayID, subID, name string, tags map[string]string, input json.RawMessage, now time.Time, opts store.DispatchOptions) (string, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	if opts.Unique {
		if existing, ok, err := findIncompleteByNameTags(ctx, tx, name, tags); err != nil {
			return "", err
		} else if ok {
			if err := appendSubWorkflowEvent(ctx, tx, parentID, parentLoc, version, existing, name, tags, input, now); err != nil {
				return "", err
			}
			return existing, tx.Commit()
		}
	}

	if subID == "" {
		subID = uuid.New().String()
	}
	tagsJSON, err := marshalTags(tags)
	if err != nil {
		return "", fmt.Errorf("failed to marshal tags: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO workflows (id, name, created_at, ray_id, input, wake_immediate, tags)
		VALUES ($1, $2, $3, $4, $5, TRUE, $6)`,
		subID, name, now, rayID, nullableJSON(input), nullableJSON([]byte(tagsJSON)),
	); err != nil {
		return "", fmt.Errorf("failed to create sub-workflow: %w", err)
	}
	if err := appendSubWorkflowEvent(ctx, tx, parentID, parentLoc, version, subID, name, tags, input, now); err != nil {
		return "", err
	}
	b.notifyWake()
	return subID, tx.Commit()
}

func appendSubWorkflowEvent(ctx context.Context, tx *sql.Tx, parentID string, parentLoc location.Location, version int, subID, name string, tags map[string]string, input json.RawMessage, now time.Time) error {
	existing, err := findEvent(ctx, tx, parentID, parentLoc)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	return insertEvent(ctx, tx, event.Event{
		WorkflowID: parentID, Location: parentLoc, Kind: event.KindSubWorkflow, Version: version, CreatedAt: now,
		SubWorkflow: &event.SubWorkflowPayload{SubWorkflowID: subID, Name: name, Tags: tags, Input: input},
	})
}
