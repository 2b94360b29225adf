package sqlite

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

func (b *Backend) loadEventsLocked(ctx context.Context, wfID string) ([]event.Event, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT location, forgotten, payload FROM events WHERE workflow_id = ?`, wfID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []event.Event
	for rows.Next() {
		var loc string
		var forgotten int
		var payload string
		if err := rows.Scan(&loc, &forgotten, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e, err := decodeEvent(wfID, loc, forgotten != 0, payload)
		if err != nil {
			return nil, fmt.Errorf("failed to decode event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// findEventLocked returns the non-forgotten event at loc, if any.
func (b *Backend) findEventLocked(ctx context.Context, wfID string, loc location.Location) (*event.Event, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT forgotten, payload FROM events WHERE workflow_id = ? AND location = ? AND forgotten = 0`,
		wfID, loc.String())
	var forgotten int
	var payload string
	if err := row.Scan(&forgotten, &payload); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to query event: %w", err)
	}
	e, err := decodeEvent(wfID, loc.String(), forgotten != 0, payload)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (b *Backend) insertEventLocked(ctx context.Context, e event.Event) error {
	loc, payload, err := encodeEvent(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO events (workflow_id, location, forgotten, payload) VALUES (?, ?, 0, ?)`,
		e.WorkflowID, loc, payload)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func (b *Backend) updateEventPayloadLocked(ctx context.Context, wfID string, loc location.Location, e event.Event) error {
	_, payload, err := encodeEvent(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	_, err = b.db.ExecContext(ctx, `UPDATE events SET payload = ? WHERE workflow_id = ? AND location = ?`,
		payload, wfID, loc.String())
	if err != nil {
		return fmt.Errorf("failed to update event: %w", err)
	}
	return nil
}

func (b *Backend) CommitActivityEvent(ctx context.Context, wfID string, loc location.Location, version int, eventID, name string, input json.RawMessage, now time.Time, output json.RawMessage, attemptErr string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	existing, err := b.findEventLocked(ctx, wfID, loc)
	if err != nil {
		return err
	}
	if existing != nil {
		if output != nil {
			existing.Activity.Output = output
		} else if attemptErr != "" {
			existing.Activity.Errors = append(existing.Activity.Errors, attemptErr)
		}
		return b.updateEventPayloadLocked(ctx, wfID, loc, *existing)
	}

	e := event.NewActivity(wfID, loc, version, name, eventID, input, now)
	if output != nil {
		e.Activity.Output = output
	} else if attemptErr != "" {
		e.Activity.Errors = append(e.Activity.Errors, attemptErr)
	}
	return b.insertEventLocked(ctx, e)
}

func (b *Backend) CommitSleepEvent(ctx context.Context, wfID string, loc location.Location, version int, deadline time.Time, state event.SleepState, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	existing, err := b.findEventLocked(ctx, wfID, loc)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	return b.insertEventLocked(ctx, event.Event{
		WorkflowID: wfID, Location: loc, Kind: event.KindSleep, Version: version, CreatedAt: now,
		Sleep: &event.SleepPayload{DeadlineAt: deadline, State: state},
	})
}

func (b *Backend) UpdateSleepEventState(ctx context.Context, wfID string, loc location.Location, state event.SleepState) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	existing, err := b.findEventLocked(ctx, wfID, loc)
	if err != nil {
		return err
	}
	if existing == nil {
		return store.ErrNotFound
	}
	existing.Sleep.State = state
	return b.updateEventPayloadLocked(ctx, wfID, loc, *existing)
}

func (b *Backend) CommitBranchEvent(ctx context.Context, wfID string, loc location.Location, version int, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, err := b.findEventLocked(ctx, wfID, loc); err != nil {
		return err
	} else if existing != nil {
		return nil
	}
	return b.insertEventLocked(ctx, event.Event{WorkflowID: wfID, Location: loc, Kind: event.KindBranch, Version: version, CreatedAt: now})
}

func (b *Backend) CommitRemovedEvent(ctx context.Context, wfID string, loc location.Location, version int, originalKind event.Kind, originalName string, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, err := b.findEventLocked(ctx, wfID, loc); err != nil {
		return err
	} else if existing != nil {
		return nil
	}
	return b.insertEventLocked(ctx, event.Event{
		WorkflowID: wfID, Location: loc, Kind: event.KindRemoved, Version: version, CreatedAt: now,
		Removed: &event.RemovedPayload{OriginalKind: originalKind, OriginalName: originalName},
	})
}

func (b *Backend) CommitVersionCheckEvent(ctx context.Context, wfID string, loc location.Location, version int, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, err := b.findEventLocked(ctx, wfID, loc); err != nil {
		return err
	} else if existing != nil {
		return nil
	}
	return b.insertEventLocked(ctx, event.Event{WorkflowID: wfID, Location: loc, Kind: event.KindVersionCheck, Version: version, CreatedAt: now})
}

func (b *Backend) CommitMessageSendEvent(ctx context.Context, wfID string, loc location.Location, version int, tags map[string]string, name string, body json.RawMessage, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, err := b.findEventLocked(ctx, wfID, loc); err != nil {
		return err
	} else if existing != nil {
		return nil
	}
	return b.insertEventLocked(ctx, event.Event{
		WorkflowID: wfID, Location: loc, Kind: event.KindMessageSend, Version: version, CreatedAt: now,
		MessageSend: &event.MessageSendPayload{Tags: tags, Name: name, Body: body},
	})
}

func (b *Backend) CommitListenWithTimeout(ctx context.Context, wfID string, sleepLoc, listenLoc location.Location, version int, nameFilter []string, now time.Time) (*store.Signal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	wf, err := b.getWorkflowLocked(ctx, wfID)
	if err != nil {
		return nil, err
	}

	chosen, err := b.claimSignalLocked(ctx, wf, nameFilter)
	if err != nil {
		return nil, err
	}

	state := event.SleepUninterrupted
	if chosen != nil {
		state = event.SleepInterrupted
	}
	if existing, err := b.findEventLocked(ctx, wfID, sleepLoc); err != nil {
		return nil, err
	} else if existing != nil {
		existing.Sleep.State = state
		if err := b.updateEventPayloadLocked(ctx, wfID, sleepLoc, *existing); err != nil {
			return nil, err
		}
	}

	if chosen == nil {
		return nil, nil
	}
	if err := b.ackSignalLocked(ctx, chosen.ID, now); err != nil {
		return nil, err
	}
	if err := b.insertEventLocked(ctx, event.Event{
		WorkflowID: wfID, Location: listenLoc, Kind: event.KindSignalListen, Version: version, CreatedAt: now,
		SignalListen: &event.SignalListenPayload{SignalID: chosen.ID, SignalName: chosen.Name, Body: chosen.Body},
	}); err != nil {
		return nil, err
	}
	chosen.AckedAt = &now
	return chosen, nil
}

func (b *Backend) UpsertLoopEvent(ctx context.Context, wfID string, loopLoc location.Location, version int, iteration int, state json.RawMessage, output json.RawMessage, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	existing, err := b.findEventLocked(ctx, wfID, loopLoc)
	if err != nil {
		return err
	}
	if existing == nil {
		return b.insertEventLocked(ctx, event.Event{
			WorkflowID: wfID, Location: loopLoc, Kind: event.KindLoop, Version: version, CreatedAt: now,
			Loop: &event.LoopPayload{Iteration: iteration, State: state, Output: output},
		})
	}

	existing.Loop.Iteration = iteration
	existing.Loop.State = state
	existing.Loop.Output = output
	if err := b.updateEventPayloadLocked(ctx, wfID, loopLoc, *existing); err != nil {
		return err
	}

	// Forget every non-forgotten event under loopLoc except the subtree
	// belonging to the iteration that just finished.
	currentScope := loopLoc.IterationChild(iteration)
	rows, err := b.db.QueryContext(ctx, `SELECT location FROM events WHERE workflow_id = ? AND forgotten = 0`, wfID)
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
		if _, err := b.db.ExecContext(ctx, `UPDATE events SET forgotten = 1 WHERE workflow_id = ? AND location = ?`, wfID, locStr); err != nil {
			return fmt.Errorf("failed to forget event: %w", err)
		}
	}
	return nil
}

func (b *Backend) DispatchSubWorkflow(ctx context.Context, parentID string, parentLoc location.Location, version int, rayID, subID, name string, tags map[string]string, input json.RawMessage, now time.Time, opts store.DispatchOptions) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if opts.Unique {
		if existing, ok, err := b.findIncompleteByNameTagsLocked(ctx, name, tags); err != nil {
			return "", err
		} else if ok {
			if err := b.appendSubWorkflowEventLocked(ctx, parentID, parentLoc, version, existing, name, tags, input, now); err != nil {
				return "", err
			}
			return existing, nil
		}
	}

	if subID == "" {
		subID = uuid.New().String()
	}
	tagsJSON, err := marshalTags(tags)
	if err != nil {
		return "", fmt.Errorf("failed to marshal tags: %w", err)
	}
	if _, err := b.db.ExecContext(ctx, `
		INSERT INTO workflows (id, name, created_at, ray_id, input, wake_immediate, tags)
		VALUES (?, ?, ?, ?, ?, 1, ?)`,
		subID, name, formatTime(now), rayID, string(input), tagsJSON,
	); err != nil {
		return "", fmt.Errorf("failed to create sub-workflow: %w", err)
	}
	if err := b.appendSubWorkflowEventLocked(ctx, parentID, parentLoc, version, subID, name, tags, input, now); err != nil {
		return "", err
	}
	b.notifyWake()
	return subID, nil
}

func (b *Backend) appendSubWorkflowEventLocked(ctx context.Context, parentID string, parentLoc location.Location, version int, subID, name string, tags map[string]string, input json.RawMessage, now time.Time) error {
	existing, err := b.findEventLocked(ctx, parentID, parentLoc)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	return b.insertEventLocked(ctx, event.Event{
		WorkflowID: parentID, Location: parentLoc, Kind: event.KindSubWorkflow, Version: version, CreatedAt: now,
		SubWorkflow: &event.SubWorkflowPayload{SubWorkflowID: subID, Name: name, Tags: tags, Input: input},
	})
}
