package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowcraft/engine/internal/alloc"
	"github.com/flowcraft/engine/internal/event"
	"github.com/flowcraft/engine/internal/location"
	"github.com/flowcraft/engine/internal/store"
)

// claimSignalLocked returns (without acking) the oldest unacked,
// unsilenced signal addressed to wf whose name is in nameFilter — shared
// by PullNextSignal and CommitListenWithTimeout. Callers must hold b.mu.
func (b *Backend) claimSignalLocked(ctx context.Context, wf *store.Workflow, nameFilter []string) (*store.Signal, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, ray_id, dest_wfid, dest_tags, name, body, created_at
		FROM signals WHERE acked_at IS NULL AND silenced_at IS NULL
		ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query signals: %w", err)
	}
	defer rows.Close()

	nameSet := toSet(nameFilter)
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		if sig.DestWFID != "" {
			if sig.DestWFID != wf.ID {
				continue
			}
		} else if !alloc.TagsSubset(sig.DestTags, wf.Tags) {
			continue
		}
		if nameSet != nil && !nameSet[sig.Name] {
			continue
		}
		return sig, nil
	}
	return nil, rows.Err()
}

func (b *Backend) hasMatchingSignalLocked(ctx context.Context, wf *store.Workflow, names []string) (bool, error) {
	sig, err := b.claimSignalLocked(ctx, wf, names)
	return sig != nil, err
}

func scanSignal(rows *sql.Rows) (*store.Signal, error) {
	var sig store.Signal
	var rayID, destWFID, destTags, body sql.NullString
	var createdAt string
	if err := rows.Scan(&sig.ID, &rayID, &destWFID, &destTags, &sig.Name, &body, &createdAt); err != nil {
		return nil, fmt.Errorf("failed to scan signal: %w", err)
	}
	sig.RayID = rayID.String
	sig.DestWFID = destWFID.String
	sig.Body = nullRawMessage(body)
	sig.CreatedAt = parseTime(createdAt)
	if destTags.Valid {
		tags, err := unmarshalTags(destTags.String)
		if err != nil {
			return nil, err
		}
		sig.DestTags = tags
	}
	return &sig, nil
}

func (b *Backend) ackSignalLocked(ctx context.Context, signalID string, now time.Time) error {
	_, err := b.db.ExecContext(ctx, `UPDATE signals SET acked_at = ? WHERE id = ?`, formatTime(now), signalID)
	if err != nil {
		return fmt.Errorf("failed to ack signal: %w", err)
	}
	return nil
}

func (b *Backend) PullNextSignal(ctx context.Context, wfID string, nameFilter []string, listenLoc location.Location, version int, now time.Time) (*store.Signal, error) {
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
	if chosen == nil {
		return nil, nil
	}
	if err := b.ackSignalLocked(ctx, chosen.ID, now); err != nil {
		return nil, err
	}

	if existing, err := b.findEventLocked(ctx, wfID, listenLoc); err != nil {
		return nil, err
	} else if existing == nil {
		if err := b.insertEventLocked(ctx, event.Event{
			WorkflowID: wfID, Location: listenLoc, Kind: event.KindSignalListen, Version: version, CreatedAt: now,
			SignalListen: &event.SignalListenPayload{SignalID: chosen.ID, SignalName: chosen.Name, Body: chosen.Body},
		}); err != nil {
			return nil, err
		}
	}

	chosen.AckedAt = &now
	return chosen, nil
}

func (b *Backend) PublishSignal(ctx context.Context, rayID, destWFID, signalID, name string, body json.RawMessage, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if signalID == "" {
		signalID = uuid.New().String()
	}
	if _, err := b.db.ExecContext(ctx, `
		INSERT INTO signals (id, ray_id, dest_wfid, name, body, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		signalID, rayID, destWFID, name, string(body), formatTime(now),
	); err != nil {
		return fmt.Errorf("failed to publish signal: %w", err)
	}
	b.notifyWake()
	return nil
}

func (b *Backend) PublishTaggedSignal(ctx context.Context, rayID string, destTags map[string]string, signalID, name string, body json.RawMessage, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if signalID == "" {
		signalID = uuid.New().String()
	}
	tagsJSON, err := marshalTags(destTags)
	if err != nil {
		return fmt.Errorf("failed to marshal dest tags: %w", err)
	}
	if _, err := b.db.ExecContext(ctx, `
		INSERT INTO signals (id, ray_id, dest_tags, name, body, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		signalID, rayID, tagsJSON, name, string(body), formatTime(now),
	); err != nil {
		return fmt.Errorf("failed to publish tagged signal: %w", err)
	}
	b.notifyWake()
	return nil
}

func (b *Backend) PublishSignalFromWorkflow(ctx context.Context, srcWFID string, loc location.Location, version int, destWFID string, destTags map[string]string, signalID, name string, body json.RawMessage, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if signalID == "" {
		signalID = uuid.New().String()
	}
	tagsJSON, err := marshalTags(destTags)
	if err != nil {
		return fmt.Errorf("failed to marshal dest tags: %w", err)
	}
	if _, err := b.db.ExecContext(ctx, `
		INSERT INTO signals (id, dest_wfid, dest_tags, name, body, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		signalID, destWFID, tagsJSON, name, string(body), formatTime(now),
	); err != nil {
		return fmt.Errorf("failed to publish signal from workflow: %w", err)
	}

	if existing, err := b.findEventLocked(ctx, srcWFID, loc); err != nil {
		return err
	} else if existing == nil {
		if err := b.insertEventLocked(ctx, event.Event{
			WorkflowID: srcWFID, Location: loc, Kind: event.KindSignalSend, Version: version, CreatedAt: now,
			SignalSend: &event.SignalSendPayload{DestinationWorkflowID: destWFID, DestinationTags: destTags, SignalID: signalID, SignalName: name, Body: body},
		}); err != nil {
			return err
		}
	}
	b.notifyWake()
	return nil
}
