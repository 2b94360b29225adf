package postgres

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

// claimSignal returns (without acking) the oldest unacked, unsilenced
// signal addressed to wf whose name is in nameFilter — shared by
// PullNextSignal and CommitListenWithTimeout.
func claimSignal(ctx context.Context, q dbtx, wf *store.Workflow, nameFilter []string) (*store.Signal, error) {
	rows, err := q.QueryContext(ctx, `
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

func hasMatchingSignal(ctx context.Context, q dbtx, wf *store.Workflow, names []string) (bool, error) {
	sig, err := claimSignal(ctx, q, wf, names)
	return sig != nil, err
}

func scanSignal(rows *sql.Rows) (*store.Signal, error) {
	var sig store.Signal
	var rayID, destWFID, destTags, body sql.NullString
	var createdAt time.Time
	if err := rows.Scan(&sig.ID, &rayID, &destWFID, &destTags, &sig.Name, &body, &createdAt); err != nil {
		return nil, fmt.Errorf("failed to scan signal: %w", err)
	}
	sig.RayID = rayID.String
	sig.DestWFID = destWFID.String
	sig.Body = nullRawMessage(body)
	sig.CreatedAt = createdAt
	if destTags.Valid {
		tags, err := unmarshalTags(destTags.String)
		if err != nil {
			return nil, err
		}
		sig.DestTags = tags
	}
	return &sig, nil
}

func ackSignal(ctx context.Context, q dbtx, signalID string, now time.Time) error {
	_, err := q.ExecContext(ctx, `UPDATE signals SET acked_at = $1 WHERE id = $2`, now, signalID)
	if err != nil {
		return fmt.Errorf("failed to ack signal: %w", err)
	}
	return nil
}

// PullNextSignal runs inside a transaction so the claim, ack, and
// listen-event write are atomic across concurrent workers.
func (b *Backend) PullNextSignal(ctx context.Context, wfID string, nameFilter []string, listenLoc location.Location, version int, now time.Time) (*store.Signal, error) {
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
	if chosen == nil {
		return nil, tx.Commit()
	}
	if err := ackSignal(ctx, tx, chosen.ID, now); err != nil {
		return nil, err
	}

	if existing, err := findEvent(ctx, tx, wfID, listenLoc); err != nil {
		return nil, err
	} else if existing == nil {
		if err := insertEvent(ctx, tx, event.Event{
			WorkflowID: wfID, Location: listenLoc, Kind: event.KindSignalListen, Version: version, CreatedAt: now,
			SignalListen: &event.SignalListenPayload{SignalID: chosen.ID, SignalName: chosen.Name, Body: chosen.Body},
		}); err != nil {
			return nil, err
		}
	}

	chosen.AckedAt = &now
	return chosen, tx.Commit()
}

func (b *Backend) PublishSignal(ctx context.Context, rayID, destWFID, signalID, name string, body json.RawMessage, now time.Time) error {
	if signalID == "" {
		signalID = uuid.New().String()
	}
	if _, err := b.db.ExecContext(ctx, `
		INSERT INTO signals (id, ray_id, dest_wfid, name, body, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		signalID, rayID, destWFID, name, nullableJSON(body), now,
	); err != nil {
		return fmt.Errorf("failed to publish signal: %w", err)
	}
	b.notifyWake()
	return nil
}

func (b *Backend) PublishTaggedSignal(ctx context.Context, rayID string, destTags map[string]string, signalID, name string, body json.RawMessage, now time.Time) error {
	if signalID == "" {
		signalID = uuid.New().String()
	}
	tagsJSON, err := marshalTags(destTags)
	if err != nil {
		return fmt.Errorf("failed to marshal dest tags: %w", err)
	}
	if _, err := b.db.ExecContext(ctx, `
		INSERT INTO signals (id, ray_id, dest_tags, name, body, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		signalID, rayID, nullableJSON([]byte(tagsJSON)), name, nullableJSON(body), now,
	); err != nil {
		return fmt.Errorf("failed to publish tagged signal: %w", err)
	}
	b.notifyWake()
	return nil
}

func (b *Backend) PublishSignalFromWorkflow(ctx context.Context, srcWFID string, loc location.Location, version int, destWFID string, destTags map[string]string, signalID, name string, body json.RawMessage, now time.Time) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	if signalID == "" {
		signalID = uuid.New().String()
	}
	tagsJSON, err := marshalTags(destTags)
	if err != nil {
		return fmt.Errorf("failed to marshal dest tags: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO signals (id, dest_wfid, dest_tags, name, body, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		signalID, nullIfEmpty(destWFID), nullableJSON([]byte(tagsJSON)), name, nullableJSON(body), now,
	); err != nil {
		return fmt.Errorf("failed to publish signal from workflow: %w", err)
	}

	if existing, err := findEvent(ctx, tx, srcWFID, loc); err != nil {
		return err
	} else if existing == nil {
		if err := insertEvent(ctx, tx, event.Event{
			WorkflowID: srcWFID, Location: loc, Kind: event.KindSignalSend, Version: version, CreatedAt: now,
			SignalSend: &event.SignalSendPayload{DestinationWorkflowID: destWFID, DestinationTags: destTags, SignalID: signalID, SignalName: name, Body: body},
		}); err != nil {
			return err
		}
	}
	b.notifyWake()
	return tx.Commit()
}
