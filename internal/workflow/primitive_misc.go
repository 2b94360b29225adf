package workflow

import (
	"context"
	"encoding/json"

	"github.com/flowcraft/engine/internal/event"
)

// Msg writes a fire-and-forget MessageSend event (spec §4.F.7). There is
// no durable subscriber; delivery is out of the core's scope.
func (c *Ctx) Msg(ctx context.Context, tags map[string]string, name string, body any) error {
	if err := c.checkStop(); err != nil {
		return err
	}

	bodyJSON, err := json.Marshal(body)
	if err != nil {
		return SerializeError(err)
	}

	res, err := c.cursor.CompareMessageSend(c.Version)
	if err != nil {
		return HistoryDiverged(err.Error())
	}
	loc := c.cursor.CurrentLocationFor(res)
	c.cursor.Update(loc)
	if res.Event != nil {
		return nil
	}

	if err := c.db.CommitMessageSendEvent(ctx, c.ID, loc, c.Version, tags, name, bodyJSON, c.now()); err != nil {
		return MaxSQLRetries(err)
	}
	return nil
}

// Removed marks a retired step's location as consumed without executing
// anything (spec §4.F.8), so later code deletions don't shift subsequent
// locations. originalKind/originalName document what used to live here.
func (c *Ctx) Removed(ctx context.Context, originalKind event.Kind, originalName string) error {
	if err := c.checkStop(); err != nil {
		return err
	}

	res, err := c.cursor.CompareRemoved()
	if err != nil {
		return HistoryDiverged(err.Error())
	}
	loc := c.cursor.CurrentLocationFor(res)
	c.cursor.Update(loc)
	if res.Event != nil {
		return nil
	}

	if err := c.db.CommitRemovedEvent(ctx, c.ID, loc, c.Version, originalKind, originalName, c.now()); err != nil {
		return MaxSQLRetries(err)
	}
	return nil
}

// CheckVersion records (or replays) the code version in effect when this
// step first ran, enabling forward-compatible branching on later code
// changes (spec §4.F.9).
func (c *Ctx) CheckVersion(ctx context.Context, current int) (int, error) {
	if err := c.checkStop(); err != nil {
		return 0, err
	}

	res, err := c.cursor.CompareVersionCheck()
	if err != nil {
		return 0, HistoryDiverged(err.Error())
	}
	loc := c.cursor.CurrentLocationFor(res)
	c.cursor.Update(loc)

	if res.Event != nil {
		return res.Event.Version, nil
	}

	if current < 0 {
		return 0, InvalidVersion("check_version: negative version")
	}
	if err := c.db.CommitVersionCheckEvent(ctx, c.ID, loc, current, c.now()); err != nil {
		return 0, MaxSQLRetries(err)
	}
	return current, nil
}
