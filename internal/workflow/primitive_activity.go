package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/flowcraft/engine/internal/activity"
	"github.com/flowcraft/engine/internal/history"
	"github.com/flowcraft/engine/internal/location"
)

// Activity runs a single registered activity to completion or suspension
// (spec §4.F.1 / §4.E). name must be registered in the worker's activity
// table; input is marshaled and content-hashed into the event_id so that
// identical calls at the same location coalesce across replays.
func (c *Ctx) Activity(ctx context.Context, name string, input any) (json.RawMessage, error) {
	if err := c.checkStop(); err != nil {
		return nil, err
	}

	inputJSON, err := json.Marshal(input)
	if err != nil {
		return nil, SerializeError(err)
	}
	inputHash := hashInput(name, inputJSON)

	res, err := c.cursor.CompareActivity(c.Version, name, inputHash)
	if err != nil {
		return nil, HistoryDiverged(err.Error())
	}
	loc := c.cursor.CurrentLocationFor(res)
	c.cursor.Update(loc)

	if res.Event != nil {
		return c.replayActivity(ctx, loc, res)
	}
	return c.runActivity(ctx, loc, name, inputHash, inputJSON)
}

// replayActivity handles the cursor-hit path: an Activity event already
// exists at loc. With an output, it's returned untouched (at-most-once
// execution). Without one, this location is the workflow's active
// suspension point — the worker only re-pulls a suspended workflow once
// its wake_deadline (the previously recorded backoff) has elapsed, so a
// hit with no output means the retry is due now. Re-run the activity,
// promoting to ActivityMaxFailuresReached only once the budget is spent.
func (c *Ctx) replayActivity(ctx context.Context, loc location.Location, res history.Result) (json.RawMessage, error) {
	a := res.Event.Activity
	if a.Output != nil {
		return a.Output, nil
	}

	cfg := c.opt.activityConfig(a.Name)
	if activity.MaxRetriesReached(cfg, a.ErrorCount()) {
		return nil, ActivityMaxFailuresReached(lastErr(a.Errors))
	}

	return c.executeActivity(ctx, loc, a.Name, a.InputHash, a.Input, cfg, a.ErrorCount())
}

// runActivity handles the cursor-miss path: this is the first attempt at
// this location.
func (c *Ctx) runActivity(ctx context.Context, loc location.Location, name, inputHash string, inputJSON json.RawMessage) (json.RawMessage, error) {
	cfg := c.opt.activityConfig(name)
	return c.executeActivity(ctx, loc, name, inputHash, inputJSON, cfg, 0)
}

// executeActivity invokes the registered function once, journals the
// outcome, and translates a failure into the suspend-with-backoff error
// the runner turns into a wake_deadline. priorErrorCount is the number of
// failures already recorded at loc before this attempt.
func (c *Ctx) executeActivity(ctx context.Context, loc location.Location, name, inputHash string, inputJSON json.RawMessage, cfg activity.Config, priorErrorCount int) (json.RawMessage, error) {
	fn, ok := c.activities[name]
	if !ok {
		return nil, HistoryDiverged("activity " + name + " is not registered")
	}

	now := c.now()
	result := activity.Run(ctx, cfg, fn, inputJSON)

	if result.Err != nil {
		if err := c.db.CommitActivityEvent(ctx, c.ID, loc, c.Version, inputHash, name, inputJSON, now, nil, result.Err.Error()); err != nil {
			return nil, MaxSQLRetries(err)
		}
		errorCount := priorErrorCount + 1
		if activity.MaxRetriesReached(cfg, errorCount) {
			return nil, ActivityMaxFailuresReached(result.Err)
		}
		retryAt := c.now().Add(activity.NextAttemptDelay(cfg, errorCount))
		if _, ok := result.Err.(*activity.TimeoutError); ok {
			return nil, ActivityTimeout(errorCount, retryAt)
		}
		return nil, ActivityFailure(result.Err, errorCount, retryAt)
	}

	if err := c.db.CommitActivityEvent(ctx, c.ID, loc, c.Version, inputHash, name, inputJSON, now, result.Output, ""); err != nil {
		return nil, MaxSQLRetries(err)
	}
	return result.Output, nil
}

func hashInput(name string, inputJSON json.RawMessage) string {
	h := sha256.New()
	h.Write([]byte(name))
	h.Write([]byte{0})
	h.Write(inputJSON)
	return hex.EncodeToString(h.Sum(nil))
}

func lastErr(errs []string) error {
	if len(errs) == 0 {
		return nil
	}
	return errString(errs[len(errs)-1])
}

type errString string

func (e errString) Error() string { return string(e) }
