package workflow

import (
	"context"
	"encoding/json"
)

// LoopAction is the outcome an iteration body returns: keep looping, or
// stop and produce a final output (spec §4.F.5's Continue/Break).
type LoopAction int

const (
	LoopContinue LoopAction = iota
	LoopBreak
)

// LoopBody runs one iteration against its own child Ctx (rooted at a
// fresh per-iteration scope) and the loop's carried state, returning the
// next state and whether to continue or break with an output.
type LoopBody func(iterCtx *Ctx, state json.RawMessage) (nextState json.RawMessage, action LoopAction, output json.RawMessage, err error)

// Loop implements both `repeat` and `loope` (spec §4.F.5): a Loop event
// anchors the loop at a fresh location; each iteration runs against a
// child context rooted at loop_location's iteration-N child scope, and
// after each iteration the Loop event is upserted — forgetting every
// earlier iteration's events (the store enforces this, see
// store/memory.UpsertLoopEvent).
func (c *Ctx) Loop(ctx context.Context, initialState json.RawMessage, body LoopBody) (json.RawMessage, error) {
	if err := c.checkStop(); err != nil {
		return nil, err
	}

	res, err := c.cursor.CompareLoop(c.Version)
	if err != nil {
		return nil, HistoryDiverged(err.Error())
	}
	loopLoc := c.cursor.CurrentLocationFor(res)
	c.cursor.Update(loopLoc)

	iteration := 0
	state := initialState
	if res.Event != nil {
		iteration = res.Event.Loop.Iteration
		state = res.Event.Loop.State
		if res.Event.Loop.Output != nil {
			return res.Event.Loop.Output, nil
		}
	} else if err := c.db.UpsertLoopEvent(ctx, c.ID, loopLoc, c.Version, 0, state, nil, c.now()); err != nil {
		return nil, MaxSQLRetries(err)
	}

	for {
		if err := c.checkStop(); err != nil {
			return nil, err
		}

		iterCtx := c.child(loopLoc.IterationChild(iteration+1), false)
		nextState, action, output, err := body(iterCtx, state)
		if err != nil {
			return nil, err
		}
		if err := iterCtx.cursor.CheckClear(); err != nil {
			return nil, HistoryDiverged(err.Error())
		}

		iteration++
		state = nextState

		var committedOutput json.RawMessage
		if action == LoopBreak {
			committedOutput = output
		}
		if err := c.db.UpsertLoopEvent(ctx, c.ID, loopLoc, c.Version, iteration, state, committedOutput, c.now()); err != nil {
			return nil, MaxSQLRetries(err)
		}
		if action == LoopBreak {
			return committedOutput, nil
		}
	}
}
