package workflow

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/flowcraft/engine/internal/store"
)

// DispatchOptions mirrors store.DispatchOptions for the workflow-facing
// `ctx.workflow(input).tag(k, v).dispatch()` call.
type DispatchOptions = store.DispatchOptions

// Dispatch starts a sub-workflow and returns its id (spec §4.F.6). On
// replay, the previously assigned sub-workflow id is returned without
// re-dispatching.
func (c *Ctx) Dispatch(ctx context.Context, name string, input any, opts DispatchOptions) (string, error) {
	if err := c.checkStop(); err != nil {
		return "", err
	}

	res, err := c.cursor.CompareSubWorkflow(c.Version)
	if err != nil {
		return "", HistoryDiverged(err.Error())
	}
	loc := c.cursor.CurrentLocationFor(res)
	c.cursor.Update(loc)

	if res.Event != nil {
		return res.Event.SubWorkflow.SubWorkflowID, nil
	}

	inputJSON, err := json.Marshal(input)
	if err != nil {
		return "", SerializeError(err)
	}
	subID := uuid.New().String()
	subID, err = c.db.DispatchSubWorkflow(ctx, c.ID, loc, c.Version, c.RayID, subID, name, opts.Tags, inputJSON, c.now(), opts)
	if err != nil {
		return "", MaxSQLRetries(err)
	}
	return subID, nil
}

// WaitForWorkflow blocks until subID has a committed output, polling
// get_workflow a bounded number of times before surfacing
// SubWorkflowIncomplete so the runner suspends on wake_sub_workflow_id
// (spec §4.F.6).
func (c *Ctx) WaitForWorkflow(ctx context.Context, subID string) (json.RawMessage, error) {
	if err := c.checkStop(); err != nil {
		return nil, err
	}

	tries := c.opt.MaxSubWorkflowTries
	if tries <= 0 {
		tries = 1
	}
	for attempt := 0; attempt < tries; attempt++ {
		sub, err := c.db.GetWorkflow(ctx, subID)
		if err != nil {
			return nil, MaxSQLRetries(err)
		}
		if sub.Output != nil {
			return sub.Output, nil
		}
		if attempt == tries-1 {
			break
		}
		if stopped := c.pollWait(ctx); stopped {
			return nil, WorkflowStopped()
		}
	}
	return nil, SubWorkflowIncomplete(subID)
}
