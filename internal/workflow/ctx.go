// Package workflow implements the Workflow Context (spec §4.F) — the
// deterministic, replay-safe primitives user workflow code is written
// against — and the runner that drives one pulled workflow through a
// single execution attempt.
package workflow

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/flowcraft/engine/internal/activity"
	"github.com/flowcraft/engine/internal/history"
	"github.com/flowcraft/engine/internal/location"
	"github.com/flowcraft/engine/internal/store"
)

// Func is the signature every registered workflow implements (spec §4.G).
type Func func(ctx *Ctx) (json.RawMessage, error)

// Clock abstracts time so tests can control sleep/deadline behavior
// without real waits.
type Clock func() time.Time

// Options configures a Ctx's timing and retry knobs (spec §5 constants).
type Options struct {
	TickInterval        time.Duration // worker_poll_interval-scale tick used for in-memory waits
	SignalPollInterval  time.Duration
	MaxSignalPollTries  int
	MaxSubWorkflowTries int
	ActivityConfigs     map[string]activity.Config // keyed by activity name
	DefaultActivity     activity.Config
	Clock               Clock
}

func (o Options) activityConfig(name string) activity.Config {
	if c, ok := o.ActivityConfigs[name]; ok {
		return c
	}
	return o.DefaultActivity
}

// Ctx is the WorkflowCtx of spec §4.F: one execution attempt's view of a
// workflow run. A Ctx is not safe for use by more than one goroutine
// except via the child contexts Join creates, which is the only legal
// source of concurrency within a run.
type Ctx struct {
	ID      string
	Name    string
	RayID   string
	Version int
	Input   json.RawMessage

	stateMu *sync.Mutex
	state   *json.RawMessage

	hist   *history.History
	cursor *history.Cursor

	loopLocation *location.Location
	parallelized bool

	stop <-chan struct{}

	db  store.Store
	opt Options

	activities map[string]activity.Func
}

// New builds the root Ctx for a freshly pulled workflow.
func New(pw store.PulledWorkflow, db store.Store, activities map[string]activity.Func, opt Options, stop <-chan struct{}) *Ctx {
	h := history.New(pw.History)
	state := append(json.RawMessage(nil), pw.Workflow.State...)
	return &Ctx{
		ID:           pw.Workflow.ID,
		Name:         pw.Workflow.Name,
		RayID:        pw.Workflow.RayID,
		Input:        pw.Workflow.Input,
		stateMu:      &sync.Mutex{},
		state:        &state,
		hist:         h,
		cursor:       history.NewCursor(h, location.Empty()),
		stop:         stop,
		db:           db,
		opt:          opt,
		activities:   activities,
	}
}

func (c *Ctx) now() time.Time {
	if c.opt.Clock != nil {
		return c.opt.Clock()
	}
	return time.Now()
}

// checkStop implements spec §4.F's "all primitives begin with check_stop".
func (c *Ctx) checkStop() error {
	select {
	case <-c.stop:
		return WorkflowStopped()
	default:
		return nil
	}
}

// State returns a copy of the shared mutable state (spec §5 "Shared
// resources"). Activities may read and replace it via WithState.
func (c *Ctx) State() json.RawMessage {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return append(json.RawMessage(nil), *c.state...)
}

func (c *Ctx) setState(s json.RawMessage) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	*c.state = s
}

// child returns a new Ctx sharing this one's identity, store, options,
// and state, but rooted at a different cursor scope — used by loop
// iterations and by Join's parallel branches.
func (c *Ctx) child(root location.Location, parallelized bool) *Ctx {
	return &Ctx{
		ID:           c.ID,
		Name:         c.Name,
		RayID:        c.RayID,
		Version:      c.Version,
		Input:        c.Input,
		stateMu:      c.stateMu,
		state:        c.state,
		hist:         c.hist,
		cursor:       history.NewCursor(c.hist, root),
		loopLocation: &root,
		parallelized: parallelized,
		stop:         c.stop,
		db:           c.db,
		opt:          c.opt,
		activities:   c.activities,
	}
}

// waitTick sleeps for d, racing the stop channel and ctx, and reports
// whether either fired first.
func (c *Ctx) waitTick(ctx context.Context, d time.Duration) (stopped bool) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return false
	case <-c.stop:
		return true
	case <-ctx.Done():
		return true
	}
}

// RunResult is the outcome handed to the runner that drove Ctx.Run.
type RunResult struct {
	Output json.RawMessage
	Err    error
}

// Run executes fn once against this Ctx and, on success, verifies the
// cursor fully consumed the root scope's recorded history (spec §4.F
// Runner, steps 1–3: check_stop, lookup is the caller's job, execute,
// check_clear).
func (c *Ctx) Run(ctx context.Context, fn Func) RunResult {
	if err := c.checkStop(); err != nil {
		return RunResult{Err: err}
	}
	out, err := fn(c)
	if err != nil {
		return RunResult{Err: err}
	}
	if err := c.cursor.CheckClear(); err != nil {
		return RunResult{Err: HistoryDiverged(err.Error())}
	}
	return RunResult{Output: out}
}
