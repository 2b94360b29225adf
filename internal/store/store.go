// Package store defines the Database Contract (spec §4.D): the set of
// atomic, transactional operations the workflow engine core relies on.
// Two reference implementations are provided (sqlite, postgres) plus an
// in-memory one for tests; any adapter satisfying Store may back the
// engine.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/flowcraft/engine/internal/event"
	"github.com/flowcraft/engine/internal/location"
)

// Status is the lifecycle state of a Workflow record (spec §3).
type Status string

const (
	StatusRunning   Status = "running"
	StatusSleeping  Status = "sleeping"
	StatusComplete  Status = "complete"
	StatusDead      Status = "dead"
	StatusSilenced  Status = "silenced"
)

// WakeCondition is the set of conditions under which a workflow becomes
// eligible to be pulled again. The zero value wakes nothing.
type WakeCondition struct {
	Immediate     bool
	DeadlineAt    *time.Time
	Signals       []string
	SubWorkflowID string
}

// IsZero reports whether no wake condition is set (a dead workflow).
func (w WakeCondition) IsZero() bool {
	return !w.Immediate && w.DeadlineAt == nil && len(w.Signals) == 0 && w.SubWorkflowID == ""
}

// Workflow is the persistent record described in spec §3.
type Workflow struct {
	ID          string
	Name        string
	CreatedAt   time.Time
	RayID       string
	Input       json.RawMessage
	State       json.RawMessage
	Output      json.RawMessage
	Error       string
	Wake        WakeCondition
	LeaseOwner  string
	LastPullAt  time.Time
	SilencedAt  *time.Time
	Tags        map[string]string
}

// Status derives the workflow's lifecycle status from its persisted
// fields (there is no separate status column — it is always computable).
func (w *Workflow) Status() Status {
	switch {
	case w.SilencedAt != nil:
		return StatusSilenced
	case w.Output != nil:
		return StatusComplete
	case w.Error != "" && w.Wake.IsZero():
		return StatusDead
	case w.Wake.DeadlineAt != nil && !w.Wake.Immediate && len(w.Wake.Signals) == 0:
		return StatusSleeping
	default:
		return StatusRunning
	}
}

// IsIncomplete reports whether the workflow has neither a committed
// output nor a terminal (wakeless) error.
func (w *Workflow) IsIncomplete() bool {
	return w.Output == nil && !(w.Error != "" && w.Wake.IsZero())
}

// PulledWorkflow is a workflow row together with its full event history,
// as returned by PullWorkflows.
type PulledWorkflow struct {
	Workflow Workflow
	History  []event.Event
}

// Signal is a durable, at-most-once message targeted at a workflow by id
// or by tag match.
type Signal struct {
	ID          string
	RayID       string
	DestWFID    string // empty if tag-addressed
	DestTags    map[string]string
	Name        string
	Body        json.RawMessage
	CreatedAt   time.Time
	AckedAt     *time.Time
	SilencedAt  *time.Time
}

// ErrNotFound is returned by lookups with no matching row.
var ErrNotFound = errors.New("store: not found")

// ErrHistoryDiverged signals a key-uniqueness violation the store itself
// detected (e.g. two non-forgotten events at the same location) — this
// should never happen if the engine's single-writer-per-workflow lease
// invariant holds, but the store surfaces it defensively.
var ErrHistoryDiverged = errors.New("store: history diverged")

// DispatchOptions customizes DispatchWorkflow.
type DispatchOptions struct {
	Tags   map[string]string
	Unique bool // if true, dedupe against an existing incomplete workflow of the same name+tags
}

// WorkflowStore is the core required interface: create, read, and the
// lease/commit lifecycle transitions every workflow goes through.
type WorkflowStore interface {
	// DispatchWorkflow inserts a new workflow row with wake-immediate, or
	// (if Unique) returns the id of an existing matching incomplete run.
	DispatchWorkflow(ctx context.Context, rayID, wfID, name string, input json.RawMessage, opts DispatchOptions) (string, error)

	GetWorkflow(ctx context.Context, id string) (*Workflow, error)

	// PullWorkflows atomically selects up to limit eligible workflows
	// (spec §4.D / §4.I), leases them to workerID, and returns each with
	// its full history.
	PullWorkflows(ctx context.Context, workerID string, nameFilter []string, limit int) ([]PulledWorkflow, error)

	// CommitWorkflow releases the lease and records new wake conditions
	// and/or a terminal error (on suspension or unrecoverable failure).
	CommitWorkflow(ctx context.Context, id string, wake WakeCondition, errMsg string) error

	// CompleteWorkflow sets the output, releases the lease, and clears
	// wake conditions.
	CompleteWorkflow(ctx context.Context, id string, output json.RawMessage) error
}

// EventStore commits the kind-specific events a workflow context records.
type EventStore interface {
	CommitActivityEvent(ctx context.Context, wfID string, loc location.Location, version int, eventID, name string, input json.RawMessage, now time.Time, output json.RawMessage, attemptErr string) error
	CommitSleepEvent(ctx context.Context, wfID string, loc location.Location, version int, deadline time.Time, state event.SleepState, now time.Time) error
	UpdateSleepEventState(ctx context.Context, wfID string, loc location.Location, state event.SleepState) error
	CommitBranchEvent(ctx context.Context, wfID string, loc location.Location, version int, now time.Time) error
	CommitRemovedEvent(ctx context.Context, wfID string, loc location.Location, version int, originalKind event.Kind, originalName string, now time.Time) error
	CommitVersionCheckEvent(ctx context.Context, wfID string, loc location.Location, version int, now time.Time) error
	CommitMessageSendEvent(ctx context.Context, wfID string, loc location.Location, version int, tags map[string]string, name string, body json.RawMessage, now time.Time) error

	// CommitListenWithTimeout atomically attempts to claim the oldest
	// matching signal: if one matches nameFilter (by id or tag-subset),
	// it is acked, a SignalListen event is written at listenLoc, and the
	// Sleep event at sleepLoc is set to Interrupted. If none matches, no
	// event is written at listenLoc and the Sleep event is set to
	// Uninterrupted. Folding the lookup, the ack, and the sleep-state
	// update into one call (SPEC_FULL §9 decision #2) closes the crash
	// window the original two-call design left open. Returns the claimed
	// signal, or nil.
	CommitListenWithTimeout(ctx context.Context, wfID string, sleepLoc, listenLoc location.Location, version int, nameFilter []string, now time.Time) (*Signal, error)

	// UpsertLoopEvent inserts a Loop event on first call; on subsequent
	// calls it updates iteration/state/output and marks every event
	// under loopLoc forgotten except the Loop event itself and the events
	// under loopLoc.IterationChild(iteration) (spec §3 Invariants, loop
	// forgetting).
	UpsertLoopEvent(ctx context.Context, wfID string, loopLoc location.Location, version int, iteration int, state json.RawMessage, output json.RawMessage, now time.Time) error

	// DispatchSubWorkflow atomically creates the child workflow row and
	// writes a SubWorkflow event into the parent at parentLoc.
	DispatchSubWorkflow(ctx context.Context, parentID string, parentLoc location.Location, version int, rayID, subID, name string, tags map[string]string, input json.RawMessage, now time.Time, opts DispatchOptions) (string, error)
}

// SignalStore covers signal publication and listen-time consumption.
type SignalStore interface {
	// PullNextSignal atomically selects the oldest unacked signal
	// addressed to wfID (by id or tag-subset match) whose name is in
	// nameFilter, acks it, and writes a SignalListen event at
	// listenLoc. Returns (nil, nil) if none match.
	PullNextSignal(ctx context.Context, wfID string, nameFilter []string, listenLoc location.Location, version int, now time.Time) (*Signal, error)

	PublishSignal(ctx context.Context, rayID, destWFID, signalID, name string, body json.RawMessage, now time.Time) error
	PublishTaggedSignal(ctx context.Context, rayID string, destTags map[string]string, signalID, name string, body json.RawMessage, now time.Time) error

	// PublishSignalFromWorkflow additionally writes a SignalSend event at
	// the caller's location.
	PublishSignalFromWorkflow(ctx context.Context, srcWFID string, loc location.Location, version int, destWFID string, destTags map[string]string, signalID, name string, body json.RawMessage, now time.Time) error
}

// WakeSubscriber lets the worker break out of its poll sleep early when
// new work arrives (signal published, sub-workflow completed, etc.).
type WakeSubscriber interface {
	WakeSub() <-chan struct{}
}

// LeaseStore covers worker liveness and lease garbage collection.
type LeaseStore interface {
	UpdateWorkerPing(ctx context.Context, workerID string, now time.Time) error
	ClearExpiredLeases(ctx context.Context, workerID string, expiredBefore time.Time) (int, error)
}

// Store is the full Database Contract a backend must implement.
type Store interface {
	WorkflowStore
	EventStore
	SignalStore
	LeaseStore
	WakeSubscriber

	Close() error
}
