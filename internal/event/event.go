// Package event defines the tagged-variant event model journaled for
// every workflow step. An Event is the durable record of one step's
// outcome, keyed by (workflow id, location, forgotten flag).
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowcraft/engine/internal/location"
)

// Kind identifies which variant of step an Event records.
type Kind string

const (
	KindActivity      Kind = "activity"
	KindSignalListen  Kind = "signal_listen"
	KindSignalSend    Kind = "signal_send"
	KindMessageSend   Kind = "message_send"
	KindSubWorkflow   Kind = "sub_workflow"
	KindLoop          Kind = "loop"
	KindSleep         Kind = "sleep"
	KindBranch        Kind = "branch"
	KindRemoved       Kind = "removed"
	KindVersionCheck  Kind = "version_check"
)

// SleepState tracks whether a Sleep event's wait was interrupted by a
// signal (used jointly by listen_with_timeout) or ran to completion.
type SleepState string

const (
	SleepNormal        SleepState = "normal"
	SleepInterrupted   SleepState = "interrupted"
	SleepUninterrupted SleepState = "uninterrupted"
)

// Event is the immutable (mostly — Loop and Sleep allow targeted updates,
// see Update*) record of one step's outcome.
type Event struct {
	WorkflowID string
	Location   location.Location
	Forgotten  bool
	Kind       Kind
	Version    int
	CreatedAt  time.Time

	Activity     *ActivityPayload
	SignalListen *SignalListenPayload
	SignalSend   *SignalSendPayload
	MessageSend  *MessageSendPayload
	SubWorkflow  *SubWorkflowPayload
	Loop         *LoopPayload
	Sleep        *SleepPayload
	Removed      *RemovedPayload
	// VersionCheck carries no payload beyond Kind+Version.
}

// ActivityPayload records one activity invocation's input/output history.
type ActivityPayload struct {
	Name      string
	InputHash string
	Input     json.RawMessage
	Output    json.RawMessage // nil until a successful commit
	Errors    []string        // one entry appended per failed attempt
}

// ErrorCount returns the number of recorded failures.
func (a *ActivityPayload) ErrorCount() int {
	if a == nil {
		return 0
	}
	return len(a.Errors)
}

// SignalListenPayload records a delivered (or, with Body == nil, missed)
// signal observation.
type SignalListenPayload struct {
	SignalID   string
	SignalName string
	Body       json.RawMessage // nil if this listen observed "no signal"
}

// SignalSendPayload records a signal published from within a workflow.
type SignalSendPayload struct {
	DestinationWorkflowID string
	DestinationTags       map[string]string
	SignalID              string
	SignalName            string
	Body                  json.RawMessage
}

// MessageSendPayload records a fire-and-forget message (no durable
// subscriber; delivery itself is out of the core's scope).
type MessageSendPayload struct {
	Tags map[string]string
	Name string
	Body json.RawMessage
}

// SubWorkflowPayload records a sub-workflow dispatched from the parent.
type SubWorkflowPayload struct {
	SubWorkflowID string
	Name          string
	Tags          map[string]string
	Input         json.RawMessage
}

// LoopPayload records the current iteration state of a loop scope. It is
// the one event kind whose Iteration/State/Output are replaced in place
// on every iteration (commit_workflow: upsert_workflow_loop_event).
type LoopPayload struct {
	Iteration int
	State     json.RawMessage
	Output    json.RawMessage // set only once the loop breaks
}

// SleepPayload records a sleep (bare, or the sleep half of
// listen_with_timeout).
type SleepPayload struct {
	DeadlineAt time.Time
	State      SleepState
}

// RemovedPayload is a placeholder for a retired step, preserving its
// location so later code deletions don't shift subsequent coordinates.
type RemovedPayload struct {
	OriginalKind Kind
	OriginalName string
}

// NewActivity constructs an Activity event shell (no output/errors yet).
func NewActivity(wfID string, loc location.Location, version int, name, inputHash string, input json.RawMessage, now time.Time) Event {
	return Event{
		WorkflowID: wfID,
		Location:   loc,
		Kind:       KindActivity,
		Version:    version,
		CreatedAt:  now,
		Activity: &ActivityPayload{
			Name:      name,
			InputHash: inputHash,
			Input:     input,
		},
	}
}

// Matches reports whether this Activity event was recorded for the same
// (name, inputHash) pair — the determinism check the spec requires on
// replay (§3 Invariants: "Activity (name, input-hash) must match on
// replay; otherwise history-diverged.").
func (a *ActivityPayload) Matches(name, inputHash string) bool {
	return a != nil && a.Name == name && a.InputHash == inputHash
}

// String is a debug helper.
func (e Event) String() string {
	return fmt.Sprintf("%s@%s(v%d)", e.Kind, e.Location, e.Version)
}
