// Package history builds the replay-ordered view of a workflow's journal
// and tracks cursor position through it during a single run.
package history

import (
	"fmt"
	"sort"

	"github.com/flowcraft/engine/internal/event"
	"github.com/flowcraft/engine/internal/location"
)

// History is the sorted, scope-bucketed set of non-forgotten events for one
// workflow. Construction buckets a flat event list by the scope (parent
// location) each event lives in, then sorts each bucket lexicographically
// by location — exactly the "bucket by root-location; sort each bucket"
// recipe in spec §4.C.
type History struct {
	buckets map[string][]event.Event
}

// New builds a History from the flat event list a store returns.
// Forgotten events are excluded, per spec §4.C ("Forgotten events are
// excluded from the in-memory history fed to the cursor").
func New(events []event.Event) *History {
	h := &History{buckets: make(map[string][]event.Event)}
	for _, e := range events {
		if e.Forgotten {
			continue
		}
		key := e.Location.Parent().String()
		h.buckets[key] = append(h.buckets[key], e)
	}
	for k := range h.buckets {
		b := h.buckets[k]
		sort.Slice(b, func(i, j int) bool { return b[i].Location.Compare(b[j].Location) < 0 })
		h.buckets[k] = b
	}
	return h
}

// scope returns the sorted event slice for the given scope root (the
// parent location shared by all direct children in that scope).
func (h *History) scope(root location.Location) []event.Event {
	return h.buckets[root.String()]
}

// Result is the outcome of comparing the cursor's current position
// against history: either a recorded Event, or New (no event recorded —
// this is a fresh execution).
type Result struct {
	Event *event.Event
	IsNew bool
}

func eventResult(e event.Event) Result { return Result{Event: &e} }
func newResult() Result                { return Result{IsNew: true} }

// DivergedError is returned whenever replay finds the journal disagrees
// with what the workflow code is doing now. It is always unrecoverable
// (spec §7: HistoryDiverged).
type DivergedError struct {
	Reason string
}

func (e *DivergedError) Error() string { return "history diverged: " + e.Reason }

func diverged(format string, args ...any) error {
	return &DivergedError{Reason: fmt.Sprintf(format, args...)}
}

// Cursor tracks replay position within one scope (the root workflow, or
// one loop iteration's child scope). Primitives consult it in the
// sequence spec §4.F prescribes:
//
//	result   := cursor.CompareX(...)
//	loc      := cursor.CurrentLocationFor(result)
//	if replay { use result.Event } else { do work; commit }
//	cursor.Update(loc)
type Cursor struct {
	hist *History
	root location.Location
	idx  int
}

// NewCursor returns a cursor walking the given scope root.
func NewCursor(hist *History, root location.Location) *Cursor {
	return &Cursor{hist: hist, root: root}
}

// Root returns the scope root this cursor walks.
func (c *Cursor) Root() location.Location { return c.root }

// Idx returns the current sibling index (for diagnostics/tests).
func (c *Cursor) Idx() int { return c.idx }

func (c *Cursor) current() (event.Event, bool) {
	b := c.hist.scope(c.root)
	if c.idx >= len(b) {
		return event.Event{}, false
	}
	return b[c.idx], true
}

// CurrentLocationFor returns the location this primitive occupies: the
// recorded event's location on replay, or a freshly allocated sibling
// location on New.
func (c *Cursor) CurrentLocationFor(r Result) location.Location {
	if r.Event != nil {
		return r.Event.Location
	}
	return c.root.Join(location.NewCoordinate(c.idx))
}

// Update advances the cursor past the event at loc — the sibling index
// one past loc's own coordinate.
func (c *Cursor) Update(loc location.Location) {
	last, ok := loc.Last()
	if !ok {
		c.idx++
		return
	}
	if last.Index+1 > c.idx {
		c.idx = last.Index + 1
	}
}

// Inc steps to the next sibling without consuming a specific location.
func (c *Cursor) Inc() { c.idx++ }

// SetIdx positions the cursor directly — used by loops to (re)start a
// child scope's cursor at its first coordinate.
func (c *Cursor) SetIdx(i int) { c.idx = i }

// CheckClear ensures no unconsumed, non-forgotten events remain at this
// scope — called after a workflow function returns successfully (or a
// loop iteration completes) per spec §4.C invariant 4.
func (c *Cursor) CheckClear() error {
	b := c.hist.scope(c.root)
	if c.idx < len(b) {
		return diverged("unconsumed event %s remains at scope %s (cursor at idx %d, history has %d)",
			b[c.idx], c.root, c.idx, len(b))
	}
	return nil
}

// CompareActivity expects either an Activity event matching (name,
// inputHash) at the cursor, or no event (a new step). Any other kind, or
// a name/hash mismatch, is HistoryDiverged.
func (c *Cursor) CompareActivity(version int, name, inputHash string) (Result, error) {
	e, ok := c.current()
	if !ok {
		return newResult(), nil
	}
	if e.Kind != event.KindActivity {
		return Result{}, diverged("expected activity at %s, found %s", e.Location, e.Kind)
	}
	if !e.Activity.Matches(name, inputHash) {
		return Result{}, diverged("activity mismatch at %s: recorded (%s,%s), code requests (%s,%s)",
			e.Location, e.Activity.Name, e.Activity.InputHash, name, inputHash)
	}
	if e.Version < version {
		return Result{}, diverged("activity at %s recorded version %d, code requires >= %d",
			e.Location, e.Version, version)
	}
	return eventResult(e), nil
}

// compareKind is the shared body for the kind-only compare_* variants
// (signal, sleep, loop, branch, version_check): expect either that kind
// at the cursor, or nothing.
func (c *Cursor) compareKind(version int, want event.Kind) (Result, error) {
	e, ok := c.current()
	if !ok {
		return newResult(), nil
	}
	if e.Kind != want {
		return Result{}, diverged("expected %s at %s, found %s", want, e.Location, e.Kind)
	}
	if e.Version < version {
		return Result{}, diverged("%s at %s recorded version %d, code requires >= %d", want, e.Location, e.Version, version)
	}
	return eventResult(e), nil
}

// CompareSignal expects a SignalListen event or nothing.
func (c *Cursor) CompareSignal(version int) (Result, error) {
	return c.compareKind(version, event.KindSignalListen)
}

// CompareSleep expects a Sleep event or nothing.
func (c *Cursor) CompareSleep(version int) (Result, error) {
	return c.compareKind(version, event.KindSleep)
}

// CompareLoop expects a Loop event or nothing.
func (c *Cursor) CompareLoop(version int) (Result, error) {
	return c.compareKind(version, event.KindLoop)
}

// CompareBranch expects a Branch event or nothing.
func (c *Cursor) CompareBranch(version int) (Result, error) {
	return c.compareKind(version, event.KindBranch)
}

// CompareVersionCheck expects a VersionCheck event or nothing.
func (c *Cursor) CompareVersionCheck() (Result, error) {
	e, ok := c.current()
	if !ok {
		return newResult(), nil
	}
	if e.Kind != event.KindVersionCheck {
		return Result{}, diverged("expected version_check at %s, found %s", e.Location, e.Kind)
	}
	return eventResult(e), nil
}

// CompareRemoved expects a Removed event or nothing — used by
// ctx.Removed[T]() so later code deletions don't shift subsequent
// locations.
func (c *Cursor) CompareRemoved() (Result, error) {
	e, ok := c.current()
	if !ok {
		return newResult(), nil
	}
	if e.Kind != event.KindRemoved {
		return Result{}, diverged("expected removed at %s, found %s", e.Location, e.Kind)
	}
	return eventResult(e), nil
}

// CompareSubWorkflow expects a SubWorkflow event or nothing.
func (c *Cursor) CompareSubWorkflow(version int) (Result, error) {
	return c.compareKind(version, event.KindSubWorkflow)
}

// CompareMessageSend expects a MessageSend event or nothing — msg().send()
// still occupies a cursor slot so replay doesn't re-send.
func (c *Cursor) CompareMessageSend(version int) (Result, error) {
	return c.compareKind(version, event.KindMessageSend)
}
