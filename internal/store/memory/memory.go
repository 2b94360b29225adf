// Package memory provides an in-memory reference Store implementation,
// used by unit and scenario tests and by single-process deployments that
// don't need durability across restarts.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowcraft/engine/internal/alloc"
	"github.com/flowcraft/engine/internal/event"
	"github.com/flowcraft/engine/internal/location"
	"github.com/flowcraft/engine/internal/store"
)

// Compile-time interface assertion.
var _ store.Store = (*Backend)(nil)

// Backend is a mutex-protected, map-backed Store. Grounded on the
// teacher's backend/memory structure, generalized from Run/Checkpoint
// rows to the workflow engine's Workflow/Event/Signal rows.
type Backend struct {
	mu          sync.Mutex
	workflows   map[string]*store.Workflow
	events      map[string][]event.Event // workflow id -> all events (including forgotten)
	signals     map[string]*store.Signal
	workerPings map[string]time.Time

	wakeCh chan struct{}
}

// New creates an empty in-memory backend.
func New() *Backend {
	return &Backend{
		workflows:   make(map[string]*store.Workflow),
		events:      make(map[string][]event.Event),
		signals:     make(map[string]*store.Signal),
		workerPings: make(map[string]time.Time),
		wakeCh:      make(chan struct{}, 1),
	}
}

func (b *Backend) notifyWake() {
	select {
	case b.wakeCh <- struct{}{}:
	default:
	}
}

// WakeSub returns a channel that receives a notification whenever new
// work may have become available.
func (b *Backend) WakeSub() <-chan struct{} { return b.wakeCh }

func (b *Backend) Close() error { return nil }

// --- WorkflowStore ---

func (b *Backend) DispatchWorkflow(ctx context.Context, rayID, wfID, name string, input json.RawMessage, opts store.DispatchOptions) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if opts.Unique {
		for _, wf := range b.workflows {
			if wf.Name != name || !wf.IsIncomplete() {
				continue
			}
			if tagsEqual(wf.Tags, opts.Tags) {
				return wf.ID, nil
			}
		}
	}

	if wfID == "" {
		wfID = uuid.New().String()
	}
	b.workflows[wfID] = &store.Workflow{
		ID:        wfID,
		Name:      name,
		CreatedAt: time.Now(),
		RayID:     rayID,
		Input:     input,
		Wake:      store.WakeCondition{Immediate: true},
		Tags:      opts.Tags,
	}
	b.notifyWake()
	return wfID, nil
}

func tagsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func (b *Backend) GetWorkflow(ctx context.Context, id string) (*store.Workflow, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	wf, ok := b.workflows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *wf
	return &cp, nil
}

func (b *Backend) PullWorkflows(ctx context.Context, workerID string, nameFilter []string, limit int) ([]store.PulledWorkflow, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	nameSet := toSet(nameFilter)

	var ids []string
	for id := range b.workflows {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return b.workflows[ids[i]].CreatedAt.Before(b.workflows[ids[j]].CreatedAt) })

	var out []store.PulledWorkflow
	for _, id := range ids {
		if len(out) >= limit {
			break
		}
		wf := b.workflows[id]
		av := alloc.Workflow{
			Incomplete:   wf.IsIncomplete(),
			Silenced:     wf.SilencedAt != nil,
			LeaseOwner:   wf.LeaseOwner,
			LeaseExpired: wf.LeaseOwner != "" && now.Sub(wf.LastPullAt) > leaseExpiry,
			NameMatches:  len(nameSet) == 0 || nameSet[wf.Name],
			WakeImmediate: wf.Wake.Immediate,
			WakeDeadline:  wf.Wake.DeadlineAt,
			WakeSignals:   wf.Wake.Signals,
			WakeSubWFID:   wf.Wake.SubWorkflowID,
		}
		hasSignal := func(names []string) bool { return b.hasMatchingSignalLocked(wf, names) }
		subDone := func(subID string) bool {
			sub, ok := b.workflows[subID]
			return ok && sub.Output != nil
		}
		if !alloc.Eligible(av, now, hasSignal, subDone) {
			continue
		}

		wf.LeaseOwner = workerID
		wf.LastPullAt = now

		evs := append([]event.Event(nil), b.events[id]...)
		out = append(out, store.PulledWorkflow{Workflow: *wf, History: evs})
	}
	return out, nil
}

const leaseExpiry = 30 * time.Second

func toSet(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

func (b *Backend) hasMatchingSignalLocked(wf *store.Workflow, names []string) bool {
	nameSet := toSet(names)
	for _, sig := range b.signals {
		if sig.AckedAt != nil || sig.SilencedAt != nil {
			continue
		}
		if sig.DestWFID != "" {
			if sig.DestWFID != wf.ID {
				continue
			}
		} else if !alloc.TagsSubset(sig.DestTags, wf.Tags) {
			continue
		}
		if nameSet == nil || nameSet[sig.Name] {
			return true
		}
	}
	return false
}

func (b *Backend) CommitWorkflow(ctx context.Context, id string, wake store.WakeCondition, errMsg string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	wf, ok := b.workflows[id]
	if !ok {
		return store.ErrNotFound
	}
	wf.LeaseOwner = ""
	wf.Wake = wake
	wf.Error = errMsg
	if !wake.IsZero() {
		b.notifyWake()
	}
	return nil
}

func (b *Backend) CompleteWorkflow(ctx context.Context, id string, output json.RawMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	wf, ok := b.workflows[id]
	if !ok {
		return store.ErrNotFound
	}
	wf.LeaseOwner = ""
	wf.Output = output
	wf.Wake = store.WakeCondition{}
	b.notifyWake()
	return nil
}

// --- EventStore ---

func (b *Backend) findEvent(wfID string, loc location.Location) (int, bool) {
	for i, e := range b.events[wfID] {
		if !e.Forgotten && e.Location.Compare(loc) == 0 {
			return i, true
		}
	}
	return -1, false
}

func (b *Backend) CommitActivityEvent(ctx context.Context, wfID string, loc location.Location, version int, eventID, name string, input json.RawMessage, now time.Time, output json.RawMessage, attemptErr string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if i, ok := b.findEvent(wfID, loc); ok {
		e := &b.events[wfID][i]
		if output != nil {
			e.Activity.Output = output
		} else if attemptErr != "" {
			e.Activity.Errors = append(e.Activity.Errors, attemptErr)
		}
		return nil
	}

	e := event.NewActivity(wfID, loc, version, name, eventID, input, now)
	if output != nil {
		e.Activity.Output = output
	} else if attemptErr != "" {
		e.Activity.Errors = append(e.Activity.Errors, attemptErr)
	}
	b.events[wfID] = append(b.events[wfID], e)
	return nil
}

func (b *Backend) CommitSleepEvent(ctx context.Context, wfID string, loc location.Location, version int, deadline time.Time, state event.SleepState, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.findEvent(wfID, loc); ok {
		return nil
	}
	b.events[wfID] = append(b.events[wfID], event.Event{
		WorkflowID: wfID, Location: loc, Kind: event.KindSleep, Version: version, CreatedAt: now,
		Sleep: &event.SleepPayload{DeadlineAt: deadline, State: state},
	})
	return nil
}

func (b *Backend) UpdateSleepEventState(ctx context.Context, wfID string, loc location.Location, state event.SleepState) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	i, ok := b.findEvent(wfID, loc)
	if !ok {
		return store.ErrNotFound
	}
	b.events[wfID][i].Sleep.State = state
	return nil
}

func (b *Backend) CommitBranchEvent(ctx context.Context, wfID string, loc location.Location, version int, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.findEvent(wfID, loc); ok {
		return nil
	}
	b.events[wfID] = append(b.events[wfID], event.Event{WorkflowID: wfID, Location: loc, Kind: event.KindBranch, Version: version, CreatedAt: now})
	return nil
}

func (b *Backend) CommitRemovedEvent(ctx context.Context, wfID string, loc location.Location, version int, originalKind event.Kind, originalName string, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.findEvent(wfID, loc); ok {
		return nil
	}
	b.events[wfID] = append(b.events[wfID], event.Event{
		WorkflowID: wfID, Location: loc, Kind: event.KindRemoved, Version: version, CreatedAt: now,
		Removed: &event.RemovedPayload{OriginalKind: originalKind, OriginalName: originalName},
	})
	return nil
}

func (b *Backend) CommitVersionCheckEvent(ctx context.Context, wfID string, loc location.Location, version int, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.findEvent(wfID, loc); ok {
		return nil
	}
	b.events[wfID] = append(b.events[wfID], event.Event{WorkflowID: wfID, Location: loc, Kind: event.KindVersionCheck, Version: version, CreatedAt: now})
	return nil
}

func (b *Backend) CommitMessageSendEvent(ctx context.Context, wfID string, loc location.Location, version int, tags map[string]string, name string, body json.RawMessage, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.findEvent(wfID, loc); ok {
		return nil
	}
	b.events[wfID] = append(b.events[wfID], event.Event{
		WorkflowID: wfID, Location: loc, Kind: event.KindMessageSend, Version: version, CreatedAt: now,
		MessageSend: &event.MessageSendPayload{Tags: tags, Name: name, Body: body},
	})
	return nil
}

func (b *Backend) CommitListenWithTimeout(ctx context.Context, wfID string, sleepLoc, listenLoc location.Location, version int, nameFilter []string, now time.Time) (*store.Signal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	wf, ok := b.workflows[wfID]
	if !ok {
		return nil, store.ErrNotFound
	}

	chosen := b.claimSignalLocked(wf, nameFilter)

	state := event.SleepUninterrupted
	if chosen != nil {
		state = event.SleepInterrupted
	}
	if i, ok := b.findEvent(wfID, sleepLoc); ok {
		b.events[wfID][i].Sleep.State = state
	}

	if chosen == nil {
		return nil, nil
	}
	t := now
	chosen.AckedAt = &t
	b.events[wfID] = append(b.events[wfID], event.Event{
		WorkflowID: wfID, Location: listenLoc, Kind: event.KindSignalListen, Version: version, CreatedAt: now,
		SignalListen: &event.SignalListenPayload{SignalID: chosen.ID, SignalName: chosen.Name, Body: chosen.Body},
	})
	cp := *chosen
	return &cp, nil
}

// claimSignalLocked returns (without acking) the oldest unacked,
// unsilenced signal addressed to wf whose name is in nameFilter — the
// shared selection rule used by both PullNextSignal and
// CommitListenWithTimeout. Callers must hold b.mu.
func (b *Backend) claimSignalLocked(wf *store.Workflow, nameFilter []string) *store.Signal {
	nameSet := toSet(nameFilter)
	var best *store.Signal
	for _, sig := range b.signals {
		if sig.AckedAt != nil || sig.SilencedAt != nil {
			continue
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
		if best == nil || sig.CreatedAt.Before(best.CreatedAt) || (sig.CreatedAt.Equal(best.CreatedAt) && sig.ID < best.ID) {
			best = sig
		}
	}
	return best
}

func (b *Backend) UpsertLoopEvent(ctx context.Context, wfID string, loopLoc location.Location, version int, iteration int, state json.RawMessage, output json.RawMessage, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	i, ok := b.findEvent(wfID, loopLoc)
	if !ok {
		b.events[wfID] = append(b.events[wfID], event.Event{
			WorkflowID: wfID, Location: loopLoc, Kind: event.KindLoop, Version: version, CreatedAt: now,
			Loop: &event.LoopPayload{Iteration: iteration, State: state, Output: output},
		})
		return nil
	}

	b.events[wfID][i].Loop.Iteration = iteration
	b.events[wfID][i].Loop.State = state
	b.events[wfID][i].Loop.Output = output

	// Forget every non-forgotten event under loopLoc except the subtree
	// belonging to the iteration that just finished (iteration N's own
	// events must survive this same call, so S5-style scenarios end up
	// with exactly one surviving iteration's worth of history).
	currentScope := loopLoc.IterationChild(iteration)
	for j := range b.events[wfID] {
		e := &b.events[wfID][j]
		if e.Location.Compare(loopLoc) == 0 {
			continue
		}
		if e.Location.HasPrefix(currentScope) {
			continue
		}
		if e.Location.HasPrefix(loopLoc) {
			e.Forgotten = true
		}
	}
	return nil
}

func (b *Backend) DispatchSubWorkflow(ctx context.Context, parentID string, parentLoc location.Location, version int, rayID, subID, name string, tags map[string]string, input json.RawMessage, now time.Time, opts store.DispatchOptions) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if opts.Unique {
		for _, wf := range b.workflows {
			if wf.Name != name || !wf.IsIncomplete() {
				continue
			}
			if tagsEqual(wf.Tags, tags) {
				subID = wf.ID
				b.appendSubWorkflowEventLocked(parentID, parentLoc, version, subID, name, tags, input, now)
				return subID, nil
			}
		}
	}

	if subID == "" {
		subID = uuid.New().String()
	}
	b.workflows[subID] = &store.Workflow{
		ID: subID, Name: name, CreatedAt: now, RayID: rayID, Input: input,
		Wake: store.WakeCondition{Immediate: true}, Tags: tags,
	}
	b.appendSubWorkflowEventLocked(parentID, parentLoc, version, subID, name, tags, input, now)
	b.notifyWake()
	return subID, nil
}

func (b *Backend) appendSubWorkflowEventLocked(parentID string, parentLoc location.Location, version int, subID, name string, tags map[string]string, input json.RawMessage, now time.Time) {
	if _, ok := b.findEvent(parentID, parentLoc); ok {
		return
	}
	b.events[parentID] = append(b.events[parentID], event.Event{
		WorkflowID: parentID, Location: parentLoc, Kind: event.KindSubWorkflow, Version: version, CreatedAt: now,
		SubWorkflow: &event.SubWorkflowPayload{SubWorkflowID: subID, Name: name, Tags: tags, Input: input},
	})
}

// --- SignalStore ---

func (b *Backend) PullNextSignal(ctx context.Context, wfID string, nameFilter []string, listenLoc location.Location, version int, now time.Time) (*store.Signal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	wf, ok := b.workflows[wfID]
	if !ok {
		return nil, store.ErrNotFound
	}

	chosen := b.claimSignalLocked(wf, nameFilter)
	if chosen == nil {
		return nil, nil
	}
	// Oldest-created wins, deterministically (SPEC_FULL §9 decision #1) —
	// enforced inside claimSignalLocked's selection order.
	chosen.AckedAt = &now

	if _, exists := b.findEvent(wfID, listenLoc); !exists {
		b.events[wfID] = append(b.events[wfID], event.Event{
			WorkflowID: wfID, Location: listenLoc, Kind: event.KindSignalListen, Version: version, CreatedAt: now,
			SignalListen: &event.SignalListenPayload{SignalID: chosen.ID, SignalName: chosen.Name, Body: chosen.Body},
		})
	}

	cp := *chosen
	return &cp, nil
}

func (b *Backend) PublishSignal(ctx context.Context, rayID, destWFID, signalID, name string, body json.RawMessage, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if signalID == "" {
		signalID = uuid.New().String()
	}
	b.signals[signalID] = &store.Signal{ID: signalID, RayID: rayID, DestWFID: destWFID, Name: name, Body: body, CreatedAt: now}
	b.notifyWake()
	return nil
}

func (b *Backend) PublishTaggedSignal(ctx context.Context, rayID string, destTags map[string]string, signalID, name string, body json.RawMessage, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if signalID == "" {
		signalID = uuid.New().String()
	}
	b.signals[signalID] = &store.Signal{ID: signalID, RayID: rayID, DestTags: destTags, Name: name, Body: body, CreatedAt: now}
	b.notifyWake()
	return nil
}

func (b *Backend) PublishSignalFromWorkflow(ctx context.Context, srcWFID string, loc location.Location, version int, destWFID string, destTags map[string]string, signalID, name string, body json.RawMessage, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if signalID == "" {
		signalID = uuid.New().String()
	}
	b.signals[signalID] = &store.Signal{ID: signalID, DestWFID: destWFID, DestTags: destTags, Name: name, Body: body, CreatedAt: now}

	if _, ok := b.findEvent(srcWFID, loc); !ok {
		b.events[srcWFID] = append(b.events[srcWFID], event.Event{
			WorkflowID: srcWFID, Location: loc, Kind: event.KindSignalSend, Version: version, CreatedAt: now,
			SignalSend: &event.SignalSendPayload{DestinationWorkflowID: destWFID, DestinationTags: destTags, SignalID: signalID, SignalName: name, Body: body},
		})
	}
	b.notifyWake()
	return nil
}

// --- LeaseStore ---

func (b *Backend) UpdateWorkerPing(ctx context.Context, workerID string, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.workerPings[workerID] = now
	return nil
}

func (b *Backend) ClearExpiredLeases(ctx context.Context, workerID string, expiredBefore time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, wf := range b.workflows {
		if wf.LeaseOwner == "" {
			continue
		}
		if ping, ok := b.workerPings[wf.LeaseOwner]; ok && ping.After(expiredBefore) {
			continue
		}
		wf.LeaseOwner = ""
		n++
	}
	return n, nil
}
