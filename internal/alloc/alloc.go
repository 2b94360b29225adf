// Package alloc implements the wake-condition eligibility predicates
// shared by every store backend (spec §4.I). Each backend is free to
// choose its own index shape (SQL WHERE clauses, in-memory scans, ...);
// this package is the one place the eligibility rule itself is written,
// so sqlite/postgres/memory can't silently drift apart.
package alloc

import (
	"time"
)

// Workflow is the minimal view of a workflow row the eligibility
// predicate needs. Backends adapt their own row type to it.
type Workflow struct {
	Incomplete    bool
	Silenced      bool
	LeaseOwner    string
	LeaseExpired  bool
	NameMatches   bool
	WakeImmediate bool
	WakeDeadline  *time.Time
	WakeSignals   []string
	WakeSubWFID   string
}

// SignalLookup reports whether any unacked, unsilenced signal addressed
// to the workflow matches one of its wake_signals names or a tag subset.
type SignalLookup func(names []string) bool

// SubWorkflowLookup reports whether the awaited sub-workflow has an
// output committed.
type SubWorkflowLookup func(subWorkflowID string) bool

// Eligible implements the pull_workflows predicate from spec §4.D/§4.I:
// a workflow is eligible iff it is (a) incomplete, (b) unleased or
// leased-expired, (c) not silenced, (d) name-matched, and (e) at least
// one wake condition is currently satisfied.
func Eligible(wf Workflow, now time.Time, hasSignal SignalLookup, subDone SubWorkflowLookup) bool {
	if !wf.Incomplete || wf.Silenced || !wf.NameMatches {
		return false
	}
	if wf.LeaseOwner != "" && !wf.LeaseExpired {
		return false
	}
	return wakeSatisfied(wf, now, hasSignal, subDone)
}

func wakeSatisfied(wf Workflow, now time.Time, hasSignal SignalLookup, subDone SubWorkflowLookup) bool {
	if wf.WakeImmediate {
		return true
	}
	if wf.WakeDeadline != nil && !wf.WakeDeadline.After(now) {
		return true
	}
	if len(wf.WakeSignals) > 0 && hasSignal != nil && hasSignal(wf.WakeSignals) {
		return true
	}
	if wf.WakeSubWFID != "" && subDone != nil && subDone(wf.WakeSubWFID) {
		return true
	}
	return false
}

// TagsSubset reports whether required is a subset of have — the routing
// rule for tagged signals (spec §4.I: "a tagged signal whose tags ⊆
// workflow tags").
func TagsSubset(required, have map[string]string) bool {
	for k, v := range required {
		if have[k] != v {
			return false
		}
	}
	return true
}
