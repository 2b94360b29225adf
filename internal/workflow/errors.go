package workflow

import (
	"errors"
	"fmt"
	"time"

	"github.com/flowcraft/engine/internal/store"
)

// Kind classifies every condition a primitive or the runner itself can
// raise (spec §7). Each Kind is either recoverable or terminal, as
// reported by Error.Recoverable.
type Kind string

const (
	KindActivityFailure          Kind = "activity_failure"
	KindActivityTimeout          Kind = "activity_timeout"
	KindActivityMaxFailures      Kind = "activity_max_failures_reached"
	KindNoSignalFound            Kind = "no_signal_found"
	KindNoSignalFoundAndSleep    Kind = "no_signal_found_and_sleep"
	KindSleep                    Kind = "sleep"
	KindSubWorkflowIncomplete    Kind = "sub_workflow_incomplete"
	KindHistoryDiverged          Kind = "history_diverged"
	KindWorkflowStopped          Kind = "workflow_stopped"
	KindInvalidVersion           Kind = "invalid_version"
	KindSerialize                Kind = "serialize"
	KindMaxSQLRetries            Kind = "max_sql_retries"
)

// Error is the single error type every primitive returns. Only one Kind
// is ever set; the payload fields relevant to that Kind are populated.
type Error struct {
	Kind Kind

	Cause      error
	ErrorCount int
	Names      []string
	DeadlineAt time.Time
	SubWFID    string
	Message    string
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("workflow: %s: %v", e.Kind, e.Cause)
	}
	if e.Message != "" {
		return fmt.Sprintf("workflow: %s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("workflow: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// Recoverable reports whether the runner should retry this workflow
// (writing wake conditions) rather than marking it dead.
func (e *Error) Recoverable() bool {
	switch e.Kind {
	case KindActivityFailure, KindActivityTimeout,
		KindNoSignalFound, KindNoSignalFoundAndSleep, KindSleep,
		KindSubWorkflowIncomplete, KindWorkflowStopped:
		return true
	default:
		return false
	}
}

// Typed constructors — used by primitives instead of building Error
// literals inline, so the Kind/payload pairing can't drift.

func ActivityFailure(cause error, errorCount int, retryAt time.Time) *Error {
	return &Error{Kind: KindActivityFailure, Cause: cause, ErrorCount: errorCount, DeadlineAt: retryAt}
}

func ActivityTimeout(errorCount int, retryAt time.Time) *Error {
	return &Error{Kind: KindActivityTimeout, ErrorCount: errorCount, DeadlineAt: retryAt}
}

func ActivityMaxFailuresReached(cause error) *Error {
	return &Error{Kind: KindActivityMaxFailures, Cause: cause}
}

func NoSignalFound(names []string) *Error {
	return &Error{Kind: KindNoSignalFound, Names: names}
}

func NoSignalFoundAndSleep(names []string, deadline time.Time) *Error {
	return &Error{Kind: KindNoSignalFoundAndSleep, Names: names, DeadlineAt: deadline}
}

func Sleep(deadline time.Time) *Error {
	return &Error{Kind: KindSleep, DeadlineAt: deadline}
}

func SubWorkflowIncomplete(subWFID string) *Error {
	return &Error{Kind: KindSubWorkflowIncomplete, SubWFID: subWFID}
}

func HistoryDiverged(msg string) *Error {
	return &Error{Kind: KindHistoryDiverged, Message: msg}
}

func WorkflowStopped() *Error {
	return &Error{Kind: KindWorkflowStopped}
}

func InvalidVersion(msg string) *Error {
	return &Error{Kind: KindInvalidVersion, Message: msg}
}

func SerializeError(cause error) *Error {
	return &Error{Kind: KindSerialize, Cause: cause}
}

func MaxSQLRetries(cause error) *Error {
	return &Error{Kind: KindMaxSQLRetries, Cause: cause}
}

// AsError unwraps target into a *Error, the way errors.As would, without
// requiring callers to import errors for this one common case.
func AsError(err error) (*Error, bool) {
	var we *Error
	ok := errors.As(err, &we)
	return we, ok
}

// Classify derives the store-level wake condition and terminal error
// message the runner commits for a given primitive error (spec §7
// "Runner policy"). terminal reports whether the workflow should be left
// dead (no wake conditions, error recorded) rather than retried.
func Classify(err error) (wake store.WakeCondition, errMsg string, terminal bool) {
	we, ok := AsError(err)
	if !ok {
		return store.WakeCondition{}, err.Error(), true
	}

	switch we.Kind {
	case KindActivityFailure, KindActivityTimeout:
		d := we.DeadlineAt
		return store.WakeCondition{DeadlineAt: &d}, "", false
	case KindNoSignalFound:
		return store.WakeCondition{Signals: we.Names}, "", false
	case KindNoSignalFoundAndSleep:
		d := we.DeadlineAt
		return store.WakeCondition{Signals: we.Names, DeadlineAt: &d}, "", false
	case KindSleep:
		d := we.DeadlineAt
		return store.WakeCondition{DeadlineAt: &d}, "", false
	case KindSubWorkflowIncomplete:
		return store.WakeCondition{SubWorkflowID: we.SubWFID}, "", false
	case KindWorkflowStopped:
		return store.WakeCondition{Immediate: true}, "", false
	case KindActivityMaxFailures, KindHistoryDiverged, KindInvalidVersion, KindSerialize, KindMaxSQLRetries:
		return store.WakeCondition{}, we.Error(), true
	default:
		return store.WakeCondition{}, we.Error(), true
	}
}
