// Package activity implements the Activity Runner (spec §4.E): bounded-time
// execution of a single idempotent function with result capture, and the
// exponential backoff schedule consulted when a run fails.
package activity

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Func is the signature every registered activity implementation has.
// Inputs and outputs travel as raw JSON so the engine never needs to know
// an activity's concrete types.
type Func func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// Config bounds one activity's execution and retry schedule (spec §5's
// A::TIMEOUT / A::MAX_RETRIES / BASE_RETRY_TIMEOUT_MS / RETRY_RESET_DURATION_MS,
// supplied per-activity by the registry).
type Config struct {
	Timeout            time.Duration
	MaxRetries         int
	BaseRetryTimeout   time.Duration
	MaxRetryTimeout    time.Duration
	RetryResetDuration time.Duration
}

// Result is the outcome of one A::run invocation.
type Result struct {
	Output json.RawMessage
	Err    error
}

// Run executes fn once, bounded by cfg.Timeout. It never retries itself —
// retry is durable (a new worker pull, possibly on a different process),
// driven by the caller committing an Activity event and the workflow
// sleeping until NextAttemptDelay has elapsed (spec §4.E / §4.F).
func Run(ctx context.Context, cfg Config, fn Func, input json.RawMessage) Result {
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	output, err := fn(ctx, input)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return Result{Err: &TimeoutError{Cause: err}}
		}
		return Result{Err: err}
	}
	return Result{Output: output}
}

// TimeoutError wraps the error observed when an activity's context deadline
// fired before fn returned.
type TimeoutError struct {
	Cause error
}

func (e *TimeoutError) Error() string { return "activity: timed out: " + e.Cause.Error() }
func (e *TimeoutError) Unwrap() error { return e.Cause }

// NextAttemptDelay returns how long the workflow must sleep before the
// (errorCount+1)-th attempt, per cfg's exponential schedule. It builds a
// fresh backoff.ExponentialBackOff and replays it errorCount times rather
// than persisting backoff state across runs — the schedule is a pure
// function of errorCount, which is itself durable (it's the activity
// event's recorded error count), so nothing besides cfg needs to survive
// a restart.
func NextAttemptDelay(cfg Config, errorCount int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.BaseRetryTimeout
	b.RandomizationFactor = 0
	if cfg.MaxRetryTimeout > 0 {
		b.MaxInterval = cfg.MaxRetryTimeout
	}

	var d time.Duration
	for i := 0; i < errorCount; i++ {
		next := b.NextBackOff()
		if next == backoff.Stop {
			return b.MaxInterval
		}
		d = next
	}
	return d
}

// MaxRetriesReached reports whether errorCount has exhausted cfg's budget —
// the point at which the caller must promote the failure to
// ActivityMaxFailuresReached (spec §4.E, unrecoverable).
func MaxRetriesReached(cfg Config, errorCount int) bool {
	return errorCount >= cfg.MaxRetries
}
