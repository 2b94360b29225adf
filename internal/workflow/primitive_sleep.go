package workflow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/flowcraft/engine/internal/event"
	"github.com/flowcraft/engine/internal/location"
)

// SleepUntil suspends the workflow until ts, or no-ops if ts has already
// passed, or waits in-memory if the remaining duration is shorter than
// the tick interval (spec §4.F.4).
func (c *Ctx) SleepUntil(ctx context.Context, ts time.Time) error {
	if err := c.checkStop(); err != nil {
		return err
	}

	res, err := c.cursor.CompareSleep(c.Version)
	if err != nil {
		return HistoryDiverged(err.Error())
	}
	loc := c.cursor.CurrentLocationFor(res)

	if res.Event != nil {
		c.cursor.Update(loc)
		return nil
	}

	now := c.now()
	if err := c.db.CommitSleepEvent(ctx, c.ID, loc, c.Version, ts, event.SleepNormal, now); err != nil {
		return MaxSQLRetries(err)
	}
	c.cursor.Update(loc)

	remaining := ts.Sub(now)
	if remaining <= 0 {
		return nil
	}
	if remaining < c.opt.TickInterval {
		if stopped := c.waitTick(ctx, remaining); stopped {
			return WorkflowStopped()
		}
		return nil
	}
	return Sleep(ts)
}

// Sleep is SleepUntil(now + d).
func (c *Ctx) Sleep(ctx context.Context, d time.Duration) error {
	return c.SleepUntil(ctx, c.now().Add(d))
}

// ListenWithTimeout composes a Sleep event and a SignalListen event at
// adjacent locations (spec §4.F.3): it waits for a signal named in names
// but gives up at deadline ts, returning (nil, false, nil) on timeout
// rather than suspending forever.
func (c *Ctx) ListenWithTimeout(ctx context.Context, names []string, ts time.Time) (json.RawMessage, bool, error) {
	if err := c.checkStop(); err != nil {
		return nil, false, err
	}

	sleepRes, err := c.cursor.CompareSleep(c.Version)
	if err != nil {
		return nil, false, HistoryDiverged(err.Error())
	}
	sleepLoc := c.cursor.CurrentLocationFor(sleepRes)

	now := c.now()
	var state event.SleepState
	if sleepRes.Event != nil {
		state = sleepRes.Event.Sleep.State
	} else {
		state = event.SleepNormal
		if err := c.db.CommitSleepEvent(ctx, c.ID, sleepLoc, c.Version, ts, state, now); err != nil {
			return nil, false, MaxSQLRetries(err)
		}
	}
	c.cursor.Update(sleepLoc)

	listenLoc := sleepLoc.WithLastIncremented()

	if state == event.SleepUninterrupted {
		return nil, false, nil
	}

	// A SignalListen event already at listenLoc means a signal was
	// captured on an earlier pass — either a deadline-elapsed commit
	// below (which also marks the Sleep event Interrupted) or an earlier
	// long-wait poll attempt (which, per the fix below, leaves Sleep
	// Normal and records only the SignalListen event). Either way replay
	// must return that capture directly rather than polling again.
	if listenRes, err := c.cursor.CompareSignal(c.Version); err != nil {
		return nil, false, HistoryDiverged(err.Error())
	} else if listenRes.Event != nil {
		loc := c.cursor.CurrentLocationFor(listenRes)
		c.cursor.Update(loc)
		if listenRes.Event.SignalListen == nil {
			return nil, false, HistoryDiverged("listen_with_timeout: expected a recorded signal_listen at " + loc.String())
		}
		return listenRes.Event.SignalListen.Body, true, nil
	}

	remaining := ts.Sub(now)
	tick := c.opt.TickInterval

	switch {
	case remaining <= 0:
		return c.resolveListenWithTimeout(ctx, sleepLoc, listenLoc, names)
	case remaining < tick:
		if stopped := c.waitTick(ctx, remaining); stopped {
			return nil, false, WorkflowStopped()
		}
		return c.resolveListenWithTimeout(ctx, sleepLoc, listenLoc, names)
	}

	// The deadline is still far off. Poll exactly the way signal() does —
	// via PullNextSignal, which claims a matching signal without ever
	// touching the Sleep event — so a miss here leaves the Sleep event
	// Normal and the eventual NoSignalFoundAndSleep suspension replays
	// into this same branch instead of a spurious Uninterrupted timeout.
	tries := c.opt.MaxSignalPollTries
	if tries <= 0 {
		tries = 1
	}
	for attempt := 0; attempt < tries; attempt++ {
		sig, err := c.db.PullNextSignal(ctx, c.ID, names, listenLoc, c.Version, c.now())
		if err != nil {
			return nil, false, MaxSQLRetries(err)
		}
		if sig != nil {
			c.cursor.Update(listenLoc)
			return sig.Body, true, nil
		}
		if attempt == tries-1 {
			break
		}
		if stopped := c.pollWait(ctx); stopped {
			return nil, false, WorkflowStopped()
		}
	}
	return nil, false, NoSignalFoundAndSleep(names, ts)
}

// resolveListenWithTimeout commits the deadline-elapsed decision: claim a
// pending signal if one exists (marking the Sleep event Interrupted), or
// give up and mark it Uninterrupted. Only called once remaining <= tick —
// the long-wait poll above must never reach here without the deadline
// actually having elapsed.
func (c *Ctx) resolveListenWithTimeout(ctx context.Context, sleepLoc, listenLoc location.Location, names []string) (json.RawMessage, bool, error) {
	sig, err := c.db.CommitListenWithTimeout(ctx, c.ID, sleepLoc, listenLoc, c.Version, names, c.now())
	if err != nil {
		return nil, false, MaxSQLRetries(err)
	}
	if sig == nil {
		return nil, false, nil
	}
	c.cursor.Update(listenLoc)
	return sig.Body, true, nil
}
