package workflow

import (
	"context"
	"encoding/json"
	"time"
)

// Listen waits for one signal whose name is in names (spec §4.F.2). On
// replay, the body recorded in the SignalListen event is returned
// directly. Otherwise it polls the store a bounded number of times,
// racing the wake-notification channel and opt.SignalPollInterval
// (opt.TickInterval when that is unset) between attempts; after opt.MaxSignalPollTries misses it returns
// NoSignalFound(names) so the runner suspends the workflow on those
// signal names.
func (c *Ctx) Listen(ctx context.Context, names []string) (json.RawMessage, error) {
	if err := c.checkStop(); err != nil {
		return nil, err
	}

	res, err := c.cursor.CompareSignal(c.Version)
	if err != nil {
		return nil, HistoryDiverged(err.Error())
	}
	loc := c.cursor.CurrentLocationFor(res)

	if res.Event != nil {
		c.cursor.Update(loc)
		return res.Event.SignalListen.Body, nil
	}

	tries := c.opt.MaxSignalPollTries
	if tries <= 0 {
		tries = 1
	}
	for attempt := 0; attempt < tries; attempt++ {
		sig, err := c.db.PullNextSignal(ctx, c.ID, names, loc, c.Version, c.now())
		if err != nil {
			return nil, MaxSQLRetries(err)
		}
		if sig != nil {
			c.cursor.Update(loc)
			return sig.Body, nil
		}
		if attempt == tries-1 {
			break
		}
		if stopped := c.pollWait(ctx); stopped {
			return nil, WorkflowStopped()
		}
	}
	return nil, NoSignalFound(names)
}

// pollWait races a wake notification, the signal poll interval, and the
// stop channel — the in-memory wait between poll attempts spec §4.F.2
// describes as "select-await on wake_sub() stream OR an interval tick OR
// wait_stop()".
func (c *Ctx) pollWait(ctx context.Context) (stopped bool) {
	interval := c.opt.SignalPollInterval
	if interval <= 0 {
		interval = c.opt.TickInterval
	}
	var wakeCh <-chan struct{}
	if ws, ok := c.db.(interface{ WakeSub() <-chan struct{} }); ok {
		wakeCh = ws.WakeSub()
	}

	timer := time.NewTimer(interval)
	defer timer.Stop()
	select {
	case <-timer.C:
		return false
	case <-wakeCh:
		return false
	case <-c.stop:
		return true
	case <-ctx.Done():
		return true
	}
}
