// Package worker implements the Worker Loop (spec §4.H): a single process
// that pings its liveness, garbage-collects expired leases, and pulls
// eligible workflows onto a bounded cooperative pool.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowcraft/engine/internal/log"
	"github.com/flowcraft/engine/internal/metrics"
	"github.com/flowcraft/engine/internal/registry"
	"github.com/flowcraft/engine/internal/store"
	"github.com/flowcraft/engine/internal/workflow"
)

// Options configures a Worker's timing and concurrency (spec §5's pool
// sizing, §4.H's interval constants).
type Options struct {
	PingInterval    time.Duration
	GCInterval      time.Duration
	TickInterval    time.Duration
	LeaseExpiry     time.Duration // WORKER_INSTANCE_EXPIRED_THRESHOLD_MS, default 30s
	MaxPulled       int           // MAX_PULLED_WORKFLOWS, default 50
	MaxConcurrent   int           // bounded cooperative pool size
	WorkflowOptions workflow.Options
}

func (o *Options) setDefaults() {
	if o.PingInterval <= 0 {
		o.PingInterval = 10 * time.Second
	}
	if o.GCInterval <= 0 {
		o.GCInterval = 15 * time.Second
	}
	if o.TickInterval <= 0 {
		o.TickInterval = 100 * time.Millisecond
	}
	if o.LeaseExpiry <= 0 {
		o.LeaseExpiry = 30 * time.Second
	}
	if o.MaxPulled <= 0 {
		o.MaxPulled = 50
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 20
	}
}

// GCLock is the storage-backed advisory lock the GC task acquires before
// calling ClearExpiredLeases, so only one worker in a fleet GCs at a time
// (spec §4.H item 2, grounded on the teacher's leader.Elector pattern).
// store/memory and store/sqlite back single-node deployments and supply
// no lock (nil), in which case the GC task calls ClearExpiredLeases on
// every GC tick without locking; store/postgres backs it with a real
// pg_try_advisory_lock.
type GCLock interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}

// Worker pulls eligible workflows from a Store and runs them on a bounded
// pool of goroutines until stopped.
type Worker struct {
	ID       string
	store    store.Store
	registry *registry.Registry
	opt      Options
	gcLock   GCLock
	logger   *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
	sem    chan struct{}
}

// New builds a Worker with a random instance id.
func New(db store.Store, reg *registry.Registry, gcLock GCLock, opt Options, logger *slog.Logger) *Worker {
	opt.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		ID:       uuid.New().String(),
		store:    db,
		registry: reg,
		opt:      opt,
		gcLock:   gcLock,
		logger:   logger,
		stopCh:   make(chan struct{}),
		sem:      make(chan struct{}, opt.MaxConcurrent),
	}
}

// Run starts the ping, GC, and pull loops and blocks until ctx is
// cancelled or Stop is called, then waits for in-flight workflow runs to
// finish (spec §4.H item 5: "broadcast stop to all active contexts").
func (w *Worker) Run(ctx context.Context) {
	w.logger = log.WithWorker(w.logger, w.ID)
	w.logger.Info("worker starting")

	var loops sync.WaitGroup
	loops.Add(3)
	go func() { defer loops.Done(); w.pingLoop(ctx) }()
	go func() { defer loops.Done(); w.gcLoop(ctx) }()
	go func() { defer loops.Done(); w.pullLoop(ctx) }()

	<-ctx.Done()
	w.Stop()
	loops.Wait()
	w.wg.Wait()
	w.logger.Info("worker stopped")
}

// Stop signals every active workflow run to yield WorkflowStopped and
// every background loop to exit. Safe to call more than once.
func (w *Worker) Stop() {
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
}

func (w *Worker) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(w.opt.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			if err := w.store.UpdateWorkerPing(ctx, w.ID, time.Now()); err != nil {
				w.logger.Warn("ping failed", slog.Any("error", err))
			}
		}
	}
}

func (w *Worker) gcLoop(ctx context.Context) {
	ticker := time.NewTicker(w.opt.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.runGC(ctx)
		}
	}
}

func (w *Worker) runGC(ctx context.Context) {
	if w.gcLock != nil {
		ok, err := w.gcLock.TryLock(ctx)
		if err != nil {
			w.logger.Warn("gc lock failed", slog.Any("error", err))
			return
		}
		if !ok {
			return
		}
		defer func() {
			if err := w.gcLock.Unlock(ctx); err != nil {
				w.logger.Warn("gc unlock failed", slog.Any("error", err))
			}
		}()
	}

	expiredBefore := time.Now().Add(-w.opt.LeaseExpiry)
	n, err := w.store.ClearExpiredLeases(ctx, w.ID, expiredBefore)
	if err != nil {
		w.logger.Warn("gc failed", slog.Any("error", err))
		return
	}
	if n > 0 {
		w.logger.Info("cleared expired leases", slog.Int("count", n))
	}
}

func (w *Worker) pullLoop(ctx context.Context) {
	var wakeCh <-chan struct{}
	if ws, ok := w.store.(store.WakeSubscriber); ok {
		wakeCh = ws.WakeSub()
	}
	ticker := time.NewTicker(w.opt.TickInterval)
	defer ticker.Stop()

	for {
		w.pullOnce(ctx)

		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
		case <-wakeCh:
		}
	}
}

func (w *Worker) pullOnce(ctx context.Context) {
	start := time.Now()
	defer func() { metrics.ObserveLoopIteration(time.Since(start)) }()

	pullStart := time.Now()
	pulled, err := w.store.PullWorkflows(ctx, w.ID, w.registry.Names(), w.opt.MaxPulled)
	metrics.ObservePullWorkflows(time.Since(pullStart))
	if err != nil {
		w.logger.Warn("pull_workflows failed", slog.Any("error", err))
		return
	}

	for _, pw := range pulled {
		pw := pw
		select {
		case w.sem <- struct{}{}:
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer func() { <-w.sem }()
			w.runWorkflow(ctx, pw)
		}()
	}
}

func (w *Worker) runWorkflow(ctx context.Context, pw store.PulledWorkflow) {
	logger := log.WithWorkflowContext(w.logger, pw.Workflow.ID, pw.Workflow.Name)

	fn, ok := w.registry.Lookup(pw.Workflow.Name)
	if !ok {
		logger.Error("workflow not registered")
		metrics.RecordWorkflowError(pw.Workflow.Name, "not_registered")
		_ = w.store.CommitWorkflow(ctx, pw.Workflow.ID, store.WakeCondition{}, "workflow not registered: "+pw.Workflow.Name)
		return
	}

	wfCtx := workflow.New(pw, w.store, w.registry.Activities(), w.opt.WorkflowOptions, w.stopCh)
	result := wfCtx.Run(ctx, fn)

	if result.Err == nil {
		completeStart := time.Now()
		err := w.commitComplete(ctx, pw.Workflow.ID, result.Output)
		metrics.ObserveCompleteWorkflow(time.Since(completeStart))
		if err != nil {
			logger.Error("complete_workflow failed", slog.Any("error", err))
		}
		return
	}

	wake, errMsg, terminal := workflow.Classify(result.Err)
	if terminal {
		logger.Error("workflow dead", slog.Any("error", result.Err))
		metrics.RecordDead(pw.Workflow.Name)
		metrics.RecordWorkflowError(pw.Workflow.Name, "dead")
	} else {
		logger.Debug("workflow suspended", slog.Any("error", result.Err))
	}
	commitStart := time.Now()
	err := w.commitWorkflow(ctx, pw.Workflow.ID, wake, errMsg)
	metrics.ObserveCommitWorkflow("workflow", time.Since(commitStart))
	if err != nil {
		logger.Error("commit_workflow failed", slog.Any("error", err))
	}
}

// commitComplete/commitWorkflow retry a bounded number of times, matching
// spec §4.F Runner steps 4/5 ("retry-loop ... up to MAX_DB_ACTION_RETRIES").
const maxDBActionRetries = 5

func (w *Worker) commitComplete(ctx context.Context, id string, output []byte) error {
	var err error
	for i := 0; i < maxDBActionRetries; i++ {
		if err = w.store.CompleteWorkflow(ctx, id, output); err == nil {
			return nil
		}
	}
	return err
}

func (w *Worker) commitWorkflow(ctx context.Context, id string, wake store.WakeCondition, errMsg string) error {
	var err error
	for i := 0; i < maxDBActionRetries; i++ {
		if err = w.store.CommitWorkflow(ctx, id, wake, errMsg); err == nil {
			return nil
		}
	}
	return err
}
