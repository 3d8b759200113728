// Package daemon implements the worker pool (§4.E): a bounded number of
// concurrent iteration-engine invocations claimed off the remote queue,
// with graceful SIGINT/SIGTERM shutdown and periodic orphan/stale-lock
// sweeps. Grounded on the teacher's scheduler.go (cron-driven periodic
// jobs, graceful cron.Stop draining) and cancellation.go (tracked active
// work, cooperative cancel-then-wait shutdown), generalized from workflow
// scheduling to task claiming.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/swarmguard/agx/internal/config"
	"github.com/swarmguard/agx/internal/iteration"
	"github.com/swarmguard/agx/internal/provider"
	"github.com/swarmguard/agx/internal/store"
	"github.com/swarmguard/agx/internal/taskservice"
)

// Pool is the daemon's worker pool: maxWorkers goroutines each claiming
// and driving one task's iteration loop at a time, plus a background
// cron running the orphan and stale-lock sweeps.
type Pool struct {
	Config  config.Config
	Store   *store.Store
	Tasks   *taskservice.Client
	Manager *provider.Manager
	Engine  *iteration.Engine

	inFlight sync.Map // taskID (string) -> struct{}
	stopping atomic.Bool
	cron     *cron.Cron

	claims     metric.Int64Counter
	claimFail  metric.Int64Counter
	sweeps     metric.Int64Counter
	recoveries metric.Int64Counter
}

// NewPool wires a worker pool over an already-constructed store, task
// service client, process manager, and iteration engine.
func NewPool(cfg config.Config, s *store.Store, tasks *taskservice.Client, mgr *provider.Manager, engine *iteration.Engine, meter metric.Meter) *Pool {
	p := &Pool{Config: cfg, Store: s, Tasks: tasks, Manager: mgr, Engine: engine}
	p.claims, _ = meter.Int64Counter("agx_daemon_claims_total")
	p.claimFail, _ = meter.Int64Counter("agx_daemon_claim_failures_total")
	p.sweeps, _ = meter.Int64Counter("agx_daemon_sweeps_total")
	p.recoveries, _ = meter.Int64Counter("agx_daemon_run_recoveries_total")
	return p
}

// Run launches maxWorkers claim/execute workers and the sweep scheduler.
// It blocks until ctx is cancelled, then stops accepting new claims,
// kills every spawned child via the process manager, and waits for all
// in-flight iteration-engine invocations to return before returning
// itself (the §4.E graceful-stop sequence).
func (p *Pool) Run(ctx context.Context) error {
	maxWorkers := p.Config.DaemonMaxConcurrent
	if maxWorkers < 1 {
		maxWorkers = 1
	}

	p.recoverIncompleteRuns(ctx)

	p.cron = cron.New()
	if _, err := p.cron.AddFunc("@every 60s", p.runSweeps); err != nil {
		return fmt.Errorf("schedule sweeps: %w", err)
	}
	p.cron.Start()

	group, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < maxWorkers; i++ {
		workerID := i
		group.Go(func() error {
			p.workerLoop(groupCtx, workerID)
			return nil
		})
	}

	<-ctx.Done()
	slog.Info("daemon stopping", "reason", ctx.Err())
	p.stopping.Store(true)
	stopCtx := p.cron.Stop()
	<-stopCtx.Done()
	p.Manager.KillAll()

	return group.Wait()
}

// workerLoop repeatedly polls the queue and drives one claimed task at a
// time to completion, sleeping PollInterval between empty polls.
func (p *Pool) workerLoop(ctx context.Context, id int) {
	log := slog.With("worker", id)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := p.Tasks.PollQueue(ctx)
		if err != nil {
			log.Warn("poll queue failed", "error", err)
			sleepOrDone(ctx, p.Config.PollInterval())
			continue
		}
		if task == nil {
			sleepOrDone(ctx, p.Config.PollInterval())
			continue
		}

		if _, alreadyClaimed := p.inFlight.LoadOrStore(task.ID, struct{}{}); alreadyClaimed {
			// Another worker in this same daemon already has it; the
			// remote queue should not hand out the same task twice, but
			// the in-flight map is the local guard of last resort.
			continue
		}

		p.runClaimed(ctx, *task)
		p.inFlight.Delete(task.ID)
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// recoverIncompleteRuns sweeps every task for sub-runs left unfinalized by
// a prior daemon instance (§3.3: "a run that is not finalized is
// incomplete and is recovered at next daemon start") and opens a resume
// run for each, per §2/§4.E's orphan-recovery responsibility.
func (p *Pool) recoverIncompleteRuns(ctx context.Context) {
	refs, err := p.Store.ListTaskRefs()
	if err != nil {
		slog.Warn("list tasks for incomplete-run recovery failed", "error", err)
		return
	}
	for _, ref := range refs {
		incomplete, err := p.Store.FindIncompleteRuns(ref.ProjectSlug, ref.TaskSlug)
		if err != nil {
			slog.Warn("find incomplete runs failed", "project", ref.ProjectSlug, "task", ref.TaskSlug, "error", err)
			continue
		}
		for _, run := range incomplete {
			if _, err := p.Store.CreateRecoveryRun(ref.ProjectSlug, ref.TaskSlug, run); err != nil {
				slog.Warn("create recovery run failed", "project", ref.ProjectSlug, "task", ref.TaskSlug, "run", run.ContainerID, "error", err)
				continue
			}
			slog.Info("recovered incomplete run", "project", ref.ProjectSlug, "task", ref.TaskSlug, "run", run.ContainerID, "stage", run.Meta.Stage)
			p.recoveries.Add(ctx, 1)
		}
	}
}

func (p *Pool) runSweeps() {
	removedLocks, err := p.Store.SweepStaleLocks()
	if err != nil {
		slog.Warn("stale lock sweep failed", "error", err)
	} else if removedLocks > 0 {
		slog.Info("stale locks removed", "count", removedLocks)
	}
	p.sweeps.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", "stale_locks")))

	removedOrphans, err := p.Manager.SweepOrphans()
	if err != nil {
		slog.Warn("orphan sweep failed", "error", err)
	} else if removedOrphans > 0 {
		slog.Info("orphan heartbeats removed", "count", removedOrphans)
	}
	p.sweeps.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", "orphans")))
}
