package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/swarmguard/agx/internal/model"
)

const tickQueueName = "graph_ticks"

// DriverConfig bounds the tick driver's conflict-retry behavior (§4.F.3
// step 6).
type DriverConfig struct {
	MaxConflictRetries   int
	ConflictRetryDelayMs int64
	BatchSize            int
}

func (c DriverConfig) withDefaults() DriverConfig {
	if c.MaxConflictRetries <= 0 {
		c.MaxConflictRetries = 3
	}
	if c.ConflictRetryDelayMs <= 0 {
		c.ConflictRetryDelayMs = 200
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1
	}
	return c
}

// Driver wires a Store, a TickQueue and a Scheduler into the recovery-safe
// execution loop described in §4.F.3/§4.F.4: every tick job is handled by
// fetching the current graph, enforcing its timeout, calling the pure
// scheduler on a clone, deriving events from the node-status diff, and
// persisting with CAS, retrying on version conflicts and re-enqueuing
// while the graph remains in progress.
type Driver struct {
	Store     Store
	Queue     TickQueue
	Scheduler Scheduler
	Config    DriverConfig
}

func NewDriver(store Store, queue TickQueue, scheduler Scheduler, cfg DriverConfig) *Driver {
	return &Driver{Store: store, Queue: queue, Scheduler: scheduler, Config: cfg.withDefaults()}
}

// Start implements §4.F.4's recovery: enqueue one tick per graph already
// in progress, then run the tick worker loop until ctx is done.
func (d *Driver) Start(ctx context.Context) error {
	graphs, err := d.Store.ListInProgressGraphs(ctx)
	if err != nil {
		return fmt.Errorf("list in-progress graphs: %w", err)
	}
	for _, g := range graphs {
		opts := SendOptions{SingletonKey: g.ID, ExpireInSeconds: nodeTimeoutSeconds(g.Policy.NodeTimeoutMs)}
		if err := d.Queue.Send(ctx, tickQueueName, TickJob{GraphID: g.ID}, opts); err != nil {
			slog.Warn("graph recovery enqueue failed", "graph", g.ID, "error", err)
		}
	}
	return d.Queue.Work(ctx, tickQueueName, d.Config.BatchSize, d.handleTick)
}

// Enqueue schedules an immediate tick for a graph, e.g. right after a
// caller creates it or after an externally-driven work/gate node
// completes and needs the scheduler to propagate that outcome.
func (d *Driver) Enqueue(ctx context.Context, graphID string, nodeTimeoutMs int64) error {
	return d.Queue.Send(ctx, tickQueueName, TickJob{GraphID: graphID}, SendOptions{
		SingletonKey:    graphID,
		ExpireInSeconds: nodeTimeoutSeconds(nodeTimeoutMs),
	})
}

func nodeTimeoutSeconds(ms int64) int {
	if ms <= 0 {
		return 60
	}
	s := int((ms + 999) / 1000)
	if s < 1 {
		return 1
	}
	return s
}

// handleTick is the seven-step tick algorithm (§4.F.3) for one job.
func (d *Driver) handleTick(ctx context.Context, job TickJob) error {
	current, err := d.Store.GetGraph(ctx, job.GraphID)
	if err != nil {
		return fmt.Errorf("get graph %s: %w", job.GraphID, err)
	}
	if current == nil {
		return nil // step 1: the graph is gone, drop the job
	}

	now := time.Now().UTC()

	if timedOut(current, now) {
		next := timeoutGraph(current, now)
		return d.persist(ctx, current, next, deriveNodeStatusEvents(current, next, job.GraphID, now))
	}

	next, schedulerEvents, err := d.Scheduler.Tick(current.Clone(), now)
	if err != nil {
		return fmt.Errorf("scheduler tick for graph %s: %w", job.GraphID, err)
	}

	events := deriveNodeStatusEvents(current, next, job.GraphID, now)
	events = append(events, stampEvents(schedulerEvents, job.GraphID, now)...)

	return d.persist(ctx, current, next, events)
}

func timedOut(g *model.Graph, now time.Time) bool {
	if g.Policy.GraphTimeoutMs <= 0 {
		return false
	}
	return now.Sub(referenceStart(g)) >= time.Duration(g.Policy.GraphTimeoutMs)*time.Millisecond
}

func referenceStart(g *model.Graph) time.Time {
	if g.StartedAt != nil {
		return *g.StartedAt
	}
	if !g.CreatedAt.IsZero() {
		return g.CreatedAt
	}
	return g.UpdatedAt
}

func timeoutGraph(g *model.Graph, now time.Time) *model.Graph {
	next := g.Clone()
	next.TimedOutAt = &now
	next.CompletedAt = &now
	next.Status = "timed_out"
	for _, n := range next.Nodes {
		if model.TerminalNodeStatuses[n.Status] {
			continue
		}
		n.Status = model.NodeFailed
		n.Error = "graph_timeout"
		n.CompletedAt = &now
	}
	return next
}

// deriveNodeStatusEvents computes the symmetric diff of node statuses
// between pre and post, one node_status event per change, with no
// duplicates (§4.F.5).
func deriveNodeStatusEvents(pre, post *model.Graph, graphID string, now time.Time) []model.Event {
	var events []model.Event
	for id, postNode := range post.Nodes {
		preNode, existed := pre.Nodes[id]
		var fromStatus model.NodeStatus
		if existed {
			fromStatus = preNode.Status
		}
		if fromStatus == postNode.Status {
			continue
		}
		events = append(events, model.NewEvent("node_status", now).
			Set("graphId", graphID).
			Set("nodeId", id).
			Set("fromStatus", string(fromStatus)).
			Set("toStatus", string(postNode.Status)))
	}
	return events
}

// stampEvents fills in any missing timestamp/graphId the scheduler left
// off its budget_consumed events; the scheduler itself stays free of
// persistence concerns.
func stampEvents(events []model.Event, graphID string, now time.Time) []model.Event {
	for i, ev := range events {
		if ev.Timestamp.IsZero() {
			ev.Timestamp = now
		}
		if _, ok := ev.Fields["graphId"]; !ok {
			ev = ev.Set("graphId", graphID)
		}
		events[i] = ev
	}
	return events
}

// persist attempts the CAS write, retrying on version conflicts by
// re-running the scheduler against the freshly-fetched graph up to
// MaxConflictRetries times, backing off ConflictRetryDelayMs*attempt
// between tries (§4.F.3 step 6). Any other error propagates so the queue
// redelivers the job.
func (d *Driver) persist(ctx context.Context, current, next *model.Graph, events []model.Event) error {
	var lastErr error
	for attempt := 1; attempt <= d.Config.MaxConflictRetries+1; attempt++ {
		persisted, err := d.Store.ReplaceGraph(ctx, current.ID, next, current.GraphVersion)
		if err == nil {
			for _, ev := range events {
				if aerr := d.Store.AppendEvent(ctx, current.ID, ev); aerr != nil {
					slog.Warn("append graph event failed", "graph", current.ID, "error", aerr)
				}
			}
			if persisted.InProgress() {
				opts := SendOptions{SingletonKey: current.ID, ExpireInSeconds: nodeTimeoutSeconds(persisted.Policy.NodeTimeoutMs)}
				if serr := d.Queue.Send(ctx, tickQueueName, TickJob{GraphID: current.ID}, opts); serr != nil {
					slog.Warn("re-enqueue tick failed", "graph", current.ID, "error", serr)
				}
			}
			return nil
		}

		var conflict *GraphVersionConflictError
		if !errors.As(err, &conflict) {
			return err
		}
		lastErr = conflict
		if attempt > d.Config.MaxConflictRetries {
			break
		}
		slog.Warn("graph version conflict, retrying", "graph", current.ID, "attempt", attempt, "expected", conflict.ExpectedVersion, "actual", conflict.ActualVersion)

		delay := time.Duration(d.Config.ConflictRetryDelayMs*int64(attempt)) * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		latest, gerr := d.Store.GetGraph(ctx, current.ID)
		if gerr != nil {
			return fmt.Errorf("refetch graph %s after conflict: %w", current.ID, gerr)
		}
		if latest == nil {
			return nil
		}
		refreshedNow := time.Now().UTC()
		rebuilt, schedulerEvents, terr := d.Scheduler.Tick(latest.Clone(), refreshedNow)
		if terr != nil {
			return fmt.Errorf("re-tick graph %s after conflict: %w", current.ID, terr)
		}
		events = deriveNodeStatusEvents(latest, rebuilt, current.ID, refreshedNow)
		events = append(events, stampEvents(schedulerEvents, current.ID, refreshedNow)...)
		current = latest
		next = rebuilt
	}
	return lastErr
}
