package graph

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swarmguard/agx/internal/model"
)

// memStore is an in-memory Store used to test the driver's tick algorithm
// in isolation from bbolt, including injecting a version conflict.
type memStore struct {
	mu     sync.Mutex
	graphs map[string]*model.Graph
	events map[string][]model.Event

	// conflictOnce, when set, forces exactly one GraphVersionConflictError
	// the next time ReplaceGraph is called for this graph id.
	conflictOnce map[string]bool
}

func newMemStore() *memStore {
	return &memStore{graphs: map[string]*model.Graph{}, events: map[string][]model.Event{}, conflictOnce: map[string]bool{}}
}

func (m *memStore) CreateGraph(ctx context.Context, g *model.Graph) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g.GraphVersion = 1
	m.graphs[g.ID] = g.Clone()
	return nil
}

func (m *memStore) GetGraph(ctx context.Context, id string) (*model.Graph, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.graphs[id]
	if !ok {
		return nil, nil
	}
	return g.Clone(), nil
}

func (m *memStore) ListInProgressGraphs(ctx context.Context) ([]*model.Graph, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Graph
	for _, g := range m.graphs {
		if g.InProgress() {
			out = append(out, g.Clone())
		}
	}
	return out, nil
}

func (m *memStore) ReplaceGraph(ctx context.Context, id string, next *model.Graph, ifMatchGraphVersion int64) (*model.Graph, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.graphs[id]
	if !ok {
		return nil, &GraphVersionConflictError{GraphID: id, ExpectedVersion: ifMatchGraphVersion, ActualVersion: -1}
	}
	if m.conflictOnce[id] {
		delete(m.conflictOnce, id)
		return nil, &GraphVersionConflictError{GraphID: id, ExpectedVersion: ifMatchGraphVersion, ActualVersion: current.GraphVersion + 1}
	}
	if current.GraphVersion != ifMatchGraphVersion {
		return nil, &GraphVersionConflictError{GraphID: id, ExpectedVersion: ifMatchGraphVersion, ActualVersion: current.GraphVersion}
	}
	stored := next.Clone()
	stored.CreatedAt = current.CreatedAt
	stored.GraphVersion = current.GraphVersion + 1
	stored.UpdatedAt = time.Now().UTC()
	m.graphs[id] = stored
	return stored.Clone(), nil
}

func (m *memStore) AppendEvent(ctx context.Context, id string, event model.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[id] = append(m.events[id], event)
	return nil
}

func (m *memStore) GetEvents(ctx context.Context, id string) ([]model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Event(nil), m.events[id]...), nil
}

// memQueue runs handler synchronously on Send, so driver tests don't need
// to race a background poll loop.
type memQueue struct {
	mu   sync.Mutex
	seen map[string]bool
	jobs []TickJob
}

func newMemQueue() *memQueue { return &memQueue{seen: map[string]bool{}} }

func (q *memQueue) Send(ctx context.Context, queue string, job TickJob, opts SendOptions) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if opts.SingletonKey != "" && q.seen[opts.SingletonKey] {
		return nil
	}
	if opts.SingletonKey != "" {
		q.seen[opts.SingletonKey] = true
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *memQueue) Work(ctx context.Context, queue string, batchSize int, handler Handler) error {
	return nil
}

func (q *memQueue) Close() error { return nil }

func (q *memQueue) drainOnce(ctx context.Context, handler Handler) []error {
	q.mu.Lock()
	jobs := q.jobs
	q.jobs = nil
	for _, j := range jobs {
		delete(q.seen, j.GraphID)
	}
	q.mu.Unlock()

	var errs []error
	for _, j := range jobs {
		if err := handler(ctx, j); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func TestDriverHandleTickAdvancesAndReenqueues(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	queue := newMemQueue()
	driver := NewDriver(store, queue, NewDefaultScheduler(), DriverConfig{})

	now := time.Now().UTC()
	g := &model.Graph{
		ID: "g-1", TaskID: "t-1", Mode: model.GraphModeSimple,
		Nodes:        map[string]*model.Node{"w1": {ID: "w1", Type: model.NodeWork, Status: model.NodePending}},
		Policy:       model.Policy{NodeTimeoutMs: 60_000},
		DoneCriteria: model.DoneCriteria{NoRunnableOrPendingWork: true},
		CreatedAt:    now, UpdatedAt: now,
	}
	require.NoError(t, store.CreateGraph(ctx, g))

	require.NoError(t, driver.handleTick(ctx, TickJob{GraphID: "g-1"}))

	got, err := store.GetGraph(ctx, "g-1")
	require.NoError(t, err)
	require.Equal(t, model.NodeRunning, got.Nodes["w1"].Status)
	require.Equal(t, int64(2), got.GraphVersion)

	events, err := store.GetEvents(ctx, "g-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "node_status", events[0].EventType)
	require.Equal(t, "w1", events[0].Fields["nodeId"])

	require.Len(t, queue.jobs, 1, "still in progress, so a follow-up tick must be enqueued")
	require.Equal(t, "g-1", queue.jobs[0].GraphID)
}

func TestDriverHandleTickMissingGraphDropsJob(t *testing.T) {
	driver := NewDriver(newMemStore(), newMemQueue(), NewDefaultScheduler(), DriverConfig{})
	require.NoError(t, driver.handleTick(context.Background(), TickJob{GraphID: "ghost"}))
}

func TestDriverEnforcesGraphTimeout(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	queue := newMemQueue()
	driver := NewDriver(store, queue, NewDefaultScheduler(), DriverConfig{})

	past := time.Now().UTC().Add(-time.Hour)
	g := &model.Graph{
		ID: "g-timeout", TaskID: "t-1", Mode: model.GraphModeSimple,
		Nodes:     map[string]*model.Node{"w1": {ID: "w1", Type: model.NodeWork, Status: model.NodeRunning}},
		Policy:    model.Policy{GraphTimeoutMs: 1000},
		StartedAt: &past,
		CreatedAt: past, UpdatedAt: past,
	}
	require.NoError(t, store.CreateGraph(ctx, g))

	require.NoError(t, driver.handleTick(ctx, TickJob{GraphID: "g-timeout"}))

	got, err := store.GetGraph(ctx, "g-timeout")
	require.NoError(t, err)
	require.NotNil(t, got.TimedOutAt)
	require.Equal(t, "timed_out", got.Status)
	require.Equal(t, model.NodeFailed, got.Nodes["w1"].Status)
	require.Equal(t, "graph_timeout", got.Nodes["w1"].Error)
	require.Empty(t, queue.jobs, "a timed-out graph must not be re-enqueued")
}

func TestDriverRetriesOnVersionConflict(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	queue := newMemQueue()
	driver := NewDriver(store, queue, NewDefaultScheduler(), DriverConfig{ConflictRetryDelayMs: 1})

	now := time.Now().UTC()
	g := &model.Graph{
		ID: "g-conflict", TaskID: "t-1", Mode: model.GraphModeSimple,
		Nodes:        map[string]*model.Node{"w1": {ID: "w1", Type: model.NodeWork, Status: model.NodePending}},
		Policy:       model.Policy{NodeTimeoutMs: 60_000},
		DoneCriteria: model.DoneCriteria{NoRunnableOrPendingWork: true},
		CreatedAt:    now, UpdatedAt: now,
	}
	require.NoError(t, store.CreateGraph(ctx, g))
	store.conflictOnce["g-conflict"] = true

	require.NoError(t, driver.handleTick(ctx, TickJob{GraphID: "g-conflict"}))

	got, err := store.GetGraph(ctx, "g-conflict")
	require.NoError(t, err)
	require.Equal(t, model.NodeRunning, got.Nodes["w1"].Status)
}

func TestDriverStartRecoversInProgressGraphs(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	queue := newMemQueue()
	driver := NewDriver(store, queue, NewDefaultScheduler(), DriverConfig{})

	now := time.Now().UTC()
	g := &model.Graph{
		ID: "g-recover", TaskID: "t-1", Mode: model.GraphModeSimple,
		Nodes:     map[string]*model.Node{"w1": {ID: "w1", Type: model.NodeWork, Status: model.NodePending}},
		Policy:    model.Policy{NodeTimeoutMs: 60_000},
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.CreateGraph(ctx, g))

	graphs, err := store.ListInProgressGraphs(ctx)
	require.NoError(t, err)
	require.Len(t, graphs, 1)

	require.NoError(t, driver.Start(ctx))
	require.Len(t, queue.jobs, 1)
	require.Equal(t, "g-recover", queue.jobs[0].GraphID)
}
