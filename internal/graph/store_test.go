package graph

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swarmguard/agx/internal/model"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleGraph(id string) *model.Graph {
	now := time.Now().UTC()
	return &model.Graph{
		ID:           id,
		TaskID:       "task-1",
		Mode:         model.GraphModeSimple,
		Nodes:        map[string]*model.Node{"w1": {ID: "w1", Type: model.NodeWork, Status: model.NodePending}},
		Policy:       model.Policy{NodeTimeoutMs: 60_000},
		DoneCriteria: model.DoneCriteria{NoRunnableOrPendingWork: true},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestStoreCreateAndGetGraph(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	g := sampleGraph("g-1")

	require.NoError(t, s.CreateGraph(ctx, g))
	require.Equal(t, int64(1), g.GraphVersion)

	got, err := s.GetGraph(ctx, "g-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "task-1", got.TaskID)
	require.Equal(t, model.NodePending, got.Nodes["w1"].Status)
}

func TestStoreGetGraphMissingReturnsNil(t *testing.T) {
	got, err := newTestStore(t).GetGraph(context.Background(), "nope")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestStoreReplaceGraphCAS(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	g := sampleGraph("g-1")
	require.NoError(t, s.CreateGraph(ctx, g))

	next := g.Clone()
	next.Nodes["w1"].Status = model.NodeRunning

	replaced, err := s.ReplaceGraph(ctx, "g-1", next, 1)
	require.NoError(t, err)
	require.Equal(t, int64(2), replaced.GraphVersion)
	require.Equal(t, g.CreatedAt, replaced.CreatedAt)
	require.Equal(t, model.NodeRunning, replaced.Nodes["w1"].Status)

	_, err = s.ReplaceGraph(ctx, "g-1", next, 1)
	require.Error(t, err)
	var conflict *GraphVersionConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, "g-1", conflict.GraphID)
	require.Equal(t, int64(1), conflict.ExpectedVersion)
	require.Equal(t, int64(2), conflict.ActualVersion)
}

func TestStoreListInProgressGraphs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	inProgress := sampleGraph("g-in-progress")
	require.NoError(t, s.CreateGraph(ctx, inProgress))

	done := sampleGraph("g-done")
	now := time.Now().UTC()
	done.CompletedAt = &now
	done.Nodes["w1"].Status = model.NodeDone
	require.NoError(t, s.CreateGraph(ctx, done))

	list, err := s.ListInProgressGraphs(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "g-in-progress", list[0].ID)
}

func TestStoreAppendAndGetEvents(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	g := sampleGraph("g-1")
	require.NoError(t, s.CreateGraph(ctx, g))

	now := time.Now().UTC()
	ev1 := model.NewEvent("node_status", now).Set("nodeId", "w1").Set("fromStatus", "pending").Set("toStatus", "running")
	ev2 := model.NewEvent("budget_consumed", now).Set("budgetType", "replan").Set("remaining", 2)

	require.NoError(t, s.AppendEvent(ctx, "g-1", ev1))
	require.NoError(t, s.AppendEvent(ctx, "g-1", ev2))

	events, err := s.GetEvents(ctx, "g-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "node_status", events[0].EventType)
	require.Equal(t, "budget_consumed", events[1].EventType)
}
