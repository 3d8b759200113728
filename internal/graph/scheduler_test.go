package graph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swarmguard/agx/internal/model"
)

func baseGraph() *model.Graph {
	return &model.Graph{
		ID:     "g-1",
		TaskID: "t-1",
		Mode:   model.GraphModeProject,
		Nodes:  map[string]*model.Node{},
		Policy: model.Policy{
			ReplanBudget: model.Budget{Remaining: 3, Initial: 3},
			VerifyBudget: model.Budget{Remaining: 3, Initial: 3},
		},
		DoneCriteria: model.DoneCriteria{NoRunnableOrPendingWork: true},
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
}

func TestSchedulerActivatesWorkNode(t *testing.T) {
	g := baseGraph()
	g.Nodes["w1"] = &model.Node{ID: "w1", Type: model.NodeWork, Status: model.NodePending}

	out, events, err := NewDefaultScheduler().Tick(g, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, model.NodeRunning, out.Nodes["w1"].Status)
	require.Empty(t, events)
}

func TestSchedulerForkResolvesImmediately(t *testing.T) {
	g := baseGraph()
	g.Nodes["fork"] = &model.Node{ID: "fork", Type: model.NodeFork, Status: model.NodePending}
	g.Nodes["a"] = &model.Node{ID: "a", Type: model.NodeWork, Status: model.NodePending, Deps: []string{"fork"}}
	g.Nodes["b"] = &model.Node{ID: "b", Type: model.NodeWork, Status: model.NodePending, Deps: []string{"fork"}}
	g.Edges = []model.Edge{
		{From: "fork", To: "a", Type: model.EdgeHard, Condition: model.EdgeOnSuccess},
		{From: "fork", To: "b", Type: model.EdgeHard, Condition: model.EdgeOnSuccess},
	}

	out, _, err := NewDefaultScheduler().Tick(g, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, model.NodeDone, out.Nodes["fork"].Status)
	require.Equal(t, model.NodeRunning, out.Nodes["a"].Status)
	require.Equal(t, model.NodeRunning, out.Nodes["b"].Status)
}

func TestSchedulerJoinWaitsThenResolves(t *testing.T) {
	g := baseGraph()
	g.Nodes["a"] = &model.Node{ID: "a", Type: model.NodeWork, Status: model.NodeDone}
	g.Nodes["b"] = &model.Node{ID: "b", Type: model.NodeWork, Status: model.NodeRunning}
	g.Nodes["join"] = &model.Node{ID: "join", Type: model.NodeJoin, Status: model.NodePending, Deps: []string{"a", "b"}}

	out, _, err := NewDefaultScheduler().Tick(g, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, model.NodePending, out.Nodes["join"].Status, "join must wait for all deps terminal")

	out.Nodes["b"].Status = model.NodeDone
	final, _, err := NewDefaultScheduler().Tick(out, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, model.NodeDone, final.Nodes["join"].Status)
}

func TestSchedulerJoinFailsOnUpstreamFailure(t *testing.T) {
	g := baseGraph()
	g.Nodes["a"] = &model.Node{ID: "a", Type: model.NodeWork, Status: model.NodeDone}
	g.Nodes["b"] = &model.Node{ID: "b", Type: model.NodeWork, Status: model.NodeFailed}
	g.Nodes["join"] = &model.Node{ID: "join", Type: model.NodeJoin, Status: model.NodePending, Deps: []string{"a", "b"}}

	out, _, err := NewDefaultScheduler().Tick(g, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, model.NodeFailed, out.Nodes["join"].Status)
}

func TestSchedulerConditionalTakesThenBranch(t *testing.T) {
	g := baseGraph()
	g.Nodes["check"] = &model.Node{
		ID: "check", Type: model.NodeWork, Status: model.NodeDone,
		Output: map[string]interface{}{"score": 0.95},
	}
	g.Nodes["cond"] = &model.Node{
		ID: "cond", Type: model.NodeConditional, Status: model.NodePending,
		Deps: []string{"check"}, InputBinding: "check.score", Expression: "input > 0.8",
		ThenBranch: []string{"ship"}, ElseBranch: []string{"replan"},
	}
	g.Nodes["ship"] = &model.Node{ID: "ship", Type: model.NodeWork}
	g.Nodes["replan"] = &model.Node{ID: "replan", Type: model.NodeWork}

	out, events, err := NewDefaultScheduler().Tick(g, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, model.NodePassed, out.Nodes["cond"].Status)
	require.True(t, out.Nodes["cond"].Result.Passed)
	require.Equal(t, model.NodeRunning, out.Nodes["ship"].Status)
	require.Equal(t, model.NodeSkipped, out.Nodes["replan"].Status)
	require.Equal(t, 2, out.Policy.ReplanBudget.Remaining)

	var sawBudgetEvent bool
	for _, ev := range events {
		if ev.EventType == "budget_consumed" && ev.Fields["budgetType"] == "replan" {
			sawBudgetEvent = true
		}
	}
	require.True(t, sawBudgetEvent)
}

func TestSchedulerConditionalTakesElseBranch(t *testing.T) {
	g := baseGraph()
	g.Nodes["check"] = &model.Node{ID: "check", Type: model.NodeWork, Status: model.NodeDone, Output: map[string]interface{}{"score": 0.1}}
	g.Nodes["cond"] = &model.Node{
		ID: "cond", Type: model.NodeConditional, Status: model.NodePending,
		Deps: []string{"check"}, InputBinding: "check.score", Expression: "input > 0.8",
		ThenBranch: []string{"ship"}, ElseBranch: []string{"replan"},
	}
	g.Nodes["ship"] = &model.Node{ID: "ship", Type: model.NodeWork}
	g.Nodes["replan"] = &model.Node{ID: "replan", Type: model.NodeWork}

	out, _, err := NewDefaultScheduler().Tick(g, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, model.NodeFailed, out.Nodes["cond"].Status)
	require.Equal(t, model.NodeSkipped, out.Nodes["ship"].Status)
	require.Equal(t, model.NodeRunning, out.Nodes["replan"].Status)
}

func TestSchedulerConditionalBudgetExhaustionBlocks(t *testing.T) {
	g := baseGraph()
	g.Policy.ReplanBudget = model.Budget{Remaining: 0, Initial: 1}
	g.Nodes["check"] = &model.Node{ID: "check", Type: model.NodeWork, Status: model.NodeDone, Output: map[string]interface{}{"score": 0.95}}
	g.Nodes["cond"] = &model.Node{
		ID: "cond", Type: model.NodeConditional, Status: model.NodePending,
		Deps: []string{"check"}, InputBinding: "check.score", Expression: "input > 0.8",
	}

	out, events, err := NewDefaultScheduler().Tick(g, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, model.NodeBlocked, out.Nodes["cond"].Status)
	require.Equal(t, "replan_budget_exhausted", out.Nodes["cond"].Error)
	require.Empty(t, events)
}

func TestSchedulerGateWithNoStrategyAutoPasses(t *testing.T) {
	g := baseGraph()
	g.Nodes["gate"] = &model.Node{ID: "gate", Type: model.NodeGate, Status: model.NodePending}

	out, _, err := NewDefaultScheduler().Tick(g, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, model.NodePassed, out.Nodes["gate"].Status)
	require.NotNil(t, out.Nodes["gate"].Result)
	require.True(t, out.Nodes["gate"].Result.Passed)
}

func TestSchedulerMarksGraphCompleted(t *testing.T) {
	g := baseGraph()
	g.Nodes["w1"] = &model.Node{ID: "w1", Type: model.NodeWork, Status: model.NodeDone}

	out, _, err := NewDefaultScheduler().Tick(g, time.Now().UTC())
	require.NoError(t, err)
	require.NotNil(t, out.CompletedAt)
	require.Equal(t, "completed", out.Status)
}
