package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swarmguard/agx/internal/config"
	"github.com/swarmguard/agx/internal/iteration"
	"github.com/swarmguard/agx/internal/model"
	"github.com/swarmguard/agx/internal/provider"
	"github.com/swarmguard/agx/internal/store"
	"github.com/swarmguard/agx/internal/taskservice"
	"github.com/swarmguard/agx/internal/telemetry"
)

func fixture(t *testing.T, name string) string {
	t.Helper()
	abs, err := filepath.Abs(filepath.Join("testdata", name))
	require.NoError(t, err)
	return abs
}

// fakeTaskService serves just enough of §6.1's endpoints to drive one
// claim through runClaimed: a single queued task, a completion capture,
// and patch/comment no-ops.
type fakeTaskService struct {
	task        model.Task
	served      atomic.Bool
	completions chan taskservice.CompletionRequest
	patches     chan taskservice.TaskPatch
	newStage    string
}

func newFakeTaskService(task model.Task, newStage string) *fakeTaskService {
	return &fakeTaskService{
		task:        task,
		completions: make(chan taskservice.CompletionRequest, 1),
		patches:     make(chan taskservice.TaskPatch, 1),
		newStage:    newStage,
	}
}

func (f *fakeTaskService) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/queue":
			if f.served.CompareAndSwap(false, true) {
				_ = json.NewEncoder(w).Encode(map[string]any{"task": f.task})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"task": nil})
		case r.Method == http.MethodPost && r.URL.Path == "/api/queue/complete":
			var req taskservice.CompletionRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			f.completions <- req
			_ = json.NewEncoder(w).Encode(taskservice.CompletionResponse{Task: f.task, NewStage: f.newStage})
		case r.Method == http.MethodPatch:
			var patch taskservice.TaskPatch
			_ = json.NewDecoder(r.Body).Decode(&patch)
			f.patches <- patch
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPost:
			w.WriteHeader(http.StatusOK)
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{"task": nil})
		}
	}
}

func newTestPool(t *testing.T, svc *fakeTaskService) *Pool {
	t.Helper()
	server := httptest.NewServer(svc.handler())
	t.Cleanup(server.Close)

	root := t.TempDir()
	s, err := store.New(root)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	mgr := provider.NewManager(t.TempDir())
	cfg := config.Config{DaemonMaxConcurrent: 1, DaemonPollMs: 20, SingleMaxIters: 6, SwarmMaxIters: 3}
	engine := &iteration.Engine{Store: s, Manager: mgr, Config: cfg}
	client := taskservice.New(server.URL, "user-1")

	return NewPool(cfg, s, client, mgr, engine, telemetry.Meter())
}

func TestRunClaimedCompletesDoneTask(t *testing.T) {
	task := model.Task{
		ID:      "task-1",
		Slug:    "task-1",
		Title:   "do the thing",
		Content: "do the thing",
		Stage:   model.StageVerification,
		Project: model.ProjectRef{ID: "proj-1", Name: "proj"},
		Provider: fixture(t, "agent_done.sh"),
	}
	svc := newFakeTaskService(task, "done")
	p := newTestPool(t, svc)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p.runClaimed(ctx, task)

	select {
	case req := <-svc.completions:
		require.Equal(t, "task-1", req.TaskID)
		require.Equal(t, model.DecisionDone, req.Decision)
	default:
		t.Fatal("expected a completion request to have been posted")
	}

	select {
	case patch := <-svc.patches:
		require.NotNil(t, patch.Status)
		require.Equal(t, model.StatusCompleted, *patch.Status)
	default:
		t.Fatal("expected a terminal status patch for newStage=done")
	}
}

func TestRunLifecycleStopsGracefully(t *testing.T) {
	task := model.Task{
		ID:      "task-2",
		Slug:    "task-2",
		Title:   "do another thing",
		Content: "do another thing",
		Stage:   model.StageVerification,
		Project: model.ProjectRef{ID: "proj-1", Name: "proj"},
		Provider: fixture(t, "agent_done.sh"),
	}
	svc := newFakeTaskService(task, "done")
	p := newTestPool(t, svc)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	select {
	case <-svc.completions:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the worker to claim and complete the task")
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestRecoverIncompleteRunsCreatesResumeRun(t *testing.T) {
	root := t.TempDir()
	s, err := store.New(root)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	run, err := s.CreateRun(store.CreateRunParams{ProjectSlug: "p", TaskSlug: "t", Stage: model.RunStageExecute, Engine: "e"})
	require.NoError(t, err)

	mgr := provider.NewManager(t.TempDir())
	cfg := config.Config{DaemonMaxConcurrent: 1}
	engine := &iteration.Engine{Store: s, Manager: mgr, Config: cfg}
	client := taskservice.New("http://unused.invalid", "user-1")
	p := NewPool(cfg, s, client, mgr, engine, telemetry.Meter())

	p.recoverIncompleteRuns(context.Background())

	incomplete, err := s.FindIncompleteRuns("p", "t")
	require.NoError(t, err)
	for _, r := range incomplete {
		require.NotEqual(t, run.ContainerID, r.ContainerID, "the abandoned run must have been finalized as failed")
	}

	var sawResume bool
	for _, r := range incomplete {
		if r.Meta.Stage == model.RunStageResume {
			sawResume = true
		}
	}
	require.True(t, sawResume, "expected a resume run created for the abandoned execute run")
}

func TestSplitProviders(t *testing.T) {
	require.Nil(t, splitProviders(model.Task{Swarm: false, Provider: "a,b"}))
	require.Nil(t, splitProviders(model.Task{Swarm: true, Provider: ""}))
	require.Nil(t, splitProviders(model.Task{Swarm: true, Provider: "solo"}))
	require.Equal(t, []string{"a", "b", "c"}, splitProviders(model.Task{Swarm: true, Provider: "a,b,c"}))
}

func TestBuildWorkingSetIncludesTaskFields(t *testing.T) {
	out, err := buildWorkingSet(model.Task{
		Title:    "ship the feature",
		Slug:     "ship-the-feature",
		Stage:    model.StageExecution,
		Provider: "claude",
		Swarm:    true,
		Content:  "# Goal\n\nMake it work.",
	})
	require.NoError(t, err)
	require.Contains(t, out, "ship the feature")
	require.Contains(t, out, "ship-the-feature")
	require.Contains(t, out, "provider: claude")
	require.Contains(t, out, "swarm: true")
	require.Contains(t, out, "Make it work.")
}
