package iteration

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/swarmguard/agx/internal/config"
	"github.com/swarmguard/agx/internal/model"
	"github.com/swarmguard/agx/internal/provider"
	"github.com/swarmguard/agx/internal/store"
)

func fixture(t *testing.T, name string) string {
	t.Helper()
	abs, err := filepath.Abs(filepath.Join("testdata", name))
	require.NoError(t, err)
	return abs
}

func newTestEngine(t *testing.T) (*Engine, string) {
	t.Helper()
	root := t.TempDir()
	s, err := store.New(root)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return &Engine{Store: s, Manager: provider.NewManager(t.TempDir()), Config: config.Config{}}, root
}

func baseInput(provider string, maxIters int, stage model.Stage) Input {
	return Input{
		TaskID:      "task-1",
		ProjectSlug: "proj",
		TaskSlug:    "task-1",
		Task:        model.Task{ID: "task-1", Slug: "task-1", Title: "do the thing", Stage: stage},
		Provider:    provider,
		MaxIters:    maxIters,
	}
}

func TestRunHappyPathDoneFirstIteration(t *testing.T) {
	e, _ := newTestEngine(t)
	in := baseInput(fixture(t, "agent_done.sh"), 6, model.StageVerification)

	out, err := e.Run(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, 0, out.Code)
	require.Equal(t, model.DecisionDone, out.Decision.Decision)
	require.True(t, out.Decision.Done)
	require.NotNil(t, out.LastRun)
	require.Equal(t, model.RunStageVerify, out.LastRun.Meta.Stage)
}

func TestRunMaxIterationsExhausted(t *testing.T) {
	e, _ := newTestEngine(t)
	in := baseInput(fixture(t, "agent_not_done.sh"), 3, model.StageExecution)

	out, err := e.Run(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, 1, out.Code)
	require.Equal(t, model.DecisionNotDone, out.Decision.Decision)
	require.Equal(t, "reached max iterations", out.Decision.Explanation)
}

func TestRunExecutePhaseFailureShortCircuits(t *testing.T) {
	e, _ := newTestEngine(t)
	in := baseInput(fixture(t, "agent_exec_fail.sh"), 6, model.StageExecution)

	out, err := e.Run(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, 1, out.Code)
	require.Equal(t, model.DecisionFailed, out.Decision.Decision)
	require.Contains(t, out.Decision.Explanation, "Execute Error")
}

func TestRunVerifyPhaseFailureShortCircuits(t *testing.T) {
	e, _ := newTestEngine(t)
	in := baseInput(fixture(t, "agent_verify_fail.sh"), 6, model.StageVerification)

	out, err := e.Run(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, 1, out.Code)
	require.Equal(t, model.DecisionFailed, out.Decision.Decision)
}

func TestRunCancellationUnwindsBeforeFirstIteration(t *testing.T) {
	e, _ := newTestEngine(t)
	in := baseInput(fixture(t, "agent_done.sh"), 6, model.StageVerification)
	in.CancellationWatcher = fakeCancelledWatcher{reason: "task_cancelled"}

	out, err := e.Run(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, 1, out.Code)
	require.Equal(t, model.DecisionFailed, out.Decision.Decision)
	require.Contains(t, out.Decision.Explanation, "task_cancelled")
}

// TestRunDowngradesDoneWithoutRequiredEvidence verifies that a verifier
// claiming done without the stage's required evidence field is persisted
// as not_done, even though the Output ultimately reports "reached max
// iterations" once the loop exhausts maxIters without a terminal decision.
func TestRunDowngradesDoneWithoutRequiredEvidence(t *testing.T) {
	e, root := newTestEngine(t)
	in := baseInput(fixture(t, "agent_done_no_evidence.sh"), 1, model.StageVerification)

	out, err := e.Run(context.Background(), in)
	require.NoError(t, err)
	require.NotNil(t, out.LastRun)

	data, err := os.ReadFile(filepath.Join(root, in.ProjectSlug, in.TaskSlug, "runs", out.LastRun.ContainerID, "verify", "decision.json"))
	require.NoError(t, err)
	var persisted model.Decision
	require.NoError(t, json.Unmarshal(data, &persisted))
	require.Equal(t, model.DecisionNotDone, persisted.Decision)
	require.Contains(t, persisted.Explanation, "required evidence")
}

type fakeCancelledWatcher struct{ reason string }

func (fakeCancelledWatcher) Start()                                             {}
func (fakeCancelledWatcher) OnCancel(fn func(string)) (unsubscribe func())       { return func() {} }
func (w fakeCancelledWatcher) Check() error {
	return &provider.CancellationRequestedError{Reason: w.reason}
}
func (fakeCancelledWatcher) IsCancelled() bool { return true }
func (w fakeCancelledWatcher) Reason() string  { return w.reason }
func (fakeCancelledWatcher) Destroy()          {}
