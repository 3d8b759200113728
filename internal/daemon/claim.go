package daemon

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/agx/internal/iteration"
	"github.com/swarmguard/agx/internal/model"
	"github.com/swarmguard/agx/internal/policy"
	"github.com/swarmguard/agx/internal/provider"
	"github.com/swarmguard/agx/internal/store"
	"github.com/swarmguard/agx/internal/taskservice"
)

// runClaimed takes a single claimed task from poll to completion: it
// acquires the task's local lock, mirrors the remote task into the
// artifact store, drives the iteration engine, posts the decision back
// to the task service, and releases the lock. Errors are logged and
// swallowed — a worker never crashes the pool over one bad task.
func (p *Pool) runClaimed(ctx context.Context, task model.Task) {
	log := slog.With("task", task.Slug)
	p.claims.Add(ctx, 1, metric.WithAttributes(attribute.String("task", task.Slug)))

	projectSlug, err := p.Store.ResolveProjectSlug(task.Project.Name, task.Project.ID)
	if err != nil {
		log.Error("resolve project slug", "error", err)
		p.claimFail.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "resolve_project_slug")))
		return
	}

	taskRoot := p.Store.TaskRoot(projectSlug, task.Slug)
	lock, err := store.AcquireTaskLock(taskRoot, store.AcquireTaskLockOptions{})
	if err != nil {
		log.Warn("task lock held, skipping claim", "error", err)
		p.claimFail.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "lock_held")))
		return
	}
	defer func() { _ = store.ReleaseTaskLock(lock) }()

	if _, err := p.Store.WriteProjectState(projectSlug, store.ProjectState{CloudID: task.Project.ID, CloudName: task.Project.Name}); err != nil {
		log.Warn("write project state", "error", err)
	}
	if _, err := p.Store.CreateTask(projectSlug, store.CreateTaskParams{UserRequest: task.Title, TaskSlug: task.Slug}); err != nil {
		log.Error("create local task mirror", "error", err)
		p.claimFail.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "create_task")))
		return
	}

	workingSet, err := buildWorkingSet(task)
	if err != nil {
		log.Warn("render working set", "error", err)
	} else if err := p.Store.WriteWorkingSet(projectSlug, task.Slug, workingSet); err != nil {
		log.Warn("write working set", "error", err)
	}

	watcher := provider.NewPollingWatcher(500*time.Millisecond, func(context.Context) (bool, string) {
		if p.stopping.Load() {
			return true, "daemon_shutdown"
		}
		return false, ""
	})
	watcher.Start()
	defer watcher.Destroy()

	maxIters := p.Config.SingleMaxIters
	if task.Swarm {
		maxIters = p.Config.SwarmMaxIters
	}

	in := iteration.Input{
		TaskID:               task.ID,
		ProjectSlug:          projectSlug,
		TaskSlug:             task.Slug,
		Task:                 task,
		Provider:             task.Provider,
		Providers:            splitProviders(task),
		Model:                task.Model,
		CancellationWatcher:  watcher,
		InitialPromptContext: workingSet,
		MaxIters:             maxIters,
		RepoDir:              p.Config.HomeDir,
		PostComment: func(ctx context.Context, summary string) error {
			if summary == "" {
				return nil
			}
			return p.Tasks.PostComment(ctx, task.ID, summary)
		},
		UpdateLocalTaskStatus: func(status model.Status) error {
			_, err := p.Store.UpdateTaskState(projectSlug, task.Slug, store.TaskState{Status: status})
			return err
		},
	}

	out, err := p.Engine.Run(ctx, in)
	if err != nil {
		log.Error("iteration engine error", "error", err)
		p.claimFail.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "engine_error")))
		return
	}

	if out.Decision.Decision == model.DecisionFailed && watcher.IsCancelled() {
		// Cancellation unwinds the loop without a completion post, per §4.G.
		log.Info("iteration cancelled", "reason", watcher.Reason())
		return
	}

	p.postCompletion(ctx, task, out)
}

func (p *Pool) postCompletion(ctx context.Context, task model.Task, out iteration.Output) {
	log := slog.With("task", task.Slug)

	req := taskservice.CompletionRequest{
		TaskID:      task.ID,
		Log:         out.Decision.Summary + "\n\n" + out.Decision.Explanation,
		Decision:    out.Decision.Decision,
		FinalResult: out.Decision.FinalResult,
		Explanation: out.Decision.Explanation,
	}
	if out.RunIndexEntry.RunID != "" {
		entry := out.RunIndexEntry
		req.RunEntry = &entry
	}

	resp, err := p.Tasks.Complete(ctx, req)
	if err != nil {
		log.Error("post completion", "error", err)
		p.claimFail.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "post_completion")))
		return
	}

	patch := policy.BuildCloudTaskTerminalPatch(policy.BuildCloudTaskTerminalPatchInput{
		Decision: out.Decision.Decision,
		NewStage: model.Stage(resp.NewStage),
		Now:      time.Now().UTC(),
	})
	if !patch.Apply {
		return
	}
	if err := p.Tasks.PatchTask(ctx, task.ID, taskservice.TaskPatch{Status: &patch.Status, CompletedAt: patch.CompletedAt}); err != nil {
		log.Warn("patch terminal status", "error", err)
	}
}

// splitProviders turns a task's single provider field into the swarm
// execute-phase fan-out list: a comma-separated provider string selects
// one provider process per entry. It returns nil for non-swarm tasks and
// for fewer than two providers, leaving the single-agent path to the
// iteration engine's Input.Provider fallback.
func splitProviders(task model.Task) []string {
	if !task.Swarm || task.Provider == "" {
		return nil
	}
	var providers []string
	start := 0
	for i := 0; i <= len(task.Provider); i++ {
		if i == len(task.Provider) || task.Provider[i] == ',' {
			if i > start {
				providers = append(providers, task.Provider[start:i])
			}
			start = i + 1
		}
	}
	if len(providers) <= 1 {
		return nil
	}
	return providers
}
