// Package iteration is the central execute/verify state machine (§4.D):
// it drives the provider runner, the local verification evidence
// collector, and the decision normalizer against the artifact store, one
// iteration at a time.
package iteration

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/swarmguard/agx/internal/config"
	"github.com/swarmguard/agx/internal/decision"
	"github.com/swarmguard/agx/internal/model"
	"github.com/swarmguard/agx/internal/provider"
	"github.com/swarmguard/agx/internal/store"
	"github.com/swarmguard/agx/internal/verify"
)

// Input is the iteration loop's full parameter set (§4.D.1).
type Input struct {
	TaskID                string
	ProjectSlug           string
	TaskSlug              string
	Task                  model.Task
	Provider              string
	Providers             []string // >1 entries selects the swarm execute-phase fan-out
	Model                 string
	CancellationWatcher   provider.CancellationWatcher
	InitialPromptContext  string
	MaxIters              int
	RepoDir               string // working tree local verification evidence is collected from
	PostComment           func(ctx context.Context, summary string) error
	UpdateLocalTaskStatus func(status model.Status) error
}

// Output is what Run resolves to.
type Output struct {
	Code          int
	Decision      model.Decision
	LastRun       *model.Run
	RunIndexEntry model.RunIndexEntry
}

// Engine wires the artifact store, provider runner, and config together
// to drive iteration loops.
type Engine struct {
	Store   *store.Store
	Manager *provider.Manager
	Config  config.Config
}

// Run drives the execute/verify loop for up to in.MaxIters iterations,
// per the §4.D.1 pseudo-state machine.
func (e *Engine) Run(ctx context.Context, in Input) (Output, error) {
	nextPrompt := ""
	var lastRun *model.Run
	var lastDecision model.Decision
	var lastIndexEntry model.RunIndexEntry

	for i := 1; i <= in.MaxIters; i++ {
		if err := checkCancelled(in.CancellationWatcher); err != nil {
			return e.finishCancelled(in, lastRun, err)
		}

		execRun, execOut, execErr := e.runExecutePhase(ctx, in, i, nextPrompt)
		if execErr != nil {
			d := decision.Normalize(model.Decision{Decision: model.DecisionFailed, Explanation: "Execute Error: " + execErr.Error()})
			_ = e.Store.WriteDecision(execRun, d)
			_ = e.Store.FailRun(execRun, execErr.Error(), "execute_failed")
			return Output{Code: 1, Decision: d, LastRun: execRun}, nil
		}

		verifyRun, verifyDecision, evidence, verifyErr := e.runVerifyPhase(ctx, in, execRun, execOut)
		if verifyErr != nil {
			empty := model.Decision{}
			_ = e.Store.WriteDecision(verifyRun, empty)
			_ = e.persistIterationArtifacts(execRun, empty, verifyRun, evidence)
			_ = e.Store.FailRun(verifyRun, verifyErr.Error(), "verify_failed")
			_ = e.Store.FailRun(execRun, verifyErr.Error(), "verify_failed")
			return Output{Code: 1, Decision: decision.Normalize(model.Decision{Decision: model.DecisionFailed, Explanation: verifyErr.Error()}), LastRun: verifyRun}, nil
		}

		enforced := enforceStageRequirement(in.Task.Stage, verifyDecision)
		lastDecision = enforced
		lastRun = verifyRun

		_ = e.Store.WriteDecision(verifyRun, enforced)

		if err := e.persistIterationArtifacts(execRun, enforced, verifyRun, evidence); err != nil {
			e.Store.LogArtifactError(execRun, err.Error())
		}

		runStatus := statusForDecision(enforced.Decision)
		_ = e.Store.FinalizeRun(execRun, runStatus, "Execute phase completed; see verify stage for decision.")
		_ = e.Store.FinalizeRun(verifyRun, runStatus, enforced.Explanation)

		entry, err := e.Store.BuildRunIndexEntry(verifyRun, e.Config.LocalArtifactShaMaxBytes)
		if err == nil {
			lastIndexEntry = entry
		}

		if in.UpdateLocalTaskStatus != nil {
			_ = in.UpdateLocalTaskStatus(localStatusForDecision(enforced.Decision))
		}
		if in.PostComment != nil {
			_ = in.PostComment(ctx, enforced.Summary)
		}

		if enforced.Decision == model.DecisionDone || enforced.Decision == model.DecisionBlocked || enforced.Decision == model.DecisionFailed {
			code := 1
			if enforced.Decision == model.DecisionDone {
				code = 0
			}
			return Output{Code: code, Decision: enforced, LastRun: verifyRun, RunIndexEntry: lastIndexEntry}, nil
		}

		nextPrompt = augmentNextPrompt(enforced)
	}

	final := decision.Normalize(model.Decision{Decision: model.DecisionNotDone, Explanation: "reached max iterations"})
	return Output{Code: 1, Decision: final, LastRun: lastRun, RunIndexEntry: lastIndexEntry}, nil
}

func checkCancelled(w provider.CancellationWatcher) error {
	if w == nil {
		return nil
	}
	return w.Check()
}

func (e *Engine) finishCancelled(in Input, lastRun *model.Run, cause error) (Output, error) {
	reason := "cancelled"
	if cancelErr, ok := cause.(*provider.CancellationRequestedError); ok && cancelErr.Reason != "" {
		reason = cancelErr.Reason
	}
	if lastRun != nil {
		_ = e.Store.FailRun(lastRun, reason, "cancelled")
	}
	d := decision.Normalize(model.Decision{Decision: model.DecisionFailed, Explanation: "Cancelled: " + reason})
	return Output{Code: 1, Decision: d, LastRun: lastRun}, nil
}

func statusForDecision(k model.DecisionKind) model.RunStatus {
	switch k {
	case model.DecisionDone:
		return model.RunStatusDone
	case model.DecisionBlocked:
		return model.RunStatusBlocked
	case model.DecisionNotDone:
		return model.RunStatusContinue
	default:
		return model.RunStatusFailed
	}
}

func localStatusForDecision(k model.DecisionKind) model.Status {
	switch k {
	case model.DecisionDone:
		return model.StatusCompleted
	case model.DecisionBlocked:
		return model.StatusBlocked
	case model.DecisionNotDone:
		return model.StatusInProgress
	default:
		return model.StatusFailed
	}
}

// augmentNextPrompt builds the decision-context-augmented prompt handed
// to the next iteration's execute phase.
func augmentNextPrompt(d model.Decision) string {
	var b strings.Builder
	b.WriteString(d.NextPrompt)
	b.WriteString("\n\nContext from the previous iteration:\n")
	fmt.Fprintf(&b, "- decision: %s\n", d.Decision)
	fmt.Fprintf(&b, "- summary: %s\n", d.Summary)
	fmt.Fprintf(&b, "- explanation: %s\n", d.Explanation)
	fmt.Fprintf(&b, "- final_result: %s\n", d.FinalResult)
	return b.String()
}

func defaultExecutePrompt(i int, nextPrompt string) string {
	if i == 1 || nextPrompt == "" {
		return "Pick the next step toward completing the task."
	}
	return nextPrompt
}

// iterationTimeout is the per-spawn timeout applied to the execute
// provider(s).
func (e *Engine) iterationTimeout() time.Duration {
	if e.Config.SwarmTimeoutMs > 0 {
		return e.Config.SwarmTimeout()
	}
	return 10 * time.Minute
}

// verifyTimeout is the per-spawn timeout applied to the verify provider,
// a distinct budget from the execute phase's (§6.4's AGX_VERIFY_TIMEOUT_MS).
func (e *Engine) verifyTimeout() time.Duration {
	if e.Config.VerifyTimeoutMs > 0 {
		return e.Config.VerifyTimeout()
	}
	return 5 * time.Minute
}

// spawnAttempts is the number of times a single provider invocation is
// tried before giving up, per §6.4's AGX_SWARM_RETRIES: the runner itself
// never retries (§4.C), the caller opts in via this count.
func (e *Engine) spawnAttempts() int {
	if e.Config.SwarmRetries > 0 {
		return e.Config.SwarmRetries
	}
	return 1
}
