package iteration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/swarmguard/agx/internal/decision"
	"github.com/swarmguard/agx/internal/model"
	"github.com/swarmguard/agx/internal/provider"
	"github.com/swarmguard/agx/internal/store"
	"github.com/swarmguard/agx/internal/verify"
)

// runExecutePhase opens a fresh run container, spawns the execute
// provider(s), and returns the execute sub-run plus its captured stdout.
// A non-nil error means the caller should record it as an "Execute Error"
// and terminate the loop per §4.D.1 step 3.
func (e *Engine) runExecutePhase(ctx context.Context, in Input, iter int, prevNextPrompt string) (*model.Run, string, error) {
	execRun, err := e.Store.CreateRun(store.CreateRunParams{
		ProjectSlug: in.ProjectSlug,
		TaskSlug:    in.TaskSlug,
		Stage:       model.RunStageExecute,
		Engine:      in.Provider,
		Model:       in.Model,
	})
	if err != nil {
		return nil, "", fmt.Errorf("create execute run: %w", err)
	}

	promptText := in.InitialPromptContext
	if iter > 1 || promptText == "" {
		promptText = defaultExecutePrompt(iter, prevNextPrompt)
	}
	_ = e.Store.WritePrompt(execRun, promptText, model.NewEvent("prompt_written", time.Now().UTC()))

	providers := in.Providers
	if len(providers) == 0 {
		providers = []string{in.Provider}
	}

	outputs, err := e.runProvidersConcurrently(ctx, execRun, in, providers, promptText)
	if err != nil {
		return execRun, "", err
	}

	combined := strings.Join(outputs, "\n\n---\n\n")
	if err := e.Store.WriteOutput(execRun, combined); err != nil {
		e.Store.LogArtifactError(execRun, err.Error())
	}
	return execRun, combined, nil
}

// runProvidersConcurrently fans out one child per entry in providers under
// a semaphore weighted to len(providers) (§5: execute-phase internal
// parallelism is one child per provider, bounded concurrency = provider
// count), preserving providers' order in the returned slice.
func (e *Engine) runProvidersConcurrently(ctx context.Context, execRun *model.Run, in Input, providers []string, promptText string) ([]string, error) {
	outputs := make([]string, len(providers))
	sem := semaphore.NewWeighted(int64(len(providers)))

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for idx, prov := range providers {
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
			break
		}
		wg.Add(1)
		go func(idx int, prov string) {
			defer wg.Done()
			defer sem.Release(1)
			out, err := e.spawnExecuteProvider(ctx, execRun, in, prov, promptText, idx)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			outputs[idx] = out
		}(idx, prov)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return outputs, nil
}

func (e *Engine) spawnExecuteProvider(ctx context.Context, execRun *model.Run, in Input, prov, promptText string, idx int) (string, error) {
	args := []string{prov, "--cloud-task", in.TaskID}
	if in.Model != "" {
		args = append(args, "--model", in.Model)
	}
	args = append(args, "--prompt", promptText)

	stdoutLog := fmt.Sprintf("spawned.stdout.%d.log", idx)
	stderrLog := fmt.Sprintf("spawned.stderr.%d.log", idx)
	var stdoutBuf, stderrBuf strings.Builder

	h := provider.Handlers{
		OnStdout:            func(chunk string) { stdoutBuf.WriteString(chunk) },
		OnStderr:            func(chunk string) { stderrBuf.WriteString(chunk) },
		OnTrace:             func(ev model.Event) { _ = e.Store.AppendRunEvent(execRun, ev) },
		CancellationWatcher: in.CancellationWatcher,
		Manager:             e.Manager,
	}

	result, err := spawnWithRetries(ctx, args, e.iterationTimeout(), "execute", h, e.spawnAttempts())
	if werr := e.Store.WriteArtifact(execRun, stdoutLog, []byte(stdoutBuf.String())); werr != nil {
		e.Store.LogArtifactError(execRun, werr.Error())
	}
	if werr := e.Store.WriteArtifact(execRun, stderrLog, []byte(stderrBuf.String())); werr != nil {
		e.Store.LogArtifactError(execRun, werr.Error())
	}
	if err != nil {
		return "", err
	}
	return result.Stdout, nil
}

// spawnWithRetries invokes provider.Spawn up to attempts times, per
// §4.C/§6.4's AGX_SWARM_RETRIES: the runner itself never retries, so a
// caller that wants retries re-invokes it directly, and each attempt runs
// the child fresh and emits its own full start/exit trace. Only a
// non-zero exit or a timeout is retried — a cancellation or a failure to
// even start the child is never worth repeating.
func spawnWithRetries(ctx context.Context, args []string, timeout time.Duration, label string, h provider.Handlers, attempts int) (provider.Result, error) {
	if attempts < 1 {
		attempts = 1
	}
	var result provider.Result
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err = provider.Spawn(ctx, args, timeout, label, h)
		if err == nil {
			return result, nil
		}
		var nonZero *provider.ProviderExitedNonZeroError
		var timedOut *provider.ProviderTimeoutError
		if !errors.As(err, &nonZero) && !errors.As(err, &timedOut) {
			return result, err
		}
	}
	return result, err
}

// runVerifyPhase opens a verify sub-run sharing the execute run's
// container id, runs local verification evidence collection, invokes the
// verifier provider, and parses its decision.
func (e *Engine) runVerifyPhase(ctx context.Context, in Input, execRun *model.Run, executeOutput string) (*model.Run, model.Decision, verify.Evidence, error) {
	verifyRun, err := e.Store.CreateRun(store.CreateRunParams{
		ProjectSlug: in.ProjectSlug,
		TaskSlug:    in.TaskSlug,
		Stage:       model.RunStageVerify,
		RunID:       execRun.ContainerID,
		Engine:      in.Provider,
		Model:       in.Model,
	})
	if err != nil {
		return nil, model.Decision{}, verify.Evidence{}, fmt.Errorf("create verify run: %w", err)
	}

	evidence := buildLocalVerificationEvidence(ctx, in.RepoDir)
	verifyPrompt := buildVerifyPrompt(in.Task, executeOutput, evidence, e.Config.VerifyPromptMaxChars)
	_ = e.Store.WritePrompt(verifyRun, verifyPrompt, model.NewEvent("prompt_written", time.Now().UTC()))

	args := []string{in.Provider, "--prompt", verifyPrompt, "--print"}
	if in.Model != "" {
		args = append(args, "--model", in.Model)
	}

	var stdoutBuf, stderrBuf strings.Builder
	h := provider.Handlers{
		OnStdout:            func(chunk string) { stdoutBuf.WriteString(chunk) },
		OnStderr:            func(chunk string) { stderrBuf.WriteString(chunk) },
		OnTrace:             func(ev model.Event) { _ = e.Store.AppendRunEvent(verifyRun, ev) },
		CancellationWatcher: in.CancellationWatcher,
		Manager:             e.Manager,
	}

	result, err := spawnWithRetries(ctx, args, e.verifyTimeout(), "verify", h, e.spawnAttempts())
	_ = e.Store.WriteOutput(verifyRun, stdoutBuf.String())
	if err != nil {
		return verifyRun, model.Decision{}, evidence, err
	}

	d := decision.ParseVerifierOutput(result.Stdout, result.Stderr)
	return verifyRun, d, evidence, nil
}
