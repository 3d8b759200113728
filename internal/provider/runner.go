// Package provider spawns and supervises the external agent-CLI child
// process that does the actual execute/verify work (§4.C).
package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/swarmguard/agx/internal/model"
)

const tailLimit = 4000

// Handlers receive streamed output and trace events as a spawn progresses.
// Any of these may be nil.
type Handlers struct {
	OnStdout            func(chunk string)
	OnStderr            func(chunk string)
	OnTrace             func(event model.Event)
	CancellationWatcher CancellationWatcher
	// Manager, if set, has the spawned child registered on start and
	// deregistered on exit so a daemon's KillAll/orphan sweep can reach it.
	Manager *Manager
}

// Result is what a successful (exit code 0) spawn resolves to.
type Result struct {
	Stdout string
	Stderr string
	Code   int
}

// Spawn runs one child process to completion, per §4.C's full contract:
// start/exit/timeout/cancel trace events, bounded tails, SIGTERM-then-
// SIGKILL cancellation, SIGKILL-on-timeout, and NUL-stripped argv.
func Spawn(ctx context.Context, args []string, timeout time.Duration, label string, h Handlers) (Result, error) {
	args = sanitizeArgs(args)
	if len(args) == 0 {
		return Result{}, fmt.Errorf("provider: empty argv")
	}

	cmd := exec.Command(args[0], args[1:]...)

	var stdoutBuf, stderrBuf boundedBuffer
	stdoutBuf.limit = tailLimit
	stderrBuf.limit = tailLimit

	cmd.Stdout = teeWriter(&stdoutBuf, h.OnStdout)
	cmd.Stderr = teeWriter(&stderrBuf, h.OnStderr)

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("provider: start %s: %w", label, err)
	}
	emit(h, model.NewEvent("start", started).
		Set("label", label).
		Set("args", args).
		Set("timeoutMs", timeout.Milliseconds()).
		Set("pid", cmd.Process.Pid))
	if h.Manager != nil {
		h.Manager.Register(label, cmd.Process)
		defer h.Manager.Deregister(cmd.Process.Pid)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timeoutCh := time.After(timeout)

	var cancelReason string
	var unsubscribe func()
	cancelCh := make(chan string, 1)
	if h.CancellationWatcher != nil {
		unsubscribe = h.CancellationWatcher.OnCancel(func(reason string) {
			select {
			case cancelCh <- reason:
			default:
			}
		})
		defer unsubscribe()
	}

	select {
	case err := <-done:
		finished := time.Now()
		code := exitCode(err)
		exitEvt := model.NewEvent("exit", finished).
			Set("exit_code", code).
			Set("duration_ms", finished.Sub(started).Milliseconds()).
			Set("finished_at", finished).
			Set("stdout_tail", stdoutBuf.String()).
			Set("stderr_tail", stderrBuf.String())
		emit(h, exitEvt)
		if code == 0 {
			return Result{Stdout: stdoutBuf.Full(), Stderr: stderrBuf.Full(), Code: 0}, nil
		}
		return Result{}, &ProviderExitedNonZeroError{Code: code, Stdout: stdoutBuf.Full(), Stderr: stderrBuf.Full()}

	case <-timeoutCh:
		killNow(cmd)
		<-done
		emit(h, model.NewEvent("timeout", time.Now()).
			Set("timeoutMs", timeout.Milliseconds()).
			Set("stdout_tail", stdoutBuf.String()).
			Set("stderr_tail", stderrBuf.String()))
		return Result{}, &ProviderTimeoutError{TimeoutMs: int(timeout.Milliseconds())}

	case cancelReason = <-cancelCh:
		gracefulTerminate(cmd, done)
		emit(h, model.NewEvent("cancel", time.Now()).
			Set("reason", cancelReason).
			Set("stdout_tail", stdoutBuf.String()).
			Set("stderr_tail", stderrBuf.String()))
		return Result{}, &CancellationRequestedError{Reason: cancelReason}

	case <-ctx.Done():
		gracefulTerminate(cmd, done)
		emit(h, model.NewEvent("cancel", time.Now()).Set("reason", "context_cancelled"))
		return Result{}, &CancellationRequestedError{Reason: "context_cancelled"}
	}
}

// gracefulTerminate sends SIGTERM, waits up to 500ms, then SIGKILL.
func gracefulTerminate(cmd *exec.Cmd, done <-chan error) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-done:
		return
	case <-time.After(500 * time.Millisecond):
	}
	killNow(cmd)
	<-done
}

func killNow(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func emit(h Handlers, e model.Event) {
	if h.OnTrace != nil {
		h.OnTrace(e)
	}
}

// sanitizeArgs strips any embedded NUL byte from each argument; args are
// always exec'd as an argv vector, never through a shell.
func sanitizeArgs(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = strings.ReplaceAll(a, "\x00", "")
	}
	return out
}

// boundedBuffer keeps the full captured stream plus a bounded tail of the
// most recent bytes for trace events.
type boundedBuffer struct {
	mu    sync.Mutex
	full  bytes.Buffer
	limit int
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.full.Write(p)
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.full.String()
	if len(s) <= b.limit {
		return s
	}
	return s[len(s)-b.limit:]
}

func (b *boundedBuffer) Full() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.full.String()
}

// teeWriter returns an io.Writer that writes into buf and, if onChunk is
// non-nil, also streams each write as a string chunk.
func teeWriter(buf *boundedBuffer, onChunk func(string)) io.Writer {
	if onChunk == nil {
		return buf
	}
	return io.MultiWriter(buf, chunkWriter(onChunk))
}

type chunkWriter func(string)

func (c chunkWriter) Write(p []byte) (int, error) {
	c(string(p))
	return len(p), nil
}
