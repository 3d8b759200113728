// Package verify builds the deterministic local-verification evidence
// block a verifier provider invocation is given (§4.D.2): detected lint/
// test/type-check/build commands, their captured results, and a git
// status/diffstat summary.
package verify

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

const resultCapChars = 20000

// CommandSpec is one detected verification invocation.
type CommandSpec struct {
	ID    string
	Label string
	Cmd   string
	Args  []string
	Cwd   string
}

// CommandResult is a CommandSpec after execution.
type CommandResult struct {
	ID         string   `json:"id"`
	Label      string   `json:"label"`
	Cmd        string   `json:"cmd"`
	Args       []string `json:"args"`
	Cwd        string   `json:"cwd"`
	ExitCode   int      `json:"exit_code"`
	Stdout     string   `json:"stdout"`
	Stderr     string   `json:"stderr"`
	DurationMs int64    `json:"duration_ms"`
	Error      string   `json:"error,omitempty"`
}

// GitSummary captures the repository's working-tree state.
type GitSummary struct {
	StatusPorcelain string `json:"status_porcelain"`
	DiffStat        string `json:"diff_stat"`
}

// Evidence is the full local-verification evidence block.
type Evidence struct {
	VerifyCommands []CommandSpec
	VerifyResults  []CommandResult
	Git            GitSummary
}

// detector pairs a marker file with the command it implies. Order here is
// the stable detection order the spec requires.
type detector struct {
	marker string
	spec   func(cwd string) CommandSpec
}

var detectors = []detector{
	{"go.mod", func(cwd string) CommandSpec {
		return CommandSpec{ID: "go-vet", Label: "go vet", Cmd: "go", Args: []string{"vet", "./..."}, Cwd: cwd}
	}},
	{"go.mod", func(cwd string) CommandSpec {
		return CommandSpec{ID: "go-test", Label: "go test", Cmd: "go", Args: []string{"test", "./..."}, Cwd: cwd}
	}},
	{"package.json", func(cwd string) CommandSpec {
		return CommandSpec{ID: "npm-lint", Label: "npm run lint", Cmd: "npm", Args: []string{"run", "lint"}, Cwd: cwd}
	}},
	{"package.json", func(cwd string) CommandSpec {
		return CommandSpec{ID: "npm-test", Label: "npm test", Cmd: "npm", Args: []string{"test", "--silent"}, Cwd: cwd}
	}},
	{"pyproject.toml", func(cwd string) CommandSpec {
		return CommandSpec{ID: "pytest", Label: "pytest", Cmd: "pytest", Args: []string{"-q"}, Cwd: cwd}
	}},
	{"Cargo.toml", func(cwd string) CommandSpec {
		return CommandSpec{ID: "cargo-test", Label: "cargo test", Cmd: "cargo", Args: []string{"test"}, Cwd: cwd}
	}},
	{"Makefile", func(cwd string) CommandSpec {
		return CommandSpec{ID: "make-build", Label: "make build", Cmd: "make", Args: []string{"build"}, Cwd: cwd}
	}},
}

// DetectCommands returns the verification commands implied by well-known
// marker files present at cwd, in a stable order.
func DetectCommands(cwd string) []CommandSpec {
	var specs []CommandSpec
	for _, d := range detectors {
		if fileExists(filepath.Join(cwd, d.marker)) {
			specs = append(specs, d.spec(cwd))
		}
	}
	return specs
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// RunCommands executes each spec in order, capping stdout/stderr at
// resultCapChars. A command that fails to start or exits non-zero is
// still recorded, not treated as a fatal error of BuildEvidence.
func RunCommands(ctx context.Context, specs []CommandSpec) []CommandResult {
	results := make([]CommandResult, 0, len(specs))
	for _, spec := range specs {
		results = append(results, runOne(ctx, spec))
	}
	return results
}

func runOne(ctx context.Context, spec CommandSpec) CommandResult {
	started := time.Now()
	cmd := exec.CommandContext(ctx, spec.Cmd, spec.Args...)
	cmd.Dir = spec.Cwd

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	result := CommandResult{ID: spec.ID, Label: spec.Label, Cmd: spec.Cmd, Args: spec.Args, Cwd: spec.Cwd}
	err := cmd.Run()
	result.DurationMs = time.Since(started).Milliseconds()
	result.Stdout = cap20k(stdout.String())
	result.Stderr = cap20k(stderr.String())

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
			result.Error = err.Error()
		}
	}
	return result
}

func cap20k(s string) string {
	if len(s) <= resultCapChars {
		return s
	}
	return s[:resultCapChars]
}

// GitStatus runs `git status --porcelain` and `git diff --stat` at cwd,
// returning empty strings (not an error) if cwd is not a git repository.
func GitStatus(ctx context.Context, cwd string) GitSummary {
	return GitSummary{
		StatusPorcelain: runGit(ctx, cwd, "status", "--porcelain"),
		DiffStat:        runGit(ctx, cwd, "diff", "--stat"),
	}
}

func runGit(ctx context.Context, cwd string, args ...string) string {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = cwd
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return string(out)
}

// BuildEvidence detects, runs, and collects the full local-verification
// evidence block for cwd.
func BuildEvidence(ctx context.Context, cwd string) Evidence {
	specs := DetectCommands(cwd)
	return Evidence{
		VerifyCommands: specs,
		VerifyResults:  RunCommands(ctx, specs),
		Git:            GitStatus(ctx, cwd),
	}
}
