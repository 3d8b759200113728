package verify

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDetectCommandsStableOrder(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module x\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte("{}"), 0o644))

	specs := DetectCommands(dir)
	require.Len(t, specs, 4)
	require.Equal(t, "go-vet", specs[0].ID)
	require.Equal(t, "go-test", specs[1].ID)
	require.Equal(t, "npm-lint", specs[2].ID)
	require.Equal(t, "npm-test", specs[3].ID)
}

func TestDetectCommandsEmptyDir(t *testing.T) {
	require.Empty(t, DetectCommands(t.TempDir()))
}

func TestRunCommandsCapsOutput(t *testing.T) {
	specs := []CommandSpec{{ID: "echo", Label: "echo", Cmd: "/bin/echo", Args: []string{strings.Repeat("a", 25000)}}}
	results := RunCommands(context.Background(), specs)
	require.Len(t, results, 1)
	require.LessOrEqual(t, len(results[0].Stdout), resultCapChars)
	require.Equal(t, 0, results[0].ExitCode)
}

func TestRunCommandsRecordsNonZeroExit(t *testing.T) {
	specs := []CommandSpec{{ID: "fail", Label: "fail", Cmd: "/bin/sh", Args: []string{"-c", "exit 2"}}}
	results := RunCommands(context.Background(), specs)
	require.Equal(t, 2, results[0].ExitCode)
}

func TestGitStatusNonRepoReturnsEmpty(t *testing.T) {
	summary := GitStatus(context.Background(), t.TempDir())
	require.Empty(t, summary.StatusPorcelain)
	require.Empty(t, summary.DiffStat)
}

func TestPromptBlockTruncatesToMaxChars(t *testing.T) {
	evidence := Evidence{
		VerifyResults: []CommandResult{{Label: "go test", ExitCode: 0, DurationMs: 120}},
		Git:           GitSummary{StatusPorcelain: strings.Repeat("M file.go\n", 200)},
	}
	out := PromptBlock(evidence, 500)
	require.LessOrEqual(t, len(out), 500)
}

func TestPromptBlockTruncatesLongStatusToEightyLines(t *testing.T) {
	lines := make([]string, 200)
	for i := range lines {
		lines[i] = "M file.go"
	}
	evidence := Evidence{Git: GitSummary{StatusPorcelain: strings.Join(lines, "\n")}}
	out := PromptBlock(evidence, 100000)
	require.Contains(t, out, "more lines omitted")
}
