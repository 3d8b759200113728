package verify

import (
	"fmt"
	"strconv"
	"strings"
)

const defaultVerifyPromptMaxChars = 6000

// PromptBlock renders Evidence into the abbreviated text embedded in a
// verifier prompt: status capped at 80 lines, diff at 60 lines, one
// "label => exit=code Xms" line per command, then the whole block
// truncated to maxChars (0 uses the 6000-char default).
func PromptBlock(e Evidence, maxChars int) string {
	if maxChars <= 0 {
		maxChars = defaultVerifyPromptMaxChars
	}

	var b strings.Builder
	b.WriteString("## Local verification evidence\n\n")

	b.WriteString("### Commands\n")
	if len(e.VerifyResults) == 0 {
		b.WriteString("(none detected)\n")
	}
	for _, r := range e.VerifyResults {
		b.WriteString(r.Label)
		b.WriteString(" => exit=")
		b.WriteString(strconv.Itoa(r.ExitCode))
		b.WriteString(" ")
		b.WriteString(strconv.FormatInt(r.DurationMs, 10))
		b.WriteString("ms\n")
	}

	b.WriteString("\n### Git status\n")
	b.WriteString(truncateLines(e.Git.StatusPorcelain, 80))

	b.WriteString("\n### Git diffstat\n")
	b.WriteString(truncateLines(e.Git.DiffStat, 60))

	out := b.String()
	if len(out) > maxChars {
		out = out[:maxChars]
	}
	return out
}

func truncateLines(s string, maxLines int) string {
	if s == "" {
		return "(empty)\n"
	}
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) <= maxLines {
		return strings.Join(lines, "\n") + "\n"
	}
	omitted := len(lines) - maxLines
	return strings.Join(lines[:maxLines], "\n") + fmt.Sprintf("\n... (%d more lines omitted)\n", omitted)
}
