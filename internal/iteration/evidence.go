package iteration

import (
	"context"
	"fmt"
	"strings"

	"github.com/swarmguard/agx/internal/model"
	"github.com/swarmguard/agx/internal/verify"
)

// buildLocalVerificationEvidence collects the deterministic evidence
// block (§4.D.2). An empty repoDir short-circuits to empty evidence
// rather than running detectors against an unset working tree.
func buildLocalVerificationEvidence(ctx context.Context, repoDir string) verify.Evidence {
	if repoDir == "" {
		return verify.Evidence{}
	}
	return verify.BuildEvidence(ctx, repoDir)
}

// buildVerifyPrompt assembles the verification prompt from task identity,
// the stage objective/completion requirement, the execute output, and the
// abbreviated local-verification evidence block, truncated to maxChars.
func buildVerifyPrompt(task model.Task, executeOutput string, evidence verify.Evidence, maxChars int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Verification for task %q (%s)\n\n", task.Title, task.Slug)
	fmt.Fprintf(&b, "Stage: %s\n", task.Stage)
	fmt.Fprintf(&b, "Stage completion requirement: %s\n\n", stageCompletionRequirement(task.Stage))
	b.WriteString("## Execute phase output\n\n")
	b.WriteString(executeOutput)
	b.WriteString("\n\n")
	b.WriteString(verify.PromptBlock(evidence, maxChars))

	out := b.String()
	if maxChars > 0 && len(out) > maxChars {
		out = out[:maxChars]
	}
	return out
}

func stageCompletionRequirement(stage model.Stage) string {
	switch stage {
	case model.StageIdeation:
		return "a written plan exists and captures scope and approach"
	case model.StagePlanning:
		return "a concrete, actionable implementation plan exists"
	case model.StageExecution:
		return "the implementation change is present and locally verifiable"
	case model.StageVerification:
		return "local verification evidence supports the claimed result"
	default:
		return "no further action is required"
	}
}
