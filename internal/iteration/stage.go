package iteration

import (
	"encoding/json"
	"fmt"

	"github.com/swarmguard/agx/internal/decision"
	"github.com/swarmguard/agx/internal/model"
	"github.com/swarmguard/agx/internal/verify"
)

// enforceStageRequirement may downgrade a claimed "done" to "not_done"
// when the stage-specific evidence the decision is supposed to carry is
// missing, then normalizes (§4.D.1 step 7).
func enforceStageRequirement(stage model.Stage, d model.Decision) model.Decision {
	if d.Decision == model.DecisionDone && !hasRequiredEvidence(stage, d) {
		d.Decision = model.DecisionNotDone
		d.Done = false
		d.Explanation = fmt.Sprintf("Claimed done but required evidence for stage %q is missing.", stage)
	}
	return decision.Normalize(d)
}

func hasRequiredEvidence(stage model.Stage, d model.Decision) bool {
	switch stage {
	case model.StageIdeation, model.StagePlanning:
		return d.PlanMd != ""
	case model.StageExecution:
		return d.ImplementationSummaryMd != ""
	case model.StageVerification:
		return d.VerificationMd != ""
	default:
		return true
	}
}

// persistIterationArtifacts writes the §4.D.3 artifact set under the run
// container. Any single write failure is logged to
// <runContainer>/daemon/artifact_errors.log and never aborts the loop.
func (e *Engine) persistIterationArtifacts(execRun *model.Run, d model.Decision, verifyRun *model.Run, evidence verify.Evidence) error {
	if d.PlanMd != "" {
		if err := e.Store.WritePlan(execRun, d.PlanMd); err != nil {
			e.Store.LogArtifactError(execRun, err.Error())
		}
	}
	if d.ImplementationSummaryMd != "" {
		if err := e.Store.WriteArtifact(execRun, "implementation_summary.md", []byte(d.ImplementationSummaryMd)); err != nil {
			e.Store.LogArtifactError(execRun, err.Error())
		}
	}

	target := verifyRun
	if target == nil {
		target = execRun
	}
	if d.VerificationMd != "" {
		if err := e.Store.WriteArtifact(target, "verification.md", []byte(d.VerificationMd)); err != nil {
			e.Store.LogArtifactError(target, err.Error())
		}
	}

	commandsJSON, err := json.MarshalIndent(evidence, "", "  ")
	if err == nil {
		if werr := e.Store.WriteArtifact(target, "verify_commands.json", commandsJSON); werr != nil {
			e.Store.LogArtifactError(target, werr.Error())
		}
	}
	for i, r := range evidence.VerifyResults {
		base := fmt.Sprintf("verify_results/%02d-%s", i, r.ID)
		if werr := e.Store.WriteArtifact(target, base+".stdout.txt", []byte(r.Stdout)); werr != nil {
			e.Store.LogArtifactError(target, werr.Error())
		}
		if werr := e.Store.WriteArtifact(target, base+".stderr.txt", []byte(r.Stderr)); werr != nil {
			e.Store.LogArtifactError(target, werr.Error())
		}
	}
	if werr := e.Store.WriteArtifact(target, "git_status.txt", []byte(evidence.Git.StatusPorcelain)); werr != nil {
		e.Store.LogArtifactError(target, werr.Error())
	}
	if werr := e.Store.WriteArtifact(target, "git_diffstat.txt", []byte(evidence.Git.DiffStat)); werr != nil {
		e.Store.LogArtifactError(target, werr.Error())
	}
	return nil
}
