// Package decision normalizes free-form verifier/internal decision
// payloads into the fixed Decision record (§4.D.5).
package decision

import "github.com/swarmguard/agx/internal/model"

// Normalize clamps d.Decision to the allowed set (anything else becomes
// "failed"), fills every required text field with a deterministic
// fallback when empty, and leaves optional markdown fields untouched.
// It is idempotent: normalizing an already-normalized decision is a no-op.
func Normalize(d model.Decision) model.Decision {
	switch d.Decision {
	case model.DecisionDone, model.DecisionBlocked, model.DecisionNotDone, model.DecisionFailed:
	default:
		d.Decision = model.DecisionFailed
	}

	d.Done = d.Decision == model.DecisionDone

	if d.Explanation == "" {
		d.Explanation = fallbackExplanation(d.Decision)
	}
	if d.FinalResult == "" {
		d.FinalResult = fallbackFinalResult(d.Decision)
	}
	if d.Summary == "" {
		d.Summary = d.Explanation
	}
	if !d.Done && d.NextPrompt == "" {
		d.NextPrompt = "Continue working on the task and address the verifier's findings."
	}
	if d.Done {
		d.NextPrompt = ""
	}

	return d
}

func fallbackExplanation(k model.DecisionKind) string {
	switch k {
	case model.DecisionDone:
		return "Verifier reported the task as complete."
	case model.DecisionBlocked:
		return "Verifier reported the task as blocked."
	case model.DecisionNotDone:
		return "Verifier reported the task is not yet complete."
	default:
		return "Verifier response could not be interpreted; treated as failed."
	}
}

func fallbackFinalResult(k model.DecisionKind) string {
	switch k {
	case model.DecisionDone:
		return "Task completed."
	case model.DecisionBlocked:
		return "Task is blocked pending external input."
	case model.DecisionNotDone:
		return "Task requires further iteration."
	default:
		return "Task failed."
	}
}
