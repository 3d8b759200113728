// Package policy holds the pure stage-to-status alignment rules (§4.G)
// applied after every stage completion to repair drift between a task's
// stage and its status.
package policy

import (
	"time"

	"github.com/swarmguard/agx/internal/model"
)

// TerminalPatch is the partial cloud-task update BuildCloudTaskTerminalPatch
// may produce. A zero-value TerminalPatch with Apply=false means "no patch".
type TerminalPatch struct {
	Apply       bool
	Status      model.Status
	CompletedAt *time.Time
}

// BuildCloudTaskTerminalPatchInput is the pure function's input tuple.
type BuildCloudTaskTerminalPatchInput struct {
	Decision model.DecisionKind
	NewStage model.Stage
	Now      time.Time
}

// BuildCloudTaskTerminalPatch derives the cloud-task status patch implied
// by a stage transition, per §4.G's exact table:
//   - newStage == done                      → completed, completed_at=now (regardless of decision)
//   - decision == failed                    → failed, completed_at=now
//   - decision == blocked                   → blocked
//   - decision == done but newStage != done  → no patch (stage machine handles it)
//   - otherwise                             → no patch
func BuildCloudTaskTerminalPatch(in BuildCloudTaskTerminalPatchInput) TerminalPatch {
	if in.NewStage == model.StageDone {
		now := in.Now
		return TerminalPatch{Apply: true, Status: model.StatusCompleted, CompletedAt: &now}
	}
	switch in.Decision {
	case model.DecisionFailed:
		now := in.Now
		return TerminalPatch{Apply: true, Status: model.StatusFailed, CompletedAt: &now}
	case model.DecisionBlocked:
		return TerminalPatch{Apply: true, Status: model.StatusBlocked}
	default:
		return TerminalPatch{}
	}
}
