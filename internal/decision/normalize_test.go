package decision

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/swarmguard/agx/internal/model"
)

func TestNormalizeClampsUnknownDecisionToFailed(t *testing.T) {
	d := Normalize(model.Decision{Decision: "whatever"})
	require.Equal(t, model.DecisionFailed, d.Decision)
	require.NotEmpty(t, d.Explanation)
	require.NotEmpty(t, d.FinalResult)
	require.NotEmpty(t, d.Summary)
}

func TestNormalizeDonePreservesDoneTrueAndClearsNextPrompt(t *testing.T) {
	d := Normalize(model.Decision{Decision: model.DecisionDone, NextPrompt: "keep going"})
	require.True(t, d.Done)
	require.Empty(t, d.NextPrompt)
}

func TestNormalizeNotDoneFillsNextPrompt(t *testing.T) {
	d := Normalize(model.Decision{Decision: model.DecisionNotDone})
	require.False(t, d.Done)
	require.NotEmpty(t, d.NextPrompt)
}

func TestNormalizeIsIdempotent(t *testing.T) {
	once := Normalize(model.Decision{Decision: model.DecisionBlocked})
	twice := Normalize(once)
	require.Equal(t, once, twice)
}

func TestParseVerifierOutputExtractsLastObject(t *testing.T) {
	stdout := `noise {"decision":"not_done","explanation":"first"} more noise {"decision":"done","explanation":"final one"}`
	d := ParseVerifierOutput(stdout, "")
	require.Equal(t, model.DecisionDone, d.Decision)
	require.Equal(t, "final one", d.Explanation)
}

func TestParseVerifierOutputFallsBackToStderr(t *testing.T) {
	d := ParseVerifierOutput("not json at all", `{"decision":"failed","explanation":"crashed"}`)
	require.Equal(t, model.DecisionFailed, d.Decision)
	require.Equal(t, "crashed", d.Explanation)
}

func TestParseVerifierOutputSynthesizesFailedOnGarbage(t *testing.T) {
	d := ParseVerifierOutput("nope", "nope")
	require.Equal(t, model.DecisionFailed, d.Decision)
	require.Equal(t, "Verifier returned invalid JSON.", d.Explanation)
}

func TestParseVerifierOutputIgnoresBracesInsideStrings(t *testing.T) {
	stdout := `{"decision":"done","explanation":"uses a { brace } inside text","final_result":"ok"}`
	d := ParseVerifierOutput(stdout, "")
	require.Equal(t, model.DecisionDone, d.Decision)
	require.Equal(t, "uses a { brace } inside text", d.Explanation)
}
