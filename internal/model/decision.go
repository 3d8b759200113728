package model

// DecisionKind is the verifier's terminal (or continuing) adjudication.
type DecisionKind string

const (
	DecisionDone     DecisionKind = "done"
	DecisionBlocked  DecisionKind = "blocked"
	DecisionNotDone  DecisionKind = "not_done"
	DecisionFailed   DecisionKind = "failed"
)

// Decision is the fixed record the verifier's free-form JSON is coerced
// into. Extra carries whatever forward-compat fields the payload had that
// this record doesn't model explicitly; no code path accepts the raw
// payload beyond the normalizer.
type Decision struct {
	Done                    bool                   `json:"done"`
	Decision                DecisionKind           `json:"decision"`
	Explanation             string                 `json:"explanation"`
	FinalResult             string                 `json:"final_result"`
	NextPrompt              string                 `json:"next_prompt,omitempty"`
	Summary                 string                 `json:"summary"`
	PlanMd                  string                 `json:"plan_md,omitempty"`
	ImplementationSummaryMd string                 `json:"implementation_summary_md,omitempty"`
	VerificationMd          string                 `json:"verification_md,omitempty"`
	Extra                   map[string]interface{} `json:"-"`
}
