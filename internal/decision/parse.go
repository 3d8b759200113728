package decision

import (
	"encoding/json"

	"github.com/swarmguard/agx/internal/model"
)

// ParseVerifierOutput extracts the last well-formed JSON object found in
// stdout, falling back to stderr if stdout has none. If neither stream
// contains a parseable object, it synthesizes a failed decision.
func ParseVerifierOutput(stdout, stderr string) model.Decision {
	if d, ok := lastJSONObject(stdout); ok {
		return Normalize(d)
	}
	if d, ok := lastJSONObject(stderr); ok {
		return Normalize(d)
	}
	return Normalize(model.Decision{
		Decision:    model.DecisionFailed,
		Explanation: "Verifier returned invalid JSON.",
	})
}

// lastJSONObject scans s for balanced `{...}` spans and returns the last
// one that unmarshals into a Decision.
func lastJSONObject(s string) (model.Decision, bool) {
	var best model.Decision
	found := false

	depth := 0
	start := -1
	inString := false
	escaped := false
	for i, r := range s {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					candidate := s[start : i+1]
					var d model.Decision
					if json.Unmarshal([]byte(candidate), &d) == nil {
						var raw map[string]interface{}
						if json.Unmarshal([]byte(candidate), &raw) == nil {
							for _, k := range []string{"done", "decision", "explanation", "final_result", "next_prompt", "summary", "plan_md", "implementation_summary_md", "verification_md"} {
								delete(raw, k)
							}
							if len(raw) > 0 {
								d.Extra = raw
							}
						}
						best = d
						found = true
					}
					start = -1
				}
			}
		}
	}
	return best, found
}
