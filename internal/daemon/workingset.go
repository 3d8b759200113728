package daemon

import (
	"fmt"
	"strings"

	"github.com/swarmguard/agx/internal/model"
	"github.com/swarmguard/agx/internal/render"
)

// buildWorkingSet renders a task's cloud fields into working_set.md: a
// plain-text brief an execute-phase provider is handed as its opening
// context, per §4.A's "working_set.md (rendered from cloud fields)".
func buildWorkingSet(task model.Task) (string, error) {
	body, err := render.Plain(task.Content)
	if err != nil {
		return "", fmt.Errorf("render task content: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", task.Title)
	fmt.Fprintf(&b, "- slug: %s\n", task.Slug)
	fmt.Fprintf(&b, "- stage: %s\n", task.Stage)
	if task.Provider != "" {
		fmt.Fprintf(&b, "- provider: %s\n", task.Provider)
	}
	if task.Swarm {
		b.WriteString("- swarm: true\n")
	}
	b.WriteString("\n")
	b.WriteString(body)
	return b.String(), nil
}
