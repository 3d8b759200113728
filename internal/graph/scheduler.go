package graph

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/swarmguard/agx/internal/model"
)

// Scheduler is the pure, side-effect-free core of the graph runtime
// (§4.F.5): given a graph and the current time it decides which nodes
// are ready, resolves gates/forks/joins/conditionals, and reports
// whatever budget it consumed along the way. It never touches a store or
// a queue — Driver owns all of that.
type Scheduler interface {
	Tick(g *model.Graph, now time.Time) (*model.Graph, []model.Event, error)
}

// DefaultScheduler walks a graph to a local fixed point on every Tick:
// nodes unblocked by this pass's transitions may themselves unblock
// further nodes, so resolution keeps looping until nothing changes.
// Grounded on the teacher's executeDAG, reshaped from a goroutine-driven
// topological walk into a pure function the driver can call repeatedly
// against a durable, versioned graph.
type DefaultScheduler struct{}

func NewDefaultScheduler() *DefaultScheduler { return &DefaultScheduler{} }

func (s *DefaultScheduler) Tick(g *model.Graph, now time.Time) (*model.Graph, []model.Event, error) {
	next := g
	if next.StartedAt == nil {
		next.StartedAt = &now
	}

	var events []model.Event
	for {
		changed, evs, err := s.resolveOnce(next, now)
		if err != nil {
			return nil, nil, err
		}
		events = append(events, evs...)
		if !changed {
			break
		}
	}

	if graphDone(next) {
		next.CompletedAt = &now
		next.Status = "completed"
	}
	return next, events, nil
}

// resolveOnce makes one pass over every node, advancing whatever is
// ready. It returns changed=true if any node's status moved, so Tick
// knows to loop for newly-unblocked dependents.
func (s *DefaultScheduler) resolveOnce(g *model.Graph, now time.Time) (bool, []model.Event, error) {
	changed := false
	var events []model.Event

	for _, node := range g.Nodes {
		if model.TerminalNodeStatuses[node.Status] {
			continue
		}
		switch node.Status {
		case model.NodePending:
			ready, blockedFailed := dependenciesSatisfied(g, node)
			if !ready {
				continue
			}
			changed = true
			// Join nodes are meant to observe a failed dependency, not be
			// blocked by one, so they always proceed to activate() and
			// let resolveRunning decide done vs. failed.
			if blockedFailed && node.Type != model.NodeJoin {
				node.Status = model.NodeBlocked
				node.Error = "upstream_failed"
				continue
			}
			if err := s.activate(g, node, now, &events); err != nil {
				return false, nil, err
			}
		case model.NodeRunning:
			if node.Type == model.NodeFork || node.Type == model.NodeJoin {
				if s.resolveRunning(g, node, now) {
					changed = true
				}
			}
		}
	}
	return changed, events, nil
}

// activate moves a newly-ready node out of pending. Fork/join/gate(auto)
// resolve immediately since they carry no external work; conditional
// nodes evaluate their expression and unlock exactly one branch; work
// and manually-verified gate nodes become running and wait for an
// external executor (the iteration engine, wired in by the driver's
// caller) to report their outcome before the next tick.
func (s *DefaultScheduler) activate(g *model.Graph, node *model.Node, now time.Time, events *[]model.Event) error {
	switch node.Type {
	case model.NodeFork:
		node.Status = model.NodeDone
		node.StartedAt = &now
		node.CompletedAt = &now
	case model.NodeJoin:
		node.Status = model.NodeRunning
		node.StartedAt = &now
		s.resolveRunning(g, node, now)
	case model.NodeGate:
		if node.VerificationStrategy == "" {
			node.Status = model.NodePassed
			node.StartedAt = &now
			node.CompletedAt = &now
			node.Result = &model.GateResult{Passed: true, Summary: "no verification strategy configured"}
			break
		}
		if !consumeBudget(g, &g.Policy.VerifyBudget, node.ID, events, now) {
			node.Status = model.NodeBlocked
			node.Error = "verify_budget_exhausted"
			break
		}
		node.Status = model.NodeRunning
		node.StartedAt = &now
	case model.NodeConditional:
		if !consumeBudget(g, &g.Policy.ReplanBudget, node.ID, events, now) {
			node.Status = model.NodeBlocked
			node.Error = "replan_budget_exhausted"
			break
		}
		passed, err := evaluateConditional(g, node)
		if err != nil {
			node.Status = model.NodeFailed
			node.Error = err.Error()
			node.StartedAt = &now
			node.CompletedAt = &now
			return nil
		}
		node.StartedAt = &now
		node.CompletedAt = &now
		node.Result = &model.GateResult{Passed: passed}
		if passed {
			node.Status = model.NodePassed
			unlockBranch(g, node.ThenBranch)
			skipBranch(g, node.ElseBranch)
		} else {
			node.Status = model.NodeFailed
			unlockBranch(g, node.ElseBranch)
			skipBranch(g, node.ThenBranch)
		}
	default: // work
		node.Status = model.NodeRunning
		node.StartedAt = &now
	}
	return nil
}

// resolveRunning resolves a running join node purely from dependency
// state, as opposed to work and gate nodes, whose running->terminal
// transition is driven by code outside the scheduler. Forks complete on
// activation and never reach it; any non-join node is left unchanged.
// Returns whether the node changed.
func (s *DefaultScheduler) resolveRunning(g *model.Graph, node *model.Node, now time.Time) bool {
	if node.Type != model.NodeJoin {
		return false
	}
	allTerminal := true
	anyFailed := false
	for _, depID := range node.Deps {
		dep, ok := g.Nodes[depID]
		if !ok {
			continue
		}
		if !model.TerminalNodeStatuses[dep.Status] {
			allTerminal = false
			break
		}
		if dep.Status == model.NodeFailed {
			anyFailed = true
		}
	}
	if !allTerminal {
		return false
	}
	node.CompletedAt = &now
	if anyFailed {
		node.Status = model.NodeFailed
		node.Error = "upstream_failed"
	} else {
		node.Status = model.NodeDone
	}
	return true
}

// dependenciesSatisfied reports whether every hard edge targeting node is
// satisfied by its source's terminal status and the edge's condition; the
// second return is true when an unmet hard dependency permanently blocks
// the node rather than merely not-yet-resolving it.
func dependenciesSatisfied(g *model.Graph, node *model.Node) (ready bool, permanentlyBlocked bool) {
	incoming := edgesInto(g, node.ID)
	if len(incoming) == 0 {
		if len(node.Deps) == 0 {
			return true, false
		}
		return depsTerminal(g, node.Deps)
	}

	allResolved := true
	anyHardUnsatisfied := false
	for _, e := range incoming {
		src, ok := g.Nodes[e.From]
		if !ok {
			continue
		}
		if !model.TerminalNodeStatuses[src.Status] {
			allResolved = false
			continue
		}
		if e.Type != model.EdgeHard {
			continue
		}
		if !edgeConditionMet(e.Condition, src.Status) {
			anyHardUnsatisfied = true
		}
	}
	if !allResolved {
		return false, false
	}
	return true, anyHardUnsatisfied
}

func depsTerminal(g *model.Graph, deps []string) (bool, bool) {
	anyFailed := false
	for _, id := range deps {
		dep, ok := g.Nodes[id]
		if !ok {
			continue
		}
		if !model.TerminalNodeStatuses[dep.Status] {
			return false, false
		}
		if dep.Status == model.NodeFailed {
			anyFailed = true
		}
	}
	return true, anyFailed
}

func edgesInto(g *model.Graph, nodeID string) []model.Edge {
	var out []model.Edge
	for _, e := range g.Edges {
		if e.To == nodeID {
			out = append(out, e)
		}
	}
	return out
}

func edgeConditionMet(cond model.EdgeCondition, srcStatus model.NodeStatus) bool {
	switch cond {
	case model.EdgeOnSuccess:
		return srcStatus == model.NodeDone || srcStatus == model.NodePassed
	case model.EdgeOnFailure:
		return srcStatus == model.NodeFailed
	case model.EdgeAlways, "":
		return true
	default:
		return true
	}
}

func unlockBranch(g *model.Graph, nodeIDs []string) {
	for _, id := range nodeIDs {
		if n, ok := g.Nodes[id]; ok && n.Status == "" {
			n.Status = model.NodePending
		}
	}
}

func skipBranch(g *model.Graph, nodeIDs []string) {
	for _, id := range nodeIDs {
		n, ok := g.Nodes[id]
		if !ok || model.TerminalNodeStatuses[n.Status] {
			continue
		}
		n.Status = model.NodeSkipped
	}
}

func graphDone(g *model.Graph) bool {
	if g.CompletedAt != nil || g.TimedOutAt != nil {
		return false
	}
	dc := g.DoneCriteria
	if !dc.NoRunnableOrPendingWork && !dc.AllRequiredGatesPassed && len(dc.CompletionSinkNodeIDs) == 0 {
		return false
	}
	if g.DoneCriteria.NoRunnableOrPendingWork {
		for _, n := range g.Nodes {
			switch n.Status {
			case model.NodePending, model.NodeRunning, model.NodeAwaitingHuman:
				return false
			}
		}
	}
	if g.DoneCriteria.AllRequiredGatesPassed {
		for _, n := range g.Nodes {
			if n.Type == model.NodeGate && n.Status != model.NodePassed && n.Status != model.NodeSkipped {
				return false
			}
		}
	}
	for _, sinkID := range g.DoneCriteria.CompletionSinkNodeIDs {
		n, ok := g.Nodes[sinkID]
		if !ok || !model.TerminalNodeStatuses[n.Status] {
			return false
		}
	}
	return true
}

// consumeBudget decrements remaining by one and emits a budget_consumed
// event when there's budget left; it returns false without mutating
// anything when the budget is already exhausted.
func consumeBudget(g *model.Graph, budget *model.Budget, triggerNodeID string, events *[]model.Event, now time.Time) bool {
	if budget.Remaining <= 0 {
		return false
	}
	budget.Remaining--
	ev := model.NewEvent("budget_consumed", now).
		Set("budgetType", budgetLabel(budget, g)).
		Set("remaining", budget.Remaining).
		Set("triggerNodeId", triggerNodeID)
	*events = append(*events, ev)
	return true
}

func budgetLabel(b *model.Budget, g *model.Graph) string {
	if b == &g.Policy.VerifyBudget {
		return "verify"
	}
	return "replan"
}

// evaluateConditional binds a conditional node's InputBinding ("<nodeId>.
// <outputField>") to a CEL "input" variable and evaluates Expression
// against it, replacing the teacher's "in production, use expr library"
// stub with an actual evaluator drawn from the same CEL library the
// filter-parsing code elsewhere in the corpus already depends on.
func evaluateConditional(g *model.Graph, node *model.Node) (bool, error) {
	input, err := resolveInputBinding(g, node.InputBinding)
	if err != nil {
		return false, fmt.Errorf("conditional %s: %w", node.ID, err)
	}

	env, err := cel.NewEnv(cel.Variable("input", cel.DynType))
	if err != nil {
		return false, fmt.Errorf("conditional %s: build cel env: %w", node.ID, err)
	}
	ast, iss := env.Compile(node.Expression)
	if iss != nil && iss.Err() != nil {
		return false, fmt.Errorf("conditional %s: compile %q: %w", node.ID, node.Expression, iss.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return false, fmt.Errorf("conditional %s: program: %w", node.ID, err)
	}
	out, _, err := prg.Eval(map[string]interface{}{"input": input})
	if err != nil {
		return false, fmt.Errorf("conditional %s: eval: %w", node.ID, err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("conditional %s: expression %q did not evaluate to a bool", node.ID, node.Expression)
	}
	return result, nil
}

// resolveInputBinding looks up "<nodeId>.<field>" in that node's Output
// map; a bare nodeId with no field binds the node's whole Output map.
func resolveInputBinding(g *model.Graph, binding string) (interface{}, error) {
	if binding == "" {
		return nil, nil
	}
	nodeID, field, hasField := strings.Cut(binding, ".")
	src, ok := g.Nodes[nodeID]
	if !ok {
		return nil, fmt.Errorf("input binding %q references unknown node", binding)
	}
	if !hasField {
		return src.Output, nil
	}
	val, ok := src.Output[field]
	if !ok {
		return nil, fmt.Errorf("input binding %q: node %s has no output field %q", binding, nodeID, field)
	}
	return val, nil
}
