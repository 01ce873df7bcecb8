// Package strategy implements the strategy selector (C3): given the
// current research state and session config, it picks the shape of the
// next iteration's plan — breadth, depth, decompose, or hybrid — and
// produces the dependency-ordered task list the dispatcher consumes.
package strategy

import (
	"fmt"

	"github.com/dshills/langgraph-go/research/state"
)

// Select picks a strategy for the current iteration and returns the
// updated StrategyContext. It is a pure function of state and config, in
// the same style as the teacher's Predicate[S] edge conditions — no I/O,
// no hidden lookups, fully unit-testable with fixtures.
func Select(s state.ResearchState, maxBreadth, maxDepth int) state.StrategyContext {
	switch resolveStrategy(s) {
	case state.StrategyBreadth:
		return breadth(s, maxBreadth)
	case state.StrategyDepth:
		return depth(s, maxDepth)
	case state.StrategyDecompose:
		return decompose(s)
	default:
		return hybrid(s, maxBreadth, maxDepth)
	}
}

// resolveStrategy honors an explicit non-hybrid Strategy set on the
// state, and otherwise lets hybrid's own internal rule run.
func resolveStrategy(s state.ResearchState) state.Strategy {
	if s.Strategy == "" {
		return state.StrategyHybrid
	}
	return s.Strategy
}

// breadth generates K disjoint sub-queries covering facets of the
// original query, dispatched in parallel (no DependsOn edges).
func breadth(s state.ResearchState, maxBreadth int) state.StrategyContext {
	k := maxBreadth
	if k > 6 {
		k = 6
	}
	if k < 3 {
		k = 3
	}
	facets := deriveFacets(s.Query, k)

	tasks := make([]state.Task, 0, len(facets))
	for i, f := range facets {
		tasks = append(tasks, state.Task{
			ID:       fmt.Sprintf("b-%d-%d", s.Iteration, i),
			Query:    f,
			Priority: 0.6,
		})
	}
	return state.StrategyContext{CurrentTasks: tasks, LastStrategy: state.StrategyBreadth, DepthPointer: s.StrategyContext.DepthPointer}
}

// depth follows the most promising open source or finding from the
// previous iteration with one or two focused calls.
func depth(s state.ResearchState, maxDepth int) state.StrategyContext {
	pointer := s.StrategyContext.DepthPointer
	if pointer >= maxDepth {
		pointer = maxDepth - 1
	}

	target := mostPromisingTarget(s)
	tasks := []state.Task{
		{ID: fmt.Sprintf("d-%d-0", s.Iteration), Query: "deepen: " + target, Priority: 0.85},
	}
	if len(s.Gaps) > 0 {
		tasks = append(tasks, state.Task{
			ID:        fmt.Sprintf("d-%d-1", s.Iteration),
			Query:     "resolve gap: " + string(s.Gaps[0].Kind),
			Priority:  0.8,
			DependsOn: []string{tasks[0].ID},
		})
	}
	return state.StrategyContext{CurrentTasks: tasks, LastStrategy: state.StrategyDepth, DepthPointer: pointer + 1}
}

// decompose splits the query into a dependency-ordered plan, linking
// tasks by depends_on ids.
func decompose(s state.ResearchState) state.StrategyContext {
	steps := []string{"identify core claim", "gather supporting evidence", "cross-check against sources"}
	tasks := make([]state.Task, 0, len(steps))
	var prev string
	for i, step := range steps {
		id := fmt.Sprintf("x-%d-%d", s.Iteration, i)
		t := state.Task{ID: id, Query: step + ": " + s.Query, Priority: 0.7}
		if prev != "" {
			t.DependsOn = []string{prev}
		}
		tasks = append(tasks, t)
		prev = id
	}
	return state.StrategyContext{CurrentTasks: tasks, LastStrategy: state.StrategyDecompose, DepthPointer: s.StrategyContext.DepthPointer}
}

// hybrid picks breadth on the first iteration; subsequent iterations pick
// depth when the highest-priority gap is critical/high, else breadth,
// else decompose when a gap requires multi-step reasoning. On a tie
// between depth and breadth candidates, depth wins (cheaper, narrows
// faster).
func hybrid(s state.ResearchState, maxBreadth, maxDepth int) state.StrategyContext {
	if s.Iteration <= 1 {
		ctx := breadth(s, maxBreadth)
		ctx.LastStrategy = state.StrategyHybrid
		return ctx
	}

	top := topGap(s.Gaps)
	switch {
	case top != nil && (top.Priority == state.PriorityCritical || top.Priority == state.PriorityHigh):
		ctx := depth(s, maxDepth)
		ctx.LastStrategy = state.StrategyHybrid
		return ctx
	case top != nil && top.Kind == state.GapDepth:
		ctx := decompose(s)
		ctx.LastStrategy = state.StrategyHybrid
		return ctx
	default:
		ctx := breadth(s, maxBreadth)
		ctx.LastStrategy = state.StrategyHybrid
		return ctx
	}
}

func topGap(gaps []state.Gap) *state.Gap {
	order := map[state.GapPriority]int{
		state.PriorityCritical: 0,
		state.PriorityHigh:     1,
		state.PriorityMedium:   2,
		state.PriorityLow:      3,
	}
	var best *state.Gap
	for i := range gaps {
		g := &gaps[i]
		if g.ResolvedAt != nil {
			continue
		}
		if best == nil || order[g.Priority] < order[best.Priority] {
			best = g
		}
	}
	return best
}

// mostPromisingTarget picks the highest-confidence recent finding, or the
// most recently seen source, to narrow into.
func mostPromisingTarget(s state.ResearchState) string {
	var best *state.Finding
	for i := range s.Findings {
		f := &s.Findings[i]
		if best == nil || f.Confidence > best.Confidence {
			best = f
		}
	}
	if best != nil {
		return best.Content
	}
	if len(s.SourceOrder) > 0 {
		return s.SourceOrder[len(s.SourceOrder)-1]
	}
	return s.Query
}

// deriveFacets produces k disjoint sub-questions from the query using a
// simple keyword-split heuristic; a richer decomposition is the model
// coordinator's job at synthesis time, not the planner's.
func deriveFacets(query string, k int) []string {
	bases := []string{"overview of", "causes of", "evidence for", "counterarguments to", "timeline of", "consequences of"}
	facets := make([]string, 0, k)
	for i := 0; i < k; i++ {
		facets = append(facets, bases[i%len(bases)]+" "+query)
	}
	return facets
}
