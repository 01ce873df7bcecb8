package strategy

import (
	"testing"

	"github.com/dshills/langgraph-go/research/state"
)

func TestSelect_BreadthGeneratesDisjointFacets(t *testing.T) {
	s := state.ResearchState{Query: "1177 BC collapse", Iteration: 1, Strategy: state.StrategyBreadth}
	ctx := Select(s, 6, 3)

	if len(ctx.CurrentTasks) < 3 || len(ctx.CurrentTasks) > 6 {
		t.Fatalf("expected 3-6 sub-queries, got %d", len(ctx.CurrentTasks))
	}
	seen := map[string]bool{}
	for _, task := range ctx.CurrentTasks {
		if seen[task.Query] {
			t.Errorf("expected disjoint facets, got duplicate %q", task.Query)
		}
		seen[task.Query] = true
		if len(task.DependsOn) != 0 {
			t.Errorf("breadth tasks must be independent, got DependsOn=%v", task.DependsOn)
		}
	}
}

func TestSelect_DepthFollowsHighestConfidenceFinding(t *testing.T) {
	s := state.ResearchState{
		Query:    "q",
		Strategy: state.StrategyDepth,
		Findings: []state.Finding{
			{Content: "low", Confidence: 0.2},
			{Content: "high", Confidence: 0.9},
		},
	}
	ctx := Select(s, 6, 3)

	if len(ctx.CurrentTasks) == 0 {
		t.Fatal("expected at least one depth task")
	}
	if ctx.CurrentTasks[0].Query != "deepen: high" {
		t.Errorf("expected depth to follow highest-confidence finding, got %q", ctx.CurrentTasks[0].Query)
	}
}

func TestSelect_DecomposeProducesDependencyChain(t *testing.T) {
	s := state.ResearchState{Query: "q", Strategy: state.StrategyDecompose}
	ctx := Select(s, 6, 3)

	if len(ctx.CurrentTasks) < 2 {
		t.Fatalf("expected a multi-step decomposition, got %d tasks", len(ctx.CurrentTasks))
	}
	for i := 1; i < len(ctx.CurrentTasks); i++ {
		if len(ctx.CurrentTasks[i].DependsOn) == 0 {
			t.Errorf("expected task %d to depend on a prior step", i)
		}
	}
}

func TestSelect_HybridFirstIterationIsBreadth(t *testing.T) {
	s := state.ResearchState{Query: "q", Iteration: 1, Strategy: state.StrategyHybrid}
	ctx := Select(s, 6, 3)
	if ctx.LastStrategy != state.StrategyHybrid {
		t.Errorf("expected LastStrategy recorded as hybrid, got %s", ctx.LastStrategy)
	}
	if len(ctx.CurrentTasks) < 3 {
		t.Errorf("expected breadth-shaped task list on first hybrid iteration, got %d tasks", len(ctx.CurrentTasks))
	}
}

func TestSelect_HybridPrefersDepthOnCriticalGap(t *testing.T) {
	s := state.ResearchState{
		Query:    "q",
		Iteration: 2,
		Strategy: state.StrategyHybrid,
		Gaps:     []state.Gap{{Kind: state.GapConflict, Priority: state.PriorityCritical}},
	}
	ctx := Select(s, 6, 3)
	if len(ctx.CurrentTasks) == 0 || ctx.CurrentTasks[0].Query[:7] != "deepen:" {
		t.Errorf("expected hybrid to choose depth on a critical gap, got %+v", ctx.CurrentTasks)
	}
}

func TestSelect_HybridTieBreakPrefersDepth(t *testing.T) {
	// Two candidate strategies tied under hybrid: high-priority gap present
	// (would justify depth) alongside no decompose-triggering gap kind —
	// depth must win as the cheaper, narrower choice.
	s := state.ResearchState{
		Query:    "q",
		Iteration: 2,
		Strategy: state.StrategyHybrid,
		Gaps:     []state.Gap{{Kind: state.GapMissingContext, Priority: state.PriorityHigh}},
	}
	ctx := Select(s, 6, 3)
	if ctx.CurrentTasks[0].Query[:7] != "deepen:" {
		t.Errorf("expected depth on tie-break, got %+v", ctx.CurrentTasks)
	}
}
