package state

import "testing"

func TestReduce_ScalarLastWriteWins(t *testing.T) {
	prev := ResearchState{Iteration: 1, Strategy: StrategyBreadth}
	delta := ResearchState{Iteration: 2}

	next := Reduce(prev, delta)

	if next.Iteration != 2 {
		t.Errorf("expected Iteration = 2, got %d", next.Iteration)
	}
	if next.Strategy != StrategyBreadth {
		t.Errorf("expected Strategy unchanged (breadth), got %q", next.Strategy)
	}
}

func TestReduce_FindingsAppendOnly(t *testing.T) {
	prev := ResearchState{Findings: []Finding{{ID: "f1"}}}
	delta := ResearchState{Findings: []Finding{{ID: "f2"}}}

	next := Reduce(prev, delta)

	if len(next.Findings) != 2 {
		t.Fatalf("expected 2 findings, got %d", len(next.Findings))
	}
	if next.Findings[0].ID != "f1" || next.Findings[1].ID != "f2" {
		t.Errorf("unexpected finding order: %+v", next.Findings)
	}

	// Mutating the merged slice must not alias the previous state's backing array.
	next.Findings[0].ID = "mutated"
	if prev.Findings[0].ID != "f1" {
		t.Errorf("Reduce must not mutate prev.Findings in place")
	}
}

func TestReduce_SourcesUpsertByCanonicalURL(t *testing.T) {
	prev := ResearchState{
		Sources:     map[string]Source{"https://example.com": {URL: "https://example.com", Title: "first"}},
		SourceOrder: []string{"https://example.com"},
	}
	delta := ResearchState{
		Sources: map[string]Source{
			"HTTPS://Example.com/": {Title: "updated"},
			"https://other.org":    {Title: "other"},
		},
		SourceOrder: []string{"HTTPS://Example.com/", "https://other.org"},
	}

	next := Reduce(prev, delta)

	if len(next.Sources) != 2 {
		t.Fatalf("expected 2 unique sources after canonicalization, got %d: %+v", len(next.Sources), next.Sources)
	}
	got, ok := next.Sources["https://example.com"]
	if !ok {
		t.Fatalf("expected canonicalized key https://example.com present, got keys %v", keys(next.Sources))
	}
	if got.Title != "updated" {
		t.Errorf("expected upsert to overwrite title, got %q", got.Title)
	}
	if len(next.SourceOrder) != 2 {
		t.Errorf("expected SourceOrder to have 2 entries (no duplicate insert), got %v", next.SourceOrder)
	}
}

func keys(m map[string]Source) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestReduce_ErrorsRingBounded(t *testing.T) {
	prev := ResearchState{}
	for i := 0; i < ErrorRingCapacity+10; i++ {
		prev = Reduce(prev, ResearchState{Errors: []ErrorRecord{{Message: "e"}}})
	}

	if len(prev.Errors) != ErrorRingCapacity {
		t.Errorf("expected Errors capped at %d, got %d", ErrorRingCapacity, len(prev.Errors))
	}
}

func TestReduce_BudgetInvariantClosure(t *testing.T) {
	prev := ResearchState{Budget: Budget{RemainingUSD: 2.0, HardCapUSD: 2.0}}
	delta := ResearchState{Budget: Budget{SpentUSD: 0.3, RemainingUSD: 1.7, HardCapUSD: 2.0}}

	next := Reduce(prev, delta)

	sum := next.Budget.SpentUSD + next.Budget.RemainingUSD
	if diff := sum - next.Budget.HardCapUSD; diff > 1e-6 || diff < -1e-6 {
		t.Errorf("P1 violated: spent+remaining (%v) != hard_cap (%v)", sum, next.Budget.HardCapUSD)
	}
}

func TestMergeTaskPatches_DeterministicLexicographicOrder(t *testing.T) {
	patches := map[string]ResearchState{
		"task-b": {Findings: []Finding{{ID: "from-b"}}},
		"task-a": {Findings: []Finding{{ID: "from-a"}}},
		"task-c": {Findings: []Finding{{ID: "from-c"}}},
	}

	var merged ResearchState
	for i := 0; i < 5; i++ {
		merged = MergeTaskPatches(patches)
		if got := []string{merged.Findings[0].ID, merged.Findings[1].ID, merged.Findings[2].ID}; got[0] != "from-a" || got[1] != "from-b" || got[2] != "from-c" {
			t.Fatalf("expected lexicographic merge order a,b,c regardless of map iteration, got %v", got)
		}
	}
}

func TestReduce_SourceRefsResolve(t *testing.T) {
	// P2: every finding's source_refs must point to a key present in Sources.
	prev := ResearchState{Sources: map[string]Source{"https://a.example": {URL: "https://a.example"}}}
	delta := ResearchState{Findings: []Finding{{ID: "f1", SourceRefs: []string{"https://a.example"}}}}

	next := Reduce(prev, delta)

	for _, f := range next.Findings {
		for _, ref := range f.SourceRefs {
			if _, ok := next.Sources[ref]; !ok {
				t.Errorf("finding %s has dangling source ref %s", f.ID, ref)
			}
		}
	}
}
