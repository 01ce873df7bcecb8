package score

import (
	"math"
	"testing"

	"github.com/dshills/langgraph-go/research/state"
)

func TestCompute_GroundingCountsEvidenceOverlappingSource(t *testing.T) {
	sources := map[string]state.Source{
		"s1": {URL: "https://example.com/a", Snippet: "bronze age collapse around 1177 bc affected several kingdoms"},
	}
	findings := []state.Finding{
		{ID: "f1", Content: "the bronze age collapse reshaped the eastern mediterranean", Evidence: "bronze age collapse around 1177 bc", SourceRefs: []string{"s1"}},
	}
	out := Compute(Input{Query: "bronze age collapse", Findings: findings, NewFindings: findings, Sources: sources, Iteration: 1, MaxIterations: 5})
	if out.Quality.Grounding != 1 {
		t.Errorf("expected grounding 1.0, got %f", out.Quality.Grounding)
	}
}

func TestCompute_PrecisionCountsOnlyCitedSources(t *testing.T) {
	sources := map[string]state.Source{
		"s1": {URL: "https://a.example.com"},
		"s2": {URL: "https://b.example.com"},
	}
	findings := []state.Finding{{ID: "f1", Content: "finding content long enough", SourceRefs: []string{"s1"}}}
	out := Compute(Input{Query: "q", Findings: findings, NewFindings: findings, Sources: sources, Iteration: 1, MaxIterations: 5})
	if out.Quality.Precision != 0.5 {
		t.Errorf("expected precision 0.5, got %f", out.Quality.Precision)
	}
}

func TestCompute_SaturationDeclinesWhenNoveltyDrops(t *testing.T) {
	history := []float64{0.9, 0.6}
	findings := []state.Finding{{ID: "f1", Content: "a totally duplicate statement about the same exact topic here"}}
	cumulative := []state.Finding{{ID: "f0", Content: "a totally duplicate statement about the same exact topic here"}}
	out := Compute(Input{
		Query:               "q",
		Findings:            cumulative,
		NewFindings:         findings,
		Sources:             map[string]state.Source{},
		PriorNoveltyHistory: history,
		Iteration:           3,
		MaxIterations:       5,
	})
	if out.Saturation.Trend != state.TrendDeclining {
		t.Errorf("expected declining trend, got %s", out.Saturation.Trend)
	}
}

func TestCompute_GapConflictDetectedOnContradictingNumbers(t *testing.T) {
	findings := []state.Finding{
		{ID: "f1", Content: "population estimates suggest around 5000 residents lived there"},
		{ID: "f2", Content: "population estimates suggest around 9000 residents lived there"},
	}
	out := Compute(Input{Query: "q", Findings: findings, NewFindings: findings, Sources: map[string]state.Source{}, Iteration: 1, MaxIterations: 5})
	found := false
	for _, g := range out.Gaps {
		if g.Kind == state.GapConflict {
			found = true
			if g.Priority != state.PriorityCritical {
				t.Errorf("expected critical priority for conflict gap, got %s", g.Priority)
			}
		}
	}
	if !found {
		t.Error("expected a conflict gap to be detected")
	}
}

func TestCompute_GapMissingPerspectiveWhenSingleDomain(t *testing.T) {
	sources := map[string]state.Source{
		"s1": {URL: "https://news.example.com/1"},
		"s2": {URL: "https://news.example.com/2"},
	}
	out := Compute(Input{Query: "q", Findings: nil, NewFindings: nil, Sources: sources, Iteration: 1, MaxIterations: 5})
	found := false
	for _, g := range out.Gaps {
		if g.Kind == state.GapMissingPerspective {
			found = true
		}
	}
	if !found {
		t.Error("expected a missing_perspective gap for single-domain sources")
	}
}

func TestCompute_GapTemporalWhenQueryYearUncovered(t *testing.T) {
	sources := map[string]state.Source{
		"s1": {URL: "https://example.com/1", Snippet: "modern commentary with no specific year mentioned"},
	}
	out := Compute(Input{Query: "what caused the collapse in 1177 BC", Findings: nil, NewFindings: nil, Sources: sources, Iteration: 1, MaxIterations: 5})
	found := false
	for _, g := range out.Gaps {
		if g.Kind == state.GapTemporal {
			found = true
		}
	}
	if !found {
		t.Error("expected a temporal_gap when no source mentions the queried year")
	}
}

func TestCompute_CompositeIsWeightedMean(t *testing.T) {
	out := Compute(Input{Query: "q", Findings: nil, NewFindings: nil, Sources: map[string]state.Source{}, Iteration: 1, MaxIterations: 5})
	if out.Quality.Composite < 0 || out.Quality.Composite > 1 {
		t.Errorf("expected composite in [0,1], got %f", out.Quality.Composite)
	}
	q := out.Quality
	want := 0.4*(q.Grounding+q.Relevancy+q.Precision+q.Recall)/4 + 0.4*q.Confidence + 0.2*(1-out.Saturation.Score)
	if math.Abs(q.Composite-want) > 1e-9 {
		t.Errorf("expected composite %f (0.4 grounded mean + 0.4 confidence + 0.2 (1 - saturation)), got %f", want, q.Composite)
	}
}
