// Package score implements the quality scorer (C6): grounded quality,
// six-factor confidence, novelty/saturation tracking, and gap detection.
// Every function here is a pure, deterministic heuristic over
// []Finding/map[string]Source — no embedding service, no model call.
package score

import (
	"regexp"
	"sort"
	"strings"

	"github.com/dshills/langgraph-go/research/state"
)

// Confidence factor weights, fixed per the scorer's contract.
const (
	weightSourceAuthority  = 0.25
	weightSourceDiversity  = 0.15
	weightClaimSupport     = 0.25
	weightModelAgreement   = 0.20
	weightCitationComplete = 0.10
	weightRecency          = 0.05

	compositeGroundedWeight   = 0.40
	compositeConfidenceWeight = 0.40
	compositeSaturationWeight = 0.20

	savedNoveltyWindow = 3
)

var yearPattern = regexp.MustCompile(`\b(\d{3,4})\s*(BC|BCE|AD|CE)?\b`)

// Input bundles everything the scorer needs for one iteration's pass.
type Input struct {
	Query              string
	Findings           []state.Finding // accepted findings only, cumulative across the session
	NewFindings        []state.Finding // just this iteration's accepted findings
	Sources            map[string]state.Source
	Facets             []string // from C3's decomposition; falls back to keyword heuristic when empty
	PriorNoveltyHistory []float64
	Iteration          int
	MaxIterations      int
	ModelAgreement     float64 // from a debate/critique result; 0.5 (neutral) when none occurred
	ExistingGaps       []state.Gap
}

// Output is everything the arbiter and planner need back.
type Output struct {
	Quality    state.QualityScores
	Saturation state.SaturationScore
	Gaps       []state.Gap
}

// Compute runs all four scoring families for one iteration.
func Compute(in Input) Output {
	grounding := groundingScore(in.Findings, in.Sources)
	relevancy := relevancyScore(in.Query, in.Findings)
	precision := precisionScore(in.Findings, in.Sources)
	recall := recallScore(in.Query, in.Findings, in.Facets)

	confidence := confidenceScore(in)
	saturation := saturationScore(in)

	composite := compositeGroundedWeight*avg4(grounding, relevancy, precision, recall) +
		compositeConfidenceWeight*confidence +
		compositeSaturationWeight*(1-saturation.Score)

	quality := state.QualityScores{
		Grounding:  grounding,
		Relevancy:  relevancy,
		Precision:  precision,
		Recall:     recall,
		Confidence: confidence,
		Composite:  composite,
	}

	gaps := detectGaps(in, recall)

	return Output{Quality: quality, Saturation: saturation, Gaps: gaps}
}

func avg4(a, b, c, d float64) float64 { return (a + b + c + d) / 4 }

// groundingScore is the fraction of findings whose evidence overlaps a
// cited source's snippet, by normalized-keyword Jaccard.
func groundingScore(findings []state.Finding, sources map[string]state.Source) float64 {
	if len(findings) == 0 {
		return 0
	}
	grounded := 0
	for _, f := range findings {
		if findingIsGrounded(f, sources) {
			grounded++
		}
	}
	return float64(grounded) / float64(len(findings))
}

func findingIsGrounded(f state.Finding, sources map[string]state.Source) bool {
	if f.Evidence == "" {
		return false
	}
	for _, ref := range f.SourceRefs {
		src, ok := sources[ref]
		if !ok {
			continue
		}
		if jaccard(keywordSet(f.Evidence), keywordSet(src.Snippet)) > 0 {
			return true
		}
	}
	return false
}

// relevancyScore is the mean keyword-Jaccard overlap of each finding's
// content with the original query.
func relevancyScore(query string, findings []state.Finding) float64 {
	if len(findings) == 0 {
		return 0
	}
	queryWords := keywordSet(query)
	sum := 0.0
	for _, f := range findings {
		sum += jaccard(queryWords, keywordSet(f.Content))
	}
	return sum / float64(len(findings))
}

// precisionScore is the fraction of known sources that contributed to at
// least one finding's source_refs.
func precisionScore(findings []state.Finding, sources map[string]state.Source) float64 {
	if len(sources) == 0 {
		return 0
	}
	cited := make(map[string]bool)
	for _, f := range findings {
		for _, ref := range f.SourceRefs {
			cited[ref] = true
		}
	}
	used := 0
	for url := range sources {
		if cited[url] {
			used++
		}
	}
	return float64(used) / float64(len(sources))
}

// recallScore measures what fraction of query facets are covered by at
// least one finding. Facets come from C3's decomposition when supplied;
// otherwise a heuristic keyword set derived from the query itself stands
// in for "facets".
func recallScore(query string, findings []state.Finding, facets []string) float64 {
	facetSet := facets
	if len(facetSet) == 0 {
		for w := range keywordSet(query) {
			facetSet = append(facetSet, w)
		}
	}
	if len(facetSet) == 0 {
		return 1
	}

	var allContent strings.Builder
	for _, f := range findings {
		allContent.WriteString(strings.ToLower(f.Content))
		allContent.WriteString(" ")
	}
	content := allContent.String()

	covered := 0
	for _, facet := range facetSet {
		if coversFacet(content, facet) {
			covered++
		}
	}
	return float64(covered) / float64(len(facetSet))
}

func coversFacet(content, facet string) bool {
	for _, w := range strings.Fields(strings.ToLower(facet)) {
		if len(w) > 3 && strings.Contains(content, w) {
			return true
		}
	}
	return false
}

// confidenceScore combines the six fixed-weight factors.
func confidenceScore(in Input) float64 {
	authority := sourceAuthority(in.Sources)
	diversity := sourceDiversity(in.Sources)
	claimSupport := groundingScore(in.Findings, in.Sources)
	citationComplete := citationCompleteness(in.Findings)
	recency := recencyScore(in.Sources, in.Iteration, in.MaxIterations)
	agreement := in.ModelAgreement
	if agreement == 0 {
		agreement = 0.5
	}

	return weightSourceAuthority*authority +
		weightSourceDiversity*diversity +
		weightClaimSupport*claimSupport +
		weightModelAgreement*agreement +
		weightCitationComplete*citationComplete +
		weightRecency*recency
}

func sourceAuthority(sources map[string]state.Source) float64 {
	if len(sources) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range sources {
		sum += s.Credibility
	}
	return sum / float64(len(sources))
}

func sourceDiversity(sources map[string]state.Source) float64 {
	if len(sources) == 0 {
		return 0
	}
	domains := make(map[string]bool)
	for _, s := range sources {
		domains[hostOf(s.URL)] = true
	}
	return float64(len(domains)) / float64(len(sources))
}

func citationCompleteness(findings []state.Finding) float64 {
	if len(findings) == 0 {
		return 0
	}
	cited := 0
	for _, f := range findings {
		if len(f.SourceRefs) > 0 {
			cited++
		}
	}
	return float64(cited) / float64(len(findings))
}

func recencyScore(sources map[string]state.Source, iteration, maxIterations int) float64 {
	if len(sources) == 0 || maxIterations == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range sources {
		age := float64(iteration - s.FirstSeenIteration)
		if age < 0 {
			age = 0
		}
		score := 1 - age/float64(maxIterations)
		if score < 0 {
			score = 0
		}
		sum += score
	}
	return sum / float64(len(sources))
}

// saturationScore computes novelty of the newest iteration's findings
// against the cumulative set, then folds it into the moving average and
// trend per the scorer's saturation contract.
func saturationScore(in Input) state.SaturationScore {
	novelty := iterationNovelty(in.NewFindings, in.Findings)
	history := append(append([]float64{}, in.PriorNoveltyHistory...), novelty)

	window := history
	if len(window) > savedNoveltyWindow {
		window = window[len(window)-savedNoveltyWindow:]
	}
	movingAvg := mean(window)
	saturation := 1 - movingAvg

	trend := state.TrendStable
	if len(history) >= savedNoveltyWindow && nonIncreasing(history[len(history)-savedNoveltyWindow:]) {
		trend = state.TrendDeclining
	}

	return state.SaturationScore{
		Score:          saturation,
		NoveltyRate:    novelty,
		RepetitionRate: 1 - novelty,
		Trend:          trend,
		NoveltyHistory: history,
	}
}

// iterationNovelty is the mean, over the newest findings, of
// 1 - max_jaccard(finding, any prior finding in the cumulative set).
func iterationNovelty(newFindings, cumulative []state.Finding) float64 {
	if len(newFindings) == 0 {
		return 0
	}
	priorByID := make(map[string]bool, len(newFindings))
	for _, f := range newFindings {
		priorByID[f.ID] = true
	}
	var priors []state.Finding
	for _, f := range cumulative {
		if !priorByID[f.ID] {
			priors = append(priors, f)
		}
	}

	sum := 0.0
	for _, nf := range newFindings {
		maxJ := 0.0
		nfWords := keywordSet(nf.Content)
		for _, pf := range priors {
			j := jaccard(nfWords, keywordSet(pf.Content))
			if j > maxJ {
				maxJ = j
			}
		}
		sum += 1 - maxJ
	}
	return sum / float64(len(newFindings))
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func nonIncreasing(xs []float64) bool {
	for i := 1; i < len(xs); i++ {
		if xs[i] > xs[i-1] {
			return false
		}
	}
	return true
}

// detectGaps applies one rule per kind. Priority defaults per kind unless
// a rule overrides: conflict -> critical, missing_context -> high, all
// others -> medium.
func detectGaps(in Input, recall float64) []state.Gap {
	var gaps []state.Gap

	if recall < 0.5 {
		gaps = append(gaps, state.Gap{
			ID:       "gap-missing-context",
			Kind:     state.GapMissingContext,
			Priority: state.PriorityHigh,
			Description: "query facets not yet covered by any finding",
		})
	}

	if conflicts := detectConflicts(in.Findings); len(conflicts) > 0 {
		gaps = append(gaps, conflicts...)
	}

	if missingPerspective(in.Sources) {
		gaps = append(gaps, state.Gap{
			ID:          "gap-missing-perspective",
			Kind:        state.GapMissingPerspective,
			Priority:    state.PriorityMedium,
			Description: "all sources share a single domain",
		})
	}

	if yearRange, ok := queryYearRange(in.Query); ok && !anySourceInRange(in.Sources, yearRange) {
		gaps = append(gaps, state.Gap{
			ID:          "gap-temporal",
			Kind:        state.GapTemporal,
			Priority:    state.PriorityMedium,
			Description: "no source falls within the query's referenced year range",
		})
	}

	if in.Iteration >= 2 && len(in.Findings) > 0 && confidenceScore(in) < 0.5 {
		gaps = append(gaps, state.Gap{
			ID:          "gap-incomplete-answer",
			Kind:        state.GapIncompleteAnswer,
			Priority:    state.PriorityMedium,
			Description: "confidence remains low after multiple iterations",
		})
	}

	if topFindingConfidence(in.Findings) < 0.6 && in.Iteration >= 2 {
		gaps = append(gaps, state.Gap{
			ID:          "gap-depth",
			Kind:        state.GapDepth,
			Priority:    state.PriorityMedium,
			Description: "no finding has reached high confidence; deeper follow-up warranted",
		})
	}

	return mergeWithExisting(in.ExistingGaps, gaps)
}

// mergeWithExisting keeps prior unresolved gaps whose kind is no longer
// firing as resolved implicitly absent, and avoids duplicate ids for
// gaps that still fire.
func mergeWithExisting(existing, fresh []state.Gap) []state.Gap {
	byID := make(map[string]state.Gap, len(existing))
	for _, g := range existing {
		byID[g.ID] = g
	}
	for _, g := range fresh {
		byID[g.ID] = g
	}
	out := make([]state.Gap, 0, len(byID))
	for _, g := range byID {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// detectConflicts groups findings by a canonicalized subject key (the
// first three significant words of their content, sorted) and flags a
// conflict when two findings in the same group disagree on a numeric
// token — a cheap proxy for contradicting on a subject/predicate pair.
func detectConflicts(findings []state.Finding) []state.Gap {
	groups := make(map[string][]state.Finding)
	for _, f := range findings {
		key := subjectKey(f.Content)
		if key == "" {
			continue
		}
		groups[key] = append(groups[key], f)
	}

	var gaps []state.Gap
	for key, group := range groups {
		if len(group) < 2 {
			continue
		}
		nums := make(map[string]bool)
		conflict := false
		for _, f := range group {
			for _, n := range extractNumbers(f.Content) {
				if len(nums) > 0 && !nums[n] {
					conflict = true
				}
				nums[n] = true
			}
		}
		if conflict {
			gaps = append(gaps, state.Gap{
				ID:          "gap-conflict-" + key,
				Kind:        state.GapConflict,
				Priority:    state.PriorityCritical,
				Description: "findings disagree on a numeric detail for: " + key,
			})
		}
	}
	return gaps
}

func subjectKey(content string) string {
	words := significantWords(content)
	if len(words) < 3 {
		return ""
	}
	top := append([]string{}, words[:3]...)
	sort.Strings(top)
	return strings.Join(top, "-")
}

func significantWords(content string) []string {
	var out []string
	for _, w := range strings.Fields(strings.ToLower(content)) {
		w = strings.Trim(w, ".,;:!?()\"'")
		if len(w) > 3 {
			out = append(out, w)
		}
	}
	return out
}

func extractNumbers(content string) []string {
	var nums []string
	for _, w := range strings.Fields(content) {
		w = strings.Trim(w, ".,;:!?()")
		if isNumeric(w) {
			nums = append(nums, w)
		}
	}
	return nums
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func missingPerspective(sources map[string]state.Source) bool {
	if len(sources) < 2 {
		return false
	}
	domains := make(map[string]bool)
	for _, s := range sources {
		domains[hostOf(s.URL)] = true
	}
	return len(domains) == 1
}

// queryYearRange finds a year (or BC/AD-qualified year) token in the
// query, used by the temporal_gap rule.
func queryYearRange(query string) (string, bool) {
	m := yearPattern.FindString(query)
	if m == "" {
		return "", false
	}
	return strings.TrimSpace(m), true
}

func anySourceInRange(sources map[string]state.Source, yearToken string) bool {
	yearDigits := yearPattern.FindStringSubmatch(yearToken)
	if len(yearDigits) < 2 {
		return false
	}
	for _, s := range sources {
		if strings.Contains(s.Snippet, yearDigits[1]) || strings.Contains(s.Title, yearDigits[1]) {
			return true
		}
	}
	return false
}

func topFindingConfidence(findings []state.Finding) float64 {
	best := 0.0
	for _, f := range findings {
		if f.Confidence > best {
			best = f.Confidence
		}
	}
	return best
}

func hostOf(rawURL string) string {
	rest := rawURL
	if idx := strings.Index(rest, "://"); idx >= 0 {
		rest = rest[idx+3:]
	}
	if idx := strings.IndexAny(rest, "/?#"); idx >= 0 {
		rest = rest[:idx]
	}
	return strings.ToLower(rest)
}

// keywordSet lowercases and splits on runs of characters other than
// ASCII letters and digits, dropping words of
// length <= 3 as low-signal stopword-adjacent noise, matching the
// scorer's "heuristic proxy" contract rather than a stopword dictionary.
func keywordSet(s string) map[string]bool {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	})
	set := make(map[string]bool, len(words))
	for _, w := range words {
		if len(w) > 3 {
			set[w] = true
		}
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	intersection := 0
	for w := range a {
		if b[w] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
