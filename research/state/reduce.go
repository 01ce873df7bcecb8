package state

import "sort"

// canonicalizeURL lowercases scheme/host, strips fragments, and removes
// all trailing slashes, matching the canonicalization rule tested for
// source-key uniqueness.
func canonicalizeURL(raw string) string {
	// A hand-rolled canonicalizer is deliberately used here rather than
	// net/url's Parse+String round trip: the rule is narrow (scheme/host
	// casing, fragment, trailing slash) and a full URL object would still
	// need this same post-processing on top.
	s := raw
	if i := indexByte(s, '#'); i >= 0 {
		s = s[:i]
	}
	for len(s) > 1 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return lowerSchemeHost(s)
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// lowerSchemeHost lowercases the "scheme://host" prefix of a URL, leaving
// the path/query casing (which can be meaningful) untouched.
func lowerSchemeHost(s string) string {
	schemeEnd := indexByte(s, ':')
	if schemeEnd < 0 {
		return s
	}
	rest := s[schemeEnd+1:]
	if len(rest) < 2 || rest[0] != '/' || rest[1] != '/' {
		return lowerASCII(s[:schemeEnd]) + s[schemeEnd:]
	}
	hostStart := schemeEnd + 3
	hostEnd := hostStart
	for hostEnd < len(s) && s[hostEnd] != '/' && s[hostEnd] != '?' {
		hostEnd++
	}
	return lowerASCII(s[:hostEnd]) + s[hostEnd:]
}

func lowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// Reduce merges a node's delta into the previous state. It is the
// graph.Reducer[ResearchState] the engine is constructed with.
//
// Merge rules: scalar and struct fields (including Budget, Quality,
// Saturation and StrategyContext) are last-write-wins (the delta wins
// whenever it is non-zero/non-empty), Gaps is replaced whenever the delta
// has any, Findings/RejectedFindings/ToolHistory are append-only, Errors
// is appended and trimmed to the newest ErrorRingCapacity entries, and
// the source map is upsert-by-canonical-URL. No counter is summed here.
// Only non-zero delta
// fields are considered "set" — a node that does not touch a field must
// leave it at the Go zero value in its delta.
func Reduce(prev, delta ResearchState) ResearchState {
	next := prev

	if delta.SessionID != "" {
		next.SessionID = delta.SessionID
	}
	if delta.ThreadID != "" {
		next.ThreadID = delta.ThreadID
	}
	if delta.Query != "" {
		next.Query = delta.Query
	}
	if delta.Iteration != 0 {
		next.Iteration = delta.Iteration
	}
	if delta.MaxIterations != 0 {
		next.MaxIterations = delta.MaxIterations
	}
	if delta.Strategy != "" {
		next.Strategy = delta.Strategy
	}
	if len(delta.StrategyContext.CurrentTasks) > 0 || delta.StrategyContext.LastStrategy != "" {
		next.StrategyContext = delta.StrategyContext
	}

	next.Findings = append(append([]Finding{}, next.Findings...), delta.Findings...)
	next.RejectedFindings = append(append([]RejectedFinding{}, next.RejectedFindings...), delta.RejectedFindings...)
	next.ToolHistory = append(append([]ToolCall{}, next.ToolHistory...), delta.ToolHistory...)

	if len(delta.Sources) > 0 {
		if next.Sources == nil {
			next.Sources = make(map[string]Source)
		}
		// Upsert in delta's SourceOrder (or map iteration order as a
		// fallback) so replays do not depend on Go's randomized map order.
		order := delta.SourceOrder
		if len(order) == 0 {
			for url := range delta.Sources {
				order = append(order, url)
			}
			sort.Strings(order)
		}
		for _, url := range order {
			src, ok := delta.Sources[url]
			if !ok {
				continue
			}
			canon := canonicalizeURL(url)
			if _, exists := next.Sources[canon]; !exists {
				next.SourceOrder = append(next.SourceOrder, canon)
			}
			src.URL = canon
			next.Sources[canon] = src
		}
	}

	if delta.Quality != (QualityScores{}) {
		next.Quality = delta.Quality
	}
	if delta.Saturation.Score != 0 || len(delta.Saturation.NoveltyHistory) > 0 {
		next.Saturation = delta.Saturation
	}
	if len(delta.Gaps) > 0 {
		next.Gaps = delta.Gaps
	}

	if delta.Budget != (Budget{}) {
		next.Budget = delta.Budget
	}
	if delta.Stop != nil {
		next.Stop = delta.Stop
	}
	if delta.FinalAnswer != nil {
		next.FinalAnswer = delta.FinalAnswer
	}

	if len(delta.Errors) > 0 {
		next.Errors = append(next.Errors, delta.Errors...)
		if len(next.Errors) > ErrorRingCapacity {
			next.Errors = next.Errors[len(next.Errors)-ErrorRingCapacity:]
		}
	}

	return next
}

// MergeTaskPatches folds per-task local patches produced inside a single
// dispatch wave into one delta, in lexicographic task-id order, so that
// checkpoint contents never depend on goroutine completion order.
func MergeTaskPatches(patches map[string]ResearchState) ResearchState {
	ids := make([]string, 0, len(patches))
	for id := range patches {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var merged ResearchState
	for _, id := range ids {
		merged = Reduce(merged, patches[id])
	}
	return merged
}
