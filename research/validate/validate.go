// Package validate implements the finding validator (C5): five ordered
// layers — shape, format, quality, hallucination, chain — each of which
// can short-circuit the remaining layers for a given finding.
package validate

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/dshills/langgraph-go/research/state"
)

// Verdict is the outcome of validating one finding.
type Verdict struct {
	Status string   // "accept", "accept_with_flags", or "reject"
	Flags  []string // set when Status is accept_with_flags
	Reason string   // set when Status is reject
}

const (
	StatusAccept           = "accept"
	StatusAcceptWithFlags  = "accept_with_flags"
	StatusReject           = "reject"
	minContentLength       = 20
	flagUnsupported        = "unsupported"
	hallucinationOverlapMin = 0.6
)

// Validator runs the five layers over a batch of findings, producing one
// verdict per finding. It needs the already-accepted findings of the
// session (for the duplicate-hash check) plus the sources the new
// findings cite; chain dependencies are checked only against findings
// accepted earlier in the same batch.
type Validator struct {
	acceptedHashes map[string]bool
}

// New constructs a Validator seeded with the content hashes of findings
// already accepted in prior iterations, so quality-layer duplicate
// detection spans the whole session, not just the current batch.
func New(priorAccepted []state.Finding) *Validator {
	v := &Validator{acceptedHashes: make(map[string]bool, len(priorAccepted))}
	for _, f := range priorAccepted {
		v.acceptedHashes[contentHash(f.Content)] = true
	}
	return v
}

// ValidateBatch validates findings in order, updating the validator's
// duplicate-hash set as findings are accepted within the batch itself so
// that within-batch duplicates are also caught.
func (v *Validator) ValidateBatch(findings []state.Finding, sources map[string]state.Source) map[string]Verdict {
	verdicts := make(map[string]Verdict, len(findings))
	accepted := make(map[string]state.Finding, len(findings))

	for _, f := range findings {
		verdict := v.validateOne(f, sources, accepted)
		verdicts[f.ID] = verdict
		if verdict.Status != StatusReject {
			accepted[f.ID] = f
			v.acceptedHashes[contentHash(f.Content)] = true
		}
	}
	return verdicts
}

func (v *Validator) validateOne(f state.Finding, sources map[string]state.Source, acceptedInBatch map[string]state.Finding) Verdict {
	if reason, ok := checkShape(f, sources); !ok {
		return Verdict{Status: StatusReject, Reason: reason}
	}
	if reason, ok := checkFormat(f); !ok {
		return Verdict{Status: StatusReject, Reason: reason}
	}
	if reason, ok := v.checkQuality(f); !ok {
		return Verdict{Status: StatusReject, Reason: reason}
	}

	var flags []string
	if flag, flagged := checkHallucination(f, sources); flagged {
		flags = append(flags, flag)
	}

	if reason, ok := checkChain(f, acceptedInBatch); !ok {
		return Verdict{Status: StatusReject, Reason: reason}
	}

	if len(flags) > 0 {
		return Verdict{Status: StatusAcceptWithFlags, Flags: flags}
	}
	return Verdict{Status: StatusAccept}
}

// checkShape verifies required fields are present, source_refs resolve
// (P2), and confidence is within [0,1].
func checkShape(f state.Finding, sources map[string]state.Source) (string, bool) {
	if f.ID == "" {
		return "missing id", false
	}
	if strings.TrimSpace(f.Content) == "" {
		return "missing content", false
	}
	for _, ref := range f.SourceRefs {
		if _, ok := sources[ref]; !ok {
			return fmt.Sprintf("source_ref %q does not resolve to a known source", ref), false
		}
	}
	if f.Confidence < 0 || f.Confidence > 1 {
		return fmt.Sprintf("confidence %f out of range [0,1]", f.Confidence), false
	}
	return "", true
}

// checkFormat verifies field types and value ranges match their declared
// schemas: source_refs that look like URLs must parse, and evidence that
// looks like a date must be ISO-8601.
func checkFormat(f state.Finding) (string, bool) {
	for _, ref := range f.SourceRefs {
		if looksLikeURL(ref) {
			if _, err := url.Parse(ref); err != nil {
				return fmt.Sprintf("source_ref %q does not parse as a URL", ref), false
			}
		}
	}
	if looksLikeDate(f.Evidence) {
		if _, err := time.Parse("2006-01-02", f.Evidence[:10]); err != nil {
			return fmt.Sprintf("evidence date %q is not ISO-8601", f.Evidence), false
		}
	}
	return "", true
}

// checkQuality enforces a minimum content length, non-empty after
// whitespace normalization, and rejects verbatim duplicates by hash.
func (v *Validator) checkQuality(f state.Finding) (string, bool) {
	normalized := strings.Join(strings.Fields(f.Content), " ")
	if normalized == "" {
		return "content empty after whitespace normalization", false
	}
	if len(normalized) < minContentLength {
		return fmt.Sprintf("content length %d below minimum %d", len(normalized), minContentLength), false
	}
	if v.acceptedHashes[contentHash(f.Content)] {
		return "verbatim duplicate of an existing finding", false
	}
	return "", true
}

// checkHallucination requires cited evidence to be a substring (or
// high-overlap span) of at least one cited source's content. Findings
// with no source_refs are flagged unsupported but not dropped.
func checkHallucination(f state.Finding, sources map[string]state.Source) (string, bool) {
	if len(f.SourceRefs) == 0 {
		return flagUnsupported, true
	}
	if f.Evidence == "" {
		return "", false
	}

	for _, ref := range f.SourceRefs {
		src, ok := sources[ref]
		if !ok {
			continue
		}
		haystack := src.Snippet
		if structured := gjson.Valid(haystack); structured {
			haystack = flattenJSON(haystack)
		}
		if strings.Contains(haystack, f.Evidence) {
			return "", false
		}
		if overlapRatio(f.Evidence, haystack) >= hallucinationOverlapMin {
			return "", false
		}
	}
	return flagUnsupported, true
}

// checkChain requires an upstream finding named in depends_on to have
// itself passed layers 1-4 in this same batch (acceptedInBatch only
// holds findings that cleared at least quality, so chain is always
// evaluated after quality for any given finding).
func checkChain(f state.Finding, acceptedInBatch map[string]state.Finding) (string, bool) {
	for _, dep := range f.DependsOn {
		if _, ok := acceptedInBatch[dep]; !ok {
			return fmt.Sprintf("depends_on finding %q did not pass validation", dep), false
		}
	}
	return "", true
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(strings.Join(strings.Fields(content), " ")))
	return hex.EncodeToString(sum[:])
}

func looksLikeURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func looksLikeDate(s string) bool {
	if len(s) < 10 {
		return false
	}
	_, err1 := strconv.Atoi(s[0:4])
	_, err2 := strconv.Atoi(s[5:7])
	_, err3 := strconv.Atoi(s[8:10])
	return s[4] == '-' && s[7] == '-' && err1 == nil && err2 == nil && err3 == nil
}

// flattenJSON concatenates every string leaf value in a JSON document, so
// structured evidence payloads can still be substring/overlap tested
// against plain-text finding evidence.
func flattenJSON(doc string) string {
	var sb strings.Builder
	gjson.Parse(doc).ForEach(func(key, value gjson.Result) bool {
		if value.Type == gjson.String {
			sb.WriteString(value.Str)
			sb.WriteString(" ")
		} else if value.IsObject() || value.IsArray() {
			sb.WriteString(flattenJSON(value.Raw))
		}
		return true
	})
	return sb.String()
}

// overlapRatio is a word-level Jaccard-style overlap: the fraction of
// evidence's distinct words also present in haystack.
func overlapRatio(evidence, haystack string) float64 {
	evidenceWords := wordSet(evidence)
	if len(evidenceWords) == 0 {
		return 0
	}
	haystackWords := wordSet(haystack)
	matched := 0
	for w := range evidenceWords {
		if haystackWords[w] {
			matched++
		}
	}
	return float64(matched) / float64(len(evidenceWords))
}

func wordSet(s string) map[string]bool {
	words := strings.Fields(strings.ToLower(s))
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}
