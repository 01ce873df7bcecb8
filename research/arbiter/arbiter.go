// Package arbiter implements the stopping arbiter (C7): hard stops
// short-circuit quality considerations entirely; soft stops are checked
// only when no hard stop fires. Decide runs once per iteration.
package arbiter

import (
	"fmt"
	"time"

	"github.com/dshills/langgraph-go/research/state"
)

// Config holds the configurable soft-stop thresholds (session config
// table defaults: quality_min 0.70, confidence_min 0.70, saturation_min
// 0.75).
type Config struct {
	QualityMin     float64
	ConfidenceMin  float64
	SaturationMin  float64
	MinIterations  int // soft saturation stop requires at least this many iterations elapsed
}

// DefaultConfig mirrors the session defaults table.
func DefaultConfig() Config {
	return Config{QualityMin: 0.70, ConfidenceMin: 0.70, SaturationMin: 0.75, MinIterations: 3}
}

// consecutiveZeroFindingIterations counts trailing iterations (from the
// most recent backwards) for which Findings holds no finding of that
// iteration — the error_budget hard stop fires at 2.
func consecutiveZeroFindingIterations(s state.ResearchState) int {
	findingIterations := make(map[int]bool)
	for _, f := range s.Findings {
		findingIterations[f.Iteration] = true
	}
	streak := 0
	for iter := s.Iteration; iter >= 1; iter-- {
		if findingIterations[iter] {
			break
		}
		streak++
	}
	return streak
}

func unresolvedAtOrAbove(gaps []state.Gap, priority state.GapPriority) bool {
	rank := map[state.GapPriority]int{
		state.PriorityCritical: 0,
		state.PriorityHigh:     1,
		state.PriorityMedium:   2,
		state.PriorityLow:      3,
	}
	threshold := rank[priority]
	for _, g := range gaps {
		if g.ResolvedAt != nil {
			continue
		}
		if rank[g.Priority] <= threshold {
			return true
		}
	}
	return false
}

// Decide evaluates hard stops first, in priority order, then soft stops.
// cfg supplies the soft-stop thresholds; now is the caller's clock
// reading (passed explicitly, never time.Now(), so a replayed run
// re-evaluates identically); userCancelled is propagated from the
// session manager's Cancel verb.
func Decide(s state.ResearchState, cfg Config, now time.Time, userCancelled bool) state.StopDecision {
	if decision, stop := checkHardStops(s, now, userCancelled); stop {
		return decision
	}
	if decision, stop := checkSoftStops(s, cfg); stop {
		return decision
	}
	return state.StopDecision{
		ShouldStop:     false,
		Reason:         state.ReasonContinue,
		Recommendation: nextStrategyRecommendation(s),
	}
}

func checkHardStops(s state.ResearchState, now time.Time, userCancelled bool) (state.StopDecision, bool) {
	if s.Budget.RemainingUSD <= 0 || (s.Budget.ExternalCallsRemaining <= 0 && requiredExternal(s)) {
		return state.StopDecision{ShouldStop: true, Reason: state.ReasonBudget, Recommendation: "budget exhausted; synthesize with findings gathered so far"}, true
	}
	if s.Budget.TimeDeadline != nil && !s.Budget.TimeDeadline.After(now) {
		return state.StopDecision{ShouldStop: true, Reason: state.ReasonTime, Recommendation: "wall-clock deadline passed; synthesize now"}, true
	}
	if s.Iteration >= s.MaxIterations {
		return state.StopDecision{ShouldStop: true, Reason: state.ReasonMaxIterations, Recommendation: "reached max_iterations; synthesize with findings gathered so far"}, true
	}
	if consecutiveZeroFindingIterations(s) >= 2 {
		return state.StopDecision{ShouldStop: true, Reason: state.ReasonErrorBudget, Recommendation: "two consecutive iterations produced no accepted findings; abort"}, true
	}
	if userCancelled {
		return state.StopDecision{ShouldStop: true, Reason: state.ReasonUserCancelled, Recommendation: "cancelled by user"}, true
	}
	return state.StopDecision{}, false
}

func checkSoftStops(s state.ResearchState, cfg Config) (state.StopDecision, bool) {
	if s.Quality.Composite >= cfg.QualityMin && s.Quality.Confidence >= cfg.ConfidenceMin && !unresolvedAtOrAbove(s.Gaps, state.PriorityCritical) {
		return state.StopDecision{ShouldStop: true, Reason: state.ReasonQualityAchieved, Recommendation: "quality and confidence thresholds met; synthesize"}, true
	}
	if s.Saturation.Score >= cfg.SaturationMin && s.Saturation.Trend == state.TrendDeclining && s.Iteration >= cfg.MinIterations {
		return state.StopDecision{ShouldStop: true, Reason: state.ReasonSaturation, Recommendation: "findings have saturated; synthesize with what's gathered"}, true
	}
	if !unresolvedAtOrAbove(s.Gaps, state.PriorityHigh) {
		return state.StopDecision{ShouldStop: true, Reason: state.ReasonGapsResolved, Recommendation: "no high-priority gaps remain; synthesize"}, true
	}
	return state.StopDecision{}, false
}

// requiredExternal reports whether the current strategy's plan contains
// any task priority-routed to the external (paid) capability, mirroring
// the dispatcher's own selection rule so the budget hard stop only fires
// when external capability was actually in play this iteration.
func requiredExternal(s state.ResearchState) bool {
	for _, t := range s.StrategyContext.CurrentTasks {
		if t.Priority >= 0.7 {
			return true
		}
	}
	return false
}

// nextStrategyRecommendation gives a human-readable hint about the most
// promising next strategy when no stop condition fires.
func nextStrategyRecommendation(s state.ResearchState) string {
	if len(s.Gaps) == 0 {
		return "continue breadth exploration"
	}
	top := s.Gaps[0]
	for _, g := range s.Gaps {
		if g.ResolvedAt == nil {
			top = g
			break
		}
	}
	return fmt.Sprintf("depth into resolving the %s gap", top.Kind)
}
