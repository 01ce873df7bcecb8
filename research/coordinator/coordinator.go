// Package coordinator implements the model coordinator's client side
// (C8): tier selection, cost-ceiling enforcement, and the mandatory
// multi-call debate for the critical tier. It wraps the teacher's
// model.ChatModel interface unmodified — only the caller (tier
// selection, cost ceilings, consensus) is new.
package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/dshills/langgraph-go/graph/model"
)

// Tier names one of the five consultation tiers.
type Tier string

const (
	TierTrivial  Tier = "trivial"
	TierLow      Tier = "low"
	TierMedium   Tier = "medium"
	TierHigh     Tier = "high"
	TierCritical Tier = "critical"
)

// CostCeiling is the maximum allowed USD cost for a single call at a
// given tier, per the coordinator's tier table.
var CostCeiling = map[Tier]float64{
	TierTrivial:  0,
	TierLow:      0,
	TierMedium:   0,
	TierHigh:     0.10,
	TierCritical: 0.50,
}

// MinDebateCalls is the minimum number of model calls the critical tier
// must make before a consensus result can be returned.
const MinDebateCalls = 3

// SelectTier implements the core's tier-selection-by-composite-quality
// rule. critical is never returned here — it is reserved for explicit
// operator escalation or an unresolved conflict gap, decided by the
// caller, not derived from quality alone.
func SelectTier(compositeQuality float64) Tier {
	switch {
	case compositeQuality >= 0.9:
		return TierMedium
	case compositeQuality >= 0.7:
		return TierLow
	default:
		return TierHigh
	}
}

// ErrCostCeilingExceeded is returned when a provider's estimated cost
// for a call exceeds its tier's ceiling.
var ErrCostCeilingExceeded = errors.New("coordinator: estimated cost exceeds tier ceiling")

// ErrNoModelForTier is returned when the router has no backend
// registered for a requested tier.
var ErrNoModelForTier = errors.New("coordinator: no model registered for tier")

// CostEstimator estimates the USD cost of a chat call before it is made,
// so the permission gate (applied here exactly as for tool calls) has
// something to check against.
type CostEstimator func(tier Tier, messages []model.Message) float64

// ConsensusStrategy picks a final answer from several critical-tier
// model outputs.
type ConsensusStrategy func(outputs []model.ChatOut) (text string, dissent []string)

// ConsensusResult is the critical tier's output: the chosen text, any
// dissenting alternative answers, and a strategy label. Debate always
// sets Strategy to "majority", including when the router's Consensus
// field holds a different ConsensusStrategy.
type ConsensusResult struct {
	Text     string
	Dissent  []string
	Strategy string
}

// TierRouter maps a tier to its backing ChatModel, keeping the teacher's
// model.ChatModel interface completely unmodified: this is the one
// injected-collaborator contract in the whole system where the teacher's
// shape already matches the target domain one-to-one.
type TierRouter struct {
	Models    map[Tier]model.ChatModel
	Estimate  CostEstimator
	Consensus ConsensusStrategy
}

// NewTierRouter constructs a router with a default cost estimator (a
// flat per-tier estimate, since the coordinator's contract only requires
// a cost estimate to exist, not that it be precise) and a majority-style
// default consensus strategy.
func NewTierRouter(models map[Tier]model.ChatModel) *TierRouter {
	return &TierRouter{
		Models:    models,
		Estimate:  defaultEstimate,
		Consensus: majorityConsensus,
	}
}

func defaultEstimate(tier Tier, messages []model.Message) float64 {
	switch tier {
	case TierHigh:
		return 0.05
	case TierCritical:
		return 0.15
	default:
		return 0
	}
}

// Consult makes a single call at the given tier, enforcing the tier's
// cost ceiling before dispatch. Use Debate, not Consult, for the
// critical tier — Consult rejects it outright since critical's contract
// mandates at least MinDebateCalls calls and a consensus result.
func (r *TierRouter) Consult(ctx context.Context, tier Tier, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	if tier == TierCritical {
		return model.ChatOut{}, fmt.Errorf("coordinator: critical tier requires Debate, not Consult")
	}
	m, ok := r.Models[tier]
	if !ok {
		return model.ChatOut{}, fmt.Errorf("%w: %s", ErrNoModelForTier, tier)
	}

	estimated := r.Estimate(tier, messages)
	if ceiling, ok := CostCeiling[tier]; ok && estimated > ceiling {
		return model.ChatOut{}, fmt.Errorf("%w: tier %s estimated %.4f > ceiling %.4f", ErrCostCeilingExceeded, tier, estimated, ceiling)
	}

	return m.Chat(ctx, messages, tools)
}

// Debate runs the critical tier's mandatory multi-call process: at least
// MinDebateCalls independent chat calls against the critical-tier model,
// then reduces them to a single ConsensusResult via the configured
// ConsensusStrategy.
func (r *TierRouter) Debate(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (ConsensusResult, error) {
	m, ok := r.Models[TierCritical]
	if !ok {
		return ConsensusResult{}, fmt.Errorf("%w: %s", ErrNoModelForTier, TierCritical)
	}

	estimated := r.Estimate(TierCritical, messages)
	if estimated > CostCeiling[TierCritical] {
		return ConsensusResult{}, fmt.Errorf("%w: tier %s estimated %.4f > ceiling %.4f", ErrCostCeilingExceeded, TierCritical, estimated, CostCeiling[TierCritical])
	}

	outputs := make([]model.ChatOut, 0, MinDebateCalls)
	for i := 0; i < MinDebateCalls; i++ {
		out, err := m.Chat(ctx, messages, tools)
		if err != nil {
			return ConsensusResult{}, fmt.Errorf("debate call %d: %w", i+1, err)
		}
		outputs = append(outputs, out)
	}

	strategy := r.Consensus
	if strategy == nil {
		strategy = majorityConsensus
	}
	text, dissent := strategy(outputs)
	return ConsensusResult{Text: text, Dissent: dissent, Strategy: "majority"}, nil
}

// majorityConsensus picks the most frequently occurring response text,
// treating every other distinct text as dissent. Ties favor the first
// output encountered, so the result is deterministic for a fixed output
// order.
func majorityConsensus(outputs []model.ChatOut) (string, []string) {
	counts := make(map[string]int)
	order := make([]string, 0, len(outputs))
	for _, o := range outputs {
		if counts[o.Text] == 0 {
			order = append(order, o.Text)
		}
		counts[o.Text]++
	}

	best := ""
	bestCount := -1
	for _, text := range order {
		if counts[text] > bestCount {
			best = text
			bestCount = counts[text]
		}
	}

	var dissent []string
	for _, text := range order {
		if text != best {
			dissent = append(dissent, text)
		}
	}
	return best, dissent
}
