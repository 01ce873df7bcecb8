// Package dispatch implements the tool dispatcher (C4): DAG construction
// over a plan's tasks, wave scheduling with bounded concurrency, tool
// selection by priority and budget, permission and budget gates,
// retrying transient failures, and folding each wave's results into the
// one owning state copy in deterministic order.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/langgraph-go/research/state"
)

// DeepResearchPriorityFloor and BudgetFloorUSD gate the choice between
// the free web-search capability and the paid deep-research capability:
// a task must clear both the priority bar and have more than the budget
// floor remaining to be routed to the paid tool.
const (
	DeepResearchPriorityFloor = 0.7
	BudgetFloorUSD            = 0.05
)

// MaxAttemptsPerTask caps retries for a transient tool failure at 3 per
// task per iteration, per the dispatcher's retry responsibility.
const MaxAttemptsPerTask = 3

// RetryPolicy mirrors the teacher's graph.RetryPolicy shape (MaxAttempts,
// BaseDelay, MaxDelay, a Retryable predicate), reimplemented at the task
// level here since the teacher's is defined on graph.NodePolicy, one
// level above where task retries need to live.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Retryable   func(error) bool
}

// DefaultRetryPolicy classifies timeouts, 5xx-style errors, and
// rate-limit errors as transient, following the same string-matching
// style the teacher's example nodes use for their Retryable predicates.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: MaxAttemptsPerTask,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Retryable:   isTransient,
	}
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{"timeout", "rate limit", "429", "503", "502", "504"} {
		if contains(msg, marker) {
			return true
		}
	}
	return false
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

// computeBackoff mirrors the teacher's graph/policy.go formula exactly:
// min(base*2^attempt, maxDelay) plus jitter uniformly drawn from [0, base).
func computeBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	backoff := float64(base) * math.Pow(2, float64(attempt))
	if backoff > float64(maxDelay) {
		backoff = float64(maxDelay)
	}
	jitter := rng.Float64() * float64(base)
	return time.Duration(backoff + jitter)
}

// Dispatcher runs one iteration's plan to completion against the
// injected ToolExecutor and PermissionGate.
type Dispatcher struct {
	Executor ToolExecutor
	Gate     PermissionGate
	Retry    RetryPolicy
	rng      *rand.Rand
}

// NewDispatcher constructs a Dispatcher. seed should be derived from the
// run id the same way the adapted graph.Engine seeds its RNG, so that
// backoff jitter is itself reproducible under replay.
func NewDispatcher(executor ToolExecutor, gate PermissionGate, seed int64) *Dispatcher {
	if gate == nil {
		gate = AllowAllGate{}
	}
	return &Dispatcher{
		Executor: executor,
		Gate:     gate,
		Retry:    DefaultRetryPolicy(),
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// Run executes current_tasks to completion: builds the DAG, runs each
// wave concurrently (bounded by errgroup), folds task-local patches into
// one delta per wave in lexicographic task-id order, and returns the
// accumulated delta for the whole iteration. A cyclic plan is a fatal
// per-iteration error: the delta returned records nothing, and the
// caller (C9's dispatch node) is expected to skip straight to validate
// with an iteration-level error recorded.
func (d *Dispatcher) Run(ctx context.Context, s state.ResearchState) (state.ResearchState, error) {
	waves, err := BuildWaves(s.StrategyContext.CurrentTasks)
	if err != nil {
		return state.ResearchState{}, err
	}

	var iterationDelta state.ResearchState
	budget := s.Budget

	for _, wave := range waves {
		wave = applyBudgetBackpressure(wave, budget)
		if len(wave) == 0 {
			continue
		}

		results := make(map[string]state.ResearchState, len(wave))
		var resultsMu sync.Mutex
		var budgetMu sync.Mutex

		g, gctx := errgroup.WithContext(ctx)
		for _, task := range wave {
			task := task
			g.Go(func() error {
				patch := d.runTask(gctx, s, task, &budget, &budgetMu)

				resultsMu.Lock()
				results[task.ID] = patch
				resultsMu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return state.ResearchState{}, err
		}

		waveDelta := state.MergeTaskPatches(results)
		iterationDelta = state.Reduce(iterationDelta, waveDelta)
		iterationDelta.Budget = budget
	}

	return iterationDelta, nil
}

// applyBudgetBackpressure cancels not-yet-started tasks in a wave, in
// descending cost order, when the wave's in-flight cost projection would
// breach remaining_usd.
func applyBudgetBackpressure(wave Wave, budget state.Budget) Wave {
	projected := 0.0
	for range wave {
		projected += estimateCost(DeepResearchPriorityFloor)
	}
	if projected <= budget.RemainingUSD {
		return wave
	}

	sorted := make(Wave, len(wave))
	copy(sorted, wave)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Priority > sorted[j].Priority })

	kept := make(Wave, 0, len(sorted))
	spend := 0.0
	for _, t := range sorted {
		cost := estimateCost(t.Priority)
		if spend+cost > budget.RemainingUSD {
			continue
		}
		spend += cost
		kept = append(kept, t)
	}
	return kept
}

func estimateCost(priority float64) float64 {
	if priority >= DeepResearchPriorityFloor {
		return 0.05
	}
	return 0.0
}

// selectCapability implements the priority+budget tool-selection rule:
// priority ≥ 0.7 and sufficient remaining budget routes to the paid deep
// research capability; otherwise the free web-search capability.
func selectCapability(task state.Task, remainingUSD float64, allowExternal bool) Capability {
	if allowExternal && task.Priority >= DeepResearchPriorityFloor && remainingUSD > BudgetFloorUSD {
		return CapabilityDeepResearch
	}
	return CapabilityWebSearch
}

// runTask executes a single task through the permission gate, budget
// gate, and retry loop, producing a local state patch (never mutating
// the shared state directly). budget is shared across every task in the
// wave; budgetMu serializes the check-then-reserve step so two
// concurrent tasks can never both spend the last dollar, while the
// (potentially slow) tool call itself runs unlocked.
func (d *Dispatcher) runTask(ctx context.Context, s state.ResearchState, task state.Task, budget *state.Budget, budgetMu *sync.Mutex) state.ResearchState {
	budgetMu.Lock()
	capability := selectCapability(task, budget.RemainingUSD, true)
	isExternal := capability == CapabilityDeepResearch
	estimatedCost := estimateCost(task.Priority)
	overBudget := isExternal && (estimatedCost > budget.RemainingUSD || budget.ExternalCallsRemaining <= 0)
	budgetMu.Unlock()

	callCtx := CallContext{SessionID: s.SessionID, Iteration: s.Iteration, TaskID: task.ID}

	decision, err := d.Gate.Check(ctx, PermissionSubject{Capability: capability, EstimatedCost: estimatedCost, CallContext: callCtx})
	if err != nil || !decision.Allowed {
		reason := "denied"
		if decision.Reason != "" {
			reason = decision.Reason
		}
		return recordFailure(s.Iteration, string(capability), task.Query, reason)
	}

	if overBudget {
		return recordFailure(s.Iteration, string(capability), task.Query, "budget")
	}

	var lastErr error
	for attempt := 0; attempt < d.Retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return recordFailure(s.Iteration, string(capability), task.Query, ctx.Err().Error())
			case <-time.After(computeBackoff(attempt, d.Retry.BaseDelay, d.Retry.MaxDelay, d.rng)):
			}
		}

		result, execErr := d.Executor.Execute(ctx, capability, map[string]any{"query": task.Query}, callCtx)
		if execErr == nil && result.Success {
			budgetMu.Lock()
			budget.SpentUSD += result.CostUSD
			budget.RemainingUSD -= result.CostUSD
			if result.IsExternal {
				budget.ExternalCallsUsed++
				budget.ExternalCallsRemaining--
			}
			budgetMu.Unlock()
			return ingestResult(s.Iteration, task, capability, result)
		}

		lastErr = execErr
		if lastErr == nil {
			lastErr = errors.New(result.Error)
		}
		if !d.Retry.Retryable(lastErr) {
			break
		}
	}

	return recordFailure(s.Iteration, string(capability), task.Query, fmt.Sprintf("%v", lastErr))
}

// ingestResult extracts findings and sources from a successful tool
// result and records the attempt in tool_history.
func ingestResult(iteration int, task state.Task, capability Capability, result ExecResult) state.ResearchState {
	var delta state.ResearchState
	delta.ToolHistory = []state.ToolCall{{
		Iteration: iteration,
		Tool:      string(capability),
		Arguments: map[string]any{"query": task.Query},
		Cost:      result.CostUSD,
		Success:   true,
	}}

	if findings, ok := result.Data["findings"].([]state.Finding); ok {
		for i := range findings {
			findings[i].Iteration = iteration
			findings[i].Tool = string(capability)
		}
		delta.Findings = findings
	}
	if sources, ok := result.Data["sources"].(map[string]state.Source); ok {
		delta.Sources = make(map[string]state.Source, len(sources))
		order := make([]string, 0, len(sources))
		for url, src := range sources {
			src.FirstSeenIteration = iteration
			delta.Sources[url] = src
			order = append(order, url)
		}
		sort.Strings(order)
		delta.SourceOrder = order
	}
	return delta
}

func recordFailure(iteration int, tool, query, reason string) state.ResearchState {
	return state.ResearchState{
		ToolHistory: []state.ToolCall{{
			Iteration: iteration,
			Tool:      tool,
			Arguments: map[string]any{"query": query},
			Success:   false,
			Error:     reason,
		}},
	}
}
