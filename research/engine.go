// Package research wires the eight research-cycle nodes (intake, plan,
// dispatch, validate, score, arbitrate, synthesize, abort) onto the
// teacher's generic graph.Engine, instantiated at S = state.ResearchState,
// and implements session.Dispatcher so the session manager can drive a
// session's graph to completion in the background.
//
// The static edge map carries every transition except arbitrate's 3-way
// branch (plan | synthesize | abort), which is expressed as an explicit
// NodeResult.Route the way graph/node.go's doc comments describe: Route
// overrides edge-based routing. Arbitrate is the only node that routes
// with Goto; the two terminal nodes always return Stop, and every node
// returns Stop when it fails or finds its session no longer active.
package research

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dshills/langgraph-go/graph"
	"github.com/dshills/langgraph-go/graph/emit"
	gstore "github.com/dshills/langgraph-go/graph/store"

	"github.com/dshills/langgraph-go/graph/model"
	"github.com/dshills/langgraph-go/research/arbiter"
	"github.com/dshills/langgraph-go/research/coordinator"
	"github.com/dshills/langgraph-go/research/dispatch"
	"github.com/dshills/langgraph-go/research/score"
	"github.com/dshills/langgraph-go/research/session"
	"github.com/dshills/langgraph-go/research/state"
	"github.com/dshills/langgraph-go/research/strategy"
	"github.com/dshills/langgraph-go/research/validate"
)

const (
	nodeIntake     = "intake"
	nodePlan       = "plan"
	nodeDispatch   = "dispatch"
	nodeValidate   = "validate"
	nodeScore      = "score"
	nodeArbitrate  = "arbitrate"
	nodeSynthesize = "synthesize"
	nodeAbort      = "abort"
)

// ErrSessionPaused is returned by a node's Run when it observes, at its
// own start, that the session has been paused since the previous node
// checkpointed. The graph run stops cleanly; Resume re-invokes Drive,
// which resumes from the last checkpoint.
var ErrSessionPaused = errors.New("research: session paused")

// ErrSessionCancelled is returned the same way when the session has
// reached a terminal status (failed or completed) out from under a
// running node — most commonly because Manager.Cancel flipped it.
var ErrSessionCancelled = errors.New("research: session cancelled")

// Config bundles the collaborators NewEngine needs: the checkpoint
// store the adapted graph.Engine persists to, the session store nodes
// consult at every boundary, an observability emitter, the tool
// dispatcher's executor/gate, and the model coordinator's per-tier
// backends. Clock defaults to time.Now; tests override it so the
// arbiter's hard time-based stop is reproducible. Registry is optional;
// when nil, NewEngine creates a private registry so running several
// engines in the same process (as research/engine_test.go does) never
// collides on metric registration.
type Config struct {
	GraphStore   gstore.Store[state.ResearchState]
	SessionStore session.Store
	Emitter      emit.Emitter
	Executor     dispatch.ToolExecutor
	Gate         dispatch.PermissionGate
	Models       map[coordinator.Tier]model.ChatModel
	Clock        func() time.Time
	Registry     *prometheus.Registry
}

// Engine adapts the teacher's graph.Engine[ResearchState] to the research
// domain and implements session.Dispatcher.
type Engine struct {
	graph    *graph.Engine[state.ResearchState]
	store    gstore.Store[state.ResearchState]
	sessions session.Store
}

// NewEngine registers the eight nodes and the static edges connecting every
// transition except arbitrate's branch, following
// examples/ai_research_assistant/main.go's graph.New/Add/StartAt/Connect
// wiring style.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	gate := cfg.Gate
	if gate == nil {
		gate = dispatch.AllowAllGate{}
	}
	router := coordinator.NewTierRouter(cfg.Models)

	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	metrics := graph.NewPrometheusMetrics(registry)

	ge := graph.New[state.ResearchState](state.Reduce, cfg.GraphStore, cfg.Emitter,
		graph.WithMaxSteps(100000),
		graph.WithDefaultNodeTimeout(60*time.Second),
		graph.WithRunWallClockBudget(4*time.Hour),
		graph.WithMetrics(metrics),
	)

	nodes := map[string]graph.Node[state.ResearchState]{
		nodeIntake:     &intakeNode{sessions: cfg.SessionStore},
		nodePlan:       &planNode{sessions: cfg.SessionStore},
		nodeDispatch:   &dispatchNode{sessions: cfg.SessionStore, executor: cfg.Executor, gate: gate},
		nodeValidate:   &validateNode{sessions: cfg.SessionStore},
		nodeScore:      &scoreNode{sessions: cfg.SessionStore},
		nodeArbitrate:  &arbitrateNode{sessions: cfg.SessionStore, clock: cfg.Clock},
		nodeSynthesize: &synthesizeNode{sessions: cfg.SessionStore, router: router},
		nodeAbort:      &abortNode{sessions: cfg.SessionStore},
	}
	for id, n := range nodes {
		if err := ge.Add(id, n); err != nil {
			return nil, fmt.Errorf("research: add node %s: %w", id, err)
		}
	}
	if err := ge.StartAt(nodeIntake); err != nil {
		return nil, fmt.Errorf("research: start node: %w", err)
	}

	edges := [][2]string{
		{nodeIntake, nodePlan},
		{nodePlan, nodeDispatch},
		{nodeDispatch, nodeValidate},
		{nodeValidate, nodeScore},
		{nodeScore, nodeArbitrate},
	}
	for _, e := range edges {
		if err := ge.Connect(e[0], e[1], nil); err != nil {
			return nil, fmt.Errorf("research: connect %s->%s: %w", e[0], e[1], err)
		}
	}

	return &Engine{graph: ge, store: cfg.GraphStore, sessions: cfg.SessionStore}, nil
}

// Drive implements session.Dispatcher. It runs in the background so
// Manager.Create/Resume return immediately; the session's status row and
// stream subscribers are the only way a caller observes progress.
func (e *Engine) Drive(ctx context.Context, sessionID string) {
	go e.drive(ctx, sessionID)
}

func (e *Engine) drive(ctx context.Context, sessionID string) {
	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return
	}

	initial, _, err := e.store.LoadLatest(ctx, sessionID)
	switch {
	case errors.Is(err, gstore.ErrNotFound):
		initial = state.NewResearchState(sessionID, sess.ThreadID, sess.Query,
			sess.Config.MaxIterations, sess.Config.MaxTotalCostUSD, sess.Config.MaxExternalCalls)
		if sess.Config.MaxTimeSeconds > 0 {
			deadline := initial.Budget.TimeStarted.Add(time.Duration(sess.Config.MaxTimeSeconds) * time.Second)
			initial.Budget.TimeDeadline = &deadline
		}
	case err != nil:
		_ = e.sessions.CompareAndSwapStatus(ctx, sessionID, session.StatusActive, session.StatusPaused, session.ReasonCheckpointUnavailable)
		return
	}

	_, runErr := e.graph.Run(ctx, sessionID, initial)
	switch {
	case runErr == nil:
		// Terminal status was already recorded by synthesizeNode/abortNode.
	case errors.Is(runErr, ErrSessionPaused), errors.Is(runErr, ErrSessionCancelled):
		// Manager.Pause/Cancel already recorded the terminal/paused status.
	default:
		_ = e.sessions.CompareAndSwapStatus(ctx, sessionID, session.StatusActive, session.StatusFailed, session.ReasonInternalError)
	}
}

// checkSessionActive is consulted at the start of every node's Run: it is
// the node-boundary check Manager.Pause/Cancel's doc comments promise.
func checkSessionActive(ctx context.Context, sessions session.Store, sessionID string) error {
	sess, err := sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	switch sess.Status {
	case session.StatusPaused:
		return ErrSessionPaused
	case session.StatusFailed, session.StatusCompleted:
		return ErrSessionCancelled
	default:
		return nil
	}
}

// reportStats pushes the denormalized stats the session store tracks,
// derived from the state a node was just handed (i.e. the prior node's
// checkpointed output) — the closest this wiring gets to "updated after
// every node" without reaching into the adapted engine's private loop.
func reportStats(ctx context.Context, sessions session.Store, s state.ResearchState) {
	stats := session.Stats{
		TotalIterations:   s.Iteration,
		TotalFindings:     len(acceptedFindings(s)),
		TotalSources:      len(s.Sources),
		TotalCostUSD:      s.Budget.SpentUSD,
		ExternalCallCount: s.Budget.ExternalCallsUsed,
		FinalComposite:    s.Quality.Composite,
		FinalConfidence:   s.Quality.Confidence,
	}
	_ = sessions.UpdateStats(ctx, s.SessionID, stats)
}

func markSessionTerminal(ctx context.Context, sessions session.Store, s state.ResearchState, status session.Status, reason session.FailureReason) {
	reportStats(ctx, sessions, s)
	_ = sessions.CompareAndSwapStatus(ctx, s.SessionID, session.StatusActive, status, reason)
}

// findingsAtIteration filters to findings produced by exactly the given
// iteration, the set validateNode/scoreNode treat as "this iteration's
// new findings".
func findingsAtIteration(findings []state.Finding, iteration int) []state.Finding {
	var out []state.Finding
	for _, f := range findings {
		if f.Iteration == iteration {
			out = append(out, f)
		}
	}
	return out
}

func findingsBefore(findings []state.Finding, iteration int) []state.Finding {
	var out []state.Finding
	for _, f := range findings {
		if f.Iteration < iteration {
			out = append(out, f)
		}
	}
	return out
}

// acceptedFindings is Findings minus whatever the validator has rejected.
// Findings itself is append-only (the reducer never deletes), so
// "accepted" is always computed this way rather than mutated in place.
func acceptedFindings(s state.ResearchState) []state.Finding {
	rejected := make(map[string]bool, len(s.RejectedFindings))
	for _, r := range s.RejectedFindings {
		rejected[r.Finding.ID] = true
	}
	out := make([]state.Finding, 0, len(s.Findings))
	for _, f := range s.Findings {
		if !rejected[f.ID] {
			out = append(out, f)
		}
	}
	return out
}

func hasUnresolvedConflict(gaps []state.Gap) bool {
	for _, g := range gaps {
		if g.Kind == state.GapConflict && g.ResolvedAt == nil {
			return true
		}
	}
	return false
}

// seedFromString mirrors the teacher's initRNG: hash the string, take the
// first 8 bytes as the seed, so a re-run of the same session/iteration
// produces the same dispatcher backoff jitter under replay.
func seedFromString(s string) int64 {
	h := sha256.Sum256([]byte(s))
	return int64(binary.BigEndian.Uint64(h[:8])) // #nosec G115 -- deterministic seed, not security-sensitive
}

// nodeRetryPolicy caps every research node's retry budget at 2 attempts,
// tighter than the teacher's engine-wide default, via the optional
// Policy() NodePolicy override graph/policy.go documents. Pause/cancel
// sentinels are never retried, since retrying them would just re-observe
// the same session status; anything else (a transient dispatcher or
// model-coordinator error) gets one retry.
func nodeRetryPolicy() graph.NodePolicy {
	return graph.NodePolicy{
		RetryPolicy: &graph.RetryPolicy{
			MaxAttempts: 2,
			BaseDelay:   200 * time.Millisecond,
			MaxDelay:    2 * time.Second,
			Retryable: func(err error) bool {
				return !errors.Is(err, ErrSessionPaused) && !errors.Is(err, ErrSessionCancelled)
			},
		},
	}
}

// intakeNode is a pass-through bootstrap step: the initial ResearchState
// is already built by Engine.drive (fresh or resumed from checkpoint), so
// intake's only job is the node-boundary pause/cancel check before the
// cycle's first plan.
type intakeNode struct {
	sessions session.Store
}

// Policy caps intakeNode's retry budget; see nodeRetryPolicy.
func (n *intakeNode) Policy() graph.NodePolicy { return nodeRetryPolicy() }

func (n *intakeNode) Run(ctx context.Context, s state.ResearchState) graph.NodeResult[state.ResearchState] {
	if err := checkSessionActive(ctx, n.sessions, s.SessionID); err != nil {
		return graph.NodeResult[state.ResearchState]{Err: err, Route: graph.Stop()}
	}
	reportStats(ctx, n.sessions, s)
	return graph.NodeResult[state.ResearchState]{}
}

// planNode calls strategy.Select with the session's configured breadth
// and depth caps.
type planNode struct {
	sessions session.Store
}

// Policy caps planNode's retry budget; see nodeRetryPolicy.
func (n *planNode) Policy() graph.NodePolicy { return nodeRetryPolicy() }

func (n *planNode) Run(ctx context.Context, s state.ResearchState) graph.NodeResult[state.ResearchState] {
	if err := checkSessionActive(ctx, n.sessions, s.SessionID); err != nil {
		return graph.NodeResult[state.ResearchState]{Err: err, Route: graph.Stop()}
	}
	reportStats(ctx, n.sessions, s)

	sess, err := n.sessions.Get(ctx, s.SessionID)
	if err != nil {
		return graph.NodeResult[state.ResearchState]{Err: err, Route: graph.Stop()}
	}

	strategyCtx := strategy.Select(s, sess.Config.MaxBreadth, sess.Config.MaxDepth)
	delta := state.ResearchState{StrategyContext: strategyCtx, Strategy: strategyCtx.LastStrategy}
	return graph.NodeResult[state.ResearchState]{Delta: delta}
}

// dispatchNode builds a fresh Dispatcher per call, seeded from the
// session and iteration so backoff jitter replays deterministically, and
// runs the current plan's tasks to completion.
type dispatchNode struct {
	sessions session.Store
	executor dispatch.ToolExecutor
	gate     dispatch.PermissionGate
}

// Policy caps dispatchNode's retry budget; see nodeRetryPolicy.
func (n *dispatchNode) Policy() graph.NodePolicy { return nodeRetryPolicy() }

func (n *dispatchNode) Run(ctx context.Context, s state.ResearchState) graph.NodeResult[state.ResearchState] {
	if err := checkSessionActive(ctx, n.sessions, s.SessionID); err != nil {
		return graph.NodeResult[state.ResearchState]{Err: err, Route: graph.Stop()}
	}
	reportStats(ctx, n.sessions, s)

	seed := seedFromString(s.SessionID + ":" + strconv.Itoa(s.Iteration))
	d := dispatch.NewDispatcher(n.executor, n.gate, seed)

	delta, err := d.Run(ctx, s)
	if err != nil {
		// A cyclic plan is a fatal per-iteration error: skip straight to
		// validate with the failure recorded, rather than halting the run.
		errDelta := state.ResearchState{Errors: []state.ErrorRecord{{
			Iteration: s.Iteration,
			Node:      nodeDispatch,
			Message:   err.Error(),
			Retriable: false,
			Time:      time.Now(),
		}}}
		return graph.NodeResult[state.ResearchState]{Delta: errDelta}
	}
	return graph.NodeResult[state.ResearchState]{Delta: delta}
}

// validateNode runs the five-layer validator over this iteration's new
// findings, moving rejects into RejectedFindings. It never removes
// anything from Findings itself (the reducer is append-only); downstream
// consumers compute "accepted" via acceptedFindings.
type validateNode struct {
	sessions session.Store
}

// Policy caps validateNode's retry budget; see nodeRetryPolicy.
func (n *validateNode) Policy() graph.NodePolicy { return nodeRetryPolicy() }

func (n *validateNode) Run(ctx context.Context, s state.ResearchState) graph.NodeResult[state.ResearchState] {
	if err := checkSessionActive(ctx, n.sessions, s.SessionID); err != nil {
		return graph.NodeResult[state.ResearchState]{Err: err, Route: graph.Stop()}
	}
	reportStats(ctx, n.sessions, s)

	newFindings := findingsAtIteration(s.Findings, s.Iteration)
	prior := acceptedFindings(state.ResearchState{
		Findings:         findingsBefore(s.Findings, s.Iteration),
		RejectedFindings: s.RejectedFindings,
	})

	validator := validate.New(prior)
	verdicts := validator.ValidateBatch(newFindings, s.Sources)

	var delta state.ResearchState
	for _, f := range newFindings {
		if v := verdicts[f.ID]; v.Status == validate.StatusReject {
			delta.RejectedFindings = append(delta.RejectedFindings, state.RejectedFinding{Finding: f, Reason: v.Reason})
		}
	}
	return graph.NodeResult[state.ResearchState]{Delta: delta}
}

// scoreNode runs the quality/saturation/gap scorer over the accepted
// findings gathered so far.
type scoreNode struct {
	sessions session.Store
}

// Policy caps scoreNode's retry budget; see nodeRetryPolicy.
func (n *scoreNode) Policy() graph.NodePolicy { return nodeRetryPolicy() }

func (n *scoreNode) Run(ctx context.Context, s state.ResearchState) graph.NodeResult[state.ResearchState] {
	if err := checkSessionActive(ctx, n.sessions, s.SessionID); err != nil {
		return graph.NodeResult[state.ResearchState]{Err: err, Route: graph.Stop()}
	}
	reportStats(ctx, n.sessions, s)

	accepted := acceptedFindings(s)
	in := score.Input{
		Query:               s.Query,
		Findings:            accepted,
		NewFindings:         findingsAtIteration(accepted, s.Iteration),
		Sources:             s.Sources,
		PriorNoveltyHistory: s.Saturation.NoveltyHistory,
		Iteration:           s.Iteration,
		MaxIterations:       s.MaxIterations,
		ModelAgreement:      0.5,
		ExistingGaps:        s.Gaps,
	}
	out := score.Compute(in)
	delta := state.ResearchState{Quality: out.Quality, Saturation: out.Saturation, Gaps: out.Gaps}
	return graph.NodeResult[state.ResearchState]{Delta: delta}
}

// arbitrateNode is the one node that routes with an explicit Goto: its 3-way
// branch (continue | synthesize | abort) overrides the static edge map,
// per graph/node.go's documented precedence.
type arbitrateNode struct {
	sessions session.Store
	clock    func() time.Time
}

// Policy caps arbitrateNode's retry budget; see nodeRetryPolicy.
func (n *arbitrateNode) Policy() graph.NodePolicy { return nodeRetryPolicy() }

func (n *arbitrateNode) Run(ctx context.Context, s state.ResearchState) graph.NodeResult[state.ResearchState] {
	if err := checkSessionActive(ctx, n.sessions, s.SessionID); err != nil {
		return graph.NodeResult[state.ResearchState]{Err: err, Route: graph.Stop()}
	}
	reportStats(ctx, n.sessions, s)

	sess, err := n.sessions.Get(ctx, s.SessionID)
	if err != nil {
		return graph.NodeResult[state.ResearchState]{Err: err, Route: graph.Stop()}
	}
	cfg := arbiter.Config{
		QualityMin:    sess.Config.MinQualityScore,
		ConfidenceMin: sess.Config.MinConfidence,
		SaturationMin: sess.Config.SaturationThreshold,
		MinIterations: 3,
	}

	// userCancelled is always false here: a cancelled session is already
	// caught by checkSessionActive above, before the arbiter ever runs.
	decision := arbiter.Decide(s, cfg, n.clock(), false)
	delta := state.ResearchState{Stop: &decision}

	switch decision.Reason {
	case state.ReasonContinue:
		delta.Iteration = s.Iteration + 1
		return graph.NodeResult[state.ResearchState]{Delta: delta, Route: graph.Goto(nodePlan)}
	case state.ReasonErrorBudget, state.ReasonUserCancelled:
		return graph.NodeResult[state.ResearchState]{Delta: delta, Route: graph.Goto(nodeAbort)}
	default:
		return graph.NodeResult[state.ResearchState]{Delta: delta, Route: graph.Goto(nodeSynthesize)}
	}
}

// synthesizeNode produces the final answer via the model coordinator,
// escalating to the critical tier's mandatory debate when an unresolved
// conflict gap remains.
type synthesizeNode struct {
	sessions session.Store
	router   *coordinator.TierRouter
}

// Policy caps synthesizeNode's retry budget; see nodeRetryPolicy.
func (n *synthesizeNode) Policy() graph.NodePolicy { return nodeRetryPolicy() }

func (n *synthesizeNode) Run(ctx context.Context, s state.ResearchState) graph.NodeResult[state.ResearchState] {
	if err := checkSessionActive(ctx, n.sessions, s.SessionID); err != nil {
		return graph.NodeResult[state.ResearchState]{Err: err, Route: graph.Stop()}
	}

	tier := coordinator.SelectTier(s.Quality.Composite)
	if hasUnresolvedConflict(s.Gaps) {
		tier = coordinator.TierCritical
	}

	messages := synthesisMessages(s)

	var answer string
	if tier == coordinator.TierCritical {
		result, err := n.router.Debate(ctx, messages, nil)
		if err != nil {
			return graph.NodeResult[state.ResearchState]{Err: fmt.Errorf("synthesize: debate: %w", err), Route: graph.Stop()}
		}
		answer = result.Text
	} else {
		out, err := n.router.Consult(ctx, tier, messages, nil)
		if err != nil {
			return graph.NodeResult[state.ResearchState]{Err: fmt.Errorf("synthesize: consult: %w", err), Route: graph.Stop()}
		}
		answer = out.Text
	}

	markSessionTerminal(ctx, n.sessions, s, session.StatusCompleted, "")
	delta := state.ResearchState{FinalAnswer: &answer}
	return graph.NodeResult[state.ResearchState]{Delta: delta, Route: graph.Stop()}
}

func synthesisMessages(s state.ResearchState) []model.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\n\nFindings:\n", s.Query)
	for _, f := range acceptedFindings(s) {
		fmt.Fprintf(&b, "- %s (confidence %.2f)\n", f.Content, f.Confidence)
	}
	return []model.Message{
		{Role: model.RoleSystem, Content: "Synthesize a grounded answer to the query from the findings below. Cite sources where relevant, and note any unresolved gaps."},
		{Role: model.RoleUser, Content: b.String()},
	}
}

// abortNode records the session as failed, distinguishing a user
// cancellation from an internal hard stop (exhausted error budget).
type abortNode struct {
	sessions session.Store
}

// Policy caps abortNode's retry budget; see nodeRetryPolicy.
func (n *abortNode) Policy() graph.NodePolicy { return nodeRetryPolicy() }

func (n *abortNode) Run(ctx context.Context, s state.ResearchState) graph.NodeResult[state.ResearchState] {
	reason := session.ReasonInternalError
	if s.Stop != nil && s.Stop.Reason == state.ReasonUserCancelled {
		reason = session.ReasonUserCancelled
	}
	markSessionTerminal(ctx, n.sessions, s, session.StatusFailed, reason)
	return graph.NodeResult[state.ResearchState]{Route: graph.Stop()}
}
