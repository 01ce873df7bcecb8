// Package state defines the research state machine's data model and its
// reducer: the typed payload that flows through every node of the graph
// runtime and is checkpointed after each transition.
package state

import "time"

// Strategy names the shape of the next iteration's plan.
type Strategy string

const (
	StrategyBreadth   Strategy = "breadth"
	StrategyDepth     Strategy = "depth"
	StrategyDecompose Strategy = "decompose"
	StrategyHybrid    Strategy = "hybrid"
)

// Task is one unit of work produced by the strategy selector and consumed
// by the dispatcher's DAG builder.
type Task struct {
	ID         string
	Query      string
	Priority   float64
	DependsOn  []string
}

// StrategyContext is the planner's scratchpad: the current set of tasks,
// plus enough bookkeeping to pick the next strategy on the following
// iteration.
type StrategyContext struct {
	CurrentTasks []Task
	DepthPointer int
	LastStrategy Strategy
}

// Finding is a structured claim produced from a tool result.
type Finding struct {
	ID          string
	Content     string
	Evidence    string
	SourceRefs  []string
	Confidence  float64
	Tool        string
	Iteration   int
	DependsOn   []string // upstream finding ids this one consumes, for chain validation
}

// Source is an external resource referenced by findings, keyed by
// canonical URL in ResearchState.Sources.
type Source struct {
	URL                string
	Title              string
	Snippet            string
	FirstSeenIteration int
	Credibility        float64
}

// ToolCall is one dispatched attempt, successful or not.
type ToolCall struct {
	Iteration int
	Tool      string
	Arguments map[string]any
	Cost      float64
	Success   bool
	Error     string
}

// QualityScores holds the latest grounded-quality/confidence scores.
type QualityScores struct {
	Grounding  float64
	Relevancy  float64
	Precision  float64
	Recall     float64
	Confidence float64
	Composite  float64
}

// SaturationTrend describes the direction of novelty over recent iterations.
type SaturationTrend string

const (
	TrendDeclining SaturationTrend = "declining"
	TrendStable    SaturationTrend = "stable"
)

// SaturationScore holds the latest saturation measurement.
type SaturationScore struct {
	Score          float64
	NoveltyRate    float64
	RepetitionRate float64
	Trend          SaturationTrend
	// NoveltyHistory holds every scored iteration's mean novelty value, in
	// order; the last three feed the moving average and the trend.
	NoveltyHistory []float64
}

// GapKind names one of the six recognized insufficiency categories.
type GapKind string

const (
	GapMissingContext    GapKind = "missing_context"
	GapConflict          GapKind = "conflict"
	GapIncompleteAnswer  GapKind = "incomplete_answer"
	GapMissingPerspective GapKind = "missing_perspective"
	GapTemporal          GapKind = "temporal_gap"
	GapDepth             GapKind = "depth_gap"
)

// GapPriority orders gaps for stop-arbitration purposes.
type GapPriority string

const (
	PriorityCritical GapPriority = "critical"
	PriorityHigh     GapPriority = "high"
	PriorityMedium   GapPriority = "medium"
	PriorityLow      GapPriority = "low"
)

// Gap is an identified insufficiency in the findings gathered so far.
type Gap struct {
	ID          string
	Kind        GapKind
	Description string
	Priority    GapPriority
	ResolvedAt  *time.Time
}

// Budget tracks monetary and call-count spend against the session's
// configured caps.
type Budget struct {
	SpentUSD               float64
	RemainingUSD           float64
	ExternalCallsUsed      int
	ExternalCallsRemaining int
	HardCapUSD             float64
	TimeStarted            time.Time
	TimeDeadline           *time.Time
}

// StopReason names why the stopping arbiter decided to stop.
type StopReason string

const (
	ReasonBudget          StopReason = "budget"
	ReasonTime            StopReason = "time"
	ReasonMaxIterations   StopReason = "max_iterations"
	ReasonErrorBudget     StopReason = "error_budget"
	ReasonUserCancelled   StopReason = "user_cancelled"
	ReasonQualityAchieved StopReason = "quality_achieved"
	ReasonSaturation      StopReason = "saturation"
	ReasonGapsResolved    StopReason = "gaps_resolved"
	ReasonContinue        StopReason = "continue"
)

// StopDecision is the stopping arbiter's verdict for the current iteration.
// Only the arbiter writes this field on ResearchState.
type StopDecision struct {
	ShouldStop     bool
	Reason         StopReason
	Recommendation string
}

// ErrorRecord is one entry in the bounded ring of recent failures.
type ErrorRecord struct {
	Iteration int
	Node      string
	Message   string
	Retriable bool
	Time      time.Time
}

// RejectedFinding pairs a finding with the validator's reason for
// excluding it from scoring, retained for audit.
type RejectedFinding struct {
	Finding Finding
	Reason  string
}

// ErrorRingCapacity bounds ResearchState.Errors.
const ErrorRingCapacity = 50

// ResearchState is the full in-memory research state, the sole payload
// type the graph runtime's generic Engine[S] is instantiated with here
// (S = ResearchState). It is serialized into checkpoints verbatim.
type ResearchState struct {
	SessionID string
	ThreadID  string
	Query     string

	Iteration     int
	MaxIterations int

	Strategy        Strategy
	StrategyContext StrategyContext

	Findings         []Finding
	RejectedFindings []RejectedFinding

	// Sources is keyed by canonical URL; SourceOrder preserves first-seen
	// insertion order so replays produce the same ordering every time.
	Sources     map[string]Source
	SourceOrder []string

	ToolHistory []ToolCall

	Quality    QualityScores
	Saturation SaturationScore
	Gaps       []Gap

	Budget Budget
	Stop   *StopDecision

	FinalAnswer *string
	Errors      []ErrorRecord
}

// NewResearchState builds the initial iteration-1 state for a session.
func NewResearchState(sessionID, threadID, query string, maxIterations int, hardCapUSD float64, maxExternalCalls int) ResearchState {
	return ResearchState{
		SessionID:     sessionID,
		ThreadID:      threadID,
		Query:         query,
		Iteration:     1,
		MaxIterations: maxIterations,
		Strategy:      StrategyHybrid,
		Sources:       make(map[string]Source),
		Budget: Budget{
			RemainingUSD:           hardCapUSD,
			HardCapUSD:             hardCapUSD,
			ExternalCallsRemaining: maxExternalCalls,
			TimeStarted:            time.Now(),
		},
	}
}
