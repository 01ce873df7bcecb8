// Package session implements the research session lifecycle: the
// relational row that tracks a query under investigation, and the five
// verbs (create, pause, resume, cancel, stream) the transport layer calls
// to drive it.
package session

import "time"

// Status is the session's lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Strategy mirrors state.Strategy without importing the state package
// directly into the config surface, keeping session config a standalone,
// transport-facing type.
type Strategy string

const (
	StrategyBreadth   Strategy = "breadth"
	StrategyDepth     Strategy = "depth"
	StrategyDecompose Strategy = "decompose"
	StrategyHybrid    Strategy = "hybrid"
)

// Config holds every recognized session option and its default, per the
// session configuration table: strategy, iteration/depth/breadth caps,
// quality/confidence/saturation thresholds, cost and call-count caps, an
// optional wall-clock deadline, and the tier/debate/gap-resolution
// switches. Strategy, MinRagasScore, MinNoveltyRate, PreferLocal,
// AllowExternal, EnableDebate and RequireCriticalGapsResolved are stored
// with the session but are not read by research.Engine, the arbiter, the
// dispatcher or the model coordinator.
type Config struct {
	Strategy                   Strategy
	MaxIterations              int
	MaxDepth                   int
	MaxBreadth                 int
	MinQualityScore            float64
	MinConfidence              float64
	MinRagasScore              float64
	SaturationThreshold        float64
	MinNoveltyRate             float64
	MaxTotalCostUSD            float64
	MaxExternalCalls           int
	MaxTimeSeconds             int // 0 means unbounded
	PreferLocal                bool
	AllowExternal              bool
	EnableDebate               bool
	RequireCriticalGapsResolved bool
}

// DefaultConfig returns the configuration defaults from the session
// config table. Fields left unset by a caller-supplied partial Config
// should be filled in via WithDefaults.
func DefaultConfig() Config {
	return Config{
		Strategy:                    StrategyHybrid,
		MaxIterations:               15,
		MaxDepth:                    3,
		MaxBreadth:                  10,
		MinQualityScore:             0.70,
		MinConfidence:               0.70,
		MinRagasScore:               0.75,
		SaturationThreshold:         0.75,
		MinNoveltyRate:              0.15,
		MaxTotalCostUSD:             2.00,
		MaxExternalCalls:            10,
		MaxTimeSeconds:              0,
		PreferLocal:                 true,
		AllowExternal:               true,
		EnableDebate:                true,
		RequireCriticalGapsResolved: true,
	}
}

// WithDefaults fills zero-valued fields of cfg with DefaultConfig's
// values. Booleans are not defaultable this way (a caller-specified
// false is indistinguishable from unset); callers that need an explicit
// "unset" boolean should start from DefaultConfig() directly.
func WithDefaults(cfg Config) Config {
	d := DefaultConfig()
	if cfg.Strategy == "" {
		cfg.Strategy = d.Strategy
	}
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = d.MaxIterations
	}
	if cfg.MaxDepth == 0 {
		cfg.MaxDepth = d.MaxDepth
	}
	if cfg.MaxBreadth == 0 {
		cfg.MaxBreadth = d.MaxBreadth
	}
	if cfg.MinQualityScore == 0 {
		cfg.MinQualityScore = d.MinQualityScore
	}
	if cfg.MinConfidence == 0 {
		cfg.MinConfidence = d.MinConfidence
	}
	if cfg.MinRagasScore == 0 {
		cfg.MinRagasScore = d.MinRagasScore
	}
	if cfg.SaturationThreshold == 0 {
		cfg.SaturationThreshold = d.SaturationThreshold
	}
	if cfg.MinNoveltyRate == 0 {
		cfg.MinNoveltyRate = d.MinNoveltyRate
	}
	if cfg.MaxTotalCostUSD == 0 {
		cfg.MaxTotalCostUSD = d.MaxTotalCostUSD
	}
	if cfg.MaxExternalCalls == 0 {
		cfg.MaxExternalCalls = d.MaxExternalCalls
	}
	return cfg
}

// FailureReason names why a session reached status failed, or why a
// pause/cancel/resume attempt recorded in its metadata.
type FailureReason string

const (
	ReasonUserCancelled        FailureReason = "user_cancelled"
	ReasonInternalError        FailureReason = "internal_error"
	ReasonCheckpointUnavailable FailureReason = "checkpoint_unavailable"
)

// Session is the relational row tracked by the session store: identity,
// status, config, free-form metadata, timestamps, and denormalized stats
// kept current by the graph runtime at node boundaries.
type Session struct {
	ID       string
	UserID   string
	Query    string
	Status   Status
	Config   Config
	Metadata map[string]string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time

	ThreadID string

	// Denormalized stats, updated by the graph runtime after every node.
	TotalIterations    int
	TotalFindings       int
	TotalSources        int
	TotalCostUSD        float64
	ExternalCallCount   int
	FinalComposite      float64
	FinalConfidence     float64
	FailureReason       FailureReason
}
