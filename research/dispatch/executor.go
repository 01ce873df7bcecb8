package dispatch

import "context"

// Capability names a class of tool the dispatcher can request, not a
// concrete provider — the dispatcher never looks up a tool by a provider
// string inside its business logic, only by capability tag.
type Capability string

const (
	// CapabilityWebSearch is the free, unlimited-budget research tool.
	CapabilityWebSearch Capability = "web_search"
	// CapabilityDeepResearch is the paid, external tool requested for
	// high-priority tasks when budget allows.
	CapabilityDeepResearch Capability = "deep_research"
)

// CallContext carries the ambient information a permission/budget gate
// or tool executor needs to make a decision, without exposing the full
// ResearchState to injected collaborators.
type CallContext struct {
	SessionID string
	Iteration int
	TaskID    string
}

// ExecResult is the result envelope a tool call returns: success, the
// extracted data, actual cost, whether the call counted against the
// external-call budget, and an error string on failure.
type ExecResult struct {
	Success    bool
	Data       map[string]any
	CostUSD    float64
	IsExternal bool
	Error      string
}

// ToolExecutor is the injected collaborator the dispatcher calls to
// actually run a tool. The core never implements a tool itself: callers
// supply the implementation, and this module's tests use small local
// fakes.
type ToolExecutor interface {
	Execute(ctx context.Context, capability Capability, arguments map[string]any, callCtx CallContext) (ExecResult, error)
}

// PermissionDecision is the verdict a PermissionGate returns.
type PermissionDecision struct {
	Allowed bool
	Reason  string
}

// PermissionSubject is what the gate evaluates: the capability being
// requested, its estimated cost, and the session context it runs under.
type PermissionSubject struct {
	Capability    Capability
	EstimatedCost float64
	CallContext   CallContext
}

// PermissionGate is consulted before every dispatched call. It has no
// direct analogue in the teacher's workflow engine — it is a new,
// explicitly injected interface, following the same constructor-injection
// discipline the teacher uses for model.ChatModel and tool.Tool (no
// process-wide singleton lookup).
type PermissionGate interface {
	Check(ctx context.Context, subject PermissionSubject) (PermissionDecision, error)
}

// AllowAllGate is a PermissionGate that always allows, useful as a test
// double and as the default when no policy layer is configured.
type AllowAllGate struct{}

// Check implements PermissionGate.
func (AllowAllGate) Check(ctx context.Context, subject PermissionSubject) (PermissionDecision, error) {
	return PermissionDecision{Allowed: true}, nil
}
