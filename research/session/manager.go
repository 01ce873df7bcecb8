package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/langgraph-go/graph/emit"
)

// SnapshotEvent is one entry in a stream consumer's lazy, finite sequence:
// node, iteration, findings_count, saturation, budget_remaining, and the
// stop decision once arbitration has produced one.
type SnapshotEvent struct {
	Node            string
	Iteration       int
	FindingsCount   int
	Saturation      float64
	BudgetRemaining float64
	StopReason      string // empty until the arbiter has made a decision
	TerminalStatus  Status // empty until the session reaches a terminal status
}

// Dispatcher is the async driver the session manager hands newly created
// or resumed sessions to. Create/Resume do not themselves run graph
// iterations; a separate dispatcher (the adapted graph.Engine wiring in
// research/engine.go) drives nodes to completion. This narrow interface
// keeps the manager ignorant of graph-runtime internals.
type Dispatcher interface {
	// Drive starts (or resumes) running the session's graph to
	// completion in the background. It must itself honor status checks
	// at node boundaries so that a concurrent Pause/Cancel takes effect
	// promptly.
	Drive(ctx context.Context, sessionID string)
}

// Manager implements the five session verbs (§6): create, pause, resume,
// cancel, stream, plus get/list (not separately named as "verbs" in the
// component design but required by the external interface table).
type Manager struct {
	store      Store
	dispatcher Dispatcher

	mu        sync.Mutex
	streamers map[string][]chan SnapshotEvent // sessionID -> active stream subscribers
}

// NewManager constructs a session manager over a Store and the graph
// runtime's Dispatcher.
func NewManager(store Store, dispatcher Dispatcher) *Manager {
	return &Manager{
		store:      store,
		dispatcher: dispatcher,
		streamers:  make(map[string][]chan SnapshotEvent),
	}
}

// ErrInvalidQuery is returned by Create for an empty query, per B3.
var ErrInvalidQuery = fmt.Errorf("invalid_query: query must be non-empty")

// Create writes a new session row with status active, persists config,
// derives thread_id, and returns immediately — it does not itself start
// graph execution.
func (m *Manager) Create(ctx context.Context, userID, query string, cfg Config) (string, error) {
	if query == "" {
		return "", ErrInvalidQuery
	}

	id := uuid.NewString()
	threadID := uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String()
	now := time.Now()

	sess := Session{
		ID:        id,
		UserID:    userID,
		Query:     query,
		Status:    StatusActive,
		Config:    WithDefaults(cfg),
		Metadata:  map[string]string{},
		ThreadID:  threadID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := m.store.Create(ctx, sess); err != nil {
		return "", err
	}
	return id, nil
}

// Get returns the full session row with its latest denormalized scores.
func (m *Manager) Get(ctx context.Context, id string) (Session, error) {
	return m.store.Get(ctx, id)
}

// List returns a user's sessions, optionally filtered by status.
func (m *Manager) List(ctx context.Context, userID string, status *Status) ([]Session, error) {
	return m.store.List(ctx, userID, status)
}

// Pause sets status paused. The graph runtime, on its next node-boundary
// check, stops scheduling further nodes; in-flight tool calls are allowed
// to complete and are still checkpointed.
func (m *Manager) Pause(ctx context.Context, id string) error {
	return m.store.CompareAndSwapStatus(ctx, id, StatusActive, StatusPaused, "")
}

// Resume sets status active and schedules the runtime to resume from the
// latest checkpoint. A session with no checkpoint starts at iteration 1.
func (m *Manager) Resume(ctx context.Context, id string) error {
	if err := m.store.CompareAndSwapStatus(ctx, id, StatusPaused, StatusActive, ""); err != nil {
		return err
	}
	if m.dispatcher != nil {
		m.dispatcher.Drive(ctx, id)
	}
	return nil
}

// Cancel sets status failed with reason user_cancelled; in-flight work is
// abandoned on the next boundary.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	sess, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status == StatusCompleted || sess.Status == StatusFailed {
		return ErrTerminal
	}
	err = m.store.CompareAndSwapStatus(ctx, id, sess.Status, StatusFailed, ReasonUserCancelled)
	if err != nil {
		return err
	}
	m.closeStreams(id, StatusFailed)
	return nil
}

// Stream returns a channel yielding a lazy, finite sequence of snapshot
// events. The channel closes when Cancel succeeds or when a published
// event carries a TerminalStatus; Emitter never sets TerminalStatus, so a
// session that completes or fails inside a graph run does not close it.
// Cancelling ctx never affects session execution — it only stops this
// particular consumer from receiving further events.
func (m *Manager) Stream(ctx context.Context, id string) (<-chan SnapshotEvent, error) {
	if _, err := m.store.Get(ctx, id); err != nil {
		return nil, err
	}

	ch := make(chan SnapshotEvent, 64)
	m.mu.Lock()
	m.streamers[id] = append(m.streamers[id], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.streamers[id]
		for i, c := range subs {
			if c == ch {
				m.streamers[id] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}()

	return ch, nil
}

// closeStreams fans a final terminal event to every subscriber of a
// session and closes their channels.
func (m *Manager) closeStreams(id string, terminal Status) {
	m.mu.Lock()
	subs := m.streamers[id]
	delete(m.streamers, id)
	m.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- SnapshotEvent{TerminalStatus: terminal}:
		default:
		}
		close(ch)
	}
}

// Publish fans a snapshot event out to every active stream subscriber of
// a session. The graph runtime calls this after every durable checkpoint
// write — never before, so that an event for iteration N is never
// observable ahead of its checkpoint.
func (m *Manager) Publish(id string, evt SnapshotEvent) {
	m.mu.Lock()
	subs := append([]chan SnapshotEvent{}, m.streamers[id]...)
	m.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
			// A slow consumer must never block session execution; the
			// event is dropped for that subscriber only.
		}
	}
	if evt.TerminalStatus != "" {
		m.closeStreams(id, evt.TerminalStatus)
	}
}

// Emitter adapts Manager.Publish to the graph runtime's emit.Emitter
// contract, so the adapted graph.Engine can be constructed with it
// directly alongside (or instead of) a logging/OpenTelemetry emitter.
type Emitter struct {
	manager *Manager
}

// NewEmitter wraps a Manager as an emit.Emitter.
func NewEmitter(m *Manager) *Emitter {
	return &Emitter{manager: m}
}

// Emit implements emit.Emitter by translating a generic graph Event into
// a session SnapshotEvent and publishing it to that session's stream
// subscribers.
func (e *Emitter) Emit(event emit.Event) {
	evt := SnapshotEvent{Node: event.NodeID}
	if v, ok := event.Meta["iteration"].(int); ok {
		evt.Iteration = v
	}
	if v, ok := event.Meta["findings_count"].(int); ok {
		evt.FindingsCount = v
	}
	if v, ok := event.Meta["saturation"].(float64); ok {
		evt.Saturation = v
	}
	if v, ok := event.Meta["budget_remaining"].(float64); ok {
		evt.BudgetRemaining = v
	}
	if v, ok := event.Meta["stop_reason"].(string); ok {
		evt.StopReason = v
	}
	e.manager.Publish(event.RunID, evt)
}

// EmitBatch implements emit.Emitter by emitting each event in order.
func (e *Emitter) EmitBatch(ctx context.Context, events []emit.Event) error {
	for _, evt := range events {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.Emit(evt)
	}
	return nil
}

// Flush implements emit.Emitter. Publish is already synchronous with
// respect to the caller, so there is nothing buffered to flush.
func (e *Emitter) Flush(ctx context.Context) error {
	return nil
}
