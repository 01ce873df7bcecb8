package session

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeStore is a minimal in-memory Store double for manager tests,
// following the teacher's MockChatModel/MockTool style: a small struct
// recording session state, safe for concurrent use.
type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]Session
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: make(map[string]Session)}
}

func (f *fakeStore) Create(ctx context.Context, s Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[s.ID] = s
	return nil
}

func (f *fakeStore) Get(ctx context.Context, id string) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

func (f *fakeStore) List(ctx context.Context, userID string, status *Status) ([]Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Session
	for _, s := range f.sessions {
		if s.UserID != userID {
			continue
		}
		if status != nil && s.Status != *status {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeStore) CompareAndSwapStatus(ctx context.Context, id string, expected, next Status, reason FailureReason) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.Status != expected {
		return conflictError(expected)
	}
	s.Status = next
	s.FailureReason = reason
	if next == StatusCompleted || next == StatusFailed {
		now := time.Now()
		s.CompletedAt = &now
	}
	f.sessions[id] = s
	return nil
}

func (f *fakeStore) UpdateStats(ctx context.Context, id string, stats Stats) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.TotalIterations = stats.TotalIterations
	s.TotalFindings = stats.TotalFindings
	f.sessions[id] = s
	return nil
}

func (f *fakeStore) Close() error { return nil }

type fakeDispatcher struct {
	mu      sync.Mutex
	started []string
}

func (d *fakeDispatcher) Drive(ctx context.Context, sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = append(d.started, sessionID)
}

func TestManager_CreateRejectsEmptyQuery(t *testing.T) {
	m := NewManager(newFakeStore(), &fakeDispatcher{})
	if _, err := m.Create(context.Background(), "u1", "", DefaultConfig()); err != ErrInvalidQuery {
		t.Errorf("expected ErrInvalidQuery for empty query, got %v", err)
	}
}

func TestManager_CreateThenGet(t *testing.T) {
	ctx := context.Background()
	m := NewManager(newFakeStore(), &fakeDispatcher{})

	id, err := m.Create(ctx, "u1", "deep comparative survey of consensus algorithms", DefaultConfig())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	sess, err := m.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if sess.Status != StatusActive {
		t.Errorf("expected newly created session active, got %s", sess.Status)
	}
	if sess.ThreadID == "" {
		t.Error("expected a derived thread id")
	}
}

func TestManager_CreateCancelGetIsIdempotentUnderRepeatedCancel(t *testing.T) {
	// R1: create -> cancel -> get is idempotent under repeated cancel.
	ctx := context.Background()
	m := NewManager(newFakeStore(), &fakeDispatcher{})
	id, _ := m.Create(ctx, "u1", "q", DefaultConfig())

	if err := m.Cancel(ctx, id); err != nil {
		t.Fatalf("first cancel failed: %v", err)
	}
	firstErr := m.Cancel(ctx, id)
	if firstErr != ErrTerminal {
		t.Errorf("expected ErrTerminal on repeated cancel, got %v", firstErr)
	}

	sess, err := m.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if sess.Status != StatusFailed || sess.FailureReason != ReasonUserCancelled {
		t.Errorf("expected failed(user_cancelled), got %s/%s", sess.Status, sess.FailureReason)
	}
}

func TestManager_PauseResumePauseLeavesEquivalentState(t *testing.T) {
	// R2: pause -> resume -> pause leaves state equivalent to the first pause.
	ctx := context.Background()
	dispatcher := &fakeDispatcher{}
	m := NewManager(newFakeStore(), dispatcher)
	id, _ := m.Create(ctx, "u1", "q", DefaultConfig())

	if err := m.Pause(ctx, id); err != nil {
		t.Fatalf("first pause failed: %v", err)
	}
	first, _ := m.Get(ctx, id)

	if err := m.Resume(ctx, id); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if err := m.Pause(ctx, id); err != nil {
		t.Fatalf("second pause failed: %v", err)
	}
	second, _ := m.Get(ctx, id)

	if first.Status != second.Status {
		t.Errorf("expected equivalent status across pause/resume/pause, got %s vs %s", first.Status, second.Status)
	}
	if len(dispatcher.started) != 1 {
		t.Errorf("expected exactly one Drive call from the single resume, got %d", len(dispatcher.started))
	}
}

func TestManager_StreamReceivesPublishedEventsInOrder(t *testing.T) {
	ctx := context.Background()
	m := NewManager(newFakeStore(), &fakeDispatcher{})
	id, _ := m.Create(ctx, "u1", "q", DefaultConfig())

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch, err := m.Stream(streamCtx, id)
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	m.Publish(id, SnapshotEvent{Node: "plan", Iteration: 1})
	m.Publish(id, SnapshotEvent{Node: "dispatch", Iteration: 1})

	first := <-ch
	second := <-ch
	if first.Node != "plan" || second.Node != "dispatch" {
		t.Errorf("expected events observed in publish order, got %q then %q", first.Node, second.Node)
	}
}

func TestManager_StreamClosesOnTerminalStatus(t *testing.T) {
	ctx := context.Background()
	m := NewManager(newFakeStore(), &fakeDispatcher{})
	id, _ := m.Create(ctx, "u1", "q", DefaultConfig())

	ch, _ := m.Stream(ctx, id)
	m.Publish(id, SnapshotEvent{Node: "synthesize", TerminalStatus: StatusCompleted})

	evt, ok := <-ch
	if !ok || evt.TerminalStatus != StatusCompleted {
		t.Fatalf("expected terminal event before close, got %+v ok=%v", evt, ok)
	}
	if _, ok := <-ch; ok {
		t.Error("expected channel closed after terminal event")
	}
}
