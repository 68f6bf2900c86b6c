package service

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/NowSquare/Agent-AI-sub001/internal/domain"
	"github.com/NowSquare/Agent-AI-sub001/internal/domain/action"
	"github.com/NowSquare/Agent-AI-sub001/internal/domain/deliberation"
	"github.com/NowSquare/Agent-AI-sub001/internal/domain/memory"
	"github.com/NowSquare/Agent-AI-sub001/internal/port/capability"
	"github.com/NowSquare/Agent-AI-sub001/internal/port/database"
	"github.com/NowSquare/Agent-AI-sub001/internal/port/messagequeue"
)

// Ensure mockStore implements database.Store at compile time.
var _ database.Store = (*mockStore)(nil)

// mockStore is an in-memory implementation of database.Store for testing.
// TransitionAction applies the same version check as the Postgres store.
type mockStore struct {
	mu       sync.Mutex
	actions  map[string]action.Action
	steps    []deliberation.AgentStep
	memories map[string]memory.Memory

	// Error hooks: set these to inject failures.
	createActionErr error
	transitionErr   error
	appendStepErr   error
	upsertMemoryErr error
}

func newMockStore() *mockStore {
	return &mockStore{
		actions:  make(map[string]action.Action),
		memories: make(map[string]memory.Memory),
	}
}

func (m *mockStore) CreateAction(_ context.Context, a *action.Action) error {
	if m.createActionErr != nil {
		return m.createActionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.actions[a.ID]; ok {
		return domain.ErrConflict
	}
	a.Version = 1
	m.actions[a.ID] = *a
	return nil
}

func (m *mockStore) GetAction(_ context.Context, id string) (*action.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &a, nil
}

func (m *mockStore) TransitionAction(_ context.Context, t action.Transition) (*action.Action, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if m.transitionErr != nil {
		return nil, m.transitionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[t.ActionID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if a.Status != t.From || a.Version != t.Version {
		return nil, domain.ErrConflict
	}
	a.Status = t.To
	a.Version++
	if t.Type != "" {
		a.Type = t.Type
		a.Payload = t.Payload
	}
	if t.FailureReason != "" {
		a.FailureReason = t.FailureReason
	}
	a.UpdatedAt = t.At
	if t.CompletesAction() {
		at := t.At
		a.CompletedAt = &at
	}
	m.actions[a.ID] = a
	return &a, nil
}

func (m *mockStore) ListExpiredAwaiting(_ context.Context, now time.Time, limit int) ([]action.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []action.Action
	for _, a := range m.actions {
		if a.Status == action.StatusAwaitingConfirmation && a.ExpiresAt != nil && !a.ExpiresAt.After(now) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockStore) AppendAgentStep(_ context.Context, s *deliberation.AgentStep) error {
	if m.appendStepErr != nil {
		return m.appendStepErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, *s)
	return nil
}

func (m *mockStore) GetAgentStep(_ context.Context, id string) (*deliberation.AgentStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.steps {
		if m.steps[i].ID == id {
			s := m.steps[i]
			return &s, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *mockStore) ListAgentSteps(_ context.Context, f deliberation.StepFilter) ([]deliberation.AgentStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []deliberation.AgentStep
	for _, s := range m.steps {
		if f.DeliberationID != "" && s.DeliberationID != f.DeliberationID {
			continue
		}
		if f.MessageID != "" && s.MessageID != f.MessageID {
			continue
		}
		if f.Role != "" && s.Role != f.Role {
			continue
		}
		out = append(out, s)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// stepsFor returns the recorded steps for tool in insertion order.
func (m *mockStore) stepsFor(tool capability.Tool) []deliberation.AgentStep {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []deliberation.AgentStep
	for _, s := range m.steps {
		if s.Tool == string(tool) {
			out = append(out, s)
		}
	}
	return out
}

func memoryKey(scope memory.Scope, scopeID, key string) string {
	return string(scope) + "/" + scopeID + "/" + key
}

func (m *mockStore) UpsertMemory(_ context.Context, mem *memory.Memory) error {
	if m.upsertMemoryErr != nil {
		return m.upsertMemoryErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memoryKey(mem.Scope, mem.ScopeID, mem.Key)
	if prev, ok := m.memories[k]; ok {
		mem.ID = prev.ID
		mem.CreatedAt = prev.CreatedAt
		mem.Version = prev.Version + 1
	} else {
		mem.Version = 1
	}
	m.memories[k] = *mem
	return nil
}

func (m *mockStore) ListMemories(_ context.Context, scope memory.Scope, scopeID string) ([]memory.Memory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []memory.Memory
	for _, mem := range m.memories {
		if mem.Scope == scope && mem.ScopeID == scopeID {
			out = append(out, mem)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *mockStore) DeleteExpiredMemories(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, mem := range m.memories {
		if mem.ExpiresAt != nil && !mem.ExpiresAt.After(now) {
			delete(m.memories, k)
			n++
		}
	}
	return n, nil
}

// published is one message sent through mockQueue.
type published struct {
	subject string
	data    []byte
}

// mockQueue implements messagequeue.Queue in memory.
type mockQueue struct {
	mu         sync.Mutex
	msgs       []published
	handlers   map[string]messagequeue.Handler
	publishErr error
}

func newMockQueue() *mockQueue {
	return &mockQueue{handlers: make(map[string]messagequeue.Handler)}
}

func (q *mockQueue) Publish(_ context.Context, subject string, data []byte) error {
	if q.publishErr != nil {
		return q.publishErr
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.msgs = append(q.msgs, published{subject: subject, data: data})
	return nil
}

func (q *mockQueue) Subscribe(_ context.Context, subject string, h messagequeue.Handler) (func(), error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[subject] = h
	return func() {
		q.mu.Lock()
		delete(q.handlers, subject)
		q.mu.Unlock()
	}, nil
}

func (q *mockQueue) Drain() error      { return nil }
func (q *mockQueue) Close() error      { return nil }
func (q *mockQueue) IsConnected() bool { return true }

// deliver invokes the handler registered for subject.
func (q *mockQueue) deliver(ctx context.Context, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	q.mu.Lock()
	h := q.handlers[subject]
	q.mu.Unlock()
	return h(ctx, subject, data)
}

// count returns how many messages were published on subject.
func (q *mockQueue) count(subject string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, m := range q.msgs {
		if m.subject == subject {
			n++
		}
	}
	return n
}

// last decodes the most recent message on subject into v.
func (q *mockQueue) last(subject string, v any) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := len(q.msgs) - 1; i >= 0; i-- {
		if q.msgs[i].subject == subject {
			return json.Unmarshal(q.msgs[i].data, v) == nil
		}
	}
	return false
}

// mockBroadcaster records broadcast event types.
type mockBroadcaster struct {
	mu     sync.Mutex
	events []string
}

func (b *mockBroadcaster) BroadcastEvent(_ context.Context, eventType string, _ any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, eventType)
}

func (b *mockBroadcaster) count(eventType string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.events {
		if e == eventType {
			n++
		}
	}
	return n
}

// scriptedProvider answers capability requests from a test script.
type scriptedProvider struct {
	mu     sync.Mutex
	calls  map[capability.Tool]int
	reqs   []capability.Request
	script func(ctx context.Context, req capability.Request, call int) (any, error)
}

func newScriptedProvider(script func(ctx context.Context, req capability.Request, call int) (any, error)) *scriptedProvider {
	return &scriptedProvider{calls: make(map[capability.Tool]int), script: script}
}

func (p *scriptedProvider) Invoke(ctx context.Context, req capability.Request) (*capability.Response, error) {
	p.mu.Lock()
	p.calls[req.Tool]++
	n := p.calls[req.Tool]
	p.reqs = append(p.reqs, req)
	p.mu.Unlock()

	out, err := p.script(ctx, req, n)
	if err != nil {
		return nil, err
	}
	raw, ok := out.(string)
	if !ok {
		b, err := json.Marshal(out)
		if err != nil {
			return nil, err
		}
		raw = string(b)
	}
	return &capability.Response{
		Raw:       json.RawMessage(raw),
		Provider:  "scripted",
		Model:     "test-model",
		TokensIn:  12,
		TokensOut: 7,
	}, nil
}

func (p *scriptedProvider) callCount(tool capability.Tool) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[tool]
}

// requests returns the requests made for tool in call order.
func (p *scriptedProvider) requests(tool capability.Tool) []capability.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []capability.Request
	for _, r := range p.reqs {
		if r.Tool == tool {
			out = append(out, r)
		}
	}
	return out
}

func ptr[T any](v T) *T { return &v }
