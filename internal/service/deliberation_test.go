package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/NowSquare/Agent-AI-sub001/internal/config"
	"github.com/NowSquare/Agent-AI-sub001/internal/domain/deliberation"
	"github.com/NowSquare/Agent-AI-sub001/internal/domain/inbound"
	"github.com/NowSquare/Agent-AI-sub001/internal/port/broadcast"
	"github.com/NowSquare/Agent-AI-sub001/internal/port/capability"
	"github.com/NowSquare/Agent-AI-sub001/internal/workpool"
)

type toolFunc func(ctx context.Context, req capability.Request, call int) (any, error)

// toolScript maps tools to scripted answers. Language detection and planning
// have defaults; any other unscripted tool fails.
type toolScript map[capability.Tool]toolFunc

func (ts toolScript) provider() *scriptedProvider {
	return newScriptedProvider(func(ctx context.Context, req capability.Request, call int) (any, error) {
		if fn, ok := ts[req.Tool]; ok {
			return fn(ctx, req, call)
		}
		switch req.Tool {
		case capability.ToolDetectLanguage:
			return capability.LanguageDetection{Language: "en", Confidence: ptr(0.99)}, nil
		case capability.ToolPlan:
			return capability.Plan{Intent: "work out what the sender wants"}, nil
		}
		return nil, fmt.Errorf("unscripted tool %s", req.Tool)
	})
}

func reading(actionType string, conf float64, alts ...capability.Interpretation) capability.Interpretation {
	return capability.Interpretation{
		ActionType:         actionType,
		Parameters:         map[string]any{"topic": actionType},
		Confidence:         ptr(conf),
		NeedsClarification: ptr(false),
		Alternatives:       alts,
	}
}

func interpretAs(in capability.Interpretation) toolFunc {
	return func(context.Context, capability.Request, int) (any, error) { return in, nil }
}

// critiqueBy scores each candidate by its action type.
func critiqueBy(scores map[string]float64, reasons ...string) toolFunc {
	return func(_ context.Context, req capability.Request, _ int) (any, error) {
		s, ok := scores[req.Candidates[0].ActionType]
		if !ok {
			return nil, fmt.Errorf("no critique for %s", req.Candidates[0].ActionType)
		}
		return capability.Critique{Score: ptr(s), Reasons: reasons}, nil
	}
}

func testDeliberationConfig() config.Deliberation {
	cfg := config.Defaults().Deliberation
	cfg.RetryBase = 0
	cfg.Deadline = 5 * time.Second
	return cfg
}

func newTestDeliberation(p capability.Provider, store *mockStore, cfg config.Deliberation) *DeliberationService {
	svc := NewDeliberationService(p, store, &mockBroadcaster{}, workpool.NewPool(4), nil, cfg)
	var n atomic.Int64
	svc.newID = func() string {
		return fmt.Sprintf("id-%d", n.Add(1))
	}
	return svc
}

func testMessage() inbound.Message {
	return inbound.Message{
		MessageID: "<msg-1@example.com>",
		Subject:   "Meeting next week",
		FromEmail: "alice@example.com",
		TextBody:  "Can we meet on Tuesday to go over the budget?",
	}
}

func TestDeliberate_ClearWinnerFirstRound(t *testing.T) {
	store := newMockStore()
	p := toolScript{
		capability.ToolInterpret: interpretAs(reading("schedule_meeting", 0.6)),
		capability.ToolCritique:  critiqueBy(map[string]float64{"schedule_meeting": 0.6}, "date is clear"),
	}.provider()
	svc := newTestDeliberation(p, store, testDeliberationConfig())

	d, err := svc.Deliberate(context.Background(), DeliberationRequest{Message: testMessage()})
	if err != nil {
		t.Fatalf("Deliberate: %v", err)
	}

	if d.ActionType != "schedule_meeting" {
		t.Errorf("action type = %q", d.ActionType)
	}
	if math.Abs(d.Confidence-0.6) > 1e-9 {
		t.Errorf("confidence = %v, want 0.6", d.Confidence)
	}
	if d.NeedsClarification {
		t.Error("clear winner must not need clarification")
	}
	if d.Rounds != 1 {
		t.Errorf("rounds = %d, want 1", d.Rounds)
	}
	if d.Language != "en" {
		t.Errorf("language = %q, want en", d.Language)
	}
	if len(d.Votes) != 2 {
		t.Errorf("votes = %d, want worker + critic", len(d.Votes))
	}
	if len(d.Rationale) != 1 || d.Rationale[0] != "date is clear" {
		t.Errorf("rationale = %v", d.Rationale)
	}
	if p.callCount(capability.ToolArbitrate) != 0 {
		t.Error("arbiter must not be consulted for a clear winner")
	}

	// One audit record per invocation: language, plan, interpret, critique.
	if n := len(store.steps); n != 4 {
		t.Errorf("agent steps = %d, want 4", n)
	}
	for _, s := range store.steps {
		if s.DeliberationID != d.DeliberationID || s.MessageID != "<msg-1@example.com>" {
			t.Errorf("step not linked to deliberation: %+v", s)
		}
		if s.ProviderModel() != "scripted:test-model" || s.TokensIn != 12 || s.TokensOut != 7 {
			t.Errorf("step accounting missing: %+v", s)
		}
	}
	crit := store.stepsFor(capability.ToolCritique)
	if len(crit) != 1 || crit[0].VoteScore == nil || *crit[0].VoteScore != 0.6 || crit[0].CandidateID != d.CandidateID {
		t.Errorf("critic step = %+v", crit)
	}
}

func TestDeliberate_LanguagePassedToRoles(t *testing.T) {
	p := toolScript{
		capability.ToolDetectLanguage: func(context.Context, capability.Request, int) (any, error) {
			return capability.LanguageDetection{Language: "NL", Confidence: ptr(0.9)}, nil
		},
		capability.ToolInterpret: interpretAs(reading("reply_info", 0.9)),
		capability.ToolCritique:  critiqueBy(map[string]float64{"reply_info": 0.9}),
	}.provider()
	svc := newTestDeliberation(p, newMockStore(), testDeliberationConfig())

	d, err := svc.Deliberate(context.Background(), DeliberationRequest{Message: testMessage()})
	if err != nil {
		t.Fatal(err)
	}
	if d.Language != "nl" {
		t.Errorf("language = %q, want nl", d.Language)
	}
	for _, req := range p.requests(capability.ToolInterpret) {
		if req.Language != "nl" || req.Framing == "" {
			t.Errorf("worker request lacks language or framing: %+v", req)
		}
	}
}

func TestDeliberate_ArbiterBreaksThreeWayTie(t *testing.T) {
	store := newMockStore()
	p := toolScript{
		capability.ToolInterpret: interpretAs(reading("schedule_meeting", 0.70,
			reading("reply_info", 0.70),
			reading("create_task", 0.70),
		)),
		capability.ToolCritique: critiqueBy(map[string]float64{
			"schedule_meeting": 0.75,
			"reply_info":       0.70,
			"create_task":      0.69,
		}),
		capability.ToolArbitrate: func(_ context.Context, req capability.Request, _ int) (any, error) {
			if len(req.Candidates) != 3 {
				return nil, fmt.Errorf("arbiter got %d candidates", len(req.Candidates))
			}
			return capability.Arbitration{Votes: []capability.ArbiterVote{
				{CandidateID: "c1", Score: ptr(0.66)},
				{CandidateID: "c2", Score: ptr(0.64)},
				{CandidateID: "c3", Score: ptr(0.67)},
			}}, nil
		},
	}.provider()
	svc := newTestDeliberation(p, store, testDeliberationConfig())

	d, err := svc.Deliberate(context.Background(), DeliberationRequest{Message: testMessage()})
	if err != nil {
		t.Fatal(err)
	}

	if d.ActionType != "create_task" || !d.DecidedByArbiter {
		t.Fatalf("winner = %s (arbiter %v), want the arbiter's pick create_task", d.ActionType, d.DecidedByArbiter)
	}
	if d.NeedsClarification {
		t.Error("arbiter-decided winner above the clear-winner threshold must not need clarification")
	}
	if len(d.Alternatives) != 2 {
		t.Fatalf("alternatives = %d, want 2", len(d.Alternatives))
	}
	if d.Alternatives[0].ActionType != "schedule_meeting" {
		t.Errorf("first alternative = %s, want the highest-mean runner-up", d.Alternatives[0].ActionType)
	}
	if d.CandidateCount() != 3 {
		t.Errorf("candidate count = %d, want 3", d.CandidateCount())
	}
}

func TestDeliberate_WorkerRetriedThenSucceeds(t *testing.T) {
	store := newMockStore()
	p := toolScript{
		capability.ToolInterpret: func(_ context.Context, _ capability.Request, call int) (any, error) {
			if call == 1 {
				return nil, errors.New("upstream 502")
			}
			return reading("schedule_meeting", 0.9), nil
		},
		capability.ToolCritique: critiqueBy(map[string]float64{"schedule_meeting": 0.9}),
	}.provider()
	svc := newTestDeliberation(p, store, testDeliberationConfig())

	d, err := svc.Deliberate(context.Background(), DeliberationRequest{Message: testMessage()})
	if err != nil {
		t.Fatal(err)
	}
	if d.ActionType != "schedule_meeting" {
		t.Errorf("action type = %q", d.ActionType)
	}

	steps := store.stepsFor(capability.ToolInterpret)
	if len(steps) != 2 {
		t.Fatalf("interpret steps = %d, want one per attempt", len(steps))
	}
	if steps[0].Attempt != 1 || steps[0].Error == "" {
		t.Errorf("first attempt should record the failure: %+v", steps[0])
	}
	if steps[1].Attempt != 2 || steps[1].Error != "" {
		t.Errorf("second attempt should succeed: %+v", steps[1])
	}
}

func TestDeliberate_AllRolesAbstain(t *testing.T) {
	store := newMockStore()
	p := toolScript{
		capability.ToolInterpret: func(context.Context, capability.Request, int) (any, error) {
			return nil, errors.New("provider down")
		},
	}.provider()
	cfg := testDeliberationConfig()
	svc := newTestDeliberation(p, store, cfg)

	_, err := svc.Deliberate(context.Background(), DeliberationRequest{Message: testMessage()})
	if !errors.Is(err, deliberation.ErrDeliberationExhausted) {
		t.Fatalf("expected ErrDeliberationExhausted, got %v", err)
	}

	// Every round retries the worker MaxRetries times after the first attempt.
	want := cfg.MaxRounds * (cfg.MaxRetries + 1)
	if got := p.callCount(capability.ToolInterpret); got != want {
		t.Errorf("interpret calls = %d, want %d", got, want)
	}
	if p.callCount(capability.ToolCritique) != 0 {
		t.Error("critic must not run without candidates")
	}
}

func TestDeliberate_SchemaInvalidOutputAbstains(t *testing.T) {
	store := newMockStore()
	p := toolScript{
		capability.ToolInterpret: func(context.Context, capability.Request, int) (any, error) {
			return `{"action_type":"schedule_meeting","parameters":{},"confidence":1.4,"needs_clarification":false}`, nil
		},
	}.provider()
	cfg := testDeliberationConfig()
	cfg.MaxRounds = 1
	svc := newTestDeliberation(p, store, cfg)

	_, err := svc.Deliberate(context.Background(), DeliberationRequest{Message: testMessage()})
	if !errors.Is(err, deliberation.ErrDeliberationExhausted) {
		t.Fatalf("out-of-range confidence must be a capability failure, got %v", err)
	}
	for _, s := range store.stepsFor(capability.ToolInterpret) {
		if !strings.Contains(s.Error, "schema") {
			t.Errorf("step error = %q, want schema failure", s.Error)
		}
	}
}

func TestDeliberate_RoundsExhaustedForcesClarification(t *testing.T) {
	p := toolScript{
		capability.ToolInterpret: interpretAs(reading("schedule_meeting", 0.3)),
		capability.ToolCritique:  critiqueBy(map[string]float64{"schedule_meeting": 0.3}, "no date given"),
		capability.ToolArbitrate: func(context.Context, capability.Request, int) (any, error) {
			return capability.Arbitration{
				Votes:               []capability.ArbiterVote{{CandidateID: "c1", Score: ptr(0.4)}},
				ClarificationPrompt: "Which day works for you?",
			}, nil
		},
	}.provider()
	svc := newTestDeliberation(p, newMockStore(), testDeliberationConfig())

	d, err := svc.Deliberate(context.Background(), DeliberationRequest{Message: testMessage()})
	if err != nil {
		t.Fatal(err)
	}

	if !d.NeedsClarification {
		t.Fatal("forced decision must need clarification")
	}
	if d.ClarificationPrompt != "Which day works for you?" {
		t.Errorf("prompt = %q", d.ClarificationPrompt)
	}
	if d.Rounds != 2 {
		t.Errorf("rounds = %d, want 2", d.Rounds)
	}

	// Critic feedback is folded into the second round's worker prompt.
	reqs := p.requests(capability.ToolInterpret)
	if len(reqs) != 2 {
		t.Fatalf("interpret calls = %d, want 2", len(reqs))
	}
	if len(reqs[0].Feedback) != 0 {
		t.Errorf("round 1 feedback = %v, want none", reqs[0].Feedback)
	}
	if len(reqs[1].Feedback) != 1 || reqs[1].Feedback[0] != "no date given" {
		t.Errorf("round 2 feedback = %v", reqs[1].Feedback)
	}
}

func TestDeliberate_ForcedPromptGeneratedWhenArbiterAbstains(t *testing.T) {
	p := toolScript{
		capability.ToolInterpret: interpretAs(reading("schedule_meeting", 0.3, reading("reply_info", 0.28))),
		capability.ToolCritique: critiqueBy(map[string]float64{
			"schedule_meeting": 0.3,
			"reply_info":       0.3,
		}, "unclear intent"),
	}.provider()
	svc := newTestDeliberation(p, newMockStore(), testDeliberationConfig())

	d, err := svc.Deliberate(context.Background(), DeliberationRequest{Message: testMessage()})
	if err != nil {
		t.Fatal(err)
	}
	if !d.NeedsClarification {
		t.Fatal("expected clarification")
	}
	for _, want := range []string{"schedule meeting", "reply info", "unclear intent"} {
		if !strings.Contains(d.ClarificationPrompt, want) {
			t.Errorf("prompt %q should mention %q", d.ClarificationPrompt, want)
		}
	}
}

func TestDeliberate_DeadlineUsesAvailableVotes(t *testing.T) {
	p := toolScript{
		capability.ToolInterpret: interpretAs(reading("schedule_meeting", 0.4)),
		capability.ToolCritique: func(ctx context.Context, _ capability.Request, _ int) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}.provider()
	cfg := testDeliberationConfig()
	cfg.Deadline = 50 * time.Millisecond
	svc := newTestDeliberation(p, newMockStore(), cfg)

	start := time.Now()
	d, err := svc.Deliberate(context.Background(), DeliberationRequest{Message: testMessage()})
	if err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("deliberation must not block past its deadline")
	}
	if !d.NeedsClarification || d.ClarificationPrompt == "" {
		t.Errorf("deadline decision should ask for clarification: %+v", d)
	}
	if len(d.Votes) != 1 || d.Votes[0].Role != deliberation.RoleWorker {
		t.Errorf("votes = %+v, want the worker vote only", d.Votes)
	}
	if p.callCount(capability.ToolCritique) != 1 {
		t.Errorf("critic calls = %d, a deadline is not retried", p.callCount(capability.ToolCritique))
	}
}

func TestDeliberate_DeadlineWithoutVotes(t *testing.T) {
	p := toolScript{
		capability.ToolInterpret: func(ctx context.Context, _ capability.Request, _ int) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}.provider()
	cfg := testDeliberationConfig()
	cfg.Deadline = 30 * time.Millisecond
	svc := newTestDeliberation(p, newMockStore(), cfg)

	_, err := svc.Deliberate(context.Background(), DeliberationRequest{Message: testMessage()})
	if !errors.Is(err, deliberation.ErrDeliberationExhausted) {
		t.Fatalf("expected ErrDeliberationExhausted, got %v", err)
	}
}

func TestDeliberate_ArbiterVoteForUnknownCandidateIgnored(t *testing.T) {
	p := toolScript{
		capability.ToolInterpret: interpretAs(reading("schedule_meeting", 0.6, reading("reply_info", 0.6))),
		capability.ToolCritique: critiqueBy(map[string]float64{
			"schedule_meeting": 0.6,
			"reply_info":       0.6,
		}),
		capability.ToolArbitrate: func(context.Context, capability.Request, int) (any, error) {
			return capability.Arbitration{Votes: []capability.ArbiterVote{
				{CandidateID: "c9", Score: ptr(1.0)},
				{CandidateID: "c2", Score: ptr(0.8)},
			}}, nil
		},
	}.provider()
	svc := newTestDeliberation(p, newMockStore(), testDeliberationConfig())

	d, err := svc.Deliberate(context.Background(), DeliberationRequest{Message: testMessage()})
	if err != nil {
		t.Fatal(err)
	}
	if d.CandidateID != "c2" {
		t.Errorf("winner = %s, want c2", d.CandidateID)
	}
	for _, v := range d.Votes {
		if v.CandidateID == "c9" {
			t.Error("vote for unknown candidate must be discarded")
		}
	}
}

func TestDeliberate_DuplicateReadingsShareCandidate(t *testing.T) {
	cfg := testDeliberationConfig()
	cfg.Workers = 3
	p := toolScript{
		capability.ToolInterpret: interpretAs(reading("schedule_meeting", 0.9)),
		capability.ToolCritique:  critiqueBy(map[string]float64{"schedule_meeting": 0.9}),
	}.provider()
	hub := &mockBroadcaster{}
	svc := newTestDeliberation(p, newMockStore(), cfg)
	svc.hub = hub

	d, err := svc.Deliberate(context.Background(), DeliberationRequest{Message: testMessage()})
	if err != nil {
		t.Fatal(err)
	}
	if p.callCount(capability.ToolCritique) != 1 {
		t.Errorf("identical readings should be critiqued once, got %d", p.callCount(capability.ToolCritique))
	}
	if len(d.Votes) != 4 {
		t.Errorf("votes = %d, want 3 worker + 1 critic", len(d.Votes))
	}
	if hub.count(broadcast.EventDecision) != 1 {
		t.Error("decision should be broadcast once")
	}
	if hub.count(broadcast.EventAgentStep) == 0 {
		t.Error("agent steps should be broadcast")
	}
}

func TestDeliberate_RejectsInvalidMessage(t *testing.T) {
	svc := newTestDeliberation(toolScript{}.provider(), newMockStore(), testDeliberationConfig())
	msg := testMessage()
	msg.FromEmail = "nobody"
	if _, err := svc.Deliberate(context.Background(), DeliberationRequest{Message: msg}); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestExtractMemories(t *testing.T) {
	store := newMockStore()
	p := toolScript{
		capability.ToolExtractMemory: func(context.Context, capability.Request, int) (any, error) {
			return `{"items":[{"key":"preferred_day","value":"tuesday","scope":"user","ttl_category":"seasonal","confidence":0.8}]}`, nil
		},
	}.provider()
	svc := newTestDeliberation(p, store, testDeliberationConfig())

	items, err := svc.ExtractMemories(context.Background(), DeliberationRequest{ID: "d-1", Message: testMessage()})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].Key != "preferred_day" {
		t.Fatalf("items = %+v", items)
	}
	if steps := store.stepsFor(capability.ToolExtractMemory); len(steps) != 1 || steps[0].DeliberationID != "d-1" {
		t.Errorf("extraction steps = %+v", steps)
	}
}

func TestBackoffStopsAfterMaxRetries(t *testing.T) {
	cfg := testDeliberationConfig()
	cfg.RetryBase = 10 * time.Millisecond
	cfg.MaxRetries = 2
	svc := newTestDeliberation(toolScript{}.provider(), newMockStore(), cfg)

	b := svc.backoff(deliberation.RoleWorker)
	var waits []time.Duration
	for {
		d, stop := b.Next()
		if stop {
			break
		}
		waits = append(waits, d)
	}
	if len(waits) != 2 || waits[0] != 10*time.Millisecond || waits[1] != 20*time.Millisecond {
		t.Errorf("waits = %v, want [10ms 20ms]", waits)
	}
}
