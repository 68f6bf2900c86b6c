package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	cfotel "github.com/NowSquare/Agent-AI-sub001/internal/adapter/otel"
	"github.com/NowSquare/Agent-AI-sub001/internal/config"
	"github.com/NowSquare/Agent-AI-sub001/internal/domain/deliberation"
	"github.com/NowSquare/Agent-AI-sub001/internal/domain/inbound"
	"github.com/NowSquare/Agent-AI-sub001/internal/domain/memory"
	"github.com/NowSquare/Agent-AI-sub001/internal/port/broadcast"
	"github.com/NowSquare/Agent-AI-sub001/internal/port/capability"
	"github.com/NowSquare/Agent-AI-sub001/internal/port/database"
	"github.com/NowSquare/Agent-AI-sub001/internal/workpool"
)

// DeliberationRequest is the input of one deliberation.
type DeliberationRequest struct {
	// ID is generated when empty.
	ID      string
	Message inbound.Message
	// Feedback seeds the first round's prompt context, e.g. the action a
	// clarification reply refers to.
	Feedback []string
}

// DeliberationService runs the Planner, Worker, Critic and Arbiter roles
// over one inbound message and emits a Decision. It keeps no state between
// deliberations.
type DeliberationService struct {
	provider capability.Provider
	steps    database.AgentStepStore
	hub      broadcast.Broadcaster
	pool     *workpool.Pool
	metrics  *cfotel.Metrics
	cfg      config.Deliberation
	policy   deliberation.AggregatePolicy

	now   func() time.Time
	newID func() string
}

// NewDeliberationService creates a DeliberationService. hub and metrics may be nil.
func NewDeliberationService(
	provider capability.Provider,
	steps database.AgentStepStore,
	hub broadcast.Broadcaster,
	pool *workpool.Pool,
	metrics *cfotel.Metrics,
	cfg config.Deliberation,
) *DeliberationService {
	if hub == nil {
		hub = broadcast.Nop{}
	}
	return &DeliberationService{
		provider: provider,
		steps:    steps,
		hub:      hub,
		pool:     pool,
		metrics:  metrics,
		cfg:      cfg,
		policy: deliberation.AggregatePolicy{
			Weights: deliberation.Weights{
				Worker:  cfg.WorkerWeight,
				Critic:  cfg.CriticWeight,
				Arbiter: cfg.ArbiterWeight,
			},
			TieEpsilon: cfg.TieEpsilon,
			MaxReasons: cfg.MaxReasons,
		},
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// NewID returns a fresh deliberation ID.
func (s *DeliberationService) NewID() string {
	return s.newID()
}

// Deliberate runs rounds until a clear winner emerges, the round limit is
// reached or the deadline passes. Without a clear winner the Arbiter forces a
// Decision flagged for clarification. It returns ErrDeliberationExhausted when
// no role produced a usable vote.
func (s *DeliberationService) Deliberate(ctx context.Context, req DeliberationRequest) (*deliberation.Decision, error) {
	if err := req.Message.Validate(); err != nil {
		return nil, err
	}
	if req.ID == "" {
		req.ID = s.newID()
	}

	start := s.now()
	ctx, span := cfotel.StartDeliberationSpan(ctx, req.ID, req.Message.MessageID)
	defer span.End()

	if s.cfg.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Deadline)
		defer cancel()
	}

	r := &deliberationRun{
		svc:   s,
		scope: stepScope{deliberationID: req.ID, messageID: req.Message.MessageID},
		msg:   req.Message,
		index: make(map[string]int),
	}
	d, err := r.run(ctx, req.Feedback)

	outcome := "decided"
	switch {
	case err != nil:
		outcome = "exhausted"
	case d.NeedsClarification:
		outcome = "clarify"
	}
	if s.metrics != nil {
		s.metrics.Deliberations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
		s.metrics.DeliberationDuration.Record(ctx, s.now().Sub(start).Seconds())
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Warn("deliberation exhausted",
			"deliberation_id", req.ID,
			"message_id", req.Message.MessageID,
			"error", err,
		)
		return nil, err
	}

	span.SetAttributes(
		attribute.String("decision.action_type", d.ActionType),
		attribute.Float64("decision.confidence", d.Confidence),
		attribute.Int("decision.rounds", d.Rounds),
	)
	slog.Info("deliberation decided",
		"deliberation_id", d.DeliberationID,
		"message_id", req.Message.MessageID,
		"action_type", d.ActionType,
		"confidence", d.Confidence,
		"needs_clarification", d.NeedsClarification,
		"rounds", d.Rounds,
		"decided_by_arbiter", d.DecidedByArbiter,
	)
	s.hub.BroadcastEvent(ctx, broadcast.EventDecision, d)
	return d, nil
}

// ExtractMemories asks the provider for memory candidates found in the
// message. Items are returned unvalidated; the memory gate filters them.
func (s *DeliberationService) ExtractMemories(ctx context.Context, req DeliberationRequest) ([]memory.Candidate, error) {
	scope := stepScope{deliberationID: req.ID, messageID: req.Message.MessageID}
	res, err := invoke[capability.MemoryExtraction](ctx, s, scope, capability.Request{
		Tool:    capability.ToolExtractMemory,
		Role:    deliberation.RoleWorker,
		Round:   1,
		Message: req.Message,
	}, "")
	if err != nil {
		return nil, err
	}
	return res.Items, nil
}

// deliberationRun is the round state of one deliberation. It is owned by the
// coordinating goroutine; role goroutines only read it.
type deliberationRun struct {
	svc      *DeliberationService
	scope    stepScope
	msg      inbound.Message
	language string
	framing  string

	candidates []deliberation.Candidate
	index      map[string]int // canonical interpretation -> position in candidates
}

func (r *deliberationRun) run(ctx context.Context, seed []string) (*deliberation.Decision, error) {
	cfg := r.svc.cfg
	r.detectLanguage(ctx)

	var (
		votes    []deliberation.Vote
		ranking  deliberation.Ranking
		rounds   int
		feedback = seed
	)
	for round := 1; round <= cfg.MaxRounds && ctx.Err() == nil; round++ {
		rounds = round
		rv, rk, critique := r.round(ctx, round, feedback)
		if len(rk.Tallies) > 0 {
			votes, ranking = rv, rk
		}
		if w := rk.Winner(); w != nil && !rk.Tied && w.Score >= cfg.ClearWinner {
			return r.decide(votes, ranking, rounds, false, ""), nil
		}
		feedback = deliberation.MergeReasons(0, seed, critique)
	}

	if ranking.Winner() == nil {
		return nil, fmt.Errorf("%w: message %s after %d round(s)",
			deliberation.ErrDeliberationExhausted, r.msg.MessageID, rounds)
	}

	prompt := ""
	if ctx.Err() == nil && !ranking.DecidedByArbiter {
		av, p := r.arbitrate(ctx, rounds, r.finalists(ranking))
		if len(av) > 0 {
			votes = append(votes, av...)
			ranking = r.svc.policy.Rank(votes)
		}
		prompt = p
	}
	if prompt == "" {
		prompt = r.disagreement(ranking)
	}
	return r.decide(votes, ranking, rounds, true, prompt), nil
}

// round runs one Planner, Worker, Critic pass and, on a tie, the Arbiter.
// It returns the round's votes, their ranking and the Critic reasons.
func (r *deliberationRun) round(ctx context.Context, round int, feedback []string) ([]deliberation.Vote, deliberation.Ranking, []string) {
	r.plan(ctx, round, feedback)

	workers := max(r.svc.cfg.Workers, 1)
	readings := make([]*capability.Interpretation, workers)
	_ = r.svc.pool.Each(ctx, workers, func(ctx context.Context, i int) {
		req := r.request(deliberation.RoleWorker, round, feedback, nil)
		readings[i], _ = invoke[capability.Interpretation](ctx, r.svc, r.scope, req, "")
	})

	var (
		votes    []deliberation.Vote
		proposed []deliberation.Candidate
		seen     = make(map[string]bool)
	)
	for _, in := range readings {
		if in == nil {
			continue
		}
		for _, it := range flatten(in) {
			c := r.propose(&it)
			votes = append(votes, deliberation.Vote{
				CandidateID: c.ID,
				Role:        deliberation.RoleWorker,
				Score:       *it.Confidence,
				EvidenceIDs: it.EvidenceIDs,
			})
			if !seen[c.ID] {
				seen[c.ID] = true
				proposed = append(proposed, c)
			}
		}
	}

	critiques := make([]*capability.Critique, len(proposed))
	_ = r.svc.pool.Each(ctx, len(proposed), func(ctx context.Context, i int) {
		req := r.request(deliberation.RoleCritic, round, feedback, proposed[i:i+1])
		critiques[i], _ = invoke[capability.Critique](ctx, r.svc, r.scope, req, proposed[i].ID)
	})

	var reasons []string
	for i, c := range critiques {
		if c == nil {
			continue
		}
		votes = append(votes, deliberation.Vote{
			CandidateID: proposed[i].ID,
			Role:        deliberation.RoleCritic,
			Score:       *c.Score,
			Reasons:     c.Reasons,
			EvidenceIDs: c.EvidenceIDs,
		})
		reasons = append(reasons, c.Reasons...)
	}

	ranking := r.svc.policy.Rank(votes)
	if ranking.Tied && ctx.Err() == nil {
		if av, _ := r.arbitrate(ctx, round, ranking.Contenders); len(av) > 0 {
			votes = append(votes, av...)
			ranking = r.svc.policy.Rank(votes)
		}
	}
	return votes, ranking, reasons
}

func (r *deliberationRun) detectLanguage(ctx context.Context) {
	req := capability.Request{
		Tool:    capability.ToolDetectLanguage,
		Role:    deliberation.RolePlanner,
		Round:   1,
		Message: r.msg,
	}
	res, err := invoke[capability.LanguageDetection](ctx, r.svc, r.scope, req, "")
	if err != nil {
		return
	}
	r.language = strings.ToLower(strings.TrimSpace(res.Language))
}

// plan refreshes the framing. A failed Planner leaves the previous framing.
func (r *deliberationRun) plan(ctx context.Context, round int, feedback []string) {
	res, err := invoke[capability.Plan](ctx, r.svc, r.scope, r.request(deliberation.RolePlanner, round, feedback, nil), "")
	if err != nil {
		return
	}
	r.framing = strings.TrimSpace(res.Intent)
	if len(res.Steps) > 0 {
		r.framing += "\n- " + strings.Join(res.Steps, "\n- ")
	}
	if r.language == "" && res.Language != "" {
		r.language = strings.ToLower(strings.TrimSpace(res.Language))
	}
}

// arbitrate asks the Arbiter to score the given candidates. Votes for
// candidates outside ids are discarded.
func (r *deliberationRun) arbitrate(ctx context.Context, round int, ids []string) ([]deliberation.Vote, string) {
	if len(ids) == 0 {
		return nil, ""
	}
	allowed := make(map[string]bool, len(ids))
	cands := make([]deliberation.Candidate, 0, len(ids))
	for _, id := range ids {
		allowed[id] = true
		cands = append(cands, r.candidate(id))
	}

	res, err := invoke[capability.Arbitration](ctx, r.svc, r.scope, r.request(deliberation.RoleArbiter, round, nil, cands), "")
	if err != nil {
		return nil, ""
	}

	votes := make([]deliberation.Vote, 0, len(res.Votes))
	for _, v := range res.Votes {
		if !allowed[v.CandidateID] {
			slog.Warn("arbiter voted for unknown candidate",
				"deliberation_id", r.scope.deliberationID,
				"candidate_id", v.CandidateID,
			)
			continue
		}
		votes = append(votes, deliberation.Vote{
			CandidateID: v.CandidateID,
			Role:        deliberation.RoleArbiter,
			Score:       *v.Score,
			Reasons:     v.Reasons,
		})
	}
	return votes, strings.TrimSpace(res.ClarificationPrompt)
}

// finalists returns the contenders of a tied ranking, or the top-ranked
// candidates up to the option cap.
func (r *deliberationRun) finalists(rk deliberation.Ranking) []string {
	if len(rk.Contenders) > 0 {
		return rk.Contenders
	}
	n := min(len(rk.Tallies), max(r.svc.cfg.MaxOptions, 1))
	ids := make([]string, 0, n)
	for _, t := range rk.Tallies[:n] {
		ids = append(ids, t.CandidateID)
	}
	return ids
}

func (r *deliberationRun) decide(votes []deliberation.Vote, rk deliberation.Ranking, rounds int, forced bool, prompt string) *deliberation.Decision {
	cfg := r.svc.cfg
	w := rk.Winner()
	c := r.candidate(w.CandidateID)

	d := &deliberation.Decision{
		DeliberationID:      r.scope.deliberationID,
		CandidateID:         c.ID,
		ActionType:          c.ActionType,
		Parameters:          c.Parameters,
		Confidence:          w.Score,
		NeedsClarification:  forced || c.NeedsClarification,
		ClarificationPrompt: c.ClarificationPrompt,
		Rationale:           w.Reasons,
		EvidenceIDs:         w.EvidenceIDs,
		Votes:               votes,
		Language:            r.language,
		Rounds:              rounds,
		DecidedByArbiter:    rk.DecidedByArbiter,
	}
	if forced {
		d.ClarificationPrompt = prompt
	}

	for _, t := range rk.Tallies[1:] {
		if len(d.Alternatives) >= cfg.MaxOptions-1 {
			break
		}
		if t.Score < cfg.ViableFloor {
			continue
		}
		d.Alternatives = append(d.Alternatives, deliberation.Option{
			Candidate: r.candidate(t.CandidateID),
			Score:     t.Score,
		})
	}
	return d
}

// disagreement summarizes the top candidates and the concerns raised.
func (r *deliberationRun) disagreement(rk deliberation.Ranking) string {
	var b strings.Builder
	b.WriteString("I could not settle on a single reading of your message.")

	n := min(len(rk.Tallies), max(r.svc.cfg.MaxOptions, 1))
	if n > 1 {
		b.WriteString(" Possible actions:")
		for i, t := range rk.Tallies[:n] {
			fmt.Fprintf(&b, " (%d) %s", i+1, humanize(r.candidate(t.CandidateID).ActionType))
		}
		b.WriteString(".")
	}

	var lists [][]string
	for _, t := range rk.Tallies[:n] {
		lists = append(lists, t.Reasons)
	}
	if concerns := deliberation.MergeReasons(3, lists...); len(concerns) > 0 {
		b.WriteString(" Open points: " + strings.Join(concerns, "; ") + ".")
	}
	b.WriteString(" Please reply with what you meant.")
	return b.String()
}

func (r *deliberationRun) request(role deliberation.Role, round int, feedback []string, cands []deliberation.Candidate) capability.Request {
	return capability.Request{
		Tool:       capability.ToolForRole(role),
		Role:       role,
		Round:      round,
		Message:    r.msg,
		Language:   r.language,
		Framing:    r.framing,
		Feedback:   feedback,
		Candidates: cands,
	}
}

// propose registers an interpretation as a candidate. Identical action types
// with identical parameters share one candidate across workers and rounds.
func (r *deliberationRun) propose(it *capability.Interpretation) deliberation.Candidate {
	key := candidateKey(it.ActionType, it.Parameters)
	if i, ok := r.index[key]; ok {
		return r.candidates[i]
	}
	c := deliberation.Candidate{
		ID:                  fmt.Sprintf("c%d", len(r.candidates)+1),
		ActionType:          strings.TrimSpace(it.ActionType),
		Parameters:          it.Parameters,
		ScopeHint:           it.ScopeHint,
		NeedsClarification:  it.Clarify(),
		ClarificationPrompt: strings.TrimSpace(it.ClarificationPrompt),
	}
	r.index[key] = len(r.candidates)
	r.candidates = append(r.candidates, c)
	return c
}

func (r *deliberationRun) candidate(id string) deliberation.Candidate {
	for _, c := range r.candidates {
		if c.ID == id {
			return c
		}
	}
	return deliberation.Candidate{ID: id}
}

// candidateKey canonicalizes an interpretation. encoding/json sorts map keys.
func candidateKey(actionType string, params map[string]any) string {
	b, err := json.Marshal(params)
	if err != nil {
		b = []byte(fmt.Sprint(params))
	}
	return strings.TrimSpace(actionType) + "\x00" + string(b)
}

// flatten returns the primary interpretation followed by its alternatives.
func flatten(in *capability.Interpretation) []capability.Interpretation {
	out := make([]capability.Interpretation, 0, 1+len(in.Alternatives))
	primary := *in
	primary.Alternatives = nil
	out = append(out, primary)
	return append(out, in.Alternatives...)
}

func humanize(actionType string) string {
	return strings.ReplaceAll(actionType, "_", " ")
}
