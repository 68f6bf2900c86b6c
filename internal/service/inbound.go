package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/NowSquare/Agent-AI-sub001/internal/domain"
	"github.com/NowSquare/Agent-AI-sub001/internal/domain/action"
	"github.com/NowSquare/Agent-AI-sub001/internal/domain/deliberation"
	"github.com/NowSquare/Agent-AI-sub001/internal/domain/inbound"
	"github.com/NowSquare/Agent-AI-sub001/internal/domain/memory"
	"github.com/NowSquare/Agent-AI-sub001/internal/domain/routing"
	"github.com/NowSquare/Agent-AI-sub001/internal/port/cache"
	"github.com/NowSquare/Agent-AI-sub001/internal/port/messagequeue"
	"github.com/NowSquare/Agent-AI-sub001/internal/port/notifier"
)

// InboundResult is the outcome of handling one inbound message.
type InboundResult struct {
	DeliberationID   string                 `json:"deliberation_id"`
	Decision         *deliberation.Decision `json:"decision,omitempty"`
	Path             routing.Path           `json:"path,omitempty"`
	Action           *action.Action         `json:"action,omitempty"`
	Links            []action.Link          `json:"links,omitempty"`
	MemoriesAccepted int                    `json:"memories_accepted"`
	MemoriesDropped  int                    `json:"memories_dropped"`
	// Duplicate is set when the message ID was already handled; only
	// DeliberationID and Action are populated then.
	Duplicate bool `json:"duplicate,omitempty"`
}

// handledMessage is the dedupe record kept per message ID.
type handledMessage struct {
	DeliberationID string `json:"deliberation_id"`
	ActionID       string `json:"action_id,omitempty"`
}

// InboundService drives one inbound message through deliberation, routing
// and action creation, with memory extraction running alongside.
type InboundService struct {
	deliberation *DeliberationService
	actions      *ActionService
	memories     *MemoryService
	notify       *NotificationService
	cache        cache.Cache
	dedupeTTL    time.Duration
}

// NewInboundService creates an InboundService. memories, notify and c may be nil.
func NewInboundService(
	delib *DeliberationService,
	actions *ActionService,
	memories *MemoryService,
	notify *NotificationService,
	c cache.Cache,
	dedupeTTL time.Duration,
) *InboundService {
	return &InboundService{
		deliberation: delib,
		actions:      actions,
		memories:     memories,
		notify:       notify,
		cache:        c,
		dedupeTTL:    dedupeTTL,
	}
}

// errStaleClarification rejects a clarify reply whose Action was confirmed,
// cancelled or expired before the clarification transition committed.
var errStaleClarification = fmt.Errorf("%w: clarified action was settled another way", domain.ErrConflict)

func dedupeKey(env *inbound.Envelope) string {
	return "inbound:" + env.AccountID + ":" + env.Message.MessageID
}

// Handle deliberates on env and materializes the Decision as an Action.
// A message ID seen before returns the earlier outcome without deliberating
// again. When deliberation is exhausted no Action is created, the sender is
// told and the error is returned.
func (s *InboundService) Handle(ctx context.Context, env inbound.Envelope) (*InboundResult, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	prior, err := s.clarifiedAction(ctx, env.ReplyTo)
	if err != nil {
		return nil, err
	}
	id := s.deliberation.NewID()
	if prev, dup := s.claim(ctx, &env, id); dup {
		return prev, nil
	}

	req := DeliberationRequest{
		ID:       id,
		Message:  env.Message,
		Feedback: clarificationContext(prior),
	}
	res := &InboundResult{DeliberationID: req.ID}

	// Memory extraction is independent of the decision and never fails it.
	var g errgroup.Group
	if s.memories != nil {
		g.Go(func() error {
			accepted, dropped := s.extractMemories(ctx, &env, req)
			res.MemoriesAccepted, res.MemoriesDropped = accepted, dropped
			return nil
		})
	}

	d, err := s.deliberation.Deliberate(ctx, req)
	_ = g.Wait()
	if err != nil {
		s.forget(ctx, &env)
		if errors.Is(err, deliberation.ErrDeliberationExhausted) {
			s.notifyExhausted(ctx, &env)
		}
		return res, err
	}
	res.Decision = d

	created, err := s.actions.Create(ctx, CreateRequest{Envelope: env, Decision: d})
	if created == nil {
		// Nothing was persisted, so a redelivery must deliberate again.
		s.forget(ctx, &env)
		return res, err
	}
	res.Action = created.Action
	res.Links = created.Links
	res.Path = created.Action.Path
	s.remember(ctx, &env, handledMessage{DeliberationID: req.ID, ActionID: created.Action.ID})
	if err != nil {
		return res, err
	}
	return res, nil
}

func (s *InboundService) extractMemories(ctx context.Context, env *inbound.Envelope, req DeliberationRequest) (accepted, dropped int) {
	candidates, err := s.deliberation.ExtractMemories(ctx, req)
	if err != nil {
		slog.Warn("memory extraction failed", "message_id", env.Message.MessageID, "error", err)
		return 0, 0
	}
	if len(candidates) == 0 {
		return 0, 0
	}
	sub := memory.Subject{
		AccountID: env.AccountID,
		UserID:    env.Message.FromEmail,
		ThreadID:  env.ThreadID,
	}
	out, err := s.memories.Submit(ctx, sub, env.Message.MessageID, candidates)
	if err != nil {
		slog.Warn("memory submit failed", "message_id", env.Message.MessageID, "error", err)
	}
	if out == nil {
		return 0, 0
	}
	return out.Accepted, out.Dropped
}

// clarifiedAction loads the Action a clarify reply refers to. The reply is
// stale unless that Action is still awaiting or was closed as clarified.
func (s *InboundService) clarifiedAction(ctx context.Context, actionID string) (*action.Action, error) {
	if actionID == "" {
		return nil, nil
	}
	a, err := s.actions.Get(ctx, actionID)
	if err != nil {
		slog.Warn("clarified action not found", "action_id", actionID, "error", err)
		return nil, nil
	}
	switch {
	case a.Status == action.StatusAwaitingConfirmation:
	case a.Status == action.StatusFailed && a.FailureReason == action.ReasonClarified:
	default:
		slog.Info("dropping stale clarification", "action_id", a.ID, "status", a.Status, "reason", a.FailureReason)
		return nil, errStaleClarification
	}
	return a, nil
}

// clarificationContext seeds the first round with the action a clarify reply refers to.
func clarificationContext(a *action.Action) []string {
	if a == nil {
		return nil
	}
	feedback := []string{"the user rejected the proposal to " + humanize(a.Type) + " and explained what they meant"}
	for _, o := range a.Options {
		if o.Type != a.Type {
			feedback = append(feedback, "the user also rejected: "+humanize(o.Type))
		}
	}
	return feedback
}

func (s *InboundService) notifyExhausted(ctx context.Context, env *inbound.Envelope) {
	if s.notify == nil {
		return
	}
	subject := env.Message.Subject
	if subject == "" {
		subject = "your message"
	}
	s.notify.Notify(ctx, notifier.Notification{
		To:       env.Message.FromEmail,
		Title:    "I could not process " + subject,
		Message:  "None of my attempts to understand your message succeeded, so nothing was done. Please try again or rephrase your request.",
		Level:    "warning",
		Source:   SourceDeliberationFailed,
		ThreadID: env.ThreadID,
	})
}

// claimAttempts bounds retries when the marker is cleared between a lost
// claim and the read of the earlier outcome.
const claimAttempts = 3

// claim atomically records that deliberationID is handling env. It returns
// the earlier outcome when another delivery of the message got there first.
// Without a reachable cache every delivery is handled.
func (s *InboundService) claim(ctx context.Context, env *inbound.Envelope, deliberationID string) (*InboundResult, bool) {
	if s.cache == nil {
		return nil, false
	}
	data, err := json.Marshal(handledMessage{DeliberationID: deliberationID})
	if err != nil {
		return nil, false
	}
	for range claimAttempts {
		added, err := s.cache.Add(ctx, dedupeKey(env), data, s.dedupeTTL)
		if err != nil {
			slog.Warn("failed to record inbound message", "message_id", env.Message.MessageID, "error", err)
			return nil, false
		}
		if added {
			return nil, false
		}
		if prev, ok := s.seen(ctx, env); ok {
			return prev, true
		}
	}
	return nil, false
}

func (s *InboundService) seen(ctx context.Context, env *inbound.Envelope) (*InboundResult, bool) {
	data, ok, err := s.cache.Get(ctx, dedupeKey(env))
	if err != nil || !ok {
		return nil, false
	}
	var h handledMessage
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, false
	}
	res := &InboundResult{DeliberationID: h.DeliberationID, Duplicate: true}
	if h.ActionID != "" {
		if a, err := s.actions.Get(ctx, h.ActionID); err == nil {
			res.Action = a
			res.Path = a.Path
		}
	}
	slog.Info("duplicate inbound message", "message_id", env.Message.MessageID, "deliberation_id", h.DeliberationID)
	return res, true
}

func (s *InboundService) remember(ctx context.Context, env *inbound.Envelope, h handledMessage) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(h)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, dedupeKey(env), data, s.dedupeTTL); err != nil {
		slog.Warn("failed to record inbound message", "message_id", env.Message.MessageID, "error", err)
	}
}

func (s *InboundService) forget(ctx context.Context, env *inbound.Envelope) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, dedupeKey(env)); err != nil {
		slog.Warn("failed to clear inbound dedupe", "message_id", env.Message.MessageID, "error", err)
	}
}

// StartSubscriber handles envelopes published on inbound.received, from async
// ingestion and from clarify replies. Invalid and exhausted messages are
// acknowledged, as are stale clarifications; other failures are returned for
// redelivery.
func (s *InboundService) StartSubscriber(ctx context.Context, queue messagequeue.Queue) (func(), error) {
	return queue.Subscribe(ctx, messagequeue.SubjectInboundReceived, func(ctx context.Context, _ string, data []byte) error {
		var p messagequeue.InboundReceivedPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("unmarshal inbound: %w", err)
		}
		res, err := s.Handle(ctx, p.Envelope)
		switch {
		case errors.Is(err, domain.ErrValidation), errors.Is(err, deliberation.ErrDeliberationExhausted),
			errors.Is(err, errStaleClarification):
			slog.Warn("inbound message not actionable", "message_id", p.Envelope.Message.MessageID, "error", err)
			return nil
		case err != nil:
			return err
		}
		slog.Info("inbound message handled",
			"message_id", p.Envelope.Message.MessageID,
			"deliberation_id", res.DeliberationID,
			"path", res.Path,
			"duplicate", res.Duplicate,
		)
		return nil
	})
}
