package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	cfotel "github.com/NowSquare/Agent-AI-sub001/internal/adapter/otel"
	"github.com/NowSquare/Agent-AI-sub001/internal/config"
	"github.com/NowSquare/Agent-AI-sub001/internal/domain"
	"github.com/NowSquare/Agent-AI-sub001/internal/domain/action"
	"github.com/NowSquare/Agent-AI-sub001/internal/domain/deliberation"
	"github.com/NowSquare/Agent-AI-sub001/internal/domain/inbound"
	"github.com/NowSquare/Agent-AI-sub001/internal/domain/routing"
	"github.com/NowSquare/Agent-AI-sub001/internal/port/broadcast"
	"github.com/NowSquare/Agent-AI-sub001/internal/port/database"
	"github.com/NowSquare/Agent-AI-sub001/internal/port/messagequeue"
	"github.com/NowSquare/Agent-AI-sub001/internal/port/notifier"
)

const sweepBatch = 100

// CreateRequest asks ActionService to materialize a Decision.
type CreateRequest struct {
	Envelope inbound.Envelope
	Decision *deliberation.Decision
	// Path is derived from the routing policy when empty.
	Path routing.Path
}

// Created is the result of ActionService.Create.
type Created struct {
	Action *action.Action `json:"action"`
	Links  []action.Link  `json:"links,omitempty"`
}

// ActionService owns the Action confirmation state machine. Every status
// change is a compare-and-swap on the Action's version, so concurrent link
// visits on one Action dispatch at most once without a global lock.
type ActionService struct {
	store      database.ActionStore
	signer     *LinkSigner
	dispatcher Dispatcher
	notify     *NotificationService
	queue      messagequeue.Queue
	hub        broadcast.Broadcaster
	metrics    *cfotel.Metrics
	policy     routing.Policy
	ttl        time.Duration

	now   func() time.Time
	newID func() string
}

// NewActionService creates an ActionService. notify, queue, hub and metrics may be nil.
func NewActionService(
	store database.ActionStore,
	signer *LinkSigner,
	dispatcher Dispatcher,
	notify *NotificationService,
	queue messagequeue.Queue,
	hub broadcast.Broadcaster,
	metrics *cfotel.Metrics,
	routingCfg config.Routing,
	actionsCfg config.Actions,
) *ActionService {
	if hub == nil {
		hub = broadcast.Nop{}
	}
	return &ActionService{
		store:      store,
		signer:     signer,
		dispatcher: dispatcher,
		notify:     notify,
		queue:      queue,
		hub:        hub,
		metrics:    metrics,
		policy: routing.Policy{
			AutoThreshold:    routingCfg.AutoThreshold,
			ConfirmThreshold: routingCfg.ConfirmThreshold,
		},
		ttl:   actionsCfg.ConfirmationTTL,
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// Policy returns the routing policy used for requests without a path.
func (s *ActionService) Policy() routing.Policy {
	return s.policy
}

// Create stores an Action for the decision. Auto-executed actions start in
// processing and are dispatched at once; the other paths wait for the user
// behind signed links that are mailed to the sender.
func (s *ActionService) Create(ctx context.Context, req CreateRequest) (*Created, error) {
	d := req.Decision
	if d == nil {
		return nil, fmt.Errorf("%w: decision is required", domain.ErrValidation)
	}
	path := req.Path
	if path == "" {
		path = s.policy.RouteDecision(d)
	}

	now := s.now().UTC()
	a := &action.Action{
		ID:                  s.newID(),
		AccountID:           req.Envelope.AccountID,
		ThreadID:            req.Envelope.ThreadID,
		MessageID:           req.Envelope.Message.MessageID,
		DeliberationID:      d.DeliberationID,
		Type:                d.ActionType,
		Payload:             d.Parameters,
		Path:                path,
		Confidence:          d.Confidence,
		ClarificationPrompt: d.ClarificationPrompt,
		Recipient:           req.Envelope.Message.FromEmail,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if path.NeedsUser() {
		exp := now.Add(s.ttl)
		a.Status = action.StatusAwaitingConfirmation
		a.ExpiresAt = &exp
		if path == routing.PathChooseOne {
			a.Options = optionsFor(d)
		}
	} else {
		a.Status = action.StatusProcessing
	}

	if err := a.Validate(); err != nil {
		return nil, err
	}

	// Links are signed before the insert so that a signing failure leaves nothing behind.
	var links []action.Link
	if path.NeedsUser() {
		var err error
		if links, err = s.issueLinks(a); err != nil {
			return nil, err
		}
	}

	if err := s.store.CreateAction(ctx, a); err != nil {
		return nil, fmt.Errorf("create action: %w", err)
	}
	if s.metrics != nil {
		s.metrics.ActionsCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("path", string(path))))
	}
	slog.Info("action created",
		"action_id", a.ID,
		"type", a.Type,
		"path", path,
		"status", a.Status,
		"confidence", a.Confidence,
	)
	s.publishStatus(ctx, "", a)

	if !path.NeedsUser() {
		after, err := s.dispatch(ctx, a)
		return &Created{Action: after}, err
	}

	s.notifyAwaiting(ctx, a, links)
	return &Created{Action: a, Links: links}, nil
}

// optionsFor turns the winner and its alternatives into choose-one options.
func optionsFor(d *deliberation.Decision) []action.Option {
	opts := []action.Option{{ID: "o1", Type: d.ActionType, Payload: d.Parameters, Confidence: d.Confidence}}
	for i, alt := range d.Alternatives {
		opts = append(opts, action.Option{
			ID:         fmt.Sprintf("o%d", i+2),
			Type:       alt.ActionType,
			Payload:    alt.Parameters,
			Confidence: alt.Score,
		})
	}
	return opts
}

func (s *ActionService) issueLinks(a *action.Action) ([]action.Link, error) {
	type spec struct {
		purpose  action.Purpose
		optionID string
		label    string
	}
	var specs []spec
	if a.Path == routing.PathChooseOne {
		for _, o := range a.Options {
			specs = append(specs, spec{action.PurposeChoose, o.ID, humanize(o.Type)})
		}
		specs = append(specs, spec{action.PurposeClarify, "", "None of these, let me explain"})
	} else {
		specs = append(specs, spec{action.PurposeConfirm, "", "Confirm"})
	}
	specs = append(specs, spec{action.PurposeCancel, "", "Cancel"})

	links := make([]action.Link, 0, len(specs))
	for _, sp := range specs {
		l, err := s.signer.Issue(a.ID, sp.purpose, sp.optionID, sp.label, *a.ExpiresAt)
		if err != nil {
			return nil, err
		}
		links = append(links, l)
	}
	return links, nil
}

func (s *ActionService) notifyAwaiting(ctx context.Context, a *action.Action, links []action.Link) {
	if s.notify == nil {
		return
	}
	n := notifier.Notification{
		To:       a.Recipient,
		ThreadID: a.ThreadID,
		Level:    "info",
	}
	var body strings.Builder
	if a.Path == routing.PathChooseOne {
		n.Title = "Which action did you mean?"
		n.Source = SourceActionChoose
		body.WriteString("Your message could mean several things. Pick one of the options below.")
	} else {
		n.Title = "Please confirm: " + humanize(a.Type)
		n.Source = SourceActionConfirm
		fmt.Fprintf(&body, "I am about to %s. Confirm below to go ahead.", humanize(a.Type))
	}
	if a.ClarificationPrompt != "" {
		body.WriteString("\n\n" + a.ClarificationPrompt)
	}
	fmt.Fprintf(&body, "\n\nThese links expire on %s.", a.ExpiresAt.Format(time.RFC1123))
	n.Message = body.String()
	for _, l := range links {
		n.Links = append(n.Links, notifier.Link{Label: l.Label, URL: l.URL})
	}
	s.notify.Notify(ctx, n)
}

// open verifies a link and loads its Action. A non-nil result is a final,
// non-mutating outcome (expired or already processed).
func (s *ActionService) open(ctx context.Context, token string, purposes ...action.Purpose) (*action.LinkClaims, *action.Action, *action.LinkResult, error) {
	claims, err := s.signer.Verify(token)
	if errors.Is(err, action.ErrConfirmationExpired) {
		s.recordOutcome(ctx, action.OutcomeExpired)
		return nil, nil, &action.LinkResult{Outcome: action.OutcomeExpired, Purpose: claims.Purpose, OptionID: claims.OptionID}, nil
	}
	if err != nil {
		s.rejectLink(ctx, token, err)
		return nil, nil, nil, err
	}
	if len(purposes) > 0 && !hasPurpose(purposes, claims.Purpose) {
		err := fmt.Errorf("%w: link purpose %s not accepted here", action.ErrConfirmationInvalid, claims.Purpose)
		s.rejectLink(ctx, token, err)
		return nil, nil, nil, err
	}

	a, err := s.store.GetAction(ctx, claims.ActionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			err = fmt.Errorf("%w: action not found", action.ErrConfirmationInvalid)
			s.rejectLink(ctx, token, err)
		}
		return nil, nil, nil, err
	}

	if outcome, final := s.settled(a); final {
		s.recordOutcome(ctx, outcome)
		return claims, a, &action.LinkResult{Outcome: outcome, Purpose: claims.Purpose, OptionID: claims.OptionID, Action: a}, nil
	}
	return claims, a, nil, nil
}

// settled reports the outcome for an Action that can no longer be resolved by a link.
func (s *ActionService) settled(a *action.Action) (action.Outcome, bool) {
	switch {
	case a.IsExpiredAt(s.now()):
		return action.OutcomeExpired, true
	case a.Status != action.StatusAwaitingConfirmation:
		return action.OutcomeAlreadyProcessed, true
	}
	return "", false
}

func hasPurpose(list []action.Purpose, p action.Purpose) bool {
	for _, x := range list {
		if x == p {
			return true
		}
	}
	return false
}

func (s *ActionService) rejectLink(ctx context.Context, token string, err error) {
	slog.Warn("confirmation link rejected",
		"security", true,
		"token_fingerprint", tokenFingerprint(token),
		"error", err,
	)
	if s.metrics != nil {
		s.metrics.LinkOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "invalid")))
	}
}

func (s *ActionService) recordOutcome(ctx context.Context, o action.Outcome) {
	if s.metrics != nil {
		s.metrics.LinkOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(o))))
	}
}

// Inspect validates a link and reports what visiting it would do. It never
// changes state.
func (s *ActionService) Inspect(ctx context.Context, token string) (*action.LinkResult, error) {
	claims, a, res, err := s.open(ctx, token)
	if res != nil || err != nil {
		return res, err
	}
	return &action.LinkResult{Outcome: action.OutcomeAwaiting, Purpose: claims.Purpose, OptionID: claims.OptionID, Action: a}, nil
}

// Resolve performs the transition a link authorizes. reply is only used by
// clarify links.
func (s *ActionService) Resolve(ctx context.Context, token, reply string) (*action.LinkResult, error) {
	claims, err := s.signer.Verify(token)
	if err != nil && !errors.Is(err, action.ErrConfirmationExpired) {
		s.rejectLink(ctx, token, err)
		return nil, err
	}
	switch claims.Purpose {
	case action.PurposeCancel:
		return s.Cancel(ctx, token)
	case action.PurposeClarify:
		return s.Clarify(ctx, token, reply)
	default:
		return s.Confirm(ctx, token)
	}
}

// Confirm moves an awaiting Action to processing and dispatches it. Exactly
// one of any number of concurrent confirmations wins; the others observe
// already_processed.
func (s *ActionService) Confirm(ctx context.Context, token string) (*action.LinkResult, error) {
	claims, a, res, err := s.open(ctx, token, action.PurposeConfirm, action.PurposeChoose)
	if res != nil || err != nil {
		return res, err
	}
	ctx, span := cfotel.StartActionSpan(ctx, "confirm", a.ID)
	defer span.End()

	t := action.Transition{
		ActionID: a.ID,
		From:     action.StatusAwaitingConfirmation,
		To:       action.StatusProcessing,
		Version:  a.Version,
		At:       s.now().UTC(),
	}
	if claims.Purpose == action.PurposeChoose {
		opt, ok := a.Option(claims.OptionID)
		if !ok {
			err := fmt.Errorf("%w: unknown option %q", action.ErrConfirmationInvalid, claims.OptionID)
			s.rejectLink(ctx, token, err)
			return nil, err
		}
		t.Type, t.Payload = opt.Type, opt.Payload
	}

	updated, err := s.transition(ctx, a, t)
	if errors.Is(err, domain.ErrConflict) {
		return s.replay(ctx, claims)
	}
	if err != nil {
		return nil, err
	}

	s.recordOutcome(ctx, action.OutcomeConfirmed)
	after, err := s.dispatch(ctx, updated)
	return &action.LinkResult{Outcome: action.OutcomeConfirmed, Purpose: claims.Purpose, OptionID: claims.OptionID, Action: after}, err
}

// Cancel moves an awaiting Action to failed with reason "cancelled". Every
// other link for the Action then reports already_processed.
func (s *ActionService) Cancel(ctx context.Context, token string) (*action.LinkResult, error) {
	claims, a, res, err := s.open(ctx, token, action.PurposeCancel)
	if res != nil || err != nil {
		return res, err
	}
	updated, err := s.transition(ctx, a, action.Transition{
		ActionID:      a.ID,
		From:          action.StatusAwaitingConfirmation,
		To:            action.StatusFailed,
		Version:       a.Version,
		FailureReason: action.ReasonCancelled,
		At:            s.now().UTC(),
	})
	if errors.Is(err, domain.ErrConflict) {
		return s.replay(ctx, claims)
	}
	if err != nil {
		return nil, err
	}
	s.recordOutcome(ctx, action.OutcomeCancelled)
	return &action.LinkResult{Outcome: action.OutcomeCancelled, Purpose: claims.Purpose, Action: updated}, nil
}

// clarificationMessageID is stable per Action, so republishing the reply
// after a failed transition is deduplicated by the inbound handler.
func clarificationMessageID(a *action.Action) string {
	return a.MessageID + "/clarify/" + a.ID
}

// Clarify sends the user's reply back through deliberation on the same
// thread, then closes the awaiting Action with reason "clarified". The reply
// is published before the transition so that a publish failure leaves the
// Action awaiting and the link retryable.
func (s *ActionService) Clarify(ctx context.Context, token, reply string) (*action.LinkResult, error) {
	claims, a, res, err := s.open(ctx, token, action.PurposeClarify)
	if res != nil || err != nil {
		return res, err
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return nil, fmt.Errorf("%w: reply is required", domain.ErrValidation)
	}
	if s.queue == nil {
		return nil, errors.New("clarify: no queue configured")
	}

	env := inbound.Envelope{
		AccountID: a.AccountID,
		ThreadID:  a.ThreadID,
		ReplyTo:   a.ID,
		Message: inbound.Message{
			MessageID: clarificationMessageID(a),
			Subject:   "Clarification: " + humanize(a.Type),
			FromEmail: a.Recipient,
			TextBody:  reply,
		},
	}
	data, err := json.Marshal(messagequeue.InboundReceivedPayload{Envelope: env})
	if err != nil {
		return nil, fmt.Errorf("marshal clarification: %w", err)
	}
	if err := s.queue.Publish(ctx, messagequeue.SubjectInboundReceived, data); err != nil {
		return nil, fmt.Errorf("publish clarification: %w", err)
	}

	// If another link wins from here, the inbound handler drops the reply.
	updated, err := s.transition(ctx, a, action.Transition{
		ActionID:      a.ID,
		From:          action.StatusAwaitingConfirmation,
		To:            action.StatusFailed,
		Version:       a.Version,
		FailureReason: action.ReasonClarified,
		At:            s.now().UTC(),
	})
	if errors.Is(err, domain.ErrConflict) {
		return s.replay(ctx, claims)
	}
	if err != nil {
		return nil, err
	}

	s.recordOutcome(ctx, action.OutcomeClarified)
	return &action.LinkResult{Outcome: action.OutcomeClarified, Purpose: claims.Purpose, Action: updated}, nil
}

// replay re-reads an Action after a lost race and reports the stable post-state.
func (s *ActionService) replay(ctx context.Context, claims *action.LinkClaims) (*action.LinkResult, error) {
	a, err := s.store.GetAction(ctx, claims.ActionID)
	if err != nil {
		return nil, err
	}
	slog.Info("confirmation replay", "action_id", a.ID, "status", a.Status, "error", action.ErrConfirmationReplay)
	s.recordOutcome(ctx, action.OutcomeAlreadyProcessed)
	return &action.LinkResult{Outcome: action.OutcomeAlreadyProcessed, Purpose: claims.Purpose, OptionID: claims.OptionID, Action: a}, nil
}

// ReportResult applies the executor's outcome: processing -> completed | failed.
// Results for an Action that is already terminal are ignored.
func (s *ActionService) ReportResult(ctx context.Context, res action.ExecutionResult) error {
	a, err := s.store.GetAction(ctx, res.ActionID)
	if err != nil {
		return err
	}
	if a.Status.IsTerminal() {
		slog.Info("execution result ignored", "action_id", a.ID, "status", a.Status, "error", action.ErrConfirmationReplay)
		return nil
	}

	t := action.Transition{
		ActionID: a.ID,
		From:     a.Status,
		To:       action.StatusCompleted,
		Version:  a.Version,
		At:       s.now().UTC(),
	}
	if !res.Success {
		t.To = action.StatusFailed
		t.FailureReason = res.Error
		if t.FailureReason == "" {
			t.FailureReason = "execution failed"
		}
	}
	if _, err := s.transition(ctx, a, t); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			slog.Info("execution result raced another writer", "action_id", a.ID)
			return nil
		}
		return err
	}
	return nil
}

// SweepExpired marks awaiting Actions past their expiry as expired and returns
// how many it changed. Link handling checks expiry lazily, so this only keeps
// reporting accurate.
func (s *ActionService) SweepExpired(ctx context.Context) (int, error) {
	swept := 0
	for {
		batch, err := s.store.ListExpiredAwaiting(ctx, s.now(), sweepBatch)
		if err != nil {
			return swept, fmt.Errorf("list expired actions: %w", err)
		}
		for i := range batch {
			a := &batch[i]
			_, err := s.transition(ctx, a, action.Transition{
				ActionID: a.ID,
				From:     action.StatusAwaitingConfirmation,
				To:       action.StatusExpired,
				Version:  a.Version,
				At:       s.now().UTC(),
			})
			switch {
			case errors.Is(err, domain.ErrConflict):
				continue
			case err != nil:
				return swept, err
			}
			swept++
		}
		if len(batch) < sweepBatch {
			break
		}
	}
	if swept > 0 {
		slog.Info("expired actions swept", "count", swept)
	}
	return swept, nil
}

// StartSweeper runs SweepExpired every interval until ctx is cancelled.
func (s *ActionService) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.SweepExpired(ctx); err != nil {
					slog.Warn("failed to sweep expired actions", "error", err)
				}
			}
		}
	}()
}

// Get returns an Action by ID.
func (s *ActionService) Get(ctx context.Context, id string) (*action.Action, error) {
	return s.store.GetAction(ctx, id)
}

func (s *ActionService) transition(ctx context.Context, a *action.Action, t action.Transition) (*action.Action, error) {
	updated, err := s.store.TransitionAction(ctx, t)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.ActionTransitions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("from", string(t.From)),
			attribute.String("to", string(t.To)),
		))
	}
	slog.Info("action transitioned",
		"action_id", a.ID,
		"from", t.From,
		"to", t.To,
		"reason", t.FailureReason,
	)
	s.publishStatus(ctx, t.From, updated)
	return updated, nil
}

// dispatch hands an Action in processing to the executor and returns its
// resulting state. A failed hand-off is unrecoverable for this Action and is
// recorded as failed.
func (s *ActionService) dispatch(ctx context.Context, a *action.Action) (*action.Action, error) {
	err := s.dispatcher.Dispatch(ctx, a)
	if s.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		s.metrics.Dispatches.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
	if err == nil {
		slog.Info("action dispatched", "action_id", a.ID, "type", a.Type)
		return a, nil
	}

	slog.Error("action dispatch failed", "action_id", a.ID, "error", err)
	failed, terr := s.transition(ctx, a, action.Transition{
		ActionID:      a.ID,
		From:          action.StatusProcessing,
		To:            action.StatusFailed,
		Version:       a.Version,
		FailureReason: "dispatch failed: " + err.Error(),
		At:            s.now().UTC(),
	})
	if terr != nil {
		slog.Error("failed to mark undispatched action", "action_id", a.ID, "error", terr)
		failed = a
	}
	return failed, fmt.Errorf("dispatch action %s: %w", a.ID, err)
}

func (s *ActionService) publishStatus(ctx context.Context, from action.Status, a *action.Action) {
	payload := messagequeue.ActionStatusPayload{
		ActionID: a.ID,
		From:     string(from),
		To:       string(a.Status),
		Reason:   a.FailureReason,
	}
	s.hub.BroadcastEvent(ctx, broadcast.EventActionStatus, payload)
	if s.queue == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := s.queue.Publish(ctx, messagequeue.SubjectActionStatus, data); err != nil {
		slog.Warn("failed to publish action status", "action_id", a.ID, "error", err)
	}
}
