package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	cfotel "github.com/NowSquare/Agent-AI-sub001/internal/adapter/otel"
	"github.com/NowSquare/Agent-AI-sub001/internal/domain/deliberation"
	"github.com/NowSquare/Agent-AI-sub001/internal/port/broadcast"
	"github.com/NowSquare/Agent-AI-sub001/internal/port/capability"
)

// maxBackoff caps a single retry wait.
const maxBackoff = 5 * time.Second

// stepScope identifies the deliberation an invocation belongs to.
type stepScope struct {
	deliberationID string
	messageID      string
}

// invoke calls the provider and decodes the result into T, retrying
// capability failures with exponential backoff. Every attempt is written to
// the audit trail. An error means the role abstains.
func invoke[T any, PT interface {
	*T
	Validate() error
}](ctx context.Context, s *DeliberationService, scope stepScope, req capability.Request, candidateID string) (*T, error) {
	var (
		out     *T
		lastErr error
		attempt int
	)
	err := retry.Do(ctx, s.backoff(req.Role), func(ctx context.Context) error {
		attempt++
		v, err := invokeOnce[T, PT](ctx, s, scope, req, attempt, candidateID)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return err
			}
			return retry.RetryableError(err)
		}
		out = v
		return nil
	})
	if err != nil {
		if lastErr == nil {
			lastErr = fmt.Errorf("%w: %s: %w", deliberation.ErrCapabilityFailure, req.Tool, err)
		}
		slog.Warn("role abstains",
			"deliberation_id", scope.deliberationID,
			"role", req.Role,
			"tool", req.Tool,
			"round", req.Round,
			"attempts", attempt,
			"error", lastErr,
		)
		return nil, lastErr
	}
	return out, nil
}

func invokeOnce[T any, PT interface {
	*T
	Validate() error
}](ctx context.Context, s *DeliberationService, scope stepScope, req capability.Request, attempt int, candidateID string) (*T, error) {
	ctx, span := cfotel.StartCapabilitySpan(ctx, string(req.Role), string(req.Tool), req.Round, attempt)
	defer span.End()

	start := s.now()
	resp, err := s.provider.Invoke(ctx, req)
	latency := s.now().Sub(start)

	var v *T
	if err != nil {
		err = fmt.Errorf("%w: %s: %v", deliberation.ErrCapabilityFailure, req.Tool, err)
	} else {
		v, err = capability.Decode[T, PT](resp.Raw)
	}

	step := deliberation.AgentStep{
		ID:             s.newID(),
		DeliberationID: scope.deliberationID,
		MessageID:      scope.messageID,
		Role:           req.Role,
		Round:          req.Round,
		Tool:           string(req.Tool),
		Attempt:        attempt,
		CandidateID:    candidateID,
		LatencyMs:      latency.Milliseconds(),
		CreatedAt:      start.UTC(),
	}
	if resp != nil {
		step.Provider = resp.Provider
		step.Model = resp.Model
		step.TokensIn = resp.TokensIn
		step.TokensOut = resp.TokensOut
	}
	if err != nil {
		step.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		step.VoteScore, step.Confidence = stepScores(v)
	}
	s.recordStep(ctx, &step)

	if s.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		s.metrics.CapabilityCalls.Add(ctx, 1, metric.WithAttributes(
			attribute.String("role", string(req.Role)),
			attribute.String("tool", string(req.Tool)),
			attribute.String("outcome", outcome),
		))
		s.metrics.CapabilityLatency.Record(ctx, float64(step.LatencyMs), metric.WithAttributes(
			attribute.String("tool", string(req.Tool)),
		))
	}
	return v, err
}

// recordStep persists and broadcasts an audit record. Persisting survives the
// deliberation deadline so that late attempts are still audited.
func (s *DeliberationService) recordStep(ctx context.Context, step *deliberation.AgentStep) {
	if s.steps != nil {
		if err := s.steps.AppendAgentStep(context.WithoutCancel(ctx), step); err != nil {
			slog.Error("append agent step failed",
				"deliberation_id", step.DeliberationID,
				"role", step.Role,
				"error", err,
			)
		}
	}
	s.hub.BroadcastEvent(ctx, broadcast.EventAgentStep, step)
}

// backoff returns the retry policy for role: exponential from RetryBase,
// capped per wait, stopping after MaxRetries retries.
func (s *DeliberationService) backoff(role deliberation.Role) retry.Backoff {
	retries := s.cfg.MaxRetries
	if !role.Retries() || retries < 0 {
		retries = 0
	}
	next := s.cfg.RetryBase
	exp := retry.BackoffFunc(func() (time.Duration, bool) {
		d := next
		next *= 2
		return d, false
	})
	return retry.WithMaxRetries(uint64(retries), retry.WithCappedDuration(maxBackoff, exp))
}

// stepScores extracts the audit vote score and confidence from a decoded result.
func stepScores(v any) (vote, confidence *float64) {
	switch r := v.(type) {
	case *capability.Interpretation:
		return r.Confidence, r.Confidence
	case *capability.Critique:
		return r.Score, nil
	case *capability.LanguageDetection:
		return nil, r.Confidence
	case *capability.Arbitration:
		var top *float64
		for _, av := range r.Votes {
			if top == nil || *av.Score > *top {
				top = av.Score
			}
		}
		return top, nil
	}
	return nil, nil
}
