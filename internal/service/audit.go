package service

import (
	"context"
	"fmt"

	"github.com/NowSquare/Agent-AI-sub001/internal/domain"
	"github.com/NowSquare/Agent-AI-sub001/internal/domain/deliberation"
	"github.com/NowSquare/Agent-AI-sub001/internal/port/database"
)

const (
	defaultStepLimit = 100
	maxStepLimit     = 1000
)

// AuditService is the read-only view over recorded AgentSteps.
type AuditService struct {
	steps database.AgentStepStore
}

// NewAuditService creates an AuditService.
func NewAuditService(steps database.AgentStepStore) *AuditService {
	return &AuditService{steps: steps}
}

// ListSteps returns AgentSteps in recording order.
func (s *AuditService) ListSteps(ctx context.Context, f deliberation.StepFilter) ([]deliberation.AgentStep, error) {
	if f.Role != "" && !f.Role.IsValid() {
		return nil, fmt.Errorf("%w: unknown role %q", domain.ErrValidation, f.Role)
	}
	switch {
	case f.Limit <= 0:
		f.Limit = defaultStepLimit
	case f.Limit > maxStepLimit:
		f.Limit = maxStepLimit
	}
	steps, err := s.steps.ListAgentSteps(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list agent steps: %w", err)
	}
	if steps == nil {
		steps = []deliberation.AgentStep{}
	}
	return steps, nil
}

// GetStep returns one AgentStep.
func (s *AuditService) GetStep(ctx context.Context, id string) (*deliberation.AgentStep, error) {
	return s.steps.GetAgentStep(ctx, id)
}
