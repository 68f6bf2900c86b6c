// Package database defines the database store port (interface).
package database

import (
	"context"
	"time"

	"github.com/NowSquare/Agent-AI-sub001/internal/domain/action"
	"github.com/NowSquare/Agent-AI-sub001/internal/domain/deliberation"
	"github.com/NowSquare/Agent-AI-sub001/internal/domain/memory"
)

// Store is the port interface for database operations.
type Store interface {
	ActionStore
	AgentStepStore
	MemoryStore
}

// ActionStore persists Actions. Actions are never deleted.
type ActionStore interface {
	CreateAction(ctx context.Context, a *action.Action) error
	GetAction(ctx context.Context, id string) (*action.Action, error)
	// TransitionAction applies t only if the stored row still has t.From and
	// t.Version. It returns domain.ErrConflict when another writer won, and
	// the updated Action otherwise.
	TransitionAction(ctx context.Context, t action.Transition) (*action.Action, error)
	// ListExpiredAwaiting returns awaiting actions whose expiry is at or before now.
	ListExpiredAwaiting(ctx context.Context, now time.Time, limit int) ([]action.Action, error)
}

// AgentStepStore persists the append-only audit trail. There is no update or delete.
type AgentStepStore interface {
	AppendAgentStep(ctx context.Context, s *deliberation.AgentStep) error
	GetAgentStep(ctx context.Context, id string) (*deliberation.AgentStep, error)
	ListAgentSteps(ctx context.Context, f deliberation.StepFilter) ([]deliberation.AgentStep, error)
}

// MemoryStore persists scoped memories keyed by (scope, scope_id, key).
type MemoryStore interface {
	// UpsertMemory inserts m or supersedes the existing row with the same key.
	UpsertMemory(ctx context.Context, m *memory.Memory) error
	ListMemories(ctx context.Context, scope memory.Scope, scopeID string) ([]memory.Memory, error)
	// DeleteExpiredMemories removes memories whose expiry is at or before now
	// and returns how many were removed.
	DeleteExpiredMemories(ctx context.Context, now time.Time) (int64, error)
}
