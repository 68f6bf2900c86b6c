package http

import (
	"context"

	"github.com/NowSquare/Agent-AI-sub001/internal/domain/action"
	"github.com/NowSquare/Agent-AI-sub001/internal/domain/deliberation"
	"github.com/NowSquare/Agent-AI-sub001/internal/domain/inbound"
	"github.com/NowSquare/Agent-AI-sub001/internal/domain/memory"
	"github.com/NowSquare/Agent-AI-sub001/internal/port/messagequeue"
	"github.com/NowSquare/Agent-AI-sub001/internal/service"
)

// InboundHandler runs an inbound message through deliberation.
type InboundHandler interface {
	Handle(ctx context.Context, env inbound.Envelope) (*service.InboundResult, error)
}

// ActionHandler reads Actions and resolves signed links.
type ActionHandler interface {
	Get(ctx context.Context, id string) (*action.Action, error)
	Inspect(ctx context.Context, token string) (*action.LinkResult, error)
	Resolve(ctx context.Context, token, reply string) (*action.LinkResult, error)
	SweepExpired(ctx context.Context) (int, error)
}

// StepReader reads the AgentStep audit trail.
type StepReader interface {
	ListSteps(ctx context.Context, f deliberation.StepFilter) ([]deliberation.AgentStep, error)
	GetStep(ctx context.Context, id string) (*deliberation.AgentStep, error)
}

// MemoryHandler lists and prunes stored memories.
type MemoryHandler interface {
	List(ctx context.Context, scope memory.Scope, scopeID string) ([]memory.Memory, error)
	PruneExpired(ctx context.Context) (int64, error)
}

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Inbound  InboundHandler
	Actions  ActionHandler
	Audit    StepReader
	Memories MemoryHandler
	// Queue enables asynchronous ingestion; nil answers async requests with 503.
	Queue messagequeue.Queue
}
