package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	cfotel "github.com/NowSquare/Agent-AI-sub001/internal/adapter/otel"
	"github.com/NowSquare/Agent-AI-sub001/internal/config"
	"github.com/NowSquare/Agent-AI-sub001/internal/domain"
	"github.com/NowSquare/Agent-AI-sub001/internal/domain/memory"
	"github.com/NowSquare/Agent-AI-sub001/internal/port/database"
	"github.com/NowSquare/Agent-AI-sub001/internal/port/messagequeue"
)

// SubmitResult reports what the memory gate did with a batch of candidates.
type SubmitResult struct {
	Accepted int             `json:"accepted"`
	Dropped  int             `json:"dropped"`
	Memories []memory.Memory `json:"memories,omitempty"`
}

// MemoryService is the memory extraction gate. It validates candidates
// proposed during deliberation and persists the ones that pass. Invalid
// candidates are dropped, never repaired.
type MemoryService struct {
	store     database.MemoryStore
	queue     messagequeue.Queue
	metrics   *cfotel.Metrics
	retention memory.Retention

	now   func() time.Time
	newID func() string
}

// NewMemoryService creates a MemoryService. queue and metrics may be nil.
func NewMemoryService(store database.MemoryStore, queue messagequeue.Queue, metrics *cfotel.Metrics, cfg config.Memory) *MemoryService {
	return &MemoryService{
		store:   store,
		queue:   queue,
		metrics: metrics,
		retention: memory.Retention{
			memory.TTLVolatile: cfg.Volatile,
			memory.TTLSeasonal: cfg.Seasonal,
			memory.TTLDurable:  cfg.Durable,
			memory.TTLLegal:    cfg.Legal,
		},
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// Submit validates each candidate and upserts the accepted ones under the
// scope ID resolved from sub. A later write with the same (scope, scope_id,
// key) supersedes the earlier one.
func (s *MemoryService) Submit(ctx context.Context, sub memory.Subject, messageID string, candidates []memory.Candidate) (*SubmitResult, error) {
	res := &SubmitResult{}
	now := s.now().UTC()

	for i := range candidates {
		c := &candidates[i]
		if err := c.Validate(); err != nil {
			s.drop(ctx, c, err)
			res.Dropped++
			continue
		}
		m := memory.FromCandidate(c, sub, messageID, s.retention, now)
		if m.ScopeID == "" {
			s.drop(ctx, c, fmt.Errorf("%w: no %s id for this message", memory.ErrMemoryValidation, c.Scope))
			res.Dropped++
			continue
		}
		m.ID = s.newID()
		if err := s.store.UpsertMemory(ctx, &m); err != nil {
			return res, fmt.Errorf("upsert memory %q: %w", m.Key, err)
		}
		if s.metrics != nil {
			s.metrics.MemoriesAccepted.Add(ctx, 1, metric.WithAttributes(attribute.String("scope", string(m.Scope))))
		}
		s.publishStored(ctx, &m)
		res.Accepted++
		res.Memories = append(res.Memories, m)
	}

	if res.Accepted > 0 || res.Dropped > 0 {
		slog.Info("memory candidates processed",
			"message_id", messageID,
			"accepted", res.Accepted,
			"dropped", res.Dropped,
		)
	}
	return res, nil
}

func (s *MemoryService) drop(ctx context.Context, c *memory.Candidate, err error) {
	slog.Warn("memory candidate dropped", "key", c.Key, "scope", c.Scope, "error", err)
	if s.metrics != nil {
		s.metrics.MemoriesDropped.Add(ctx, 1)
	}
}

func (s *MemoryService) publishStored(ctx context.Context, m *memory.Memory) {
	if s.queue == nil {
		return
	}
	p := messagequeue.MemoryStoredPayload{
		MemoryID:    m.ID,
		AccountID:   m.AccountID,
		Scope:       string(m.Scope),
		ScopeID:     m.ScopeID,
		Key:         m.Key,
		TTLCategory: string(m.TTLCategory),
	}
	if m.ExpiresAt != nil {
		p.ExpiresAt = m.ExpiresAt.Format(time.RFC3339)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := s.queue.Publish(ctx, messagequeue.SubjectMemoryStored, data); err != nil {
		slog.Warn("failed to publish stored memory", "memory_id", m.ID, "error", err)
	}
}

// PruneExpired deletes memories whose retention has passed. Running it again
// without new expiries deletes nothing.
func (s *MemoryService) PruneExpired(ctx context.Context) (int64, error) {
	n, err := s.store.DeleteExpiredMemories(ctx, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("prune memories: %w", err)
	}
	if n > 0 {
		slog.Info("expired memories pruned", "count", n)
	}
	return n, nil
}

// List returns the memories stored under one scope partition.
func (s *MemoryService) List(ctx context.Context, scope memory.Scope, scopeID string) ([]memory.Memory, error) {
	if !scope.IsValid() {
		return nil, fmt.Errorf("%w: invalid scope %q", domain.ErrValidation, scope)
	}
	return s.store.ListMemories(ctx, scope, scopeID)
}
