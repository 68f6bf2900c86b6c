package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/NowSquare/Agent-AI-sub001/internal/domain/memory"
)

// --- Memories ---

// UpsertMemory inserts m or supersedes the row with the same (scope, scope_id,
// key). On supersede the original ID and creation time are kept and the
// version is bumped; m is updated to match the stored row.
func (s *Store) UpsertMemory(ctx context.Context, m *memory.Memory) error {
	value, err := json.Marshal(m.Value)
	if err != nil {
		return fmt.Errorf("marshal memory value: %w", err)
	}

	const q = `
		INSERT INTO memories (id, account_id, scope, scope_id, key, value, ttl_category, confidence,
			provenance, message_id, version, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1, $11, $12, $12)
		ON CONFLICT (scope, scope_id, key) DO UPDATE SET
			account_id   = EXCLUDED.account_id,
			value        = EXCLUDED.value,
			ttl_category = EXCLUDED.ttl_category,
			confidence   = EXCLUDED.confidence,
			provenance   = EXCLUDED.provenance,
			message_id   = EXCLUDED.message_id,
			expires_at   = EXCLUDED.expires_at,
			version      = memories.version + 1,
			updated_at   = EXCLUDED.updated_at
		RETURNING id, version, created_at`

	return s.pool.QueryRow(ctx, q,
		m.ID, m.AccountID, string(m.Scope), m.ScopeID, m.Key, value, string(m.TTLCategory), m.Confidence,
		m.Provenance, m.MessageID, m.ExpiresAt, m.UpdatedAt,
	).Scan(&m.ID, &m.Version, &m.CreatedAt)
}

// ListMemories returns the memories of one scope partition ordered by key.
func (s *Store) ListMemories(ctx context.Context, scope memory.Scope, scopeID string) ([]memory.Memory, error) {
	const q = `
		SELECT id, account_id, scope, scope_id, key, value, ttl_category, confidence,
			provenance, message_id, version, expires_at, created_at, updated_at
		FROM memories
		WHERE scope = $1 AND scope_id = $2
		ORDER BY key`

	rows, err := s.pool.Query(ctx, q, string(scope), scopeID)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()

	var result []memory.Memory
	for rows.Next() {
		var m memory.Memory
		var value []byte
		if err := rows.Scan(
			&m.ID, &m.AccountID, &m.Scope, &m.ScopeID, &m.Key, &value, &m.TTLCategory, &m.Confidence,
			&m.Provenance, &m.MessageID, &m.Version, &m.ExpiresAt, &m.CreatedAt, &m.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		if len(value) > 0 {
			_ = json.Unmarshal(value, &m.Value)
		}
		result = append(result, m)
	}
	return orEmpty(result), rows.Err()
}

// DeleteExpiredMemories removes memories whose expiry is at or before now.
func (s *Store) DeleteExpiredMemories(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM memories WHERE expires_at IS NOT NULL AND expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired memories: %w", err)
	}
	return tag.RowsAffected(), nil
}
