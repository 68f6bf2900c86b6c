package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/NowSquare/Agent-AI-sub001/internal/domain"
	"github.com/NowSquare/Agent-AI-sub001/internal/domain/action"
	"github.com/NowSquare/Agent-AI-sub001/internal/port/database"
)

var _ database.Store = (*Store)(nil)

// uniqueViolation is the Postgres SQLSTATE for a duplicate key.
const uniqueViolation = "23505"

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// --- Actions ---

const actionColumns = `id, account_id, thread_id, message_id, deliberation_id, type, payload, status, path,
	confidence, options, clarification_prompt, recipient, failure_reason, version,
	expires_at, completed_at, created_at, updated_at`

// CreateAction inserts a at version 1.
func (s *Store) CreateAction(ctx context.Context, a *action.Action) error {
	payload, err := jsonColumn(a.Payload, `{}`)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	options, err := jsonColumn(a.Options, `[]`)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO actions (id, account_id, thread_id, message_id, deliberation_id, type, payload, status, path,
			confidence, options, clarification_prompt, recipient, failure_reason, version, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, 1, $15, $16, $17)`,
		a.ID, a.AccountID, a.ThreadID, a.MessageID, a.DeliberationID, a.Type, payload, string(a.Status), string(a.Path),
		a.Confidence, options, a.ClarificationPrompt, a.Recipient, a.FailureReason, a.ExpiresAt, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("create action %s: %w", a.ID, domain.ErrConflict)
		}
		return fmt.Errorf("create action %s: %w", a.ID, err)
	}
	a.Version = 1
	return nil
}

func (s *Store) GetAction(ctx context.Context, id string) (*action.Action, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+actionColumns+` FROM actions WHERE id = $1`, id)
	a, err := scanAction(row)
	if err != nil {
		return nil, notFoundWrap(err, "get action %s", id)
	}
	return &a, nil
}

// TransitionAction is a compare-and-swap on (id, status, version). Exactly one
// of any number of concurrent writers with the same precondition succeeds.
func (s *Store) TransitionAction(ctx context.Context, t action.Transition) (*action.Action, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	var payload []byte
	if t.Type != "" {
		var err error
		if payload, err = jsonColumn(t.Payload, `{}`); err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
	}

	row := s.pool.QueryRow(ctx,
		`UPDATE actions SET
			status = $4,
			version = version + 1,
			type = CASE WHEN $5::text <> '' THEN $5::text ELSE type END,
			payload = CASE WHEN $5::text <> '' THEN $6::jsonb ELSE payload END,
			failure_reason = CASE WHEN $7::text <> '' THEN $7::text ELSE failure_reason END,
			updated_at = $8,
			completed_at = CASE WHEN $9::boolean THEN $8 ELSE completed_at END
		 WHERE id = $1 AND status = $2 AND version = $3
		 RETURNING `+actionColumns,
		t.ActionID, string(t.From), t.Version, string(t.To), t.Type, payload, t.FailureReason, t.At, t.CompletesAction())

	a, err := scanAction(row)
	if err == nil {
		return &a, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("transition action %s: %w", t.ActionID, err)
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM actions WHERE id = $1)`, t.ActionID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("transition action %s: %w", t.ActionID, err)
	}
	if !exists {
		return nil, fmt.Errorf("transition action %s: %w", t.ActionID, domain.ErrNotFound)
	}
	return nil, fmt.Errorf("transition action %s: %w", t.ActionID, domain.ErrConflict)
}

func (s *Store) ListExpiredAwaiting(ctx context.Context, now time.Time, limit int) ([]action.Action, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+actionColumns+` FROM actions
		 WHERE status = 'awaiting_confirmation' AND expires_at <= $1
		 ORDER BY expires_at, id
		 LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired actions: %w", err)
	}
	defer rows.Close()

	var out []action.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAction(row scannable) (action.Action, error) {
	var a action.Action
	var payload, options []byte
	err := row.Scan(
		&a.ID, &a.AccountID, &a.ThreadID, &a.MessageID, &a.DeliberationID, &a.Type, &payload, &a.Status, &a.Path,
		&a.Confidence, &options, &a.ClarificationPrompt, &a.Recipient, &a.FailureReason, &a.Version,
		&a.ExpiresAt, &a.CompletedAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return a, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &a.Payload); err != nil {
			return a, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	if len(options) > 0 {
		if err := json.Unmarshal(options, &a.Options); err != nil {
			return a, fmt.Errorf("unmarshal options: %w", err)
		}
	}
	return a, nil
}
