package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/NowSquare/Agent-AI-sub001/internal/domain/deliberation"
)

// --- Agent steps (append-only) ---

const stepColumns = `id, deliberation_id, message_id, role, round, tool, attempt, candidate_id,
	vote_score, confidence, provider, model, tokens_in, tokens_out, latency_ms, error, created_at`

func (s *Store) AppendAgentStep(ctx context.Context, st *deliberation.AgentStep) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agent_steps (`+stepColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		st.ID, st.DeliberationID, st.MessageID, string(st.Role), st.Round, st.Tool, st.Attempt, st.CandidateID,
		st.VoteScore, st.Confidence, st.Provider, st.Model, st.TokensIn, st.TokensOut, st.LatencyMs, st.Error, st.CreatedAt)
	if err != nil {
		return fmt.Errorf("append agent step %s: %w", st.ID, err)
	}
	return nil
}

func (s *Store) GetAgentStep(ctx context.Context, id string) (*deliberation.AgentStep, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+stepColumns+` FROM agent_steps WHERE id = $1`, id)
	st, err := scanStep(row)
	if err != nil {
		return nil, notFoundWrap(err, "get agent step %s", id)
	}
	return &st, nil
}

// ListAgentSteps returns steps in recording order.
func (s *Store) ListAgentSteps(ctx context.Context, f deliberation.StepFilter) ([]deliberation.AgentStep, error) {
	var (
		where []string
		args  []any
	)
	add := func(col, val string) {
		if val == "" {
			return
		}
		args = append(args, val)
		where = append(where, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	add("deliberation_id", f.DeliberationID)
	add("message_id", f.MessageID)
	add("role", string(f.Role))

	q := `SELECT ` + stepColumns + ` FROM agent_steps`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY seq`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list agent steps: %w", err)
	}
	defer rows.Close()

	var out []deliberation.AgentStep
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent step: %w", err)
		}
		out = append(out, st)
	}
	return orEmpty(out), rows.Err()
}

func scanStep(row scannable) (deliberation.AgentStep, error) {
	var st deliberation.AgentStep
	err := row.Scan(
		&st.ID, &st.DeliberationID, &st.MessageID, &st.Role, &st.Round, &st.Tool, &st.Attempt, &st.CandidateID,
		&st.VoteScore, &st.Confidence, &st.Provider, &st.Model, &st.TokensIn, &st.TokensOut, &st.LatencyMs, &st.Error, &st.CreatedAt,
	)
	return st, err
}
