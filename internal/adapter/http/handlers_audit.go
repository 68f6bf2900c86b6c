package http

import (
	"net/http"

	"github.com/NowSquare/Agent-AI-sub001/internal/domain/deliberation"
	"github.com/NowSquare/Agent-AI-sub001/internal/domain/memory"
)

// ListAgentSteps handles GET /api/v1/agent-steps.
func (h *Handlers) ListAgentSteps(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	steps, err := h.Audit.ListSteps(r.Context(), deliberation.StepFilter{
		DeliberationID: q.Get("deliberation_id"),
		MessageID:      q.Get("message_id"),
		Role:           deliberation.Role(q.Get("role")),
		Limit:          limit,
	})
	if err != nil {
		writeDomainError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, steps)
}

// GetAgentStep handles GET /api/v1/agent-steps/{id}.
func (h *Handlers) GetAgentStep(w http.ResponseWriter, r *http.Request) {
	step, err := h.Audit.GetStep(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "agent step not found")
		return
	}
	writeJSON(w, http.StatusOK, step)
}

// GetAction handles GET /api/v1/actions/{id}.
func (h *Handlers) GetAction(w http.ResponseWriter, r *http.Request) {
	a, err := h.Actions.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "action not found")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// ListMemories handles GET /api/v1/memories?scope=&scope_id=.
func (h *Handlers) ListMemories(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	scopeID := q.Get("scope_id")
	if scopeID == "" {
		writeError(w, http.StatusBadRequest, "scope_id is required")
		return
	}
	items, err := h.Memories.List(r.Context(), memory.Scope(q.Get("scope")), scopeID)
	if err != nil {
		writeDomainError(w, err, "")
		return
	}
	if items == nil {
		items = []memory.Memory{}
	}
	writeJSON(w, http.StatusOK, items)
}
