package http

import "net/http"

// PruneMemories handles POST /api/v1/maintenance/prune-memories.
func (h *Handlers) PruneMemories(w http.ResponseWriter, r *http.Request) {
	n, err := h.Memories.PruneExpired(r.Context())
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"pruned": n})
}

// SweepExpiredActions handles POST /api/v1/maintenance/sweep-expired.
func (h *Handlers) SweepExpiredActions(w http.ResponseWriter, r *http.Request) {
	n, err := h.Actions.SweepExpired(r.Context())
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"expired": n})
}
