package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/NowSquare/Agent-AI-sub001/internal/domain/deliberation"
	"github.com/NowSquare/Agent-AI-sub001/internal/domain/inbound"
	"github.com/NowSquare/Agent-AI-sub001/internal/port/messagequeue"
)

type exhaustedResponse struct {
	Error          string `json:"error"`
	DeliberationID string `json:"deliberation_id"`
}

// ReceiveInbound handles POST /api/v1/inbound. With ?mode=async the envelope
// is validated, queued on inbound.received and answered with 202.
func (h *Handlers) ReceiveInbound(w http.ResponseWriter, r *http.Request) {
	env, ok := readJSON[inbound.Envelope](w, r)
	if !ok {
		return
	}
	if err := env.Validate(); err != nil {
		writeDomainError(w, err, "")
		return
	}

	if r.URL.Query().Get("mode") == "async" {
		h.enqueueInbound(w, r, &env)
		return
	}

	res, err := h.Inbound.Handle(r.Context(), env)
	if errors.Is(err, deliberation.ErrDeliberationExhausted) && res != nil {
		writeJSON(w, http.StatusUnprocessableEntity, exhaustedResponse{
			Error:          "the message could not be interpreted",
			DeliberationID: res.DeliberationID,
		})
		return
	}
	if err != nil {
		writeDomainError(w, err, "action not found")
		return
	}

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (h *Handlers) enqueueInbound(w http.ResponseWriter, r *http.Request, env *inbound.Envelope) {
	if h.Queue == nil {
		writeError(w, http.StatusServiceUnavailable, "asynchronous ingestion not available")
		return
	}
	data, err := json.Marshal(messagequeue.InboundReceivedPayload{Envelope: *env})
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if err := h.Queue.Publish(r.Context(), messagequeue.SubjectInboundReceived, data); err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":     "queued",
		"message_id": env.Message.MessageID,
	})
}
