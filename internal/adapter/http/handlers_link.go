package http

import (
	"mime"
	"net/http"

	"github.com/NowSquare/Agent-AI-sub001/internal/domain/action"
)

type clarifyRequest struct {
	Reply string `json:"reply"`
}

type linkResponse struct {
	*action.LinkResult
	Error string `json:"error,omitempty"`
}

// InspectLink handles GET /a/{token}. It reports what the link would do and
// never changes state, so mail scanners prefetching the URL are harmless.
func (h *Handlers) InspectLink(w http.ResponseWriter, r *http.Request) {
	res, err := h.Actions.Inspect(r.Context(), urlParam(r, "token"))
	if err != nil {
		writeDomainError(w, err, "action not found")
		return
	}
	writeLinkResult(w, res)
}

// ResolveLink handles POST /a/{token}: confirm, choose, cancel or clarify,
// depending on the purpose bound into the token. Clarify links take the
// user's reply as a "reply" form field or JSON body.
func (h *Handlers) ResolveLink(w http.ResponseWriter, r *http.Request) {
	reply, ok := readReply(w, r)
	if !ok {
		return
	}
	res, err := h.Actions.Resolve(r.Context(), urlParam(r, "token"), reply)
	if err != nil && res != nil {
		// The transition happened but the executor could not be reached.
		writeJSON(w, http.StatusBadGateway, linkResponse{LinkResult: res, Error: "dispatch failed"})
		return
	}
	if err != nil {
		writeDomainError(w, err, "action not found")
		return
	}
	writeLinkResult(w, res)
}

func readReply(w http.ResponseWriter, r *http.Request) (string, bool) {
	if r.ContentLength == 0 {
		return "", true
	}
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/json" {
		req, ok := readJSON[clarifyRequest](w, r)
		return req.Reply, ok
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form body")
		return "", false
	}
	return r.PostForm.Get("reply"), true
}

func writeLinkResult(w http.ResponseWriter, res *action.LinkResult) {
	status := http.StatusOK
	if res.Outcome == action.OutcomeExpired {
		status = http.StatusGone
	}
	writeJSON(w, status, res)
}
