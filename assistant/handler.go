package assistant

import (
	"encoding/json"
	"net/http"

	"github.com/golang/glog"
	"golang.org/x/time/rate"
)

const maxRequestBody = 1 << 20

// Handler serves POST /api/ai-assistant.
type Handler struct {
	provider Provider
	limiter  *rate.Limiter
}

// NewHandler returns a handler backed by p. A nil limiter disables rate
// limiting.
func NewHandler(p Provider, limiter *rate.Limiter) *Handler {
	return &Handler{provider: p, limiter: limiter}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, Response{Error: "method not allowed"})
		return
	}
	if h.limiter != nil && !h.limiter.Allow() {
		writeJSON(w, http.StatusTooManyRequests, Response{Error: "too many requests"})
		return
	}

	var req Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Error: "invalid request body"})
		return
	}
	if len(req.Messages) == 0 {
		writeJSON(w, http.StatusBadRequest, Response{Error: "messages must not be empty"})
		return
	}

	reply, err := h.provider.Complete(r.Context(), req)
	if err != nil {
		glog.Errorf("assistant: completion failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, Response{Error: "Failed to get AI response"})
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Message: reply})
}

func writeJSON(w http.ResponseWriter, status int, v Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		glog.V(1).Infof("assistant: write response: %v", err)
	}
}
