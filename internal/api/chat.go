package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/kalambet/companion/internal/pipeline"
	"github.com/kalambet/companion/internal/quota"
	"github.com/kalambet/companion/internal/relay"
)

type chatRequest struct {
	Content   string `json:"content"`
	SessionID string `json:"sessionId"`
	Tag       string `json:"tag"`
}

// paywallResponse is the 402 body clients key their upgrade screen on.
type paywallResponse struct {
	Error        string `json:"error"`
	Message      string `json:"message"`
	MessageCount int    `json:"messageCount"`
	MessageLimit int    `json:"messageLimit"`
}

const paywallMessage = "You've reached your free message limit. Upgrade to keep chatting."

func newPaywallResponse(pe *quota.PaywallError) paywallResponse {
	return paywallResponse{
		Error:        "PAYWALL_HIT",
		Message:      paywallMessage,
		MessageCount: pe.Count,
		MessageLimit: pe.Limit,
	}
}

// handleChat runs one turn and streams the reply as server-sent events.
func handleChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if err := decodeBody(w, r, &req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON: %v", err)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
			return
		}

		userID := UserIDFromContext(r.Context())
		if req.SessionID != "" {
			ok, err := canUseSession(r.Context(), deps.Store, userID, req.SessionID)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to load sessions: %v", err)
				return
			}
			if !ok {
				httpError(w, http.StatusForbidden, "permission_error", "session belongs to another user")
				return
			}
		}

		turn, err := deps.Chat.Prepare(r.Context(), pipeline.Request{
			UserID:    userID,
			SessionID: req.SessionID,
			Content:   req.Content,
			Tag:       req.Tag,
		})
		if err != nil {
			writeTurnError(w, userID, err)
			return
		}

		sink := &sseSink{w: w, flusher: flusher}
		err = turn.Stream(r.Context(), sink)
		switch {
		case err == nil:
		case errors.Is(err, relay.ErrAborted):
		case errors.Is(err, relay.ErrInterrupted):
			slog.Warn("chat stream interrupted", "user_id", userID, "session_id", turn.SessionID(), "error", err)
		default:
			if !sink.started {
				writeTurnError(w, userID, err)
				return
			}
			slog.Error("chat stream failed", "user_id", userID, "error", err)
			sink.Send(relay.ErrorFrame(relay.InterruptedMessage))
		}
	}
}

func writeTurnError(w http.ResponseWriter, userID string, err error) {
	var pe *quota.PaywallError
	var ue *relay.UpstreamError
	switch {
	case errors.Is(err, pipeline.ErrEmptyMessage):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.As(err, &pe):
		writeJSON(w, http.StatusPaymentRequired, newPaywallResponse(pe))
	case errors.As(err, &ue):
		slog.Error("generation failed", "user_id", userID, "error", err)
		httpError(w, http.StatusInternalServerError, "upstream_error", "failed to generate a reply")
	default:
		slog.Error("chat turn failed", "user_id", userID, "error", err)
		httpError(w, http.StatusInternalServerError, "api_error", "failed to process message")
	}
}

// sseSink writes frames as SSE data lines. Headers go out with the first
// frame so earlier failures can still become plain HTTP errors.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func (s *sseSink) Send(f relay.Frame) error {
	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}

	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
