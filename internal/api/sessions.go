package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/companion/internal/storage"
)

type sessionResponse struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Type      string     `json:"type"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

func toSessionResponse(s storage.Session) sessionResponse {
	return sessionResponse{
		ID:        s.ID,
		UserID:    s.UserID,
		Type:      s.Type,
		StartedAt: s.StartedAt,
		EndedAt:   s.EndedAt,
	}
}

type messageResponse struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId"`
	Role      string    `json:"role"`
	Tag       string    `json:"tag"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// handleResolveSession returns the caller's open session, creating one if
// there is none.
func handleResolveSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := UserIDFromContext(r.Context())
		res := deps.Sessions.ResolveOrCreate(r.Context(), userID, "")
		code := http.StatusOK
		if res.Created {
			code = http.StatusCreated
		}
		writeJSON(w, code, toSessionResponse(res.Session))
	}
}

func handleEndSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := UserIDFromContext(r.Context())
		id := chi.URLParam(r, "id")

		owned, err := ownsSession(r.Context(), deps.Store, userID, id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load sessions: %v", err)
			return
		}
		if !owned {
			httpError(w, http.StatusNotFound, "not_found", "session not found")
			return
		}

		if err := deps.Sessions.End(r.Context(), id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found", "session not found or already ended")
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "failed to end session: %v", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func ownsSession(ctx context.Context, store Store, userID, sessionID string) (bool, error) {
	sessions, err := store.ListSessions(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, s := range sessions {
		if s.ID == sessionID {
			return true, nil
		}
	}
	return false, nil
}

// canUseSession reports whether userID may read or continue sessionID. A
// session the user owns is always usable. A session id that is not in the
// user's list is accepted only while it carries no other user's messages,
// which keeps locally generated ids from degraded turns working.
func canUseSession(ctx context.Context, store Store, userID, sessionID string) (bool, error) {
	owned, err := ownsSession(ctx, store, userID, sessionID)
	if err != nil || owned {
		return owned, err
	}
	msgs, err := store.ListMessages(ctx, sessionID)
	if err != nil {
		return false, err
	}
	for _, m := range msgs {
		if m.UserID != userID {
			return false, nil
		}
	}
	return true, nil
}

// handleListMessages returns a session's messages in send order. Only the
// caller's own messages are returned.
func handleListMessages(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := UserIDFromContext(r.Context())
		sessionID := r.URL.Query().Get("sessionId")
		if sessionID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "sessionId is required")
			return
		}

		owned, err := ownsSession(r.Context(), deps.Store, userID, sessionID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load sessions: %v", err)
			return
		}
		msgs, err := deps.Store.ListMessages(r.Context(), sessionID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list messages: %v", err)
			return
		}

		out := make([]messageResponse, 0, len(msgs))
		for _, m := range msgs {
			if m.UserID != userID {
				continue
			}
			out = append(out, messageResponse{
				ID:        m.ID,
				SessionID: m.SessionID,
				UserID:    m.UserID,
				Role:      m.Role,
				Tag:       m.Tag,
				Content:   m.Content,
				CreatedAt: m.CreatedAt,
			})
		}
		if !owned && len(out) == 0 && len(msgs) > 0 {
			httpError(w, http.StatusForbidden, "permission_error", "session belongs to another user")
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}
