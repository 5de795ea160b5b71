package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/coder/websocket"

	"github.com/kalambet/companion/internal/pipeline"
	"github.com/kalambet/companion/internal/quota"
	"github.com/kalambet/companion/internal/relay"
)

// wsMessage is an inbound client message.
type wsMessage struct {
	Type      string `json:"type"`
	Content   string `json:"content"`
	SessionID string `json:"sessionId"`
	Tag       string `json:"tag"`
}

// handleChatWebSocket runs chat turns over a websocket. Each "message"
// runs to completion before the next is read; frames match the SSE ones.
func handleChatWebSocket(deps Deps, origins []string) http.HandlerFunc {
	patterns := originPatterns(origins)
	return func(w http.ResponseWriter, r *http.Request) {
		userID := UserIDFromContext(r.Context())

		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: patterns,
		})
		if err != nil {
			slog.Error("failed to accept websocket", "error", err, "user_id", userID)
			return
		}
		defer func() {
			if closeErr := ws.Close(websocket.StatusNormalClosure, "chat ended"); closeErr != nil {
				slog.Debug("failed to close websocket", "error", closeErr, "user_id", userID)
			}
		}()

		ctx := r.Context()
		sessionID := ""
		for {
			_, data, err := ws.Read(ctx)
			if err != nil {
				if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
					slog.Warn("websocket read error", "error", err, "user_id", userID)
				}
				return
			}

			var msg wsMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				wsWriteJSON(ctx, ws, relay.ErrorFrame("invalid message"))
				continue
			}

			switch msg.Type {
			case "ping":
				wsWriteJSON(ctx, ws, map[string]string{"type": "pong"})
			case "message", "":
				sid := sessionID
				if msg.SessionID != "" {
					sid = msg.SessionID
				}
				next, closeConn := runWSTurn(ctx, ws, deps, userID, sid, msg)
				if next != "" {
					sessionID = next
				}
				if closeConn {
					return
				}
			default:
				wsWriteJSON(ctx, ws, relay.ErrorFrame("unknown message type"))
			}
		}
	}
}

// runWSTurn relays one turn and returns the session it ran in. closeConn is
// set when the connection must not be used any more.
func runWSTurn(ctx context.Context, ws *websocket.Conn, deps Deps, userID, sessionID string, msg wsMessage) (string, bool) {
	if sessionID != "" {
		ok, err := canUseSession(ctx, deps.Store, userID, sessionID)
		if err != nil {
			slog.Error("loading sessions failed", "user_id", userID, "error", err)
			wsWriteJSON(ctx, ws, relay.ErrorFrame("failed to load session"))
			return "", false
		}
		if !ok {
			wsWriteJSON(ctx, ws, relay.ErrorFrame("session belongs to another user"))
			return "", false
		}
	}

	turn, err := deps.Chat.Prepare(ctx, pipeline.Request{
		UserID:    userID,
		SessionID: sessionID,
		Content:   msg.Content,
		Tag:       msg.Tag,
	})
	if err != nil {
		var pe *quota.PaywallError
		switch {
		case errors.As(err, &pe):
			wsWriteJSON(ctx, ws, newPaywallResponse(pe))
			ws.Close(websocket.StatusPolicyViolation, "PAYWALL_HIT")
			return "", true
		case errors.Is(err, pipeline.ErrEmptyMessage):
			wsWriteJSON(ctx, ws, relay.ErrorFrame(err.Error()))
		default:
			slog.Error("chat turn failed", "user_id", userID, "error", err)
			wsWriteJSON(ctx, ws, relay.ErrorFrame("failed to generate a reply"))
		}
		return "", false
	}

	sink := relay.SinkFunc(func(f relay.Frame) error {
		return wsWriteJSON(ctx, ws, f)
	})
	err = turn.Stream(ctx, sink)
	switch {
	case err == nil:
	case errors.Is(err, relay.ErrAborted):
		return turn.SessionID(), true
	case errors.Is(err, relay.ErrInterrupted):
		slog.Warn("chat stream interrupted", "user_id", userID, "session_id", turn.SessionID(), "error", err)
	default:
		slog.Error("chat stream failed", "user_id", userID, "error", err)
		wsWriteJSON(ctx, ws, relay.ErrorFrame("failed to generate a reply"))
	}
	return turn.SessionID(), false
}

func wsWriteJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}

// originPatterns turns CORS origins into websocket host patterns.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o == "*" {
			return []string{"*"}
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
			continue
		}
		out = append(out, o)
	}
	return out
}
