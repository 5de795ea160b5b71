package reminder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

// Gateway delivers a rendered reminder to a user's contact handle.
type Gateway interface {
	Send(ctx context.Context, to, text string) error
}

// Gateway kinds accepted by NewGateway.
const (
	GatewayLog     = "log"
	GatewayWebhook = "webhook"
	GatewayMatrix  = "matrix"
)

// GatewayOptions carries the settings for every gateway kind.
type GatewayOptions struct {
	WebhookURL   string
	WebhookToken string

	MatrixHomeserver  string
	MatrixUserID      string
	MatrixAccessToken string
}

// NewGateway builds the gateway named by kind.
func NewGateway(kind string, opts GatewayOptions) (Gateway, error) {
	switch kind {
	case "", GatewayLog:
		return LogGateway{logger: slog.Default()}, nil
	case GatewayWebhook:
		if opts.WebhookURL == "" {
			return nil, fmt.Errorf("webhook gateway needs reminder.webhook_url")
		}
		return NewWebhookGateway(opts.WebhookURL, opts.WebhookToken), nil
	case GatewayMatrix:
		return NewMatrixGateway(opts.MatrixHomeserver, opts.MatrixUserID, opts.MatrixAccessToken)
	default:
		return nil, fmt.Errorf("unknown reminder gateway %q", kind)
	}
}

// LogGateway writes reminders to the log instead of sending them.
type LogGateway struct {
	logger *slog.Logger
}

func (g LogGateway) Send(_ context.Context, to, text string) error {
	g.logger.Info("reminder", "to", to, "text", text)
	return nil
}

// WebhookGateway posts reminders to an HTTP endpoint that fans out to SMS or
// WhatsApp.
type WebhookGateway struct {
	url        string
	token      string
	httpClient *http.Client
}

// NewWebhookGateway creates a gateway posting to url. A non-empty token is
// sent as a bearer credential.
func NewWebhookGateway(url, token string) *WebhookGateway {
	return &WebhookGateway{
		url:        url,
		token:      token,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

type webhookPayload struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

func (g *WebhookGateway) Send(ctx context.Context, to, text string) error {
	body, err := json.Marshal(webhookPayload{To: to, Message: text})
	if err != nil {
		return fmt.Errorf("marshalling webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}

// MatrixGateway sends reminders as text messages into Matrix rooms. The
// user's contact handle is the room ID.
type MatrixGateway struct {
	client *mautrix.Client
}

// NewMatrixGateway creates a Matrix client for the reminder bot account.
func NewMatrixGateway(homeserver, userID, accessToken string) (*MatrixGateway, error) {
	if homeserver == "" || accessToken == "" {
		return nil, fmt.Errorf("matrix gateway needs matrix.homeserver and matrix.access_token")
	}
	client, err := mautrix.NewClient(homeserver, id.UserID(userID), accessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	return &MatrixGateway{client: client}, nil
}

func (g *MatrixGateway) Send(ctx context.Context, to, text string) error {
	if _, err := g.client.SendText(ctx, id.RoomID(to), text); err != nil {
		return fmt.Errorf("sending matrix message: %w", err)
	}
	return nil
}
