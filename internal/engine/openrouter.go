package engine

import (
	"context"

	"github.com/kalambet/companion/internal/proxy"
)

// OpenRouterEngine adapts proxy.Client to the Engine interface.
type OpenRouterEngine struct {
	client *proxy.Client
}

// NewOpenRouterEngine creates an engine backed by OpenRouter.
func NewOpenRouterEngine(client *proxy.Client) *OpenRouterEngine {
	return &OpenRouterEngine{client: client}
}

func (e *OpenRouterEngine) Stream(ctx context.Context, req Request) (Stream, error) {
	d, err := e.client.Stream(ctx, toChatRequest(req))
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (e *OpenRouterEngine) Complete(ctx context.Context, req Request) (string, error) {
	return e.client.Complete(ctx, toChatRequest(req))
}

func toChatRequest(req Request) proxy.ChatRequest {
	msgs := make([]proxy.Message, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, proxy.Message{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, proxy.Message{Role: m.Role, Content: m.Content})
	}
	out := proxy.ChatRequest{Model: req.Model, Messages: msgs}
	if req.JSON {
		out.ResponseFormat = &proxy.ResponseFormat{Type: "json_object"}
	}
	return out
}
