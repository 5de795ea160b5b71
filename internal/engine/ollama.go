package engine

import (
	"context"

	"github.com/kalambet/companion/internal/ollama"
)

// OllamaEngine runs generation against a local Ollama instance. It needs no
// credentials and is meant for development and self-hosting.
type OllamaEngine struct {
	client *ollama.Client
}

// NewOllamaEngine creates an engine backed by the given Ollama client.
func NewOllamaEngine(client *ollama.Client) *OllamaEngine {
	return &OllamaEngine{client: client}
}

func (e *OllamaEngine) Stream(ctx context.Context, req Request) (Stream, error) {
	s, err := e.client.ChatStream(ctx, toOllamaRequest(req))
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (e *OllamaEngine) Complete(ctx context.Context, req Request) (string, error) {
	return e.client.Chat(ctx, toOllamaRequest(req))
}

func toOllamaRequest(req Request) ollama.ChatRequest {
	msgs := make([]ollama.Message, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, ollama.Message{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, ollama.Message{Role: m.Role, Content: m.Content})
	}
	out := ollama.ChatRequest{Model: req.Model, Messages: msgs}
	if req.JSON {
		out.Format = "json"
	}
	return out
}
