package engine

import (
	"context"
	"fmt"

	"github.com/kalambet/companion/internal/ollama"
	"github.com/kalambet/companion/internal/proxy"
)

// Providers accepted by New.
const (
	ProviderOpenRouter = "openrouter"
	ProviderGemini     = "gemini"
	ProviderOllama     = "ollama"
)

// DefaultOllamaURL is where a local Ollama listens out of the box.
const DefaultOllamaURL = "http://localhost:11434"

// Options holds the credentials for every supported provider.
type Options struct {
	Provider         string
	OpenRouterAPIKey string
	OpenRouterURL    string // optional, for tests
	GeminiAPIKey     string
	OllamaURL        string
}

// New returns the engine for the configured provider. The returned close
// function releases provider resources and is never nil.
func New(ctx context.Context, opts Options) (Engine, func() error, error) {
	noop := func() error { return nil }
	switch opts.Provider {
	case "", ProviderOpenRouter:
		if opts.OpenRouterAPIKey == "" {
			return nil, noop, fmt.Errorf("openrouter api key is empty")
		}
		client := proxy.NewClient(opts.OpenRouterAPIKey, proxy.Options{BaseURL: opts.OpenRouterURL})
		return NewOpenRouterEngine(client), noop, nil
	case ProviderGemini:
		if opts.GeminiAPIKey == "" {
			return nil, noop, fmt.Errorf("gemini api key is empty")
		}
		e, err := NewGeminiEngine(ctx, opts.GeminiAPIKey)
		if err != nil {
			return nil, noop, err
		}
		return e, e.Close, nil
	case ProviderOllama:
		url := opts.OllamaURL
		if url == "" {
			url = DefaultOllamaURL
		}
		return NewOllamaEngine(ollama.New(url)), noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown llm provider %q", opts.Provider)
	}
}
