package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GeminiEngine talks to Google's Gemini models through the generative-ai SDK.
type GeminiEngine struct {
	client *genai.Client
}

// NewGeminiEngine creates a Gemini client authenticated with apiKey.
func NewGeminiEngine(ctx context.Context, apiKey string) (*GeminiEngine, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return &GeminiEngine{client: client}, nil
}

// Close releases the underlying client.
func (e *GeminiEngine) Close() error {
	return e.client.Close()
}

func (e *GeminiEngine) model(req Request) *genai.GenerativeModel {
	m := e.client.GenerativeModel(req.Model)
	if req.System != "" {
		m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}
	if req.JSON {
		m.ResponseMIMEType = "application/json"
	}
	return m
}

func (e *GeminiEngine) Stream(ctx context.Context, req Request) (Stream, error) {
	history, last, err := splitHistory(req.Messages)
	if err != nil {
		return nil, err
	}
	cs := e.model(req).StartChat()
	cs.History = history

	it := cs.SendMessageStream(ctx, genai.Text(last))
	s := &geminiStream{it: it}

	// Pull the first response so that request-level failures surface from
	// Stream rather than mid-reply.
	first, err := s.pull()
	if err != nil && err != io.EOF {
		return nil, err
	}
	s.pending = first
	s.pendingErr = err
	return s, nil
}

func (e *GeminiEngine) Complete(ctx context.Context, req Request) (string, error) {
	history, last, err := splitHistory(req.Messages)
	if err != nil {
		return "", err
	}
	cs := e.model(req).StartChat()
	cs.History = history

	resp, err := cs.SendMessage(ctx, genai.Text(last))
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	return responseText(resp), nil
}

type geminiStream struct {
	it         *genai.GenerateContentResponseIterator
	pending    string
	pendingErr error
	primed     bool
}

func (s *geminiStream) Recv() (string, error) {
	if !s.primed {
		s.primed = true
		if s.pendingErr != nil {
			return "", s.pendingErr
		}
		if s.pending != "" {
			return s.pending, nil
		}
	}
	return s.pull()
}

// pull returns the next non-empty text increment.
func (s *geminiStream) pull() (string, error) {
	for {
		resp, err := s.it.Next()
		if errors.Is(err, iterator.Done) {
			return "", io.EOF
		}
		if err != nil {
			return "", fmt.Errorf("gemini stream: %w", err)
		}
		if text := responseText(resp); text != "" {
			return text, nil
		}
	}
}

func (s *geminiStream) Close() error { return nil }

// splitHistory converts chronological messages into Gemini chat history plus
// the final user turn to send.
func splitHistory(msgs []Message) ([]*genai.Content, string, error) {
	if len(msgs) == 0 {
		return nil, "", fmt.Errorf("gemini request has no messages")
	}
	last := msgs[len(msgs)-1]
	if last.Role != "user" {
		return nil, "", fmt.Errorf("last message must be from the user, got %q", last.Role)
	}

	history := make([]*genai.Content, 0, len(msgs)-1)
	for _, m := range msgs[:len(msgs)-1] {
		history = append(history, &genai.Content{
			Role:  geminiRole(m.Role),
			Parts: []genai.Part{genai.Text(m.Content)},
		})
	}
	return history, last.Content, nil
}

func geminiRole(role string) string {
	if role == "assistant" {
		return "model"
	}
	return "user"
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	var sb strings.Builder
	for _, c := range resp.Candidates {
		if c.Content == nil {
			continue
		}
		for _, p := range c.Content.Parts {
			if t, ok := p.(genai.Text); ok {
				sb.WriteString(string(t))
			}
		}
	}
	return sb.String()
}
