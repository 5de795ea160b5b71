package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kalambet/companion/internal/ollama"
	"github.com/kalambet/companion/internal/proxy"
	"github.com/kalambet/companion/internal/relay"
)

var (
	_ Engine = (*OpenRouterEngine)(nil)
	_ Engine = (*GeminiEngine)(nil)
	_ Engine = (*OllamaEngine)(nil)
	_ Stream = (*proxy.DeltaReader)(nil)
	_ Stream = (*ollama.StreamReader)(nil)
)

func newTestOpenRouter(t *testing.T, h http.HandlerFunc) Engine {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	e, closeFn, err := New(context.Background(), Options{
		Provider:         ProviderOpenRouter,
		OpenRouterAPIKey: "k",
		OpenRouterURL:    srv.URL,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { closeFn() })
	return e
}

func TestOpenRouterEngine_Stream(t *testing.T) {
	var got proxy.ChatRequest
	e := newTestOpenRouter(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range []string{"Hel", "lo"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	s, err := e.Stream(context.Background(), Request{
		Model:    "m",
		System:   "sys",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer s.Close()

	var text string
	for {
		d, err := s.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		text += d
	}
	if text != "Hello" {
		t.Errorf("text = %q, want Hello", text)
	}
	if !got.Stream || len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[0].Content != "sys" {
		t.Errorf("upstream request = %+v", got)
	}
}

func TestOpenRouterEngine_StreamThroughRelay(t *testing.T) {
	e := newTestOpenRouter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": OPENROUTER PROCESSING\n\n")
		for _, c := range []string{"Good ", "to ", "see you"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	s, err := e.Stream(context.Background(), Request{Model: "m", Messages: []Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer s.Close()

	var frames []relay.Frame
	text, err := relay.Run(context.Background(), s, relay.SinkFunc(func(f relay.Frame) error {
		frames = append(frames, f)
		return nil
	}))
	if err != nil {
		t.Fatalf("relay.Run: %v", err)
	}
	if text != "Good to see you" {
		t.Errorf("text = %q", text)
	}
	if len(frames) != 3 || frames[0].Content != "Good " || frames[2].Content != "see you" {
		t.Errorf("frames = %+v", frames)
	}
}

func TestOpenRouterEngine_CompleteJSON(t *testing.T) {
	var got proxy.ChatRequest
	e := newTestOpenRouter(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"{}"}}]}`)
	})

	out, err := e.Complete(context.Background(), Request{Model: "m", Messages: []Message{{Role: "user", Content: "x"}}, JSON: true})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out != "{}" {
		t.Errorf("out = %q", out)
	}
	if got.ResponseFormat == nil || got.ResponseFormat.Type != "json_object" {
		t.Errorf("response_format = %+v", got.ResponseFormat)
	}
	if got.Messages[0].Role != "user" {
		t.Error("empty system prompt should not produce a system message")
	}
}

func TestOpenRouterEngine_StreamUpstreamError(t *testing.T) {
	e := newTestOpenRouter(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	})
	if _, err := e.Stream(context.Background(), Request{Model: "m", Messages: []Message{{Role: "user", Content: "x"}}}); err == nil {
		t.Fatal("expected error")
	}
}

func TestNew_Validation(t *testing.T) {
	ctx := context.Background()
	if _, _, err := New(ctx, Options{Provider: "openrouter"}); err == nil {
		t.Error("expected error for missing openrouter key")
	}
	if _, _, err := New(ctx, Options{Provider: "gemini"}); err == nil {
		t.Error("expected error for missing gemini key")
	}
	if _, _, err := New(ctx, Options{Provider: "llama"}); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestSplitHistory(t *testing.T) {
	history, last, err := splitHistory([]Message{
		{Role: "user", Content: "a"},
		{Role: "assistant", Content: "b"},
		{Role: "user", Content: "c"},
	})
	if err != nil {
		t.Fatalf("splitHistory: %v", err)
	}
	if last != "c" || len(history) != 2 {
		t.Fatalf("last = %q, history = %d", last, len(history))
	}
	if history[0].Role != "user" || history[1].Role != "model" {
		t.Errorf("roles = %s, %s", history[0].Role, history[1].Role)
	}

	if _, _, err := splitHistory(nil); err == nil {
		t.Error("expected error for empty messages")
	}
	if _, _, err := splitHistory([]Message{{Role: "assistant", Content: "x"}}); err == nil {
		t.Error("expected error when last message is not from the user")
	}
}

func newTestOllama(t *testing.T, h http.HandlerFunc) Engine {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	e, closeFn, err := New(context.Background(), Options{Provider: ProviderOllama, OllamaURL: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { closeFn() })
	return e
}

func TestOllamaEngine_Stream(t *testing.T) {
	var got ollama.ChatRequest
	e := newTestOllama(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"Hel"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"lo"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true}`)
	})

	s, err := e.Stream(context.Background(), Request{
		Model:    "llama3.2",
		System:   "sys",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer s.Close()

	var text string
	for {
		d, err := s.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		text += d
	}
	if text != "Hello" {
		t.Errorf("text = %q, want Hello", text)
	}
	if !got.Stream || got.Model != "llama3.2" || len(got.Messages) != 2 || got.Messages[0].Role != "system" {
		t.Errorf("upstream request = %+v", got)
	}
}

func TestOllamaEngine_CompleteJSON(t *testing.T) {
	var got ollama.ChatRequest
	e := newTestOllama(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprint(w, `{"message":{"role":"assistant","content":"{\"interests\":[]}"},"done":true}`)
	})

	out, err := e.Complete(context.Background(), Request{Model: "m", Messages: []Message{{Role: "user", Content: "x"}}, JSON: true})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out != `{"interests":[]}` {
		t.Errorf("out = %q", out)
	}
	if got.Stream || got.Format != "json" {
		t.Errorf("upstream request = %+v", got)
	}
}

func TestOllamaEngine_StreamUpstreamError(t *testing.T) {
	e := newTestOllama(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	})
	if _, err := e.Stream(context.Background(), Request{Model: "m", Messages: []Message{{Role: "user", Content: "x"}}}); err == nil {
		t.Fatal("expected error")
	}
}

func TestOllamaEngine_StreamCutOff(t *testing.T) {
	e := newTestOllama(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"Hel"},"done":false}`)
	})
	s, err := e.Stream(context.Background(), Request{Model: "m", Messages: []Message{{Role: "user", Content: "x"}}})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer s.Close()

	if d, err := s.Recv(); err != nil || d != "Hel" {
		t.Fatalf("first Recv = %q, %v", d, err)
	}
	if _, err := s.Recv(); err == nil || err == io.EOF {
		t.Fatalf("err = %v, want a truncation error", err)
	}
}
