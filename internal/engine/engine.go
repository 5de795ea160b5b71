package engine

import "context"

// Engine abstracts the external text-generation service. The chat pipeline
// streams replies through it and the understanding analyzer asks it for
// structured completions; neither depends on a concrete vendor client.
type Engine interface {
	// Stream opens one incremental generation. The returned Stream must be
	// closed by the caller.
	Stream(ctx context.Context, req Request) (Stream, error)

	// Complete runs a single non-streaming generation and returns the text.
	// When req.JSON is set the model is asked for a JSON object.
	Complete(ctx context.Context, req Request) (string, error)
}

// Stream yields reply increments in arrival order.
type Stream interface {
	// Recv returns the next non-empty increment, or io.EOF once the reply
	// is complete.
	Recv() (string, error)
	Close() error
}
