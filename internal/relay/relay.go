package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	// ErrAborted means the caller went away; the partial reply was discarded.
	ErrAborted = errors.New("relay aborted by caller")
	// ErrInterrupted means the upstream failed after forwarding began. A
	// terminal error frame has already been sent.
	ErrInterrupted = errors.New("stream interrupted")
)

// UpstreamError is returned when generation fails before anything was
// forwarded, so the caller can still answer with a plain HTTP error.
type UpstreamError struct {
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream generation failed: %v", e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Source yields reply increments; io.EOF marks the end of the reply.
type Source interface {
	Recv() (string, error)
}

// InterruptedMessage is the text of the terminal error frame.
const InterruptedMessage = "The reply was interrupted. Please try again."

// Run forwards every increment from src to sink in arrival order while
// accumulating the full text, which it returns on normal completion.
// On cancellation of ctx or a failed sink write it returns ErrAborted and
// no text.
func Run(ctx context.Context, src Source, sink Sink) (string, error) {
	var acc strings.Builder
	forwarded := 0

	for {
		if ctx.Err() != nil {
			return "", ErrAborted
		}

		delta, err := src.Recv()
		if err == io.EOF {
			if forwarded == 0 {
				return "", &UpstreamError{Err: errors.New("empty reply")}
			}
			return acc.String(), nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return "", ErrAborted
			}
			if forwarded == 0 {
				return "", &UpstreamError{Err: err}
			}
			if sendErr := sink.Send(ErrorFrame(InterruptedMessage)); sendErr != nil {
				return "", ErrAborted
			}
			return "", fmt.Errorf("%w: %v", ErrInterrupted, err)
		}
		if delta == "" {
			continue
		}

		acc.WriteString(delta)
		if err := sink.Send(Delta(delta)); err != nil {
			return "", ErrAborted
		}
		forwarded++
	}
}
