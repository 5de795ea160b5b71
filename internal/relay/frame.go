package relay

import "encoding/json"

// Frame is one caller-facing unit of a streamed reply.
//
// Three shapes go over the wire: an increment {content, done:false}, the
// terminal success frame carrying turn metadata, and the terminal error
// frame {error, done:true}.
type Frame struct {
	Content      string
	Done         bool
	Error        string
	SessionID    string
	MessageCount int
	MessageLimit int
	FullResponse string
}

// Delta builds an increment frame.
func Delta(content string) Frame {
	return Frame{Content: content}
}

// ErrorFrame builds the terminal error frame.
func ErrorFrame(msg string) Frame {
	return Frame{Error: msg, Done: true}
}

type deltaJSON struct {
	Content string `json:"content"`
	Done    bool   `json:"done"`
}

type errorJSON struct {
	Error string `json:"error"`
	Done  bool   `json:"done"`
}

type doneJSON struct {
	Content      string `json:"content"`
	Done         bool   `json:"done"`
	SessionID    string `json:"sessionId"`
	MessageCount int    `json:"messageCount"`
	MessageLimit int    `json:"messageLimit"`
	FullResponse string `json:"fullResponse"`
}

func (f Frame) MarshalJSON() ([]byte, error) {
	switch {
	case f.Error != "":
		return json.Marshal(errorJSON{Error: f.Error, Done: true})
	case f.Done:
		return json.Marshal(doneJSON{
			Done:         true,
			SessionID:    f.SessionID,
			MessageCount: f.MessageCount,
			MessageLimit: f.MessageLimit,
			FullResponse: f.FullResponse,
		})
	default:
		return json.Marshal(deltaJSON{Content: f.Content})
	}
}

// Sink receives frames in order. A Send error means the caller is gone.
type Sink interface {
	Send(Frame) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Frame) error

func (f SinkFunc) Send(fr Frame) error { return f(fr) }
