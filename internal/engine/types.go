package engine

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// Request is a provider-neutral generation request. Messages are in
// chronological order; the last one is the turn being answered.
type Request struct {
	Model    string
	System   string
	Messages []Message
	JSON     bool
}
