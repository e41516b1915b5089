package domain

// ChatMessage is the provider-agnostic chat message shape used by the
// orchestrator and LLM integrations.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StreamEventType tags a StreamEvent.
type StreamEventType string

const (
	StreamEventText  StreamEventType = "text"
	StreamEventDone  StreamEventType = "done"
	StreamEventError StreamEventType = "error"
)

// StreamEvent is one item of an assistant backend token stream. A stream
// carries any number of text events followed by exactly one done or error
// event.
type StreamEvent struct {
	Type  StreamEventType
	Text  string
	Error error
}

// CompletionRequest is what the orchestrator hands to an assistant backend.
type CompletionRequest struct {
	Model    string
	Messages []ChatMessage
}
