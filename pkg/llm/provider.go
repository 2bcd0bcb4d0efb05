package llm

import "context"

// Chat roles on the provider wire.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is one turn of provider-visible history.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes one generation call.
type Request struct {
	Model    string
	Messages []ChatMessage
}

// Chunk is one incremental piece of a streamed generation. Err is set on
// the final chunk when the stream ended abnormally.
type Chunk struct {
	Delta string
	Err   error
}

// Provider abstracts a model-routing inference API. Stream returns a
// channel of incremental deltas that is closed when generation ends;
// Complete performs a single non-streaming pass and is used by the
// background coordination path.
type Provider interface {
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
	Complete(ctx context.Context, req Request) (string, error)
}
