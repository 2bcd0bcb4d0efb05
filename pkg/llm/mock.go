package llm

import (
	"context"
	"strings"
	"sync"
)

// Mock is a scripted Provider for tests. Responses are keyed by the last
// user message; unknown prompts fall back to Default. When Gate is set,
// Stream blocks before emitting its first delta until the gate is
// released, letting tests observe state while a generation is in flight.
type Mock struct {
	mu        sync.Mutex
	Responses map[string]string
	Default   string
	Fail      error
	Gate      chan struct{}
	ChunkSize int

	StreamCalls   int
	CompleteCalls int
}

func (m *Mock) pick(req Request) string {
	prompt := ""
	for _, msg := range req.Messages {
		if msg.Role == RoleUser {
			prompt = msg.Content
		}
	}
	if r, ok := m.Responses[prompt]; ok {
		return r
	}
	if m.Default != "" {
		return m.Default
	}
	return "mock response"
}

func (m *Mock) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	m.mu.Lock()
	m.StreamCalls++
	fail := m.Fail
	gate := m.Gate
	size := m.ChunkSize
	m.mu.Unlock()
	if fail != nil {
		return nil, fail
	}
	if size <= 0 {
		size = 4
	}
	text := m.pick(req)
	out := make(chan Chunk)
	go func() {
		defer close(out)
		if gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				out <- Chunk{Err: ctx.Err()}
				return
			}
		}
		for len(text) > 0 {
			n := size
			if n > len(text) {
				n = len(text)
			}
			select {
			case out <- Chunk{Delta: text[:n]}:
			case <-ctx.Done():
				out <- Chunk{Err: ctx.Err()}
				return
			}
			text = text[n:]
		}
	}()
	return out, nil
}

func (m *Mock) Complete(ctx context.Context, req Request) (string, error) {
	m.mu.Lock()
	m.CompleteCalls++
	fail := m.Fail
	m.mu.Unlock()
	if fail != nil {
		return "", fail
	}
	return m.pick(req), nil
}

// Calls reports how many times each path ran.
func (m *Mock) Calls() (stream, complete int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.StreamCalls, m.CompleteCalls
}

// ScriptedAnswer is a convenience for single-answer mocks.
func ScriptedAnswer(prompt, answer string) *Mock {
	return &Mock{Responses: map[string]string{strings.TrimSpace(prompt): answer}}
}
