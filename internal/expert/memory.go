package expert

import (
	"context"
	"sync"

	"github.com/askmesh/askmesh/internal/format"
)

const memoryHistoryCap = 200

// memoryContext keeps conversation history in process memory. It backs
// experts that run without a shared context store; history dies with the
// instance.
type memoryContext struct {
	mu      sync.Mutex
	threads map[string][]format.ChatMessage
}

// NewMemoryContext builds an in-process ContextProvider.
func NewMemoryContext() ContextProvider {
	return &memoryContext{threads: map[string][]format.ChatMessage{}}
}

func (m *memoryContext) History(_ context.Context, contextID string) ([]format.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.threads[contextID]
	out := make([]format.ChatMessage, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (m *memoryContext) Append(_ context.Context, contextID string, msgs ...format.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := append(m.threads[contextID], msgs...)
	if len(t) > memoryHistoryCap {
		t = t[len(t)-memoryHistoryCap:]
	}
	m.threads[contextID] = t
	return nil
}
