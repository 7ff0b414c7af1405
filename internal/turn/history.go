package turn

import (
	"sync"

	"github.com/loqalabs/mia-core/internal/llm"
)

// History is the conversation transcript shared by every client. Once it
// grows past maxEntries it is cut back to the most recent keepEntries.
type History struct {
	mu         sync.Mutex
	entries    []llm.Message
	maxEntries int
	keep       int
}

func NewHistory(maxEntries, keepEntries int) *History {
	if keepEntries <= 0 || keepEntries > maxEntries {
		keepEntries = maxEntries
	}
	return &History{maxEntries: maxEntries, keep: keepEntries}
}

// Append adds messages atomically and trims the transcript.
func (h *History) Append(msgs ...llm.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, msgs...)
	if h.maxEntries > 0 && len(h.entries) > h.maxEntries {
		trimmed := make([]llm.Message, h.keep)
		copy(trimmed, h.entries[len(h.entries)-h.keep:])
		h.entries = trimmed
	}
}

// Snapshot returns a copy safe to hand to a generator.
func (h *History) Snapshot() []llm.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]llm.Message(nil), h.entries...)
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}
