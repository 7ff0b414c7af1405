package llm

import (
	"context"
	"strings"
	"time"
)

type mockGenerator struct {
	wordDelay time.Duration
}

// NewMockGenerator streams a canned reply word by word.
func NewMockGenerator() Generator { return &mockGenerator{wordDelay: 15 * time.Millisecond} }

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	start := time.Now()
	reply := "You said: " + strings.TrimSpace(req.Prompt) + ". That sounds interesting, tell me more."
	words := strings.SplitAfter(reply, " ")
	for i, word := range words {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.wordDelay):
		}
		if err := consumer(Chunk{
			SessionID: req.SessionID,
			Content:   word,
			Partial:   i < len(words)-1,
			Latency:   time.Since(start),
		}); err != nil {
			return err
		}
	}
	return nil
}
