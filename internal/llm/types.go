package llm

import (
	"context"
	"strings"
	"time"

	"github.com/loqalabs/mia-core/internal/config"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of a chat transcript.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes a language model prompt.
type Request struct {
	SessionID   string
	Prompt      string
	System      string
	Context     string
	History     []Message
	Model       string
	MaxTokens   int
	Temperature float64
}

// Chunk represents streamed model output.
type Chunk struct {
	SessionID        string
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// Generator defines a pluggable LLM backend.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// RequestFromConfig builds a request carrying the configured model defaults.
func RequestFromConfig(cfg config.LLMConfig) Request {
	return Request{Model: cfg.Model, MaxTokens: cfg.MaxTokens, Temperature: cfg.Temperature}
}

// Messages flattens the request into a chat transcript: system prompt (with
// any retrieved context appended), history, then the user prompt.
func (r Request) Messages() []Message {
	out := make([]Message, 0, len(r.History)+2)
	system := strings.TrimSpace(r.System)
	if ctx := strings.TrimSpace(r.Context); ctx != "" {
		if system != "" {
			system += "\n\n"
		}
		system += ctx
	}
	if system != "" {
		out = append(out, Message{Role: RoleSystem, Content: system})
	}
	out = append(out, r.History...)
	out = append(out, Message{Role: RoleUser, Content: r.Prompt})
	return out
}
