package llm

import (
	"fmt"

	"github.com/loqalabs/mia-core/internal/config"
)

// New builds the generator selected by cfg.Mode.
func New(cfg config.LLMConfig) (Generator, error) {
	switch cfg.Mode {
	case "mock", "":
		return NewMockGenerator(), nil
	case "exec":
		return NewExecGenerator(cfg.Command)
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.Model), nil
	default:
		return nil, fmt.Errorf("unknown llm mode %q", cfg.Mode)
	}
}
