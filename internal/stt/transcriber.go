package stt

import (
	"context"
	"fmt"

	"github.com/loqalabs/mia-core/internal/config"
)

// Transcriber turns a complete utterance of 16-bit mono PCM into text.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error)
}

// New builds the transcriber selected by cfg.Mode.
func New(cfg config.STTConfig) (Transcriber, error) {
	switch cfg.Mode {
	case "mock", "":
		return NewMockTranscriber(), nil
	case "exec":
		return NewExecTranscriber(cfg)
	default:
		return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
}
