package stt

import (
	"context"
	"fmt"
)

type mockTranscriber struct{}

func NewMockTranscriber() Transcriber {
	return &mockTranscriber{}
}

func (m *mockTranscriber) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(pcm) == 0 {
		return "", nil
	}
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	ms := len(pcm) / 2 * 1000 / sampleRate
	return fmt.Sprintf("[transcript of %dms of audio]", ms), nil
}
