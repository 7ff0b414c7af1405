package tts

import (
	"context"
	"time"
	"unicode/utf8"
)

type mockSynth struct {
	sampleRate int
	channels   int
}

// NewMockSynth returns a synthesizer that yields silence roughly as long as
// the text would take to speak.
func NewMockSynth(sampleRate, channels int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (Audio, error) {
	select {
	case <-ctx.Done():
		return Audio{}, ctx.Err()
	case <-time.After(50 * time.Millisecond):
	}
	// ~60ms of audio per character.
	samples := utf8.RuneCountInString(req.Text) * m.sampleRate * 6 / 100
	return Audio{
		PCM:        make([]byte, samples*2*m.channels),
		SampleRate: m.sampleRate,
		Channels:   m.channels,
	}, nil
}
