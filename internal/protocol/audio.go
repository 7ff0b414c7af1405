package protocol

import (
	"encoding/base64"
	"fmt"

	"github.com/loqalabs/mia-core/internal/pcm"
)

// PCM returns the captured utterance of a mic-audio-end message as 16-bit
// little-endian mono PCM. Float samples take precedence over the base64 field.
func (m Message) PCM() ([]byte, error) {
	if len(m.AudioData) > 0 {
		return pcm.FromFloat32(m.AudioData), nil
	}
	if m.Audio == "" {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(m.Audio)
	if err != nil {
		return nil, fmt.Errorf("decode audio: %w", err)
	}
	if len(data)%2 != 0 {
		data = data[:len(data)-1]
	}
	return data, nil
}
