package turn

import (
	"context"
	"encoding/base64"
	"log/slog"

	"github.com/loqalabs/mia-core/internal/pcm"
	"github.com/loqalabs/mia-core/internal/protocol"
	"github.com/loqalabs/mia-core/internal/sequencer"
)

// clientSink turns ordered synthesis payloads into audio-response frames for
// one client.
type clientSink struct {
	clientID string
	sender   Sender
	log      *slog.Logger
}

func (s *clientSink) EmitSegment(ctx context.Context, p sequencer.Payload) error {
	var (
		audio  string
		errMsg string
	)
	switch {
	case p.Err != nil:
		errMsg = p.Err.Error()
	case !p.Audio.Empty():
		wav, err := pcm.EncodeWAV(p.Audio.PCM, p.Audio.SampleRate, p.Audio.Channels)
		if err != nil {
			s.log.Warn("failed to encode segment", slog.Int("sequence", p.Sequence), slogError(err))
			errMsg = err.Error()
			break
		}
		audio = base64.StdEncoding.EncodeToString(wav)
	}
	return s.sender.Send(ctx, s.clientID,
		protocol.AudioResponse(p.Sequence, p.DisplayText, audio, p.Audio.SampleRate, errMsg))
}

func (s *clientSink) EmitComplete(ctx context.Context) error {
	return s.sender.Send(ctx, s.clientID, protocol.SynthComplete())
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
