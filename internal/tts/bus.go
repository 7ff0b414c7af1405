package tts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/mia-core/internal/protocol"
	"github.com/nats-io/nats.go"
)

type busSynth struct {
	conn    *nats.Conn
	subject string
	timeout time.Duration
}

// NewBusSynth forwards synthesis to a worker answering on subject.
func NewBusSynth(conn *nats.Conn, subject string, timeout time.Duration) (Synthesizer, error) {
	if conn == nil {
		return nil, errors.New("tts bus mode requires a NATS connection")
	}
	return &busSynth{conn: conn, subject: subject, timeout: timeout}, nil
}

func (b *busSynth) Synthesize(ctx context.Context, req SynthRequest) (Audio, error) {
	data, err := json.Marshal(protocol.SynthesisRequest{SessionID: req.SessionID, Text: req.Text, Voice: req.Voice})
	if err != nil {
		return Audio{}, err
	}
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	msg, err := b.conn.RequestWithContext(ctx, b.subject, data)
	if err != nil {
		return Audio{}, fmt.Errorf("tts request: %w", err)
	}
	var reply protocol.SynthesisReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return Audio{}, fmt.Errorf("decode tts reply: %w", err)
	}
	if reply.Error != "" {
		return Audio{}, fmt.Errorf("remote tts: %s", reply.Error)
	}
	return Audio{PCM: reply.PCM, SampleRate: reply.SampleRate, Channels: reply.Channels}, nil
}
