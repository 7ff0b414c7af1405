package tts

import (
	"fmt"
	"time"

	"github.com/loqalabs/mia-core/internal/config"
	"github.com/loqalabs/mia-core/internal/protocol"
	"github.com/nats-io/nats.go"
)

// New builds the synthesizer selected by cfg.Mode. conn is only used in bus
// mode and may be nil otherwise.
func New(cfg config.TTSConfig, conn *nats.Conn, subjectPrefix string) (Synthesizer, error) {
	switch cfg.Mode {
	case "mock", "":
		return NewMockSynth(cfg.SampleRate, cfg.Channels), nil
	case "exec":
		return NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
	case "bus":
		subject := protocol.Subject(subjectPrefix, protocol.SubjectTTSSynthesize)
		return NewBusSynth(conn, subject, time.Duration(cfg.BusTimeoutMS)*time.Millisecond)
	default:
		return nil, fmt.Errorf("unknown tts mode %q", cfg.Mode)
	}
}
