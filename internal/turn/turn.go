// Package turn runs one conversational turn per client at a time: it resolves
// the input, generates a reply, streams synthesized segments in order and
// waits for the client to finish playback.
package turn

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/loqalabs/mia-core/internal/protocol"
)

var (
	// ErrBusy rejects a trigger while the client already has a live turn.
	ErrBusy = errors.New("turn already in progress")
	// ErrEmptyInput rejects triggers with nothing to respond to.
	ErrEmptyInput = errors.New("trigger input is empty")
	// ErrClosed is returned once the orchestrator has been shut down.
	ErrClosed = errors.New("orchestrator closed")
	// ErrUnknownTrigger rejects triggers of an unsupported kind.
	ErrUnknownTrigger = errors.New("unknown trigger kind")
)

type TriggerKind string

const (
	TriggerText      TriggerKind = "text"
	TriggerAudio     TriggerKind = "captured-audio"
	TriggerProactive TriggerKind = "proactive-prompt"
)

// Trigger is what starts a turn. Text is used for text triggers, PCM (16-bit
// mono) with SampleRate for captured audio. Proactive triggers carry nothing.
type Trigger struct {
	Kind       TriggerKind
	Text       string
	PCM        []byte
	SampleRate int
}

func TextTrigger(text string) Trigger {
	return Trigger{Kind: TriggerText, Text: text}
}

func AudioTrigger(pcm []byte, sampleRate int) Trigger {
	return Trigger{Kind: TriggerAudio, PCM: pcm, SampleRate: sampleRate}
}

func ProactiveTrigger() Trigger {
	return Trigger{Kind: TriggerProactive}
}

// TriggerFromMessage maps a client frame onto a trigger. ok is false for
// frames that do not start a turn.
func TriggerFromMessage(msg protocol.Message) (Trigger, bool, error) {
	switch msg.Type {
	case protocol.TypeTextInput:
		return TextTrigger(msg.Text), true, nil
	case protocol.TypeMicAudioEnd:
		pcm, err := msg.PCM()
		if err != nil {
			return Trigger{}, true, err
		}
		return AudioTrigger(pcm, msg.SampleRate), true, nil
	case protocol.TypeAISpeakSignal:
		return ProactiveTrigger(), true, nil
	}
	return Trigger{}, false, nil
}

func (t Trigger) validate() error {
	switch t.Kind {
	case TriggerText:
		if strings.TrimSpace(t.Text) == "" {
			return ErrEmptyInput
		}
	case TriggerAudio:
		if len(t.PCM) == 0 {
			return ErrEmptyInput
		}
	case TriggerProactive:
	default:
		return ErrUnknownTrigger
	}
	return nil
}

func (t Trigger) metadata() Metadata {
	if t.Kind == TriggerProactive {
		return Metadata{Proactive: true, SkipMemory: true, SkipHistory: true}
	}
	return Metadata{}
}

// Metadata adjusts which side effects a turn performs.
type Metadata struct {
	Proactive   bool
	SkipMemory  bool
	SkipHistory bool
}

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Turn is one execution of the pipeline for one client.
type Turn struct {
	ID        string
	ClientID  string
	Trigger   Trigger
	Metadata  Metadata
	Status    Status
	Err       error
	StartedAt time.Time
	EndedAt   time.Time
}

// Sender delivers a message to a connected client. Failures are not retried.
type Sender interface {
	Send(ctx context.Context, clientID string, msg protocol.Message) error
}
