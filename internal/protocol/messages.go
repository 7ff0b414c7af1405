package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message types sent to clients.
const (
	TypeControl           = "control"
	TypeFullText          = "full-text"
	TypeTranscription     = "user-input-transcription"
	TypeAudioResponse     = "audio-response"
	TypeSynthComplete     = "backend-synth-complete"
	TypeForceNewMessage   = "force-new-message"
	TypeInterruptSignal   = "interrupt-signal"
	TypeError             = "error"
	TypeStatus            = "status"
	TypeSubtitle          = "subtitle"
	ActionChainStart      = "conversation-chain-start"
	ActionChainEnd        = "conversation-chain-end"
	ThinkingPlaceholder   = "Thinking..."
	BusyMessage           = "a conversation is already in progress"
	InterruptedMarkerText = "[Interrupted by user]"
)

// Message types received from clients.
const (
	TypeTextInput        = "text-input"
	TypeMicAudioEnd      = "mic-audio-end"
	TypeAISpeakSignal    = "ai-speak-signal"
	TypeInterrupt        = "interrupt"
	TypePlaybackComplete = "frontend-playback-complete"
	TypeCommand          = "command"
	TypeChat             = "chat"
)

var (
	ErrMissingType = errors.New("message type missing")
	ErrUnknownType = errors.New("unknown message type")
)

// Message is a JSON frame exchanged with a client. Only the fields relevant to
// Type are populated.
type Message struct {
	Type        string    `json:"type"`
	Action      string    `json:"action,omitempty"`
	Value       string    `json:"value,omitempty"`
	Role        string    `json:"role,omitempty"`
	Text        string    `json:"text,omitempty"`
	Message     string    `json:"message,omitempty"`
	DisplayText string    `json:"display_text,omitempty"`
	Audio       string    `json:"audio,omitempty"`
	AudioData   []float32 `json:"audio_data,omitempty"`
	SampleRate  int       `json:"sample_rate,omitempty"`
	Sequence    *int      `json:"sequence,omitempty"`
	Error       string    `json:"error,omitempty"`
	RequestID   string    `json:"request_id,omitempty"`

	// Raw keeps the original frame for messages forwarded untouched.
	Raw json.RawMessage `json:"-"`
}

// Decode parses a client frame. Unknown types are returned with
// ErrUnknownType so callers can still inspect them.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if msg.Type == "" {
		return Message{}, ErrMissingType
	}
	msg.Raw = append(json.RawMessage(nil), data...)
	if !knownInbound(msg.Type) {
		return msg, fmt.Errorf("%w: %s", ErrUnknownType, msg.Type)
	}
	return msg, nil
}

func knownInbound(t string) bool {
	switch t {
	case TypeTextInput, TypeMicAudioEnd, TypeAISpeakSignal, TypeInterrupt,
		TypePlaybackComplete, TypeCommand, TypeChat:
		return true
	}
	return false
}

func Control(action string) Message {
	return Message{Type: TypeControl, Action: action}
}

func FullText(text string) Message {
	return Message{Type: TypeFullText, Text: text}
}

func Transcription(text string) Message {
	return Message{Type: TypeTranscription, Text: text}
}

// AudioResponse carries one synthesized segment. audio is the base64 WAV
// payload and may be empty when synthesis failed or produced nothing.
func AudioResponse(sequence int, displayText, audio string, sampleRate int, errMsg string) Message {
	seq := sequence
	return Message{
		Type:        TypeAudioResponse,
		DisplayText: displayText,
		Audio:       audio,
		SampleRate:  sampleRate,
		Sequence:    &seq,
		Error:       errMsg,
	}
}

func SynthComplete() Message {
	return Message{Type: TypeSynthComplete}
}

func ForceNewMessage() Message {
	return Message{Type: TypeForceNewMessage}
}

func InterruptSignal() Message {
	return Message{Type: TypeInterruptSignal}
}

func Error(text string) Message {
	return Message{Type: TypeError, Message: text}
}

// Status tells every client what the assistant is doing: thinking,
// speaking or listening.
func Status(value string) Message {
	return Message{Type: TypeStatus, Value: value}
}

// Subtitle carries the user's or the assistant's words for live captions.
func Subtitle(role, text string) Message {
	return Message{Type: TypeSubtitle, Role: role, Text: text}
}

func PlaybackComplete(requestID string) Message {
	return Message{Type: TypePlaybackComplete, RequestID: requestID}
}

// SequenceNumber returns the segment sequence or -1 when absent.
func (m Message) SequenceNumber() int {
	if m.Sequence == nil {
		return -1
	}
	return *m.Sequence
}
