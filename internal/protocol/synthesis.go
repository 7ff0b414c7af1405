package protocol

// SynthesisRequest asks a bus-attached TTS worker for one utterance.
type SynthesisRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	Voice     string `json:"voice"`
}

// SynthesisReply answers a SynthesisRequest. Error is set instead of PCM on
// failure.
type SynthesisReply struct {
	PCM        []byte `json:"pcm,omitempty"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Error      string `json:"error,omitempty"`
}
