package protocol

import "strings"

const (
	SubjectClientIn         = "client.in"
	SubjectClientOut        = "client.out"
	SubjectClientBye        = "client.bye"
	SubjectPresenceStatus   = "presence.status"
	SubjectPresenceSubtitle = "presence.subtitle"
	SubjectCommands         = "commands"
	SubjectTTSSynthesize    = "tts.synthesize"
)

// Subject joins the configured prefix with a subject and optional tokens.
func Subject(prefix, subject string, tokens ...string) string {
	parts := make([]string, 0, len(tokens)+2)
	if prefix != "" {
		parts = append(parts, prefix)
	}
	parts = append(parts, subject)
	parts = append(parts, tokens...)
	return strings.Join(parts, ".")
}

// LastToken returns the final dot-separated token of a subject.
func LastToken(subject string) string {
	if i := strings.LastIndexByte(subject, '.'); i >= 0 {
		return subject[i+1:]
	}
	return subject
}
