// Package presence publishes what the assistant is doing so avatars and
// subtitle overlays can follow along.
package presence

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/loqalabs/mia-core/internal/protocol"
	"github.com/nats-io/nats.go"
)

type Kind string

const (
	KindStatus   Kind = "status"
	KindSubtitle Kind = "subtitle"
)

type Status string

const (
	StatusThinking  Status = "thinking"
	StatusSpeaking  Status = "speaking"
	StatusListening Status = "listening"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Event struct {
	Kind      Kind      `json:"kind"`
	ClientID  string    `json:"client_id"`
	Status    Status    `json:"status,omitempty"`
	Role      string    `json:"role,omitempty"`
	Text      string    `json:"text,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func StatusEvent(clientID string, status Status) Event {
	return Event{Kind: KindStatus, ClientID: clientID, Status: status}
}

func SubtitleEvent(clientID, role, text string) Event {
	return Event{Kind: KindSubtitle, ClientID: clientID, Role: role, Text: text}
}

// Notifier receives presence events. Implementations must not block the
// caller for long; delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, evt Event)
}

type Nop struct{}

func (Nop) Notify(context.Context, Event) {}

// Multi hands every event to each notifier in order.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, evt Event) {
	for _, n := range m {
		n.Notify(ctx, evt)
	}
}

// BusNotifier publishes events as JSON on <prefix>.presence.status and
// <prefix>.presence.subtitle.
type BusNotifier struct {
	conn   *nats.Conn
	prefix string
	log    *slog.Logger
	clock  func() time.Time
}

func NewBusNotifier(conn *nats.Conn, prefix string, log *slog.Logger) *BusNotifier {
	return &BusNotifier{
		conn:   conn,
		prefix: prefix,
		log:    log.With(slog.String("component", "presence")),
		clock:  time.Now,
	}
}

func (b *BusNotifier) Notify(_ context.Context, evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = b.clock().UTC()
	}
	subject := protocol.Subject(b.prefix, protocol.SubjectPresenceStatus)
	if evt.Kind == KindSubtitle {
		subject = protocol.Subject(b.prefix, protocol.SubjectPresenceSubtitle)
	}
	data, err := json.Marshal(evt)
	if err != nil {
		b.log.Warn("failed to marshal presence event", slog.String("error", err.Error()))
		return
	}
	if err := b.conn.Publish(subject, data); err != nil {
		b.log.Debug("failed to publish presence event", slog.String("error", err.Error()))
	}
}
