package presence

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/mia-core/internal/config"
	"github.com/loqalabs/mia-core/internal/natsserver"
	"github.com/nats-io/nats.go"
)

func TestBusNotifierPublishes(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, log)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	defer srv.Shutdown()

	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer nc.Close()

	status, err := nc.SubscribeSync("mia.presence.status")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	subtitles, err := nc.SubscribeSync("mia.presence.subtitle")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	n := NewBusNotifier(nc, "mia", log)
	n.Notify(context.Background(), StatusEvent("c1", StatusThinking))
	n.Notify(context.Background(), SubtitleEvent("c1", RoleAssistant, "Hi there!"))
	if err := nc.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	msg, err := status.NextMsg(time.Second)
	if err != nil {
		t.Fatalf("status event: %v", err)
	}
	var evt Event
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if evt.Status != StatusThinking || evt.ClientID != "c1" || evt.Timestamp.IsZero() {
		t.Fatalf("unexpected status event %+v", evt)
	}

	msg, err = subtitles.NextMsg(time.Second)
	if err != nil {
		t.Fatalf("subtitle event: %v", err)
	}
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if evt.Kind != KindSubtitle || evt.Role != RoleAssistant || evt.Text != "Hi there!" {
		t.Fatalf("unexpected subtitle event %+v", evt)
	}
}

type recordingNotifier struct{ events []Event }

func (r *recordingNotifier) Notify(_ context.Context, evt Event) {
	r.events = append(r.events, evt)
}

func TestMultiNotifiesEach(t *testing.T) {
	first, second := &recordingNotifier{}, &recordingNotifier{}
	var n Notifier = Multi{first, Nop{}, second}

	n.Notify(context.Background(), StatusEvent("c1", StatusSpeaking))
	n.Notify(context.Background(), SubtitleEvent("c1", RoleUser, "Hello"))

	for _, r := range []*recordingNotifier{first, second} {
		if len(r.events) != 2 || r.events[0].Status != StatusSpeaking || r.events[1].Text != "Hello" {
			t.Fatalf("unexpected events %+v", r.events)
		}
	}
}
