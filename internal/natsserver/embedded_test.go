package natsserver

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/mia-core/internal/config"
	"github.com/nats-io/nats.go"
)

func TestStartDisabled(t *testing.T) {
	srv, err := Start(config.BusConfig{Embedded: false}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil || srv != nil {
		t.Fatalf("expected nil server when not embedded, got %v %v", srv, err)
	}
	srv.Shutdown()
}

func TestStartRandomPort(t *testing.T) {
	srv, err := Start(config.BusConfig{Embedded: true, Port: -1}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Shutdown()

	nc, err := nats.Connect(srv.ClientURL(), nats.Timeout(2*time.Second))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer nc.Close()

	sub, err := nc.SubscribeSync("mia.test")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := nc.Publish("mia.test", []byte("ping")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msg, err := sub.NextMsg(time.Second)
	if err != nil || string(msg.Data) != "ping" {
		t.Fatalf("unexpected message %v %v", msg, err)
	}
}
