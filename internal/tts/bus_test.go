package tts

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/mia-core/internal/bus"
	"github.com/loqalabs/mia-core/internal/config"
	"github.com/loqalabs/mia-core/internal/natsserver"
)

type failingSynth struct{}

func (failingSynth) Synthesize(context.Context, SynthRequest) (Audio, error) {
	return Audio{}, context.DeadlineExceeded
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, log)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
		SubjectPrefix:  "mia",
	}, "tts-test", log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestBusSynthRoundTrip(t *testing.T) {
	client := startBus(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	svc := NewService(context.Background(), client, "mia.tts.synthesize", NewMockSynth(16000, 1), log)
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	defer svc.Close()
	if !svc.Healthy() {
		t.Fatal("expected healthy service")
	}

	synth, err := New(config.TTSConfig{Mode: "bus", BusTimeoutMS: 2000}, client.Conn(), "mia")
	if err != nil {
		t.Fatalf("new bus synth: %v", err)
	}
	audio, err := synth.Synthesize(context.Background(), SynthRequest{Text: "hello", Voice: "en-US"})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if audio.SampleRate != 16000 || audio.Empty() {
		t.Fatalf("unexpected audio rate=%d bytes=%d", audio.SampleRate, len(audio.PCM))
	}
}

func TestBusSynthRemoteError(t *testing.T) {
	client := startBus(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	svc := NewService(context.Background(), client, "mia.tts.synthesize", failingSynth{}, log)
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	defer svc.Close()

	synth, err := NewBusSynth(client.Conn(), "mia.tts.synthesize", time.Second)
	if err != nil {
		t.Fatalf("new bus synth: %v", err)
	}
	_, err = synth.Synthesize(context.Background(), SynthRequest{Text: "hello"})
	if err == nil || !strings.Contains(err.Error(), "remote tts") {
		t.Fatalf("expected remote error, got %v", err)
	}
}

func TestNewBusSynthRequiresConn(t *testing.T) {
	if _, err := NewBusSynth(nil, "mia.tts.synthesize", time.Second); err == nil {
		t.Fatal("expected error without connection")
	}
}

func TestMockSynthHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewMockSynth(16000, 1).Synthesize(ctx, SynthRequest{Text: "hi"}); err == nil {
		t.Fatal("expected context error")
	}
}
