package runtime

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/loqalabs/mia-core/internal/config"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.HTTP.Bind = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Telemetry.PrometheusBind = "127.0.0.1:0"
	cfg.Bus.Enabled = true
	cfg.Bus.Embedded = true
	cfg.Bus.Port = -1
	cfg.TTS.ServeBus = true
	cfg.Memory.Enabled = true
	cfg.Memory.RetentionMode = "ephemeral"
	return cfg
}

func TestRuntimeReadiness(t *testing.T) {
	rt := New(testConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	rec := httptest.NewRecorder()
	rt.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before start, got %d", rec.Code)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- rt.Start(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for !rt.Ready() {
		select {
		case err := <-errCh:
			t.Fatalf("runtime exited early: %v", err)
		default:
		}
		if time.Now().After(deadline) {
			t.Fatal("runtime never became ready")
		}
		time.Sleep(10 * time.Millisecond)
	}

	rec = httptest.NewRecorder()
	rt.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 once started, got %d", rec.Code)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("runtime did not stop")
	}
	if rt.Ready() {
		t.Fatal("expected not ready after stop")
	}
}

func TestRuntimeRejectsUnknownAdapter(t *testing.T) {
	cfg := testConfig()
	cfg.LLM.Mode = "carrier-pigeon"
	rt := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := rt.Start(context.Background()); err == nil {
		t.Fatal("expected error for unknown llm mode")
	}
}
