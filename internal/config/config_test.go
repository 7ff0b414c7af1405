package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Turns.ChunkSize != 150 || cfg.Turns.SynthWorkers != 3 {
		t.Fatalf("unexpected turn defaults: %+v", cfg.Turns)
	}
	if cfg.Turns.PlaybackTimeoutMS != 30000 {
		t.Fatalf("expected 30s playback timeout, got %d", cfg.Turns.PlaybackTimeoutMS)
	}
	if cfg.History.MaxEntries != 20 || cfg.History.KeepEntries != 12 {
		t.Fatalf("unexpected history defaults: %+v", cfg.History)
	}
	if cfg.Prompt.Proactive != "Please say something." {
		t.Fatalf("unexpected proactive prompt %q", cfg.Prompt.Proactive)
	}
	if cfg.WebSocket.Path != "/client-ws" {
		t.Fatalf("unexpected websocket path %q", cfg.WebSocket.Path)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MIA_BUS_ENABLED", "true")
	t.Setenv("MIA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("MIA_BUS_USERNAME", "alice")
	t.Setenv("MIA_BUS_PASSWORD", "secret")
	t.Setenv("MIA_BUS_TLS_INSECURE", "true")
	t.Setenv("MIA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("MIA_BUS_SUBJECT_PREFIX", "lab")
	t.Setenv("MIA_MEMORY_ENABLED", "true")
	t.Setenv("MIA_MEMORY_PATH", "./tmp.db")
	t.Setenv("MIA_MEMORY_RETENTION_MODE", "ephemeral")
	t.Setenv("MIA_MEMORY_TOP_K", "5")
	t.Setenv("MIA_TURNS_CHUNK_SIZE", "80")
	t.Setenv("MIA_TURNS_PLAYBACK_TIMEOUT_MS", "1500")
	t.Setenv("MIA_LLM_TEMPERATURE", "0.2")
	t.Setenv("MIA_WEBSOCKET_READ_LIMIT_BYTES", "4096")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !cfg.Bus.Enabled {
		t.Fatal("expected bus enabled override")
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Bus.SubjectPrefix != "lab" {
		t.Fatalf("expected subject prefix override, got %q", cfg.Bus.SubjectPrefix)
	}
	if !cfg.Memory.Enabled || cfg.Memory.Path != "./tmp.db" {
		t.Fatalf("expected memory overrides, got %+v", cfg.Memory)
	}
	if cfg.Memory.RetentionMode != "ephemeral" || cfg.Memory.TopK != 5 {
		t.Fatalf("expected memory retention overrides, got %+v", cfg.Memory)
	}
	if cfg.Turns.ChunkSize != 80 || cfg.Turns.PlaybackTimeoutMS != 1500 {
		t.Fatalf("expected turn overrides, got %+v", cfg.Turns)
	}
	if cfg.LLM.Temperature != 0.2 {
		t.Fatalf("expected temperature override, got %v", cfg.LLM.Temperature)
	}
	if cfg.WebSocket.ReadLimitBytes != 4096 {
		t.Fatalf("expected read limit override, got %d", cfg.WebSocket.ReadLimitBytes)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mia.yaml")
	data := []byte(`
runtime_name: mia-test
turns:
  chunk_size: 40
llm:
  mode: ollama
  model: qwen2.5
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RuntimeName != "mia-test" || cfg.Turns.ChunkSize != 40 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.LLM.Mode != "ollama" || cfg.LLM.Model != "qwen2.5" {
		t.Fatalf("llm values not applied: %+v", cfg.LLM)
	}
	if cfg.Turns.SynthWorkers != 3 {
		t.Fatalf("expected defaults for unset keys, got %d", cfg.Turns.SynthWorkers)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"tts bus without bus":  func(c *Config) { c.TTS.Mode = "bus" },
		"keep above max":       func(c *Config) { c.History.KeepEntries = 30 },
		"zero chunk size":      func(c *Config) { c.Turns.ChunkSize = 0 },
		"no transport":         func(c *Config) { c.WebSocket.Enabled = false },
		"unknown llm mode":     func(c *Config) { c.LLM.Mode = "gpt" },
		"exec stt no command":  func(c *Config) { c.STT.Mode = "exec" },
		"bad memory retention": func(c *Config) { c.Memory.Enabled = true; c.Memory.RetentionMode = "session" },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := validate(cfg); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}
