package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
	Traces         bool   `yaml:"traces"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	WebSocket   WebSocketConfig `yaml:"websocket"`
	Prompt      PromptConfig    `yaml:"prompt"`
	STT         STTConfig       `yaml:"stt"`
	LLM         LLMConfig       `yaml:"llm"`
	TTS         TTSConfig       `yaml:"tts"`
	Memory      MemoryConfig    `yaml:"memory"`
	Turns       TurnsConfig     `yaml:"turns"`
	History     HistoryConfig   `yaml:"history"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	SubjectPrefix  string   `yaml:"subject_prefix"`
}

type WebSocketConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Path           string `yaml:"path"`
	ReadLimitBytes int64  `yaml:"read_limit_bytes"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
	PingIntervalMS int    `yaml:"ping_interval_ms"`
	SendQueue      int    `yaml:"send_queue"`
}

type PromptConfig struct {
	System    string `yaml:"system"`
	Proactive string `yaml:"proactive"`
}

type STTConfig struct {
	Mode       string `yaml:"mode"` // mock, exec
	Command    string `yaml:"command"`
	ModelPath  string `yaml:"model_path"`
	Language   string `yaml:"language"`
	SampleRate int    `yaml:"sample_rate"`
}

type LLMConfig struct {
	Mode        string  `yaml:"mode"` // mock, ollama, exec
	Endpoint    string  `yaml:"endpoint"`
	Command     string  `yaml:"command"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

type TTSConfig struct {
	Mode         string `yaml:"mode"` // mock, exec, bus
	Command      string `yaml:"command"`
	Voice        string `yaml:"voice"`
	SampleRate   int    `yaml:"sample_rate"`
	Channels     int    `yaml:"channels"`
	ServeBus     bool   `yaml:"serve_bus"`
	BusTimeoutMS int    `yaml:"bus_timeout_ms"`
}

type MemoryConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Path           string  `yaml:"path"`
	RetentionMode  string  `yaml:"retention_mode"`
	TopK           int     `yaml:"top_k"`
	MaxDocs        int     `yaml:"max_docs"`
	ScoreThreshold float64 `yaml:"score_threshold"`
}

type TurnsConfig struct {
	ChunkSize          int `yaml:"chunk_size"`
	SynthWorkers       int `yaml:"synth_workers"`
	WorkerPoolSize     int `yaml:"worker_pool_size"`
	PlaybackTimeoutMS  int `yaml:"playback_timeout_ms"`
	MinTranscriptChars int `yaml:"min_transcript_chars"`
}

type HistoryConfig struct {
	MaxEntries  int `yaml:"max_entries"`
	KeepEntries int `yaml:"keep_entries"`
}

func Default() Config {
	return Config{
		RuntimeName: "mia-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
			Traces:         false,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			SubjectPrefix:  "mia",
		},
		WebSocket: WebSocketConfig{
			Enabled:        true,
			Path:           "/client-ws",
			ReadLimitBytes: 16 << 20,
			WriteTimeoutMS: 10000,
			PingIntervalMS: 30000,
			SendQueue:      64,
		},
		Prompt: PromptConfig{
			System:    "You are Mia, a friendly voice assistant. Keep answers short and conversational.",
			Proactive: "Please say something.",
		},
		STT: STTConfig{
			Mode:       "mock",
			SampleRate: 16000,
		},
		LLM: LLMConfig{
			Mode:        "mock",
			Endpoint:    "http://localhost:11434",
			Model:       "llama3.2:latest",
			MaxTokens:   256,
			Temperature: 0.7,
		},
		TTS: TTSConfig{
			Mode:         "mock",
			Voice:        "en-US",
			SampleRate:   22050,
			Channels:     1,
			BusTimeoutMS: 15000,
		},
		Memory: MemoryConfig{
			Enabled:        false,
			Path:           "./data/mia-memory.db",
			RetentionMode:  "persistent",
			TopK:           3,
			MaxDocs:        1000,
			ScoreThreshold: 0.2,
		},
		Turns: TurnsConfig{
			ChunkSize:          150,
			SynthWorkers:       3,
			WorkerPoolSize:     4,
			PlaybackTimeoutMS:  30000,
			MinTranscriptChars: 2,
		},
		History: HistoryConfig{
			MaxEntries:  20,
			KeepEntries: 12,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "MIA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "MIA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "MIA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "MIA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "MIA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "MIA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "MIA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "MIA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Telemetry.Traces, "MIA_TELEMETRY_TRACES")
	overrideBool(&cfg.Bus.Enabled, "MIA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "MIA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "MIA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "MIA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "MIA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "MIA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "MIA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "MIA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "MIA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.SubjectPrefix, "MIA_BUS_SUBJECT_PREFIX")
	overrideBool(&cfg.WebSocket.Enabled, "MIA_WEBSOCKET_ENABLED")
	overrideString(&cfg.WebSocket.Path, "MIA_WEBSOCKET_PATH")
	overrideInt64(&cfg.WebSocket.ReadLimitBytes, "MIA_WEBSOCKET_READ_LIMIT_BYTES")
	overrideInt(&cfg.WebSocket.WriteTimeoutMS, "MIA_WEBSOCKET_WRITE_TIMEOUT_MS")
	overrideInt(&cfg.WebSocket.PingIntervalMS, "MIA_WEBSOCKET_PING_INTERVAL_MS")
	overrideInt(&cfg.WebSocket.SendQueue, "MIA_WEBSOCKET_SEND_QUEUE")
	overrideString(&cfg.Prompt.System, "MIA_PROMPT_SYSTEM")
	overrideString(&cfg.Prompt.Proactive, "MIA_PROMPT_PROACTIVE")
	overrideString(&cfg.STT.Mode, "MIA_STT_MODE")
	overrideString(&cfg.STT.Command, "MIA_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "MIA_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "MIA_STT_LANGUAGE")
	overrideInt(&cfg.STT.SampleRate, "MIA_STT_SAMPLE_RATE")
	overrideString(&cfg.LLM.Mode, "MIA_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "MIA_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "MIA_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "MIA_LLM_MODEL")
	overrideInt(&cfg.LLM.MaxTokens, "MIA_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "MIA_LLM_TEMPERATURE")
	overrideString(&cfg.TTS.Mode, "MIA_TTS_MODE")
	overrideString(&cfg.TTS.Command, "MIA_TTS_COMMAND")
	overrideString(&cfg.TTS.Voice, "MIA_TTS_VOICE")
	overrideInt(&cfg.TTS.SampleRate, "MIA_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "MIA_TTS_CHANNELS")
	overrideBool(&cfg.TTS.ServeBus, "MIA_TTS_SERVE_BUS")
	overrideInt(&cfg.TTS.BusTimeoutMS, "MIA_TTS_BUS_TIMEOUT_MS")
	overrideBool(&cfg.Memory.Enabled, "MIA_MEMORY_ENABLED")
	overrideString(&cfg.Memory.Path, "MIA_MEMORY_PATH")
	overrideString(&cfg.Memory.RetentionMode, "MIA_MEMORY_RETENTION_MODE")
	overrideInt(&cfg.Memory.TopK, "MIA_MEMORY_TOP_K")
	overrideInt(&cfg.Memory.MaxDocs, "MIA_MEMORY_MAX_DOCS")
	overrideFloat(&cfg.Memory.ScoreThreshold, "MIA_MEMORY_SCORE_THRESHOLD")
	overrideInt(&cfg.Turns.ChunkSize, "MIA_TURNS_CHUNK_SIZE")
	overrideInt(&cfg.Turns.SynthWorkers, "MIA_TURNS_SYNTH_WORKERS")
	overrideInt(&cfg.Turns.WorkerPoolSize, "MIA_TURNS_WORKER_POOL_SIZE")
	overrideInt(&cfg.Turns.PlaybackTimeoutMS, "MIA_TURNS_PLAYBACK_TIMEOUT_MS")
	overrideInt(&cfg.Turns.MinTranscriptChars, "MIA_TURNS_MIN_TRANSCRIPT_CHARS")
	overrideInt(&cfg.History.MaxEntries, "MIA_HISTORY_MAX_ENTRIES")
	overrideInt(&cfg.History.KeepEntries, "MIA_HISTORY_KEEP_ENTRIES")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.SubjectPrefix == "" {
			return errors.New("bus.subject_prefix must not be empty")
		}
	}
	if cfg.WebSocket.Enabled {
		if !strings.HasPrefix(cfg.WebSocket.Path, "/") {
			return errors.New("websocket.path must start with /")
		}
		if cfg.WebSocket.SendQueue <= 0 {
			return errors.New("websocket.send_queue must be >= 1")
		}
		if cfg.WebSocket.ReadLimitBytes <= 0 {
			return errors.New("websocket.read_limit_bytes must be positive")
		}
	}
	if !cfg.WebSocket.Enabled && !cfg.Bus.Enabled {
		return errors.New("at least one client transport (websocket or bus) must be enabled")
	}
	if strings.TrimSpace(cfg.Prompt.Proactive) == "" {
		return errors.New("prompt.proactive must not be empty")
	}
	switch cfg.STT.Mode {
	case "mock", "exec":
	default:
		return errors.New("stt.mode must be one of mock|exec")
	}
	if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
		return errors.New("stt.command must be set when mode=exec")
	}
	if cfg.STT.SampleRate <= 0 {
		return errors.New("stt.sample_rate must be positive")
	}
	switch cfg.LLM.Mode {
	case "mock", "ollama", "exec":
	default:
		return errors.New("llm.mode must be one of mock|ollama|exec")
	}
	if cfg.LLM.Mode == "ollama" && cfg.LLM.Endpoint == "" {
		return errors.New("llm.endpoint must be set when mode=ollama")
	}
	if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
		return errors.New("llm.command must be set when mode=exec")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	switch cfg.TTS.Mode {
	case "mock", "exec", "bus":
	default:
		return errors.New("tts.mode must be one of mock|exec|bus")
	}
	if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
		return errors.New("tts.command must be set when mode=exec")
	}
	if cfg.TTS.Mode == "bus" {
		if !cfg.Bus.Enabled {
			return errors.New("tts.mode=bus requires bus.enabled")
		}
		if cfg.TTS.ServeBus {
			return errors.New("tts.serve_bus cannot be combined with mode=bus")
		}
	}
	if cfg.TTS.ServeBus && !cfg.Bus.Enabled {
		return errors.New("tts.serve_bus requires bus.enabled")
	}
	if cfg.TTS.SampleRate <= 0 {
		return errors.New("tts.sample_rate must be positive")
	}
	if cfg.TTS.Channels <= 0 {
		return errors.New("tts.channels must be positive")
	}
	if cfg.Memory.Enabled {
		if cfg.Memory.Path == "" {
			return errors.New("memory.path must not be empty when memory is enabled")
		}
		switch cfg.Memory.RetentionMode {
		case "ephemeral", "persistent":
			// ok
		default:
			return errors.New("memory.retention_mode must be one of ephemeral|persistent")
		}
		if cfg.Memory.TopK <= 0 {
			return errors.New("memory.top_k must be >= 1")
		}
		if cfg.Memory.MaxDocs < 0 {
			return errors.New("memory.max_docs must be >= 0")
		}
	}
	if cfg.Turns.ChunkSize <= 0 {
		return errors.New("turns.chunk_size must be positive")
	}
	if cfg.Turns.SynthWorkers <= 0 {
		return errors.New("turns.synth_workers must be >= 1")
	}
	if cfg.Turns.WorkerPoolSize <= 0 {
		return errors.New("turns.worker_pool_size must be >= 1")
	}
	if cfg.Turns.PlaybackTimeoutMS < 0 {
		return errors.New("turns.playback_timeout_ms must be >= 0")
	}
	if cfg.Turns.MinTranscriptChars < 0 {
		return errors.New("turns.min_transcript_chars must be >= 0")
	}
	if cfg.History.MaxEntries <= 0 {
		return errors.New("history.max_entries must be positive")
	}
	if cfg.History.KeepEntries <= 0 || cfg.History.KeepEntries > cfg.History.MaxEntries {
		return errors.New("history.keep_entries must be between 1 and history.max_entries")
	}
	return nil
}
