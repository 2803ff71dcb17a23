package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
	// TraceExporter is otlp, stdout or none. Empty picks otlp when an endpoint
	// is set and stdout otherwise.
	TraceExporter string `yaml:"trace_exporter"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Channels    ChannelsConfig   `yaml:"channels"`
	Pipeline    PipelineConfig   `yaml:"pipeline"`
	STT         STTConfig        `yaml:"stt"`
	MT          MTConfig         `yaml:"mt"`
	TTS         TTSConfig        `yaml:"tts"`
	Bridges     BridgesConfig    `yaml:"bridges"`
	Playback    PlaybackConfig   `yaml:"playback"`
	Capture     CaptureConfig    `yaml:"capture"`
	DeadLetter  DeadLetterConfig `yaml:"dead_letter"`
}

type BusConfig struct {
	Embedded         bool     `yaml:"embedded"`
	Port             int      `yaml:"port"`
	StoreDir         string   `yaml:"store_dir"`
	Servers          []string `yaml:"servers"`
	Username         string   `yaml:"username"`
	Password         string   `yaml:"password"`
	Token            string   `yaml:"token"`
	TLSInsecure      bool     `yaml:"tls_insecure"`
	ConnectTimeout   int      `yaml:"connect_timeout_ms"`
	ReconnectWaitMS  int      `yaml:"reconnect_wait_ms"`
	ReconnectBackoff int      `yaml:"reconnect_backoff_max_ms"`
}

type NodeConfig struct {
	ID                string `yaml:"id"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// ChannelsConfig controls JetStream durability for every pipeline boundary.
type ChannelsConfig struct {
	Stream           string `yaml:"stream"`
	DeadLetterStream string `yaml:"dead_letter_stream"`
	SubjectPrefix    string `yaml:"subject_prefix"`
	Storage          string `yaml:"storage"` // file, memory
	Replicas         int    `yaml:"replicas"`
	AckWaitMS        int    `yaml:"ack_wait_ms"`
	MaxAckPending    int    `yaml:"max_ack_pending"`
	DuplicateWindowS int    `yaml:"duplicate_window_s"`
	MaxAgeHours      int    `yaml:"max_age_hours"`
	DeadLetterAgeH   int    `yaml:"dead_letter_max_age_hours"`
	SessionBucket    string `yaml:"session_bucket"`
	SessionTTLHours  int    `yaml:"session_ttl_hours"`
}

// PipelineConfig holds the retry budget and chunk cadence shared by every stage.
type PipelineConfig struct {
	ChunkDurationMS  int     `yaml:"chunk_duration_ms"`
	MaxAttempts      int     `yaml:"max_attempts"`
	BackoffInitialMS int     `yaml:"backoff_initial_ms"`
	BackoffMaxMS     int     `yaml:"backoff_max_ms"`
	BackoffFactor    float64 `yaml:"backoff_multiplier"`
	BackoffJitter    float64 `yaml:"backoff_jitter"`
	SourceLanguage   string  `yaml:"source_language"`
	TargetLanguage   string  `yaml:"target_language"`
	Voice            string  `yaml:"voice"`
	SampleRate       int     `yaml:"sample_rate"`
	Channels         int     `yaml:"channels"`
}

type STTConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Mode         string  `yaml:"mode"` // mock, exec, http
	Command      string  `yaml:"command"`
	ModelPath    string  `yaml:"model_path"`
	Endpoint     string  `yaml:"endpoint"`
	AccessToken  string  `yaml:"access_token"`
	TimeoutMS    int     `yaml:"timeout_ms"`
	RateLimitRPS float64 `yaml:"rate_limit_rps"`
	RateBurst    int     `yaml:"rate_limit_burst"`
	Concurrency  int     `yaml:"concurrency"`
}

type MTConfig struct {
	Enabled      bool              `yaml:"enabled"`
	Mode         string            `yaml:"mode"` // mock, exec, http, ollama
	Command      string            `yaml:"command"`
	Endpoint     string            `yaml:"endpoint"`
	Endpoints    map[string]string `yaml:"endpoints"` // keyed <source>_to_<target>
	AccessToken  string            `yaml:"access_token"`
	Model        string            `yaml:"model"`
	TimeoutMS    int               `yaml:"timeout_ms"`
	RateLimitRPS float64           `yaml:"rate_limit_rps"`
	RateBurst    int               `yaml:"rate_limit_burst"`
	Concurrency  int               `yaml:"concurrency"`
}

type TTSConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Mode         string  `yaml:"mode"` // mock, exec, http
	Command      string  `yaml:"command"`
	Endpoint     string  `yaml:"endpoint"`
	AccessToken  string  `yaml:"access_token"`
	SampleRate   int     `yaml:"sample_rate"`
	Channels     int     `yaml:"channels"`
	TimeoutMS    int     `yaml:"timeout_ms"`
	RateLimitRPS float64 `yaml:"rate_limit_rps"`
	RateBurst    int     `yaml:"rate_limit_burst"`
	Concurrency  int     `yaml:"concurrency"`
}

type BridgesConfig struct {
	Enabled       bool `yaml:"enabled"`
	BatchSize     int  `yaml:"batch_size"`
	BatchWindowMS int  `yaml:"batch_window_ms"`
}

type PlaybackConfig struct {
	Enabled              bool   `yaml:"enabled"`
	Sink                 string `yaml:"sink"` // wav, bus, http, discard
	Directory            string `yaml:"directory"`
	Endpoint             string `yaml:"endpoint"`
	SampleRate           int    `yaml:"sample_rate"`
	Channels             int    `yaml:"channels"`
	WindowCap            int    `yaml:"window_cap"`
	GapTimeoutMS         int    `yaml:"gap_timeout_ms"`
	PrebufferChunks      int    `yaml:"prebuffer_chunks"`
	SessionIdleTimeoutMS int    `yaml:"session_idle_timeout_ms"`
	TombstoneCapacity    int    `yaml:"tombstone_capacity"`
}

type CaptureConfig struct {
	Enabled       bool `yaml:"enabled"`
	Realtime      bool `yaml:"realtime"`
	MaxUploadSize int  `yaml:"max_upload_bytes"`
}

type DeadLetterConfig struct {
	Enabled bool `yaml:"enabled"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-relay",
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
		},
		Bus: BusConfig{
			Embedded:         true,
			Port:             4222,
			StoreDir:         "./data/nats",
			Servers:          []string{"nats://localhost:4222"},
			ConnectTimeout:   2000,
			ReconnectWaitMS:  1000,
			ReconnectBackoff: 60000,
		},
		Node: NodeConfig{
			ID:                "loqa-relay-1",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-relay.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Channels: ChannelsConfig{
			Stream:           "RELAY",
			DeadLetterStream: "RELAY_DLQ",
			SubjectPrefix:    "relay",
			Storage:          "file",
			Replicas:         1,
			AckWaitMS:        30000,
			MaxAckPending:    1024,
			DuplicateWindowS: 120,
			MaxAgeHours:      24,
			DeadLetterAgeH:   24 * 7,
			SessionBucket:    "relay_sessions",
			SessionTTLHours:  24,
		},
		Pipeline: PipelineConfig{
			ChunkDurationMS:  300,
			MaxAttempts:      3,
			BackoffInitialMS: 500,
			BackoffMaxMS:     10000,
			BackoffFactor:    2,
			BackoffJitter:    0.2,
			SourceLanguage:   "english",
			TargetLanguage:   "hindi",
			Voice:            "male",
			SampleRate:       16000,
			Channels:         1,
		},
		STT: STTConfig{
			Enabled:     true,
			Mode:        "mock",
			TimeoutMS:   10000,
			RateBurst:   1,
			Concurrency: 1,
		},
		MT: MTConfig{
			Enabled:     true,
			Mode:        "mock",
			Endpoint:    "http://localhost:11434",
			Model:       "llama3.2:latest",
			TimeoutMS:   10000,
			RateBurst:   1,
			Concurrency: 1,
		},
		TTS: TTSConfig{
			Enabled:     true,
			Mode:        "mock",
			SampleRate:  16000,
			Channels:    1,
			TimeoutMS:   10000,
			RateBurst:   1,
			Concurrency: 1,
		},
		Bridges: BridgesConfig{
			Enabled:       true,
			BatchSize:     1,
			BatchWindowMS: 50,
		},
		Playback: PlaybackConfig{
			Enabled:              true,
			Sink:                 "wav",
			Directory:            "./data/playback",
			SampleRate:           16000,
			Channels:             1,
			WindowCap:            64,
			GapTimeoutMS:         2000,
			PrebufferChunks:      0,
			SessionIdleTimeoutMS: 60000,
			TombstoneCapacity:    4096,
		},
		Capture: CaptureConfig{
			Enabled:       true,
			Realtime:      false,
			MaxUploadSize: 64 << 20,
		},
		DeadLetter: DeadLetterConfig{
			Enabled: true,
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

// ChunkDuration is the capture interval every chunk represents.
func (p PipelineConfig) ChunkDuration() time.Duration {
	return time.Duration(p.ChunkDurationMS) * time.Millisecond
}

func (c ChannelsConfig) AckWait() time.Duration {
	return time.Duration(c.AckWaitMS) * time.Millisecond
}

// HoldRefresh is how often a unit holding an unacked message tells the broker
// it is still in progress.
func (c ChannelsConfig) HoldRefresh() time.Duration {
	return c.AckWait() / 3
}

func (p PlaybackConfig) GapTimeout() time.Duration {
	return time.Duration(p.GapTimeoutMS) * time.Millisecond
}

func (p PlaybackConfig) SessionIdleTimeout() time.Duration {
	return time.Duration(p.SessionIdleTimeoutMS) * time.Millisecond
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideString(&cfg.Telemetry.TraceExporter, "LOQA_TELEMETRY_TRACE_EXPORTER")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Bus.ReconnectWaitMS, "LOQA_BUS_RECONNECT_WAIT_MS")
	overrideInt(&cfg.Bus.ReconnectBackoff, "LOQA_BUS_RECONNECT_BACKOFF_MAX_MS")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Channels.Stream, "LOQA_CHANNELS_STREAM")
	overrideString(&cfg.Channels.DeadLetterStream, "LOQA_CHANNELS_DEAD_LETTER_STREAM")
	overrideString(&cfg.Channels.SubjectPrefix, "LOQA_CHANNELS_SUBJECT_PREFIX")
	overrideString(&cfg.Channels.Storage, "LOQA_CHANNELS_STORAGE")
	overrideInt(&cfg.Channels.Replicas, "LOQA_CHANNELS_REPLICAS")
	overrideInt(&cfg.Channels.AckWaitMS, "LOQA_CHANNELS_ACK_WAIT_MS")
	overrideInt(&cfg.Channels.MaxAckPending, "LOQA_CHANNELS_MAX_ACK_PENDING")
	overrideInt(&cfg.Pipeline.ChunkDurationMS, "LOQA_PIPELINE_CHUNK_DURATION_MS")
	overrideInt(&cfg.Pipeline.MaxAttempts, "LOQA_PIPELINE_MAX_ATTEMPTS")
	overrideInt(&cfg.Pipeline.BackoffInitialMS, "LOQA_PIPELINE_BACKOFF_INITIAL_MS")
	overrideInt(&cfg.Pipeline.BackoffMaxMS, "LOQA_PIPELINE_BACKOFF_MAX_MS")
	overrideFloat(&cfg.Pipeline.BackoffFactor, "LOQA_PIPELINE_BACKOFF_MULTIPLIER")
	overrideFloat(&cfg.Pipeline.BackoffJitter, "LOQA_PIPELINE_BACKOFF_JITTER")
	overrideString(&cfg.Pipeline.SourceLanguage, "LOQA_PIPELINE_SOURCE_LANGUAGE")
	overrideString(&cfg.Pipeline.TargetLanguage, "LOQA_PIPELINE_TARGET_LANGUAGE")
	overrideString(&cfg.Pipeline.Voice, "LOQA_PIPELINE_VOICE")
	overrideInt(&cfg.Pipeline.SampleRate, "LOQA_PIPELINE_SAMPLE_RATE")
	overrideInt(&cfg.Pipeline.Channels, "LOQA_PIPELINE_CHANNELS")
	overrideBool(&cfg.STT.Enabled, "LOQA_STT_ENABLED")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "LOQA_STT_MODEL_PATH")
	overrideString(&cfg.STT.Endpoint, "LOQA_STT_ENDPOINT")
	overrideString(&cfg.STT.AccessToken, "LOQA_STT_ACCESS_TOKEN")
	overrideInt(&cfg.STT.TimeoutMS, "LOQA_STT_TIMEOUT_MS")
	overrideFloat(&cfg.STT.RateLimitRPS, "LOQA_STT_RATE_LIMIT_RPS")
	overrideInt(&cfg.STT.Concurrency, "LOQA_STT_CONCURRENCY")
	overrideBool(&cfg.MT.Enabled, "LOQA_MT_ENABLED")
	overrideString(&cfg.MT.Mode, "LOQA_MT_MODE")
	overrideString(&cfg.MT.Command, "LOQA_MT_COMMAND")
	overrideString(&cfg.MT.Endpoint, "LOQA_MT_ENDPOINT")
	overrideString(&cfg.MT.AccessToken, "LOQA_MT_ACCESS_TOKEN")
	overrideString(&cfg.MT.Model, "LOQA_MT_MODEL")
	overrideInt(&cfg.MT.TimeoutMS, "LOQA_MT_TIMEOUT_MS")
	overrideFloat(&cfg.MT.RateLimitRPS, "LOQA_MT_RATE_LIMIT_RPS")
	overrideInt(&cfg.MT.Concurrency, "LOQA_MT_CONCURRENCY")
	overrideBool(&cfg.TTS.Enabled, "LOQA_TTS_ENABLED")
	overrideString(&cfg.TTS.Mode, "LOQA_TTS_MODE")
	overrideString(&cfg.TTS.Command, "LOQA_TTS_COMMAND")
	overrideString(&cfg.TTS.Endpoint, "LOQA_TTS_ENDPOINT")
	overrideString(&cfg.TTS.AccessToken, "LOQA_TTS_ACCESS_TOKEN")
	overrideInt(&cfg.TTS.SampleRate, "LOQA_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "LOQA_TTS_CHANNELS")
	overrideInt(&cfg.TTS.TimeoutMS, "LOQA_TTS_TIMEOUT_MS")
	overrideFloat(&cfg.TTS.RateLimitRPS, "LOQA_TTS_RATE_LIMIT_RPS")
	overrideInt(&cfg.TTS.Concurrency, "LOQA_TTS_CONCURRENCY")
	overrideBool(&cfg.Bridges.Enabled, "LOQA_BRIDGES_ENABLED")
	overrideInt(&cfg.Bridges.BatchSize, "LOQA_BRIDGES_BATCH_SIZE")
	overrideInt(&cfg.Bridges.BatchWindowMS, "LOQA_BRIDGES_BATCH_WINDOW_MS")
	overrideBool(&cfg.Playback.Enabled, "LOQA_PLAYBACK_ENABLED")
	overrideString(&cfg.Playback.Sink, "LOQA_PLAYBACK_SINK")
	overrideString(&cfg.Playback.Directory, "LOQA_PLAYBACK_DIRECTORY")
	overrideString(&cfg.Playback.Endpoint, "LOQA_PLAYBACK_ENDPOINT")
	overrideInt(&cfg.Playback.SampleRate, "LOQA_PLAYBACK_SAMPLE_RATE")
	overrideInt(&cfg.Playback.Channels, "LOQA_PLAYBACK_CHANNELS")
	overrideInt(&cfg.Playback.WindowCap, "LOQA_PLAYBACK_WINDOW_CAP")
	overrideInt(&cfg.Playback.GapTimeoutMS, "LOQA_PLAYBACK_GAP_TIMEOUT_MS")
	overrideInt(&cfg.Playback.PrebufferChunks, "LOQA_PLAYBACK_PREBUFFER_CHUNKS")
	overrideInt(&cfg.Playback.SessionIdleTimeoutMS, "LOQA_PLAYBACK_SESSION_IDLE_TIMEOUT_MS")
	overrideInt(&cfg.Playback.TombstoneCapacity, "LOQA_PLAYBACK_TOMBSTONE_CAPACITY")
	overrideBool(&cfg.Capture.Enabled, "LOQA_CAPTURE_ENABLED")
	overrideBool(&cfg.Capture.Realtime, "LOQA_CAPTURE_REALTIME")
	overrideInt(&cfg.Capture.MaxUploadSize, "LOQA_CAPTURE_MAX_UPLOAD_BYTES")
	overrideBool(&cfg.DeadLetter.Enabled, "LOQA_DEAD_LETTER_ENABLED")
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
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
		if cfg.Bus.StoreDir == "" {
			return errors.New("bus.store_dir must not be empty when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Telemetry.TraceExporter {
	case "", "otlp", "stdout", "none":
	default:
		return errors.New("telemetry.trace_exporter must be one of otlp|stdout|none")
	}
	if err := validateChannels(cfg.Channels); err != nil {
		return err
	}
	if err := validatePipeline(cfg.Pipeline); err != nil {
		return err
	}
	if cfg.STT.Enabled {
		switch cfg.STT.Mode {
		case "mock", "exec", "http":
		default:
			return errors.New("stt.mode must be one of mock|exec|http")
		}
		if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
		if cfg.STT.Mode == "http" && cfg.STT.Endpoint == "" {
			return errors.New("stt.endpoint must be set when mode=http")
		}
		if cfg.STT.TimeoutMS <= 0 {
			return errors.New("stt.timeout_ms must be positive")
		}
	}
	if cfg.MT.Enabled {
		switch cfg.MT.Mode {
		case "mock", "exec", "http", "ollama":
		default:
			return errors.New("mt.mode must be one of mock|exec|http|ollama")
		}
		if cfg.MT.Mode == "exec" && cfg.MT.Command == "" {
			return errors.New("mt.command must be set when mode=exec")
		}
		if (cfg.MT.Mode == "http" || cfg.MT.Mode == "ollama") && cfg.MT.Endpoint == "" && len(cfg.MT.Endpoints) == 0 {
			return errors.New("mt.endpoint must be set when mode=http|ollama")
		}
		if cfg.MT.TimeoutMS <= 0 {
			return errors.New("mt.timeout_ms must be positive")
		}
	}
	if cfg.TTS.Enabled {
		switch cfg.TTS.Mode {
		case "mock", "exec", "http":
		default:
			return errors.New("tts.mode must be one of mock|exec|http")
		}
		if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
		if cfg.TTS.Mode == "http" && cfg.TTS.Endpoint == "" {
			return errors.New("tts.endpoint must be set when mode=http")
		}
		if cfg.TTS.SampleRate <= 0 {
			return errors.New("tts.sample_rate must be positive")
		}
		if cfg.TTS.Channels <= 0 {
			return errors.New("tts.channels must be positive")
		}
		if cfg.TTS.TimeoutMS <= 0 {
			return errors.New("tts.timeout_ms must be positive")
		}
	}
	if cfg.Bridges.Enabled {
		if cfg.Bridges.BatchSize <= 0 {
			return errors.New("bridges.batch_size must be >= 1")
		}
		if cfg.Bridges.BatchSize > 1 && cfg.Bridges.BatchWindowMS <= 0 {
			return errors.New("bridges.batch_window_ms must be positive when batching")
		}
	}
	if cfg.Playback.Enabled {
		if err := validatePlayback(cfg.Playback); err != nil {
			return err
		}
	}
	return nil
}

// minAckWaitMS leaves room to refresh held messages several times per wait.
const minAckWaitMS = 300

func validateChannels(cfg ChannelsConfig) error {
	if cfg.Stream == "" || cfg.DeadLetterStream == "" {
		return errors.New("channels.stream and channels.dead_letter_stream must not be empty")
	}
	if cfg.Stream == cfg.DeadLetterStream {
		return errors.New("channels.dead_letter_stream must differ from channels.stream")
	}
	if cfg.SubjectPrefix == "" {
		return errors.New("channels.subject_prefix must not be empty")
	}
	switch cfg.Storage {
	case "file", "memory":
	default:
		return errors.New("channels.storage must be one of file|memory")
	}
	if cfg.Replicas <= 0 {
		return errors.New("channels.replicas must be >= 1")
	}
	if cfg.AckWaitMS < minAckWaitMS {
		return fmt.Errorf("channels.ack_wait_ms must be at least %d", minAckWaitMS)
	}
	if cfg.MaxAckPending <= 0 {
		return errors.New("channels.max_ack_pending must be positive")
	}
	if cfg.SessionBucket == "" {
		return errors.New("channels.session_bucket must not be empty")
	}
	return nil
}

func validatePipeline(cfg PipelineConfig) error {
	if cfg.ChunkDurationMS <= 0 {
		return errors.New("pipeline.chunk_duration_ms must be positive")
	}
	if cfg.MaxAttempts < 0 {
		return errors.New("pipeline.max_attempts must be >= 0")
	}
	if cfg.BackoffInitialMS <= 0 {
		return errors.New("pipeline.backoff_initial_ms must be positive")
	}
	if cfg.BackoffMaxMS < cfg.BackoffInitialMS {
		return errors.New("pipeline.backoff_max_ms must be >= backoff_initial_ms")
	}
	if cfg.BackoffFactor < 1 {
		return errors.New("pipeline.backoff_multiplier must be >= 1")
	}
	if cfg.BackoffJitter < 0 || cfg.BackoffJitter >= 1 {
		return errors.New("pipeline.backoff_jitter must be in [0, 1)")
	}
	if cfg.SampleRate <= 0 || cfg.Channels <= 0 {
		return errors.New("pipeline.sample_rate and pipeline.channels must be positive")
	}
	return nil
}

func validatePlayback(cfg PlaybackConfig) error {
	switch cfg.Sink {
	case "wav", "bus", "http", "discard":
	default:
		return errors.New("playback.sink must be one of wav|bus|http|discard")
	}
	if cfg.Sink == "wav" && cfg.Directory == "" {
		return errors.New("playback.directory must be set when sink=wav")
	}
	if cfg.Sink == "http" && cfg.Endpoint == "" {
		return errors.New("playback.endpoint must be set when sink=http")
	}
	if cfg.SampleRate <= 0 || cfg.Channels <= 0 {
		return errors.New("playback.sample_rate and playback.channels must be positive")
	}
	if cfg.WindowCap <= 0 {
		return errors.New("playback.window_cap must be >= 1")
	}
	if cfg.GapTimeoutMS <= 0 {
		return errors.New("playback.gap_timeout_ms must be positive")
	}
	if cfg.PrebufferChunks < 0 || cfg.PrebufferChunks > cfg.WindowCap {
		return errors.New("playback.prebuffer_chunks must be between 0 and window_cap")
	}
	if cfg.SessionIdleTimeoutMS <= cfg.GapTimeoutMS {
		return errors.New("playback.session_idle_timeout_ms must be greater than gap_timeout_ms")
	}
	if cfg.TombstoneCapacity <= 0 {
		return errors.New("playback.tombstone_capacity must be positive")
	}
	return nil
}
