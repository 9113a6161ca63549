package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the relay service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MaxCallDuration          time.Duration
	RegistrySweepInterval    time.Duration
	MetricsNamespace         string
	AllowAnyOrigin           bool
	LogLevel                 string
	LogFormat                string

	DatabaseURL    string
	ValkeyURL      string
	ValkeyPassword string
	ValkeyDB       int

	AIProvider       string
	AIWSBaseURL      string
	AIAPIKey         string
	AIDefaultAgentID string
	AIConnectTimeout time.Duration

	JitterEnabled    bool
	ChunkDuration    time.Duration
	InitialBuffer    time.Duration
	MaintainAhead    time.Duration
	MaxBuffer        time.Duration
	OverflowPolicy   string
	Gain             bool
	NoiseReduction   bool
	EchoCancellation bool
	VAD              bool

	PingInterval         time.Duration
	ConnectionTimeout    time.Duration
	ActivityTimeout      time.Duration
	MaxReconnectAttempts int
	ReconnectBackoff     []time.Duration
	WriteTimeout         time.Duration

	MinQuality string
	MaxLatency time.Duration

	QueueBatching             bool
	QueueBatchSize            int
	QueueBatchTimeout         time.Duration
	QueueCompression          bool
	QueueCompressionThreshold int
	QueueMaxMessageSize       int
	QueueSize                 int
	QueueExpiration           time.Duration

	AutoFallback bool
	MaxAIRetries int

	MaxRetryAttempts int
	RetryDelay       time.Duration
	BreakerThreshold int
	BreakerTimeout   time.Duration
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "voicerelay"),
		LogLevel:         strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		LogFormat:        strings.ToLower(envOrDefault("LOG_FORMAT", "text")),
		DatabaseURL:      stringsTrimSpace("DATABASE_URL"),
		ValkeyURL:        stringsTrimSpace("VALKEY_URL"),
		ValkeyPassword:   stringsTrimSpace("VALKEY_PASSWORD"),

		AIProvider:       envOrDefault("AI_PROVIDER_NAME", "elevenlabs"),
		AIWSBaseURL:      envOrDefault("AI_WS_BASE_URL", "wss://api.elevenlabs.io"),
		AIAPIKey:         stringsTrimSpace("AI_API_KEY"),
		AIDefaultAgentID: stringsTrimSpace("AI_DEFAULT_AGENT_ID"),

		OverflowPolicy: strings.ToLower(envOrDefault("AUDIO_OVERFLOW_POLICY", "drop_oldest")),
		MinQuality:     strings.ToLower(envOrDefault("QUALITY_MIN", "poor")),
	}
	if cfg.AIAPIKey == "" {
		cfg.AIAPIKey = stringsTrimSpace("ELEVENLABS_API_KEY")
	}

	r := &reader{}
	cfg.ShutdownTimeout = r.duration("APP_SHUTDOWN_TIMEOUT", 15*time.Second)
	cfg.SessionInactivityTimeout = r.duration("APP_SESSION_INACTIVITY_TIMEOUT", 2*time.Minute)
	cfg.MaxCallDuration = r.duration("MAX_CALL_DURATION", 4*time.Hour)
	cfg.RegistrySweepInterval = r.duration("REGISTRY_SWEEP_INTERVAL", 10*time.Second)
	cfg.AllowAnyOrigin = r.boolean("APP_ALLOW_ANY_ORIGIN", false)
	cfg.ValkeyDB = r.integer("VALKEY_DB", 0)
	cfg.AIConnectTimeout = r.duration("AI_CONNECT_TIMEOUT", 5*time.Second)

	cfg.JitterEnabled = r.boolean("AUDIO_JITTER_ENABLED", true)
	cfg.ChunkDuration = r.duration("AUDIO_CHUNK_DURATION", 20*time.Millisecond)
	cfg.InitialBuffer = r.duration("AUDIO_INITIAL_BUFFER", 60*time.Millisecond)
	cfg.MaintainAhead = r.duration("AUDIO_MAINTAIN_AHEAD", 100*time.Millisecond)
	cfg.MaxBuffer = r.duration("AUDIO_MAX_BUFFER", time.Second)
	cfg.Gain = r.boolean("AUDIO_GAIN", false)
	cfg.NoiseReduction = r.boolean("AUDIO_NOISE_REDUCTION", false)
	cfg.EchoCancellation = r.boolean("AUDIO_ECHO_CANCELLATION", false)
	cfg.VAD = r.boolean("AUDIO_VAD", false)

	cfg.PingInterval = r.duration("CONN_PING_INTERVAL", 5*time.Second)
	cfg.ConnectionTimeout = r.duration("CONN_TIMEOUT", 10*time.Second)
	cfg.ActivityTimeout = r.duration("CONN_ACTIVITY_TIMEOUT", 30*time.Second)
	cfg.MaxReconnectAttempts = r.integer("CONN_MAX_RECONNECT_ATTEMPTS", 4)
	cfg.ReconnectBackoff = r.durations("CONN_RECONNECT_BACKOFF", []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second})
	cfg.WriteTimeout = r.duration("CONN_WRITE_TIMEOUT", 2*time.Second)
	cfg.MaxLatency = r.duration("QUALITY_MAX_LATENCY", 500*time.Millisecond)

	cfg.QueueBatching = r.boolean("WSQ_BATCHING", true)
	cfg.QueueBatchSize = r.integer("WSQ_BATCH_SIZE", 20)
	cfg.QueueBatchTimeout = r.duration("WSQ_BATCH_TIMEOUT", 100*time.Millisecond)
	cfg.QueueCompression = r.boolean("WSQ_COMPRESSION", true)
	cfg.QueueCompressionThreshold = r.integer("WSQ_COMPRESSION_THRESHOLD", 1024)
	cfg.QueueMaxMessageSize = r.integer("WSQ_MAX_MESSAGE_SIZE", 64*1024)
	cfg.QueueSize = r.integer("WSQ_QUEUE_SIZE", 500)
	cfg.QueueExpiration = r.duration("WSQ_MESSAGE_EXPIRATION", 30*time.Second)

	cfg.AutoFallback = r.boolean("FALLBACK_AUTO", true)
	cfg.MaxAIRetries = r.integer("FALLBACK_MAX_AI_RETRIES", 2)

	cfg.MaxRetryAttempts = r.integer("ERR_MAX_RETRY_ATTEMPTS", 3)
	cfg.RetryDelay = r.duration("ERR_RETRY_DELAY", 250*time.Millisecond)
	cfg.BreakerThreshold = r.integer("BREAKER_THRESHOLD", 5)
	cfg.BreakerTimeout = r.duration("BREAKER_TIMEOUT", 30*time.Second)

	if r.err != nil {
		return Config{}, r.err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json")
	}
	switch c.OverflowPolicy {
	case "drop_oldest", "drop_newest":
	default:
		return fmt.Errorf("AUDIO_OVERFLOW_POLICY must be drop_oldest or drop_newest")
	}
	switch c.MinQuality {
	case "excellent", "good", "fair", "poor":
	default:
		return fmt.Errorf("QUALITY_MIN must be one of excellent, good, fair, poor")
	}
	if c.ChunkDuration <= 0 {
		return fmt.Errorf("AUDIO_CHUNK_DURATION must be positive")
	}
	if c.MaxBuffer < c.ChunkDuration {
		return fmt.Errorf("AUDIO_MAX_BUFFER must hold at least one chunk")
	}
	if c.InitialBuffer > c.MaxBuffer {
		return fmt.Errorf("AUDIO_INITIAL_BUFFER must not exceed AUDIO_MAX_BUFFER")
	}
	if c.PingInterval <= 0 || c.ConnectionTimeout <= 0 || c.ActivityTimeout <= 0 {
		return fmt.Errorf("CONN_PING_INTERVAL, CONN_TIMEOUT and CONN_ACTIVITY_TIMEOUT must be positive")
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("CONN_MAX_RECONNECT_ATTEMPTS must be >= 0")
	}
	if len(c.ReconnectBackoff) == 0 {
		return fmt.Errorf("CONN_RECONNECT_BACKOFF must list at least one delay")
	}
	if c.QueueSize <= 0 || c.QueueBatchSize <= 0 {
		return fmt.Errorf("WSQ_QUEUE_SIZE and WSQ_BATCH_SIZE must be positive")
	}
	if c.QueueMaxMessageSize <= 0 {
		return fmt.Errorf("WSQ_MAX_MESSAGE_SIZE must be positive")
	}
	if c.MaxAIRetries < 0 || c.MaxRetryAttempts < 0 {
		return fmt.Errorf("FALLBACK_MAX_AI_RETRIES and ERR_MAX_RETRY_ATTEMPTS must be >= 0")
	}
	if c.BreakerThreshold <= 0 {
		return fmt.Errorf("BREAKER_THRESHOLD must be positive")
	}
	if c.BreakerTimeout <= 0 {
		return fmt.Errorf("BREAKER_TIMEOUT must be positive")
	}
	if c.ValkeyDB < 0 {
		return fmt.Errorf("VALKEY_DB must be >= 0")
	}
	return nil
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	mask := func(v string) string {
		if v == "" {
			return ""
		}
		return "***"
	}
	c.AIAPIKey = mask(c.AIAPIKey)
	c.ValkeyPassword = mask(c.ValkeyPassword)
	c.DatabaseURL = mask(c.DatabaseURL)
	return c
}

// reader collects the first parse error so Load can read every key in sequence.
type reader struct {
	err error
}

func (r *reader) keep(err error) {
	if r.err == nil && err != nil {
		r.err = err
	}
}

func (r *reader) duration(key string, fallback time.Duration) time.Duration {
	d, err := durationFromEnv(key, fallback)
	r.keep(err)
	return d
}

func (r *reader) durations(key string, fallback []time.Duration) []time.Duration {
	d, err := durationListFromEnv(key, fallback)
	r.keep(err)
	return d
}

func (r *reader) integer(key string, fallback int) int {
	n, err := intFromEnv(key, fallback)
	r.keep(err)
	return n
}

func (r *reader) boolean(key string, fallback bool) bool {
	b, err := boolFromEnv(key, fallback)
	r.keep(err)
	return b
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

// durationListFromEnv parses a comma separated list such as "1s,2s,4s".
func durationListFromEnv(key string, fallback []time.Duration) ([]time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	var out []time.Duration
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := time.ParseDuration(part)
		if err != nil {
			return nil, fmt.Errorf("%s parse error: %w", key, err)
		}
		if d < 0 {
			return nil, fmt.Errorf("%s parse error: negative delay %s", key, part)
		}
		out = append(out, d)
	}
	return out, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
