package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr string

	// Backend is the administrative backend serving bot configuration and
	// conversation storage.
	BackendBaseURL string

	// VoiceWebhookURL is the downstream webhook for voice sessions. Voice
	// connections are refused while it is unset; chat resolves webhooks
	// per bot.
	VoiceWebhookURL string

	ChatWebhookTimeout  time.Duration
	VoiceWebhookTimeout time.Duration

	AdmissionTimeout  time.Duration
	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration

	ReplyChunkWords  int
	ReplyChunkPacing time.Duration
	MinBargeInWords  int

	MaxJSONMessageBytes int64

	StorageTimeout time.Duration
	SummaryTimeout time.Duration

	// Summarization is disabled when the API key is empty.
	OpenAIAPIKey  string
	OpenAIBaseURL string
	SummaryModel  string

	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                envOr("TD_RELAY_ADDR", ":8080"),
		BackendBaseURL:      envOr("TD_RELAY_BACKEND_BASE_URL", "http://localhost:5000"),
		VoiceWebhookURL:     strings.TrimSpace(os.Getenv("TD_RELAY_VOICE_WEBHOOK_URL")),
		ChatWebhookTimeout:  envDurationOr("TD_RELAY_CHAT_WEBHOOK_TIMEOUT", 10*time.Second),
		VoiceWebhookTimeout: envDurationOr("TD_RELAY_VOICE_WEBHOOK_TIMEOUT", 30*time.Second),
		AdmissionTimeout:    envDurationOr("TD_RELAY_ADMISSION_TIMEOUT", 30*time.Second),
		HeartbeatInterval:   envDurationOr("TD_RELAY_HEARTBEAT_INTERVAL", 60*time.Second),
		HandshakeTimeout:    envDurationOr("TD_RELAY_HANDSHAKE_TIMEOUT", 5*time.Second),
		ReplyChunkWords:     envIntOr("TD_RELAY_REPLY_CHUNK_WORDS", 5),
		ReplyChunkPacing:    envDurationOr("TD_RELAY_REPLY_CHUNK_PACING", 50*time.Millisecond),
		MinBargeInWords:     envIntOr("TD_RELAY_MIN_BARGE_IN_WORDS", 1),
		MaxJSONMessageBytes: envInt64Or("TD_RELAY_MAX_JSON_MESSAGE_BYTES", 1<<20), // 1 MiB
		StorageTimeout:      envDurationOr("TD_RELAY_STORAGE_TIMEOUT", 10*time.Second),
		SummaryTimeout:      envDurationOr("TD_RELAY_SUMMARY_TIMEOUT", 30*time.Second),
		OpenAIAPIKey:        strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		OpenAIBaseURL:       strings.TrimSpace(os.Getenv("TD_RELAY_OPENAI_BASE_URL")),
		SummaryModel:        envOr("TD_RELAY_SUMMARY_MODEL", "gpt-3.5-turbo"),
		ReadHeaderTimeout:   envDurationOr("TD_RELAY_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod: envDurationOr("TD_RELAY_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	if strings.TrimSpace(cfg.Addr) == "" {
		return Config{}, fmt.Errorf("TD_RELAY_ADDR must not be empty")
	}
	if strings.TrimSpace(cfg.BackendBaseURL) == "" {
		return Config{}, fmt.Errorf("TD_RELAY_BACKEND_BASE_URL must not be empty")
	}
	if cfg.ChatWebhookTimeout <= 0 {
		return Config{}, fmt.Errorf("TD_RELAY_CHAT_WEBHOOK_TIMEOUT must be > 0")
	}
	if cfg.VoiceWebhookTimeout <= 0 {
		return Config{}, fmt.Errorf("TD_RELAY_VOICE_WEBHOOK_TIMEOUT must be > 0")
	}
	if cfg.AdmissionTimeout <= 0 {
		return Config{}, fmt.Errorf("TD_RELAY_ADMISSION_TIMEOUT must be > 0")
	}
	if cfg.HeartbeatInterval <= 0 {
		return Config{}, fmt.Errorf("TD_RELAY_HEARTBEAT_INTERVAL must be > 0")
	}
	if cfg.HandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("TD_RELAY_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.ReplyChunkWords <= 0 {
		return Config{}, fmt.Errorf("TD_RELAY_REPLY_CHUNK_WORDS must be > 0")
	}
	if cfg.ReplyChunkPacing < 0 {
		return Config{}, fmt.Errorf("TD_RELAY_REPLY_CHUNK_PACING must be >= 0")
	}
	if cfg.MinBargeInWords <= 0 {
		return Config{}, fmt.Errorf("TD_RELAY_MIN_BARGE_IN_WORDS must be > 0")
	}
	if cfg.MaxJSONMessageBytes <= 0 {
		return Config{}, fmt.Errorf("TD_RELAY_MAX_JSON_MESSAGE_BYTES must be > 0")
	}
	if cfg.StorageTimeout <= 0 {
		return Config{}, fmt.Errorf("TD_RELAY_STORAGE_TIMEOUT must be > 0")
	}
	if cfg.SummaryTimeout <= 0 {
		return Config{}, fmt.Errorf("TD_RELAY_SUMMARY_TIMEOUT must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("TD_RELAY_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("TD_RELAY_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
