package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port        int
	NatsURL     string
	DatabaseURL string
	LogLevel    string

	WorkerCount     int
	WorkerQueueSize int

	LockWait    time.Duration
	LockLeak    time.Duration
	LockIdleTTL time.Duration

	FactsURL         string
	FactsTimeout     time.Duration
	FactsMaxAttempts int

	GeneratorProvider string
	GeneratorModel    string
	GeneratorTimeout  time.Duration
	OpenAIAPIKey      string
	AnthropicAPIKey   string

	AgentPolicyDir string

	SlackBotToken     string
	SlackAlertChannel string
}

func Load() Config {
	return Config{
		Port:        envInt("AIMANAGER_PORT", 8700),
		NatsURL:     envStr("NATS_URL", "nats://localhost:4222"),
		DatabaseURL: envStr("DATABASE_URL", ""),
		LogLevel:    envStr("LOG_LEVEL", "info"),

		WorkerCount:     envInt("WORKER_COUNT", 8),
		WorkerQueueSize: envInt("WORKER_QUEUE_SIZE", 256),

		LockWait:    envMillis("LOCK_WAIT_MS", 5000),
		LockLeak:    envMillis("LOCK_LEAK_MS", 120000),
		LockIdleTTL: envMillis("LOCK_IDLE_TTL_MS", 600000),

		FactsURL:         envStr("FACTS_URL", "http://localhost:8080"),
		FactsTimeout:     envMillis("FACTS_TIMEOUT_MS", 5000),
		FactsMaxAttempts: envInt("FACTS_MAX_ATTEMPTS", 3),

		GeneratorProvider: envStr("GENERATOR_PROVIDER", "openai"),
		GeneratorModel:    envStr("GENERATOR_MODEL", ""),
		GeneratorTimeout:  envMillis("GENERATOR_TIMEOUT_MS", 20000),
		OpenAIAPIKey:      envStr("OPENAI_API_KEY", ""),
		AnthropicAPIKey:   envStr("ANTHROPIC_API_KEY", ""),

		AgentPolicyDir: envStr("AGENT_POLICY_DIR", ""),

		SlackBotToken:     envStr("SLACK_BOT_TOKEN", ""),
		SlackAlertChannel: envStr("SLACK_ALERT_CHANNEL", ""),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envMillis(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Millisecond
}
