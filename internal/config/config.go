package config

import (
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port      int
	NatsURL   string
	NatsToken string
	APIToken  string
	LogLevel  string
	LogFile   string

	StoreBackend string
	DatabaseURL  string
	BadgerDir    string

	LLMProvider     string
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	LLMModel        string
	AnthropicAPIKey string
	AnthropicModel  string

	TTSEnabled bool
	TTSBaseURL string
	TTSAPIKey  string
	TTSModel   string
	TTSVoice   string

	CharacterCard string
	TreeChunkSize int
}

const (
	BackendPostgres = "postgres"
	BackendBadger   = "badger"

	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

func Load() Config {
	return Config{
		Port:      envInt("LOOM_PORT", 8760),
		NatsURL:   envStr("NATS_URL", "nats://hermes:4222"),
		NatsToken: envStr("NATS_TOKEN", ""),
		APIToken:  envStr("LOOM_API_TOKEN", ""),
		LogLevel:  envStr("LOG_LEVEL", "info"),
		LogFile:   envStr("LOG_FILE", ""),

		StoreBackend: strings.ToLower(envStr("STORE_BACKEND", BackendPostgres)),
		DatabaseURL:  envStr("DATABASE_URL", ""),
		BadgerDir:    envStr("BADGER_DIR", "./data/loom"),

		LLMProvider:     strings.ToLower(envStr("LLM_PROVIDER", ProviderOpenAI)),
		OpenAIAPIKey:    envStr("OPENAI_API_KEY", ""),
		OpenAIBaseURL:   envStr("OPENAI_BASE_URL", "https://openrouter.ai/api/v1"),
		LLMModel:        envStr("LLM_MODEL", "openai/gpt-4o-mini"),
		AnthropicAPIKey: envStr("ANTHROPIC_API_KEY", ""),
		AnthropicModel:  envStr("ANTHROPIC_MODEL", "claude-sonnet-4-20250514"),

		TTSEnabled: envBool("TTS_ENABLED", true),
		TTSBaseURL: envStr("TTS_BASE_URL", ""),
		TTSAPIKey:  envStr("TTS_API_KEY", ""),
		TTSModel:   envStr("TTS_MODEL", "tts-1"),
		TTSVoice:   envStr("TTS_VOICE", "alloy"),

		CharacterCard: envStr("CHARACTER_CARD", ""),
		TreeChunkSize: envInt("TREE_CHUNK_SIZE", 25),
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

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
