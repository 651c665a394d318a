package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the full process configuration, loaded once from the environment
// at startup and passed explicitly to every service (no import-time state).
type Config struct {
	Port       string
	PublicURL  string
	LogEnv     string
	InstanceID string

	// Speech-to-text
	DeepgramAPIKey string

	// Language model
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string

	// Speech synthesis
	ElevenLabsAPIKey  string
	ElevenLabsBaseURL string
	DefaultVoiceID    string

	// Telephony
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioCallerID   string

	// Lead source
	LeadsBaseURL string
	LeadsAPIKey  string

	// Booking webhook
	CalendarWebhookURL string

	// Dispatch
	WorkerConcurrency int
	AutopilotInterval time.Duration

	// Control API auth
	JWTSecret string

	Redis RedisSettings
}

// RedisSettings mirrors pkg/redis.RedisConfig at the env layer.
type RedisSettings struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// LoadFromEnv builds a Config from environment variables with sane defaults.
func LoadFromEnv() *Config {
	return &Config{
		Port:       getEnvOrDefault("PORT", "8080"),
		PublicURL:  getEnvOrDefault("PUBLIC_URL", "http://localhost:8080"),
		LogEnv:     getEnvOrDefault("LOG_ENV", "development"),
		InstanceID: getDynamicInstanceID(),

		DeepgramAPIKey: getEnvOrDefault("DEEPGRAM_API_KEY", ""),

		OpenAIAPIKey:  getEnvOrDefault("OPENAI_API_KEY", ""),
		OpenAIBaseURL: getEnvOrDefault("OPENAI_BASE_URL", "https://api.openai.com"),
		OpenAIModel:   getEnvOrDefault("OPENAI_MODEL", "gpt-4o-mini"),

		ElevenLabsAPIKey:  getEnvOrDefault("ELEVENLABS_API_KEY", ""),
		ElevenLabsBaseURL: getEnvOrDefault("ELEVENLABS_BASE_URL", "https://api.elevenlabs.io"),
		DefaultVoiceID:    getEnvOrDefault("ELEVENLABS_VOICE_ID", ""),

		TwilioAccountSID: getEnvOrDefault("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:  getEnvOrDefault("TWILIO_AUTH_TOKEN", ""),
		TwilioCallerID:   getEnvOrDefault("TWILIO_CALLER_ID", ""),

		LeadsBaseURL: getEnvOrDefault("LEADS_API_URL", ""),
		LeadsAPIKey:  getEnvOrDefault("LEADS_API_KEY", ""),

		CalendarWebhookURL: getEnvOrDefault("CALENDAR_WEBHOOK_URL", ""),

		WorkerConcurrency: getEnvAsIntOrDefault("DISPATCH_WORKERS", 4),
		AutopilotInterval: time.Duration(getEnvAsIntOrDefault("AUTOPILOT_INTERVAL_MINUTES", 5)) * time.Minute,

		JWTSecret: getEnvOrDefault("JWT_SECRET", ""),

		Redis: RedisSettings{
			Host:     getEnvOrDefault("REDIS_HOST", "localhost"),
			Port:     getEnvOrDefault("REDIS_PORT", "6379"),
			Password: getEnvOrDefault("REDIS_PASSWORD", ""),
			DB:       getEnvAsIntOrDefault("REDIS_DB", 0),
		},
	}
}

// getEnvOrDefault gets environment variable or returns default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault gets environment variable as int or returns default.
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getDynamicInstanceID generates a unique identifier for this service instance.
// It first tries the system hostname (pod name in K8s), then falls back to a
// timestamp-based ID.
func getDynamicInstanceID() string {
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return fmt.Sprintf("voice-dialer-%d", time.Now().UnixNano())
}
