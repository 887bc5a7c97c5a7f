package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	AdminPassword  string
	SessionTTL     time.Duration
	Redis          RedisConfig
	Relay          RelayConfig
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// RelayConfig tunes the in-memory signaling relay
type RelayConfig struct {
	EventTTL          time.Duration
	SweepInterval     time.Duration
	LeaveGrace        time.Duration
	KeepaliveInterval time.Duration
	MaxMessageLength  int
	ConversationTTL   time.Duration
}

// PeerConfig configures the headless peer binary
type PeerConfig struct {
	Environment           string
	SignalURL             string
	JoinCode              string
	DisplayName           string
	STUNURLs              []string
	ReconnectInitialDelay time.Duration
	ReconnectMaxAttempts  int
}

func Load() *Config {
	// Parse allowed origins (comma-separated)
	originsStr := getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	origins := splitList(originsStr)

	return &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
		AdminPassword:  getEnv("ADMIN_PASSWORD", ""),
		SessionTTL:     getDuration("SESSION_TTL", 12*time.Hour),
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getInt("REDIS_DB", 0),
		},
		Relay: RelayConfig{
			EventTTL:          getDuration("EVENT_TTL", 60*time.Second),
			SweepInterval:     getDuration("SWEEP_INTERVAL", 10*time.Second),
			LeaveGrace:        getDuration("LEAVE_GRACE", 3*time.Second),
			KeepaliveInterval: getDuration("KEEPALIVE_INTERVAL", 25*time.Second),
			MaxMessageLength:  getInt("MAX_MESSAGE_LENGTH", 4000),
			ConversationTTL:   getDuration("CONVERSATION_TTL", 24*time.Hour),
		},
	}
}

func LoadPeer() *PeerConfig {
	return &PeerConfig{
		Environment:           getEnv("ENVIRONMENT", "development"),
		SignalURL:             strings.TrimRight(getEnv("SIGNAL_URL", "http://localhost:8080"), "/"),
		JoinCode:              getEnv("JOIN_CODE", ""),
		DisplayName:           getEnv("DISPLAY_NAME", "go-peer"),
		STUNURLs:              splitList(getEnv("STUN_URLS", "stun:stun.l.google.com:19302")),
		ReconnectInitialDelay: getDuration("RECONNECT_INITIAL_DELAY", time.Second),
		ReconnectMaxAttempts:  getInt("RECONNECT_MAX_ATTEMPTS", 5),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil && d > 0 {
		return d
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
