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
	Redis          RedisConfig
	Signal         SignalConfig
	Video          VideoConfig
	PresenceTTL    time.Duration
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// SignalConfig names the shared signaling channel and tunes the client
// call clocks.
type SignalConfig struct {
	Channel       string
	Event         string
	RingTimeout   time.Duration
	ConnectLinger time.Duration
}

// VideoConfig holds the hosted video-room application credentials used
// to mint room tokens.
type VideoConfig struct {
	AppID       string
	AppSecret   string
	TokenTTL    time.Duration
	RoomBaseURL string
}

func Load() *Config {
	// Parse allowed origins (comma-separated)
	originsStr := getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	origins := strings.Split(originsStr, ",")

	// RING_TIMEOUT_SECONDS=0 disables the ring clock; the negative value
	// carries that to the coordinator, whose zero value means default.
	ringTimeout := time.Duration(getEnvInt("RING_TIMEOUT_SECONDS", 40)) * time.Second
	if ringTimeout == 0 {
		ringTimeout = -1
	}

	return &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       0,
		},
		Signal: SignalConfig{
			Channel:       getEnv("SIGNAL_CHANNEL", "calls:signal"),
			Event:         getEnv("SIGNAL_EVENT", "signal"),
			RingTimeout:   ringTimeout,
			ConnectLinger: time.Duration(getEnvInt("CONNECT_LINGER_MS", 1000)) * time.Millisecond,
		},
		Video: VideoConfig{
			AppID:       getEnv("VIDEO_APP_ID", "crewdeck"),
			AppSecret:   getEnv("VIDEO_APP_SECRET", "change-me-in-production"),
			TokenTTL:    time.Duration(getEnvInt("VIDEO_TOKEN_HOURS", 6)) * time.Hour,
			RoomBaseURL: getEnv("VIDEO_ROOM_BASE_URL", "https://meet.crewdeck.example"),
		},
		PresenceTTL: time.Duration(getEnvInt("PRESENCE_TTL_HOURS", 24)) * time.Hour,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}
