package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// HTTP
	HTTPPort string

	// Terminal identity, prefixed to every status log id this process creates
	TerminalID string

	// Shared record store: "memory" or "redis"
	StoreBackend string

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// TimescaleDB status log archive
	ArchiveEnabled bool
	DBHost         string
	DBPort         string
	DBUser         string
	DBPassword     string
	DBName         string
	DBMaxConns     int32

	// Archive pipeline tuning
	ArchiveChannelSize     int
	ArchiveBatchSize       int
	ArchiveFlushIntervalMS int

	// Terminals
	PollIntervalMS        int
	StatusLogDisplayLimit int
	SpeechLanguage        string
	SpeechRate            float64
	// Also write every announcement to the log, next to the UI feed
	AnnounceLog bool

	// Auth
	AuthCacheTTLSeconds int
	ValidAPIKeys        []string

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads the environment, after merging a .env file when present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		HTTPPort:               getEnv("HTTP_PORT", "8001"),
		TerminalID:             getEnv("TERMINAL_ID", defaultTerminalID()),
		StoreBackend:           getEnv("STORE_BACKEND", "memory"),
		RedisAddr:              getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:          getEnv("REDIS_PASSWORD", ""),
		RedisDB:                getEnvInt("REDIS_DB", 0),
		ArchiveEnabled:         getEnvBool("ARCHIVE_ENABLED", false),
		DBHost:                 getEnv("DB_HOST", "localhost"),
		DBPort:                 getEnv("DB_PORT", "5432"),
		DBUser:                 getEnv("DB_USER", "dispatch_user"),
		DBPassword:             getEnv("DB_PASSWORD", "dispatch_password"),
		DBName:                 getEnv("DB_NAME", "radio_status"),
		DBMaxConns:             int32(getEnvInt("DB_MAX_CONNS", 5)),
		ArchiveChannelSize:     getEnvInt("ARCHIVE_CHANNEL_SIZE", 1000),
		ArchiveBatchSize:       getEnvInt("ARCHIVE_BATCH_SIZE", 100),
		ArchiveFlushIntervalMS: getEnvInt("ARCHIVE_FLUSH_INTERVAL_MS", 500),
		PollIntervalMS:         getEnvInt("POLL_INTERVAL_MS", 1000),
		StatusLogDisplayLimit:  getEnvInt("STATUS_LOG_DISPLAY_LIMIT", 50),
		SpeechLanguage:         getEnv("SPEECH_LANGUAGE", "de-DE"),
		SpeechRate:             getEnvFloat("SPEECH_RATE", 0.7),
		AnnounceLog:            getEnvBool("ANNOUNCE_LOG", false),
		AuthCacheTTLSeconds:    getEnvInt("AUTH_CACHE_TTL_SECONDS", 300),
		ValidAPIKeys:           strings.Split(getEnv("VALID_API_KEYS", ""), ","),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
		LogFormat:              getEnv("LOG_FORMAT", "json"),
	}
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

func (c *Config) ArchiveFlushInterval() time.Duration {
	return time.Duration(c.ArchiveFlushIntervalMS) * time.Millisecond
}

func defaultTerminalID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "statusd"
	}
	return host
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
