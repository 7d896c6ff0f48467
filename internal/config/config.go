package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultPort            = "3001"
	defaultInstanceTTL     = 24 * time.Hour
	defaultMonitorInterval = 60 * time.Second
)

// Config holds the orchestration service configuration, read from the
// environment at startup
type Config struct {
	Port            string
	RedisAddr       string // empty means the in-memory store (dev / tests)
	InstanceTTL     time.Duration
	MonitorInterval time.Duration
	ServiceURLs     map[string]string // collaborator name -> base URL
}

// Load reads configuration from the environment, loading .env first if
// present (development convenience)
func Load() *Config {
	for _, p := range []string{".env", "../.env"} {
		if err := godotenv.Load(p); err == nil {
			log.Printf("🔧 Loaded environment from %s", p)
			break
		}
	}

	cfg := &Config{
		Port:            getEnv("PORT", defaultPort),
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		InstanceTTL:     getEnvSeconds("INSTANCE_TTL_SECONDS", defaultInstanceTTL),
		MonitorInterval: getEnvSeconds("MONITOR_INTERVAL_SECONDS", defaultMonitorInterval),
		ServiceURLs:     make(map[string]string),
	}

	// Collaborator endpoints: SERVICE_URL_COMPLIANCE=http://compliance:8080
	// registers service "compliance". Underscores map to hyphens, so
	// SERVICE_URL_MARKET_DATA registers "market-data".
	for _, entry := range os.Environ() {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasPrefix(key, "SERVICE_URL_") {
			continue
		}
		name := strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(key, "SERVICE_URL_")), "_", "-")
		if name != "" && value != "" {
			cfg.ServiceURLs[name] = value
		}
	}

	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvSeconds(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		log.Printf("⚠️ Invalid %s=%q, using default", key, v)
		return fallback
	}
	return time.Duration(secs) * time.Second
}
