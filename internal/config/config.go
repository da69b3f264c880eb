package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
)

// App holds the runtime configuration loaded from environment variables.
type App struct {
	Env      string
	HTTPPort string

	RemoteURL        string
	RemoteTimeout    time.Duration
	RemoteRatePerMin int

	StoreDriver      string
	StoreDSN         string
	StoreNamespace   string
	StoreVersion     int
	PreserveUnsynced bool

	QueueBackend  string
	QueueKey      string
	RedisAddr     string
	RedisPassword string

	ProbeInterval time.Duration
	StartupDelay  time.Duration
	SettleDelay   time.Duration

	LogLevel  string
	LogFormat string
	// DOBTimezone is the zone date-only timestamps are read in.
	DOBTimezone *time.Location

	// Warnings lists variables that were set but could not be parsed; their
	// fallbacks are in use. Logged once the logger exists.
	Warnings []string
}

// Load reads an optional .env file, then returns application config
// populated from environment variables with sensible defaults. Variables
// already set in the environment win over the file.
func Load(files ...string) App {
	_ = godotenv.Load(files...)

	var w []string
	cfg := App{
		Env:      getEnv("APP_ENV", "dev"),
		HTTPPort: getEnv("HTTP_PORT", "8081"),

		RemoteURL:        getEnv("REMOTE_URL", ""),
		RemoteTimeout:    durationEnv(&w, "REMOTE_TIMEOUT", 30*time.Second),
		RemoteRatePerMin: intEnv(&w, "REMOTE_RATE_PER_MIN", 60),

		StoreDriver:      getEnv("STORE_DRIVER", "sqlite"),
		StoreDSN:         getEnv("STORE_DSN", "data/DentalOfflineDB.db"),
		StoreNamespace:   getEnv("STORE_NAMESPACE", "DentalOfflineDB"),
		StoreVersion:     intEnv(&w, "STORE_VERSION", 1),
		PreserveUnsynced: boolEnv(&w, "PRESERVE_UNSYNCED", true),

		QueueBackend:  getEnv("QUEUE_BACKEND", "memory"),
		QueueKey:      getEnv("QUEUE_KEY", "dentalsync:signals"),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		ProbeInterval: durationEnv(&w, "PROBE_INTERVAL", 30*time.Second),
		StartupDelay:  durationEnv(&w, "STARTUP_DELAY", 3*time.Second),
		SettleDelay:   durationEnv(&w, "SETTLE_DELAY", 2*time.Second),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}
	cfg.DOBTimezone = locationEnv(&w, "DOB_TIMEZONE", "Asia/Manila")
	cfg.Warnings = w
	return cfg
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func durationEnv(w *[]string, key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			*w = append(*w, fmt.Sprintf("invalid duration for %s: %v, using fallback %s", key, err, fallback))
			return fallback
		}
		return d
	}
	return fallback
}

func boolEnv(w *[]string, key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		b, err := strconv.ParseBool(val)
		if err == nil {
			return b
		}
		*w = append(*w, fmt.Sprintf("invalid bool for %s, using fallback %v", key, fallback))
	}
	return fallback
}

func intEnv(w *[]string, key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
		*w = append(*w, fmt.Sprintf("invalid int for %s, using fallback %d", key, fallback))
	}
	return fallback
}

func locationEnv(w *[]string, key, fallback string) *time.Location {
	name := getEnv(key, fallback)
	loc, err := time.LoadLocation(name)
	if err == nil {
		return loc
	}
	*w = append(*w, fmt.Sprintf("invalid time zone for %s: %v, using UTC+8", key, err))
	return time.FixedZone("PHT", 8*60*60)
}
