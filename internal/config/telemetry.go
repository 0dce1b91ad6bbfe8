package config

import "time"

// Default counter allow-list: metrics treated as monotonically increasing.
// Everything else in the exposition payload is handled as a gauge.
var defaultCounterNames = []string{
	"soketi_new_connections_total",
	"soketi_new_disconnections_total",
	"soketi_socket_received_bytes",
	"soketi_socket_transmitted_bytes",
	"soketi_ws_messages_received_total",
	"soketi_ws_messages_sent_total",
	"soketi_http_calls_received_total",
}

// Config holds runtime configuration for the telemetry service.
type Config struct {
	Environment   string
	Addr          string
	DatabaseURL   string
	MigrationsDir string

	SourceURL      string
	ScrapeTimeout  time.Duration
	ScrapeRetries  int
	CycleInterval  time.Duration
	CounterNames   []string
	MinuteTTL      time.Duration
	HourTTL        time.Duration
	SnapshotTTL    time.Duration
	CounterKeyTTL  time.Duration
	RollupInterval time.Duration

	TrendUpFactor     float64
	TrendDownFactor   float64
	PeakConnections   float64
	MediumBytesPerSec float64
	HighBytesPerSec   float64

	IngestToken        string
	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// Load constructs a Config from environment variables.
func Load() Config {
	return Config{
		Environment:   GetString("APP_ENV", "development"),
		Addr:          GetString("TELEMETRY_ADDR", ":4600"),
		DatabaseURL:   GetString("DATABASE_URL", "postgres://telemetry:telemetry@db:5432/telemetry?sslmode=disable"),
		MigrationsDir: GetString("DB_MIGRATIONS_DIR", "./db/migrations"),

		SourceURL:      GetString("METRICS_SOURCE_URL", "http://soketi:9601"),
		ScrapeTimeout:  time.Duration(GetInt("SCRAPE_TIMEOUT_SECONDS", 5)) * time.Second,
		ScrapeRetries:  GetInt("SCRAPE_MAX_RETRIES", 2),
		CycleInterval:  time.Duration(GetInt("SCRAPE_CYCLE_SECONDS", 15)) * time.Second,
		CounterNames:   GetStringSlice("METRICS_COUNTER_NAMES", defaultCounterNames),
		MinuteTTL:      time.Duration(GetInt("BUCKET_MINUTE_TTL_MINUTES", 120)) * time.Minute,
		HourTTL:        time.Duration(GetInt("BUCKET_HOUR_TTL_HOURS", 24)) * time.Hour,
		SnapshotTTL:    time.Duration(GetInt("SNAPSHOT_TTL_MINUTES", 120)) * time.Minute,
		CounterKeyTTL:  time.Duration(GetInt("COUNTER_KEY_TTL_HOURS", 48)) * time.Hour,
		RollupInterval: time.Duration(GetInt("ROLLUP_INTERVAL_MINUTES", 60)) * time.Minute,

		TrendUpFactor:     GetFloat("TREND_UP_FACTOR", 1.2),
		TrendDownFactor:   GetFloat("TREND_DOWN_FACTOR", 0.8),
		PeakConnections:   GetFloat("TREND_PEAK_CONNECTIONS", 500),
		MediumBytesPerSec: GetFloat("INTENSITY_MEDIUM_BYTES_PER_SEC", 100*1024),
		HighBytesPerSec:   GetFloat("INTENSITY_HIGH_BYTES_PER_SEC", 1024*1024),

		IngestToken:        GetString("TELEMETRY_INGEST_TOKEN", ""),
		RedisAddr:          GetString("CACHE_REDIS_ADDR", ""),
		RedisPassword:      GetString("CACHE_REDIS_PASSWORD", ""),
		RedisDB:            GetInt("CACHE_REDIS_DB", 0),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
