package config

import "time"

// Config holds runtime configuration for the pulsewatch service.
type Config struct {
	Environment   string
	Addr          string
	DatabaseURL   string
	MigrationsDir string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	StreamPrefix  string
	ConsumerGroup string

	ConsumerConcurrency int
	EventTimeout        time.Duration
	ShutdownGrace       time.Duration

	DedupTTL            time.Duration
	DedupSweepThreshold int

	HistoryCapacity    int
	SampleRetention    time.Duration
	BaselineWindowDays int
	BaselineMinSamples int
	BaselineRefresh    time.Duration
	DefaultBaseline    float64

	AnomalySensitivity   float64
	StdDevSurrogateRatio float64

	BreachEscalationThreshold int
	ResolutionTolerance       float64
	AutoCompensation          bool

	TrendConfidenceThreshold float64
	TrendSlopeFloor          float64
	GiniSkewThreshold        float64

	RetryMaxAttempts int
	RetryBaseDelay   time.Duration

	FlushInterval    time.Duration
	TrendInterval    time.Duration
	AnomalyInterval  time.Duration
	CleanupInterval  time.Duration
	ReportInterval   time.Duration
	RetentionHorizon time.Duration
}

// Load constructs a Config from environment variables.
func Load() Config {
	return Config{
		Environment:   GetString("APP_ENV", "development"),
		Addr:          GetString("PULSEWATCH_ADDR", ":4100"),
		DatabaseURL:   GetString("DATABASE_URL", "postgres://pulsewatch:pulsewatch@db:5432/pulsewatch?sslmode=disable"),
		MigrationsDir: GetString("DB_MIGRATIONS_DIR", "./migrations"),

		RedisAddr:     GetString("BROKER_REDIS_ADDR", "redis:6379"),
		RedisPassword: GetString("BROKER_REDIS_PASSWORD", ""),
		RedisDB:       GetInt("BROKER_REDIS_DB", 0),
		StreamPrefix:  GetString("BROKER_STREAM_PREFIX", "pulsewatch"),
		ConsumerGroup: GetString("BROKER_CONSUMER_GROUP", "pulsewatch-core"),

		ConsumerConcurrency: GetInt("CONSUMER_CONCURRENCY", 4),
		EventTimeout:        GetDuration("EVENT_TIMEOUT", 10*time.Second),
		ShutdownGrace:       GetDuration("SHUTDOWN_GRACE", 10*time.Second),

		DedupTTL:            GetDuration("DEDUP_TTL", 24*time.Hour),
		DedupSweepThreshold: GetInt("DEDUP_SWEEP_THRESHOLD", 1000),

		HistoryCapacity:    GetInt("HISTORY_CAPACITY", 100),
		SampleRetention:    GetDuration("SAMPLE_RETENTION", 24*time.Hour),
		BaselineWindowDays: GetInt("BASELINE_WINDOW_DAYS", 7),
		BaselineMinSamples: GetInt("BASELINE_MIN_SAMPLES", 100),
		BaselineRefresh:    GetDuration("BASELINE_REFRESH", time.Hour),
		DefaultBaseline:    GetFloat("BASELINE_DEFAULT", 100.0),

		AnomalySensitivity:   GetFloat("ANOMALY_SENSITIVITY", 2.5),
		StdDevSurrogateRatio: GetFloat("ANOMALY_STDDEV_SURROGATE_RATIO", 0.3),

		BreachEscalationThreshold: GetInt("BREACH_ESCALATION_THRESHOLD", 3),
		ResolutionTolerance:       GetFloat("BREACH_RESOLUTION_TOLERANCE", 0.9),
		AutoCompensation:          GetBool("BREACH_AUTO_COMPENSATION", false),

		TrendConfidenceThreshold: GetFloat("TREND_CONFIDENCE_THRESHOLD", 0.7),
		TrendSlopeFloor:          GetFloat("TREND_SLOPE_FLOOR", 0.1),
		GiniSkewThreshold:        GetFloat("GINI_SKEW_THRESHOLD", 0.8),

		RetryMaxAttempts: GetInt("RETRY_MAX_ATTEMPTS", 3),
		RetryBaseDelay:   GetDuration("RETRY_BASE_DELAY", 200*time.Millisecond),

		FlushInterval:    GetDuration("FLUSH_INTERVAL", time.Minute),
		TrendInterval:    GetDuration("TREND_INTERVAL", 5*time.Minute),
		AnomalyInterval:  GetDuration("ANOMALY_INTERVAL", 5*time.Minute),
		CleanupInterval:  GetDuration("CLEANUP_INTERVAL", 24*time.Hour),
		ReportInterval:   GetDuration("REPORT_INTERVAL", 6*time.Hour),
		RetentionHorizon: GetDuration("RETENTION_HORIZON", 30*24*time.Hour),
	}
}
