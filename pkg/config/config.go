package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Authority sides accepted by the repairer.
const (
	AuthorityTeacher = "teacher"
	AuthorityStudent = "student"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database    DatabaseConfig
	Redis       RedisConfig
	JWT         JWTConfig
	CORS        CORSConfig
	Log         LogConfig
	Booking     BookingConfig
	Consistency ConsistencyConfig
	Cascade     CascadeConfig
	Jobs        JobsConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Enabled  bool
	URL      string
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
}

type JWTConfig struct {
	Secret string
	Issuer string
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// BookingConfig tunes slot writes and the weekly view cache.
type BookingConfig struct {
	MaxWriteAttempts   int
	WeeklyViewCacheTTL time.Duration
}

// ConsistencyConfig drives detection batches, defaults and the declared authority.
type ConsistencyConfig struct {
	BatchSize             int
	DefaultDuration       int
	ExampleLimit          int
	RelationshipAuthority string
	ScheduleAuthority     string
	ReconcileInterval     time.Duration
	OrphanCleanupInterval time.Duration
}

// CascadeConfig bounds the transactional retry loop.
type CascadeConfig struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	TxTimeout   time.Duration
}

// JobsConfig configures the background processor.
type JobsConfig struct {
	Workers          int
	MaxRetries       int
	RetryDelay       time.Duration
	MaxRetryDelay    time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
	StatusTTL        time.Duration
	EventBuffer      int
	LockTTL          time.Duration
	EventsChannel    string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Enabled:  v.GetBool("REDIS_ENABLED"),
		URL:      v.GetString("REDIS_URL"),
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
		PoolSize: v.GetInt("REDIS_POOL_SIZE"),
	}

	cfg.JWT = JWTConfig{Secret: v.GetString("JWT_SECRET"), Issuer: v.GetString("JWT_ISSUER")}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Booking = BookingConfig{
		MaxWriteAttempts:   v.GetInt("BOOKING_MAX_WRITE_ATTEMPTS"),
		WeeklyViewCacheTTL: parseDuration(v.GetString("BOOKING_WEEKLY_VIEW_CACHE_TTL"), 5*time.Minute),
	}

	cfg.Consistency = ConsistencyConfig{
		BatchSize:             v.GetInt("CONSISTENCY_BATCH_SIZE"),
		DefaultDuration:       v.GetInt("CONSISTENCY_DEFAULT_DURATION"),
		ExampleLimit:          v.GetInt("CONSISTENCY_EXAMPLE_LIMIT"),
		RelationshipAuthority: strings.ToLower(v.GetString("CONSISTENCY_RELATIONSHIP_AUTHORITY")),
		ScheduleAuthority:     strings.ToLower(v.GetString("CONSISTENCY_SCHEDULE_AUTHORITY")),
		ReconcileInterval:     parseDuration(v.GetString("CONSISTENCY_RECONCILE_INTERVAL"), 24*time.Hour),
		OrphanCleanupInterval: parseDuration(v.GetString("CONSISTENCY_ORPHAN_CLEANUP_INTERVAL"), 6*time.Hour),
	}

	cfg.Cascade = CascadeConfig{
		MaxAttempts: v.GetInt("CASCADE_MAX_ATTEMPTS"),
		BaseBackoff: parseDuration(v.GetString("CASCADE_BASE_BACKOFF"), 200*time.Millisecond),
		MaxBackoff:  parseDuration(v.GetString("CASCADE_MAX_BACKOFF"), 5*time.Second),
		TxTimeout:   parseDuration(v.GetString("CASCADE_TX_TIMEOUT"), 30*time.Second),
	}

	cfg.Jobs = JobsConfig{
		Workers:          v.GetInt("JOBS_WORKERS"),
		MaxRetries:       v.GetInt("JOBS_MAX_RETRIES"),
		RetryDelay:       parseDuration(v.GetString("JOBS_RETRY_DELAY"), time.Second),
		MaxRetryDelay:    parseDuration(v.GetString("JOBS_MAX_RETRY_DELAY"), time.Minute),
		BreakerThreshold: v.GetInt("JOBS_BREAKER_THRESHOLD"),
		BreakerCooldown:  parseDuration(v.GetString("JOBS_BREAKER_COOLDOWN"), 30*time.Second),
		StatusTTL:        parseDuration(v.GetString("JOBS_STATUS_TTL"), 72*time.Hour),
		EventBuffer:      v.GetInt("JOBS_EVENT_BUFFER"),
		LockTTL:          parseDuration(v.GetString("JOBS_LOCK_TTL"), 2*time.Minute),
		EventsChannel:    v.GetString("JOBS_EVENTS_CHANNEL"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects configurations that would leave the repair authority implicit.
func (c *Config) Validate() error {
	for name, value := range map[string]string{
		"CONSISTENCY_RELATIONSHIP_AUTHORITY": c.Consistency.RelationshipAuthority,
		"CONSISTENCY_SCHEDULE_AUTHORITY":     c.Consistency.ScheduleAuthority,
	} {
		if value != AuthorityTeacher && value != AuthorityStudent {
			return fmt.Errorf("%s must be %q or %q, got %q", name, AuthorityTeacher, AuthorityStudent, value)
		}
	}
	if c.Consistency.DefaultDuration <= 0 {
		return fmt.Errorf("CONSISTENCY_DEFAULT_DURATION must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "lesson_sync")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_ENABLED", true)
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_POOL_SIZE", 20)

	v.SetDefault("JWT_SECRET", "dev_secret")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("BOOKING_MAX_WRITE_ATTEMPTS", 3)
	v.SetDefault("BOOKING_WEEKLY_VIEW_CACHE_TTL", "5m")

	v.SetDefault("CONSISTENCY_BATCH_SIZE", 200)
	v.SetDefault("CONSISTENCY_DEFAULT_DURATION", 45)
	v.SetDefault("CONSISTENCY_EXAMPLE_LIMIT", 20)
	v.SetDefault("CONSISTENCY_RELATIONSHIP_AUTHORITY", AuthorityTeacher)
	v.SetDefault("CONSISTENCY_SCHEDULE_AUTHORITY", AuthorityTeacher)
	v.SetDefault("CONSISTENCY_RECONCILE_INTERVAL", "24h")
	v.SetDefault("CONSISTENCY_ORPHAN_CLEANUP_INTERVAL", "6h")

	v.SetDefault("CASCADE_MAX_ATTEMPTS", 4)
	v.SetDefault("CASCADE_BASE_BACKOFF", "200ms")
	v.SetDefault("CASCADE_MAX_BACKOFF", "5s")
	v.SetDefault("CASCADE_TX_TIMEOUT", "30s")

	v.SetDefault("JOBS_WORKERS", 4)
	v.SetDefault("JOBS_MAX_RETRIES", 3)
	v.SetDefault("JOBS_RETRY_DELAY", "1s")
	v.SetDefault("JOBS_MAX_RETRY_DELAY", "1m")
	v.SetDefault("JOBS_BREAKER_THRESHOLD", 5)
	v.SetDefault("JOBS_BREAKER_COOLDOWN", "30s")
	v.SetDefault("JOBS_STATUS_TTL", "72h")
	v.SetDefault("JOBS_EVENT_BUFFER", 32)
	v.SetDefault("JOBS_LOCK_TTL", "2m")
	v.SetDefault("JOBS_EVENTS_CHANNEL", "lesson-sync:job-events")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
