package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lalithlochan/gatekeeper/internal/model"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Storage selects the store backend: "postgres" or "memory".
	Storage string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	DBMaxConns int

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// AWS Services
	AWSRegion       string
	AWSEndpoint     string // LocalStack override, empty in AWS
	OutcomeQueueURL string // transport outcomes from the send orchestrator
	SpillQueueURL   string // delivery log entries that could not be written
	AlertTopicARN   string // alert transition stream

	// Policy
	SegmentPolicyFile     string
	DefaultSegment        string
	PolicyRefreshSchedule string

	// Queue health
	HealthCheckSchedule  string
	HealthWindow         time.Duration
	ErrorRateThreshold   float64
	HealthScoreThreshold float64
	OptOutRateThreshold  float64

	// Caps
	StrictCapAlertTypes []model.AlertType
	ReconcileInterval   time.Duration

	// Batch planner decisions per second, 0 for unpaced
	PlannerRate float64

	// API rate limit per client per minute, 0 disables it
	RateLimitPerMinute int
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",
		Storage:  "postgres",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "gatekeeper",
		DBPassword: "",
		DBName:     "gatekeeper",
		DBSSLMode:  "disable",
		DBMaxConns: 25,

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		AWSRegion: "us-east-1",

		SegmentPolicyFile:     "configs/segments.yaml",
		DefaultSegment:        "active",
		PolicyRefreshSchedule: "@every 5m",

		HealthCheckSchedule:  "@every 1m",
		HealthWindow:         time.Hour,
		ErrorRateThreshold:   0.10,
		HealthScoreThreshold: 60,
		OptOutRateThreshold:  0.02,

		ReconcileInterval: 15 * time.Minute,

		RateLimitPerMinute: 600,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	if storage := os.Getenv("STORAGE"); storage != "" {
		if storage != "postgres" && storage != "memory" {
			return nil, fmt.Errorf("invalid STORAGE %q: must be postgres or memory", storage)
		}
		cfg.Storage = storage
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	if conns := os.Getenv("DB_MAX_CONNS"); conns != "" {
		n, err := strconv.Atoi(conns)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_MAX_CONNS: %w", err)
		}
		cfg.DBMaxConns = n
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	// AWS config
	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	cfg.AWSEndpoint = os.Getenv("AWS_ENDPOINT_URL")
	cfg.OutcomeQueueURL = os.Getenv("OUTCOME_QUEUE_URL")
	cfg.SpillQueueURL = os.Getenv("SPILL_QUEUE_URL")
	cfg.AlertTopicARN = os.Getenv("ALERT_TOPIC_ARN")

	// Policy config
	if path := os.Getenv("SEGMENT_POLICY_FILE"); path != "" {
		cfg.SegmentPolicyFile = path
	}

	if seg := os.Getenv("DEFAULT_SEGMENT"); seg != "" {
		cfg.DefaultSegment = seg
	}

	if spec := os.Getenv("POLICY_REFRESH_SCHEDULE"); spec != "" {
		cfg.PolicyRefreshSchedule = spec
	}

	// Health config
	if spec := os.Getenv("HEALTH_CHECK_SCHEDULE"); spec != "" {
		cfg.HealthCheckSchedule = spec
	}

	var err error
	if cfg.HealthWindow, err = durationEnv("HEALTH_WINDOW", cfg.HealthWindow); err != nil {
		return nil, err
	}
	if cfg.ErrorRateThreshold, err = floatEnv("ERROR_RATE_THRESHOLD", cfg.ErrorRateThreshold); err != nil {
		return nil, err
	}
	if cfg.HealthScoreThreshold, err = floatEnv("HEALTH_SCORE_THRESHOLD", cfg.HealthScoreThreshold); err != nil {
		return nil, err
	}
	if cfg.OptOutRateThreshold, err = floatEnv("OPT_OUT_RATE_THRESHOLD", cfg.OptOutRateThreshold); err != nil {
		return nil, err
	}

	// Cap config
	if raw := os.Getenv("STRICT_CAP_ALERT_TYPES"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			t, err := model.ParseAlertType(strings.TrimSpace(s))
			if err != nil {
				return nil, fmt.Errorf("invalid STRICT_CAP_ALERT_TYPES: %w", err)
			}
			cfg.StrictCapAlertTypes = append(cfg.StrictCapAlertTypes, t)
		}
	}

	if cfg.ReconcileInterval, err = durationEnv("RECONCILE_INTERVAL", cfg.ReconcileInterval); err != nil {
		return nil, err
	}

	if cfg.PlannerRate, err = floatEnv("PLANNER_RATE", cfg.PlannerRate); err != nil {
		return nil, err
	}

	if limit := os.Getenv("RATE_LIMIT_PER_MINUTE"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			return nil, fmt.Errorf("invalid RATE_LIMIT_PER_MINUTE: %w", err)
		}
		cfg.RateLimitPerMinute = n
	}

	return cfg, nil
}

func floatEnv(key string, def float64) (float64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}
