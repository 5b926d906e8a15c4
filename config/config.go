package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"

	"gowa-dispatch/internal/helper"
	"gowa-dispatch/internal/model"
)

type Config struct {
	Port               string
	DBConnectionString string
	SessionStoreDir    string
	DeviceName         string

	APIKey    string
	JWTSecret string

	Webhooks       map[model.WebhookCategory]string
	WebhookSecret  string
	WebhookTimeout time.Duration

	DispatchDelayMin   time.Duration
	DispatchDelayMax   time.Duration
	DefaultCountryCode string

	HandleCreateTimeout time.Duration
	RestorePollInterval time.Duration
	RestorePollAttempts int
	StartupStagger      time.Duration
	RetentionSweepSpec  string

	RateLimitPerSecond int
	RateLimitBurst     int
	RateLimitWindow    time.Duration
	CORSAllowOrigins   []string

	AMQPURL      string
	AMQPExchange string
	RedisURL     string

	LogLevel  string
	LogFormat string
}

// Load reads .env when present, then the process environment.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:               helper.GetEnv("PORT", "2121"),
		DBConnectionString: helper.GetEnv("APP_DATABASE_URL", ""),
		SessionStoreDir:    helper.GetEnv("SESSION_STORE_DIR", "./sessions"),
		DeviceName:         helper.GetEnv("WA_DEVICE_NAME", "gowa-dispatch"),

		APIKey:    helper.GetEnv("API_KEY", ""),
		JWTSecret: helper.GetEnv("JWT_SECRET", ""),

		Webhooks: map[model.WebhookCategory]string{
			model.CategoryMessage:  helper.GetEnv("WEBHOOK_URL_MESSAGE", ""),
			model.CategoryDelivery: helper.GetEnv("WEBHOOK_URL_DELIVERY", ""),
			model.CategoryGroup:    helper.GetEnv("WEBHOOK_URL_GROUP", ""),
			model.CategorySession:  helper.GetEnv("WEBHOOK_URL_SESSION", ""),
		},
		WebhookSecret:  helper.GetEnv("WEBHOOK_SECRET", ""),
		WebhookTimeout: helper.GetEnvAsDuration("WEBHOOK_TIMEOUT_SECONDS", time.Second, 5*time.Second),

		DispatchDelayMin:   helper.GetEnvAsDuration("DISPATCH_DELAY_MIN_MS", time.Millisecond, 3*time.Second),
		DispatchDelayMax:   helper.GetEnvAsDuration("DISPATCH_DELAY_MAX_MS", time.Millisecond, 8*time.Second),
		DefaultCountryCode: helper.GetEnv("DEFAULT_COUNTRY_CODE", "62"),

		HandleCreateTimeout: helper.GetEnvAsDuration("HANDLE_CREATE_TIMEOUT_SECONDS", time.Second, 60*time.Second),
		RestorePollInterval: helper.GetEnvAsDuration("RESTORE_POLL_INTERVAL_MS", time.Millisecond, time.Second),
		RestorePollAttempts: helper.GetEnvAsInt("RESTORE_POLL_ATTEMPTS", 30),
		StartupStagger:      helper.GetEnvAsDuration("STARTUP_RESTORE_STAGGER_MS", time.Millisecond, 2*time.Second),
		RetentionSweepSpec:  helper.GetEnv("RETENTION_SWEEP_SPEC", "@every 10m"),

		RateLimitPerSecond: helper.GetEnvAsInt("RATE_LIMIT_PER_SECOND", 10),
		RateLimitBurst:     helper.GetEnvAsInt("RATE_LIMIT_BURST", 10),
		RateLimitWindow:    helper.GetEnvAsDuration("RATE_LIMIT_WINDOW_MINUTES", time.Minute, 3*time.Minute),
		CORSAllowOrigins:   splitList(helper.GetEnv("CORS_ALLOW_ORIGINS", "*")),

		AMQPURL:      helper.GetEnv("AMQP_URL", ""),
		AMQPExchange: helper.GetEnv("AMQP_EXCHANGE", "wa.events"),
		RedisURL:     helper.GetEnv("REDIS_URL", ""),

		LogLevel:  helper.GetEnv("LOG_LEVEL", "info"),
		LogFormat: helper.GetEnv("LOG_FORMAT", "console"),
	}
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
