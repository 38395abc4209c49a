package config // package config loads application configuration from environment variables

import (
	"log"
	"os"
	"strings"
	"time"
)

// Store drivers accepted by STORE_DRIVER.
const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// Config holds all runtime configuration values.  Each field corresponds to
// an environment variable.
type Config struct {
	Env         string // application environment (e.g. "dev", "prod")
	Port        string // HTTP port to listen on
	LogLevel    string // zap level: debug, info, warn, error
	StoreDriver string // mysql | sqlite | memory

	DBUser     string // database username
	DBPass     string // database password (optional)
	DBHost     string // database host address
	DBPort     string // database port number
	DBName     string // database name
	SQLitePath string // database file for the sqlite driver

	JWTSecret string // secret used to verify bearer tokens

	GatewayURL          string        // base URL of the order and payment collaborators
	CollaboratorTimeout time.Duration // per remote call
	Currency            string        // currency sent with payment authorizations

	OfferWindow      time.Duration // how long an offeree has to accept
	SagaLease        time.Duration // how long an in-progress idempotency claim is honoured
	SweepSchedule    string        // cron spec of the offer-expiry sweep
	RecoverySchedule string        // cron spec of the compensation recovery sweep
	SweepBatch       int           // rows handled per sweep run

	RabbitURL      string // AMQP broker, empty disables notifications
	NotifyExchange string // topic exchange notifications are published to
}

// IsDev reports whether the service runs in a development environment.
func (c Config) IsDev() bool {
	switch strings.ToLower(c.Env) {
	case "dev", "development", "local", "test":
		return true
	}
	return false
}

// Load reads configuration values from environment variables and returns a
// Config.  Required variables are enforced by must() and missing values
// cause the program to exit with a fatal log message.  Database variables
// are only required by the mysql driver.
func Load() Config {
	cfg := Config{
		Env:         must("APP_ENV"),
		Port:        must("APP_PORT"),
		LogLevel:    envStr("LOG_LEVEL", "info"),
		StoreDriver: strings.ToLower(envStr("STORE_DRIVER", DriverMySQL)),
		DBPass:      os.Getenv("DB_PASS"),
		SQLitePath:  envStr("SQLITE_PATH", "reallocation.db"),
		JWTSecret:   must("JWT_SECRET"),

		GatewayURL:          must("GATEWAY_URL"),
		CollaboratorTimeout: mustDur("COLLABORATOR_TIMEOUT", 5*time.Second),
		Currency:            envStr("CURRENCY", "SGD"),

		OfferWindow:      mustDur("OFFER_WINDOW", 15*time.Minute),
		SagaLease:        mustDur("SAGA_LEASE", 2*time.Minute),
		SweepSchedule:    envStr("SWEEP_SCHEDULE", "@every 30s"),
		RecoverySchedule: envStr("RECOVERY_SCHEDULE", "@every 1m"),
		SweepBatch:       envInt("SWEEP_BATCH", 100),

		RabbitURL:      os.Getenv("RABBITMQ_URL"),
		NotifyExchange: envStr("NOTIFY_EXCHANGE", "notification_topic"),
	}
	switch cfg.StoreDriver {
	case DriverMySQL:
		cfg.DBUser = must("DB_USER")
		cfg.DBHost = must("DB_HOST")
		cfg.DBPort = must("DB_PORT")
		cfg.DBName = must("DB_NAME")
	case DriverSQLite, DriverMemory:
	default:
		log.Fatalf("invalid STORE_DRIVER %q (want mysql, sqlite or memory)", cfg.StoreDriver)
	}
	if cfg.SweepBatch < 1 {
		cfg.SweepBatch = 100
	}
	return cfg
}

// NotifierConfig is what the audit consumer needs.
type NotifierConfig struct {
	Env       string
	LogLevel  string
	RabbitURL string
	Exchange  string
	AuditDir  string
}

// IsDev reports whether the consumer runs in a development environment.
func (c NotifierConfig) IsDev() bool { return Config{Env: c.Env}.IsDev() }

// LoadNotifier reads the audit consumer's configuration.
func LoadNotifier() NotifierConfig {
	return NotifierConfig{
		Env:       envStr("APP_ENV", "dev"),
		LogLevel:  envStr("LOG_LEVEL", "info"),
		RabbitURL: must("RABBITMQ_URL"),
		Exchange:  envStr("NOTIFY_EXCHANGE", "notification_topic"),
		AuditDir:  envStr("AUDIT_LOG_DIR", "logs"),
	}
}

// must retrieves the value of a required environment variable.  If the
// variable is unset or empty, the application logs a fatal error and exits.
func must(key string) string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		log.Fatalf("missing required env var: %s", key)
	}
	return v
}

// mustDur returns def when key is unset and exits on an unparsable value.
func mustDur(key string, def time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		log.Fatalf("invalid duration for %s: %q", key, s)
	}
	return d
}
