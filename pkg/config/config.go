package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	FeatureFlags FeatureFlagsConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	Square       SquareConfig
	Ledger       LedgerConfig
	Cron         CronConfig
	RateLimit    RateLimitConfig
	CORS         CORSConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(cfg.FeatureFlags.UseSQLite); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"REGLEDGER_APP_ENV" required:"true"`
	Port         string `envconfig:"REGLEDGER_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"REGLEDGER_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"REGLEDGER_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"REGLEDGER_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"REGLEDGER_DB_DSN"`
	Driver string `envconfig:"REGLEDGER_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"REGLEDGER_DB_HOST"`
	LegacyPort     int    `envconfig:"REGLEDGER_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"REGLEDGER_DB_USER"`
	LegacyPassword string `envconfig:"REGLEDGER_DB_PASSWORD"`
	LegacyName     string `envconfig:"REGLEDGER_DB_NAME"`
	LegacySSLMode  string `envconfig:"REGLEDGER_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"REGLEDGER_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"REGLEDGER_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"REGLEDGER_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"REGLEDGER_DB_CONN_MAX_IDLE_TIME" default:"10m"`
	SlowQuery       time.Duration `envconfig:"REGLEDGER_DB_SLOW_QUERY" default:"500ms"`
}

// IsSQLite reports whether the configured driver targets SQLite.
func (db DBConfig) IsSQLite() bool {
	return strings.EqualFold(strings.TrimSpace(db.Driver), DBDriverSQLite)
}

type RedisConfig struct {
	URL          string        `envconfig:"REGLEDGER_REDIS_URL" required:"true"`
	Address      string        `envconfig:"REGLEDGER_REDIS_ADDR"`
	Password     string        `envconfig:"REGLEDGER_REDIS_PASSWORD"`
	DB           int           `envconfig:"REGLEDGER_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"REGLEDGER_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"REGLEDGER_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"REGLEDGER_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"REGLEDGER_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"REGLEDGER_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type JWTConfig struct {
	Secret            string `envconfig:"REGLEDGER_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"REGLEDGER_JWT_ISSUER" required:"true"`
	ExpirationMinutes int    `envconfig:"REGLEDGER_JWT_EXPIRATION_MINUTES" default:"60"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"REGLEDGER_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"REGLEDGER_AUTO_MIGRATE" default:"false"`
}

type GCPConfig struct {
	ProjectID string `envconfig:"REGLEDGER_GCP_PROJECT_ID"`
}

type PubSubConfig struct {
	NotificationTopic string `envconfig:"REGLEDGER_PUBSUB_NOTIFICATION_TOPIC" default:"registration-ledger-notifications"`
}

// Enabled reports whether notifications can be published.
func (p PubSubConfig) Enabled(gcp GCPConfig) bool {
	return strings.TrimSpace(gcp.ProjectID) != "" && strings.TrimSpace(p.NotificationTopic) != ""
}

type SquareConfig struct {
	AccessToken     string        `envconfig:"REGLEDGER_SQUARE_ACCESS_TOKEN"`
	WebhookSecret   string        `envconfig:"REGLEDGER_SQUARE_WEBHOOK_SECRET"`
	NotificationURL string        `envconfig:"REGLEDGER_SQUARE_WEBHOOK_URL"`
	Env             string        `envconfig:"REGLEDGER_SQUARE_ENV" default:"sandbox"`
	RefundTimeout   time.Duration `envconfig:"REGLEDGER_SQUARE_REFUND_TIMEOUT" default:"15s"`
}

// Environment returns the normalized Square environment (sandbox/production).
func (s SquareConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "sandbox"
	}
	return env
}

type LedgerConfig struct {
	Currency              string        `envconfig:"REGLEDGER_LEDGER_CURRENCY" default:"USD"`
	ConflictRetries       int           `envconfig:"REGLEDGER_LEDGER_CONFLICT_RETRIES" default:"3"`
	WebhookIdempotencyTTL time.Duration `envconfig:"REGLEDGER_LEDGER_WEBHOOK_IDEMPOTENCY_TTL" default:"720h"`
	NotifyTimeout         time.Duration `envconfig:"REGLEDGER_LEDGER_NOTIFY_TIMEOUT" default:"10s"`
}

type CronConfig struct {
	Interval         time.Duration `envconfig:"REGLEDGER_CRON_INTERVAL" default:"1h"`
	DriftBatchSize   int           `envconfig:"REGLEDGER_CRON_DRIFT_BATCH_SIZE" default:"200"`
	StaleRefundAfter time.Duration `envconfig:"REGLEDGER_CRON_STALE_REFUND_AFTER" default:"24h"`
	LockTTL          time.Duration `envconfig:"REGLEDGER_CRON_LOCK_TTL" default:"2h"`
	MetricsAddr      string        `envconfig:"REGLEDGER_CRON_METRICS_ADDR" default:":9102"`
}

type RateLimitConfig struct {
	Window         time.Duration `envconfig:"REGLEDGER_RATE_LIMIT_WINDOW" default:"1m"`
	IPLimit        int           `envconfig:"REGLEDGER_RATE_LIMIT_IP" default:"300"`
	UserLimit      int           `envconfig:"REGLEDGER_RATE_LIMIT_USER" default:"120"`
	WebhookIPLimit int           `envconfig:"REGLEDGER_RATE_LIMIT_WEBHOOK_IP" default:"600"`
}

type CORSConfig struct {
	AllowedOrigins []string `envconfig:"REGLEDGER_CORS_ALLOWED_ORIGINS" default:"http://localhost:3000"`
}

func (db *DBConfig) ensureDSN(useSQLite bool) error {
	if useSQLite {
		db.Driver = DBDriverSQLite
		if db.DSN == "" {
			db.DSN = defaultSQLiteDSN
		}
		return nil
	}
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
