package config

const (
	EnvPrefix = "REGLEDGER"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	DBDriverPostgres = "postgres"
	DBDriverSQLite   = "sqlite"

	defaultSQLiteDSN = "file:registration-ledger.db?_foreign_keys=on"
)

const (
	EnvAppEnv   = "REGLEDGER_APP_ENV"
	EnvPort     = "REGLEDGER_APP_PORT"
	EnvLogLevel = "REGLEDGER_LOG_LEVEL"

	EnvDBDSN    = "REGLEDGER_DB_DSN"
	EnvDBDriver = "REGLEDGER_DB_DRIVER"
	EnvDBHost   = "REGLEDGER_DB_HOST"
	EnvDBUser   = "REGLEDGER_DB_USER"
	EnvDBName   = "REGLEDGER_DB_NAME"

	EnvRedisURL = "REGLEDGER_REDIS_URL"

	EnvJWTSecret = "REGLEDGER_JWT_SECRET"
	EnvJWTIssuer = "REGLEDGER_JWT_ISSUER"

	EnvUseSQLite   = "REGLEDGER_USE_SQLITE"
	EnvAutoMigrate = "REGLEDGER_AUTO_MIGRATE"

	EnvGCPProjectID       = "REGLEDGER_GCP_PROJECT_ID"
	EnvPubSubNotification = "REGLEDGER_PUBSUB_NOTIFICATION_TOPIC"

	EnvSquareAccessToken   = "REGLEDGER_SQUARE_ACCESS_TOKEN"
	EnvSquareWebhookSecret = "REGLEDGER_SQUARE_WEBHOOK_SECRET"
	EnvSquareEnv           = "REGLEDGER_SQUARE_ENV"

	EnvLedgerConflictRetries = "REGLEDGER_LEDGER_CONFLICT_RETRIES"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
