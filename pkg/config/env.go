package config

const (
	EnvPrefix = "MARKETPLACE"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvAppEnv   = "MARKETPLACE_APP_ENV"
	EnvPort     = "MARKETPLACE_APP_PORT"
	EnvLogLevel = "MARKETPLACE_LOG_LEVEL"

	EnvDBDSN  = "MARKETPLACE_DB_DSN"
	EnvDBHost = "MARKETPLACE_DB_HOST"
	EnvDBUser = "MARKETPLACE_DB_USER"
	EnvDBName = "MARKETPLACE_DB_NAME"

	EnvRedisURL  = "MARKETPLACE_REDIS_URL"
	EnvJWTSecret = "MARKETPLACE_JWT_SECRET"
	EnvJWTIssuer = "MARKETPLACE_JWT_ISSUER"

	EnvPaymentMaxAttempts    = "MARKETPLACE_PAYMENT_MAX_ATTEMPTS"
	EnvCommissionDefaultRate = "MARKETPLACE_COMMISSION_DEFAULT_RATE"
	EnvPricingTaxRate        = "MARKETPLACE_PRICING_TAX_RATE"
	EnvPendingTimeout        = "MARKETPLACE_RECONCILE_PENDING_TIMEOUT"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
