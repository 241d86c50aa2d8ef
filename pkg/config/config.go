package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/marketplace-backend/pkg/enums"
)

type Config struct {
	App            AppConfig
	Service        ServiceConfig
	DB             DBConfig
	Redis          RedisConfig
	JWT            JWTConfig
	FeatureFlags   FeatureFlagsConfig
	GCP            GCPConfig
	PubSub         PubSubConfig
	Outbox         OutboxConfig
	Payments       PaymentsConfig
	MPesa          MPesaConfig
	Stripe         StripeConfig
	Square         SquareConfig
	PayPal         PayPalConfig
	Reconciliation ReconciliationConfig
	Commission     CommissionConfig
	Pricing        PricingConfig
	Cron           CronConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Commission.validate(); err != nil {
		return nil, err
	}
	if err := cfg.Pricing.validate(); err != nil {
		return nil, err
	}
	if _, err := enums.ParseCurrency(cfg.Payments.Currency); err != nil {
		return nil, err
	}
	if cfg.Payments.MaxAttempts <= 0 {
		return nil, fmt.Errorf("%s must be positive", EnvPaymentMaxAttempts)
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"MARKETPLACE_APP_ENV" required:"true"`
	Port         string `envconfig:"MARKETPLACE_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"MARKETPLACE_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"MARKETPLACE_LOG_WARN_STACK" default:"false"`
	// PublicBaseURL is used to build provider callback URLs.
	PublicBaseURL string   `envconfig:"MARKETPLACE_PUBLIC_BASE_URL" default:"http://localhost:8080"`
	CORSOrigins   []string `envconfig:"MARKETPLACE_CORS_ORIGINS" default:"http://localhost:3000"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"MARKETPLACE_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"MARKETPLACE_DB_DSN"`
	Driver string `envconfig:"MARKETPLACE_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"MARKETPLACE_DB_HOST"`
	LegacyPort     int    `envconfig:"MARKETPLACE_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"MARKETPLACE_DB_USER"`
	LegacyPassword string `envconfig:"MARKETPLACE_DB_PASSWORD"`
	LegacyName     string `envconfig:"MARKETPLACE_DB_NAME"`
	LegacySSLMode  string `envconfig:"MARKETPLACE_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"MARKETPLACE_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"MARKETPLACE_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"MARKETPLACE_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"MARKETPLACE_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"MARKETPLACE_REDIS_URL" required:"true"`
	Address      string        `envconfig:"MARKETPLACE_REDIS_ADDR"`
	Password     string        `envconfig:"MARKETPLACE_REDIS_PASSWORD"`
	DB           int           `envconfig:"MARKETPLACE_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"MARKETPLACE_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"MARKETPLACE_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"MARKETPLACE_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"MARKETPLACE_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"MARKETPLACE_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type JWTConfig struct {
	Secret string `envconfig:"MARKETPLACE_JWT_SECRET" required:"true"`
	Issuer string `envconfig:"MARKETPLACE_JWT_ISSUER" required:"true"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"MARKETPLACE_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"MARKETPLACE_AUTO_MIGRATE" default:"false"`
	// WebhookRedisGuard enables the redis fast path in front of the receipt table.
	WebhookRedisGuard bool `envconfig:"MARKETPLACE_WEBHOOK_REDIS_GUARD" default:"true"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"MARKETPLACE_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"MARKETPLACE_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"MARKETPLACE_GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	NotificationTopic string `envconfig:"MARKETPLACE_PUBSUB_NOTIFICATION_TOPIC" default:"marketplace-notifications"`
	PayoutsTopic      string `envconfig:"MARKETPLACE_PUBSUB_PAYOUTS_TOPIC" default:"marketplace-payouts"`
}

type OutboxConfig struct {
	BatchSize      int           `envconfig:"MARKETPLACE_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int           `envconfig:"MARKETPLACE_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int           `envconfig:"MARKETPLACE_OUTBOX_MAX_ATTEMPTS" default:"10"`
	Retention      time.Duration `envconfig:"MARKETPLACE_OUTBOX_RETENTION" default:"720h"`
}

// PaymentsConfig bounds the provider initiation retry loop.
type PaymentsConfig struct {
	Currency       string        `envconfig:"MARKETPLACE_PAYMENT_CURRENCY" default:"KES"`
	MaxAttempts    int           `envconfig:"MARKETPLACE_PAYMENT_MAX_ATTEMPTS" default:"3"`
	InitialBackoff time.Duration `envconfig:"MARKETPLACE_PAYMENT_INITIAL_BACKOFF" default:"200ms"`
	MaxBackoff     time.Duration `envconfig:"MARKETPLACE_PAYMENT_MAX_BACKOFF" default:"2s"`
	CallTimeout    time.Duration `envconfig:"MARKETPLACE_PAYMENT_CALL_TIMEOUT" default:"10s"`
}

type MPesaConfig struct {
	BaseURL        string `envconfig:"MARKETPLACE_MPESA_BASE_URL" default:"https://sandbox.safaricom.co.ke"`
	ConsumerKey    string `envconfig:"MARKETPLACE_MPESA_CONSUMER_KEY"`
	ConsumerSecret string `envconfig:"MARKETPLACE_MPESA_CONSUMER_SECRET"`
	ShortCode      string `envconfig:"MARKETPLACE_MPESA_SHORTCODE"`
	PassKey        string `envconfig:"MARKETPLACE_MPESA_PASSKEY"`
	// CallbackToken is appended to the callback URL and checked on receipt.
	CallbackToken string `envconfig:"MARKETPLACE_MPESA_CALLBACK_TOKEN"`
}

func (m MPesaConfig) Enabled() bool {
	return strings.TrimSpace(m.ConsumerKey) != "" && strings.TrimSpace(m.ShortCode) != ""
}

type StripeConfig struct {
	APIKey        string `envconfig:"MARKETPLACE_STRIPE_API_KEY"`
	WebhookSecret string `envconfig:"MARKETPLACE_STRIPE_WEBHOOK_SECRET"`
	Env           string `envconfig:"MARKETPLACE_STRIPE_ENV" default:"test"`
}

// Environment returns the normalized Stripe environment (test/live).
func (s StripeConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "test"
	}
	return env
}

func (s StripeConfig) Enabled() bool {
	return strings.TrimSpace(s.APIKey) != ""
}

type SquareConfig struct {
	AccessToken         string `envconfig:"MARKETPLACE_SQUARE_ACCESS_TOKEN"`
	LocationID          string `envconfig:"MARKETPLACE_SQUARE_LOCATION_ID"`
	Env                 string `envconfig:"MARKETPLACE_SQUARE_ENV" default:"sandbox"`
	WebhookSignatureKey string `envconfig:"MARKETPLACE_SQUARE_WEBHOOK_SIGNATURE_KEY"`
	WebhookURL          string `envconfig:"MARKETPLACE_SQUARE_WEBHOOK_URL"`
}

func (s SquareConfig) Enabled() bool {
	return strings.TrimSpace(s.AccessToken) != ""
}

type PayPalConfig struct {
	BaseURL      string `envconfig:"MARKETPLACE_PAYPAL_BASE_URL" default:"https://api-m.sandbox.paypal.com"`
	ClientID     string `envconfig:"MARKETPLACE_PAYPAL_CLIENT_ID"`
	ClientSecret string `envconfig:"MARKETPLACE_PAYPAL_CLIENT_SECRET"`
	WebhookID    string `envconfig:"MARKETPLACE_PAYPAL_WEBHOOK_ID"`
	ReturnURL    string `envconfig:"MARKETPLACE_PAYPAL_RETURN_URL"`
	CancelURL    string `envconfig:"MARKETPLACE_PAYPAL_CANCEL_URL"`
}

func (p PayPalConfig) Enabled() bool {
	return strings.TrimSpace(p.ClientID) != ""
}

type ReconciliationConfig struct {
	PendingTimeout       time.Duration `envconfig:"MARKETPLACE_RECONCILE_PENDING_TIMEOUT" default:"15m"`
	SweepBatchSize       int           `envconfig:"MARKETPLACE_RECONCILE_SWEEP_BATCH_SIZE" default:"100"`
	ReceiptRetention     time.Duration `envconfig:"MARKETPLACE_RECONCILE_RECEIPT_RETENTION" default:"720h"`
	AmountToleranceCents int64         `envconfig:"MARKETPLACE_RECONCILE_AMOUNT_TOLERANCE_CENTS" default:"1"`
	GuardTTL             time.Duration `envconfig:"MARKETPLACE_RECONCILE_GUARD_TTL" default:"24h"`
}

type CommissionConfig struct {
	DefaultRate string `envconfig:"MARKETPLACE_COMMISSION_DEFAULT_RATE" default:"10.00"`
}

// DefaultRatePercent returns the platform default commission percentage.
func (c CommissionConfig) DefaultRatePercent() decimal.Decimal {
	rate, err := decimal.NewFromString(strings.TrimSpace(c.DefaultRate))
	if err != nil {
		return decimal.Zero
	}
	return rate
}

func (c CommissionConfig) validate() error {
	rate, err := decimal.NewFromString(strings.TrimSpace(c.DefaultRate))
	if err != nil {
		return fmt.Errorf("%s: %w", EnvCommissionDefaultRate, err)
	}
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("%s must be between 0 and 100", EnvCommissionDefaultRate)
	}
	return nil
}

type PricingConfig struct {
	ShippingFlatCents          int64  `envconfig:"MARKETPLACE_PRICING_SHIPPING_FLAT_CENTS" default:"0"`
	FreeShippingThresholdCents int64  `envconfig:"MARKETPLACE_PRICING_FREE_SHIPPING_THRESHOLD_CENTS" default:"0"`
	TaxRate                    string `envconfig:"MARKETPLACE_PRICING_TAX_RATE" default:"0"`
}

// TaxRatePercent returns the configured tax percentage applied to the subtotal.
func (p PricingConfig) TaxRatePercent() decimal.Decimal {
	rate, err := decimal.NewFromString(strings.TrimSpace(p.TaxRate))
	if err != nil {
		return decimal.Zero
	}
	return rate
}

func (p PricingConfig) validate() error {
	if p.ShippingFlatCents < 0 || p.FreeShippingThresholdCents < 0 {
		return fmt.Errorf("pricing amounts must not be negative")
	}
	if _, err := decimal.NewFromString(strings.TrimSpace(p.TaxRate)); err != nil {
		return fmt.Errorf("%s: %w", EnvPricingTaxRate, err)
	}
	return nil
}

type CronConfig struct {
	Interval     time.Duration `envconfig:"MARKETPLACE_CRON_INTERVAL" default:"1m"`
	LockTTL      time.Duration `envconfig:"MARKETPLACE_CRON_LOCK_TTL" default:"5m"`
	OrderTTL     time.Duration `envconfig:"MARKETPLACE_CRON_ORDER_TTL" default:"72h"`
	OrderBatch   int           `envconfig:"MARKETPLACE_CRON_ORDER_BATCH" default:"100"`
	RetentionRun time.Duration `envconfig:"MARKETPLACE_CRON_RETENTION_INTERVAL" default:"24h"`
}

func (db *DBConfig) ensureDSN() error {
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
