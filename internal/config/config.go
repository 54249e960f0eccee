package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config is the whole runtime configuration, read once at startup.
type Config struct {
	Server         ServerConfig
	Database       DBConfig
	Redis          RedisConfig
	HSM            HSMConfig
	JWT            JWTConfig
	Tokens         TokenConfig
	Fees           FeeConfig
	Keys           KeyConfig
	Webhook        WebhookConfig
	RateLimit      RateLimitConfig
	Reconciliation ReconciliationConfig
	Treasury       TreasuryConfig
}

type ServerConfig struct {
	Port       string
	BaseURL    string
	LogLevel   string
	APIWindow  time.Duration
	MaxBodyLen int64
}

// DBConfig holds database configuration
type DBConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
}

// DSN builds a lib/pq connection string.
func (c DBConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

type HSMConfig struct {
	MasterKey string
	Salt      string
}

type JWTConfig struct {
	SecretKey   string
	ExpiryHours int
}

// TokenConfig covers signed payment links, QR payloads and reset tokens.
type TokenConfig struct {
	SecretKey        string
	QRSecretKey      string
	PaymentURLTTL    time.Duration
	QRTTL            time.Duration
	PasswordResetTTL time.Duration
	PINResetTTL      time.Duration
}

// FeeConfig holds percentage rates as decimals, e.g. 0.07 for 7%.
type FeeConfig struct {
	MerchantRate      decimal.Decimal
	PayerLinkRate     decimal.Decimal
	PayerQRRate       decimal.Decimal
	PayerTransferRate decimal.Decimal
}

type KeyConfig struct {
	Cost int64
}

type WebhookConfig struct {
	Timeout time.Duration
}

type RateLimitConfig struct {
	RequestsPerSecond int
	Burst             int
	PINMaxAttempts    int
	PINLockout        time.Duration
}

type ReconciliationConfig struct {
	Schedule string
}

type TreasuryConfig struct {
	Email          string
	OpeningBalance int64
	BonusAmount    int64
}

var envBindings = map[string]string{
	"server.port":                  "PORT",
	"server.base_url":              "BASE_URL",
	"server.log_level":             "LOG_LEVEL",
	"database.host":                "DATABASE_HOST",
	"database.port":                "DATABASE_PORT",
	"database.user":                "DATABASE_USER",
	"database.password":            "DATABASE_PASSWORD",
	"database.name":                "DATABASE_NAME",
	"database.ssl_mode":            "DATABASE_SSL_MODE",
	"database.auto_migrate":        "DATABASE_AUTO_MIGRATE",
	"redis.host":                   "REDIS_HOST",
	"redis.port":                   "REDIS_PORT",
	"redis.password":               "REDIS_PASSWORD",
	"redis.db":                     "REDIS_DB",
	"hsm.master_key":               "HSM_MASTER_KEY",
	"hsm.salt":                     "HSM_SALT",
	"jwt.secret_key":               "JWT_SECRET_KEY",
	"jwt.expiry_hours":             "JWT_EXPIRY_HOURS",
	"tokens.secret_key":            "SECRET_KEY",
	"tokens.qr_secret_key":         "QR_HMAC_SECRET_KEY",
	"fees.merchant_rate":           "MERCHANT_FEE_PERCENT",
	"fees.payer_link_rate":         "PAYER_FEE_LINK_PERCENT",
	"fees.payer_qr_rate":           "PAYER_FEE_QR_PERCENT",
	"fees.payer_transfer_rate":     "PAYER_FEE_TRANSFER_PERCENT",
	"keys.cost":                    "KEY_COST",
	"webhook.timeout":              "WEBHOOK_TIMEOUT",
	"ratelimit.requests_per_sec":   "API_RATE_LIMIT",
	"ratelimit.burst":              "API_RATE_BURST",
	"reconciliation.schedule":      "RECONCILIATION_SCHEDULE",
	"treasury.email":               "TREASURY_EMAIL",
	"treasury.opening_balance":     "TREASURY_OPENING_BALANCE",
	"treasury.bonus_amount":        "REGISTRATION_BONUS",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.api_window", 60*time.Second)
	v.SetDefault("server.max_body_bytes", 1_048_576)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "password")
	v.SetDefault("database.name", "walletpay")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("jwt.expiry_hours", 24)

	v.SetDefault("tokens.payment_url_ttl", 10*time.Minute)
	v.SetDefault("tokens.qr_ttl", 5*time.Minute)
	v.SetDefault("tokens.password_reset_ttl", 30*time.Minute)
	v.SetDefault("tokens.pin_reset_ttl", 30*time.Minute)

	v.SetDefault("fees.merchant_rate", "0.10")
	v.SetDefault("fees.payer_link_rate", "0.10")
	v.SetDefault("fees.payer_qr_rate", "0.07")
	v.SetDefault("fees.payer_transfer_rate", "0.07")

	v.SetDefault("keys.cost", 1000000)
	v.SetDefault("webhook.timeout", 5*time.Second)

	v.SetDefault("ratelimit.requests_per_sec", 10)
	v.SetDefault("ratelimit.burst", 20)
	v.SetDefault("ratelimit.pin_max_attempts", 5)
	v.SetDefault("ratelimit.pin_lockout", 15*time.Minute)

	v.SetDefault("reconciliation.schedule", "@every 1h")

	v.SetDefault("treasury.email", "treasury@system.local")
	v.SetDefault("treasury.opening_balance", 0)
	v.SetDefault("treasury.bonus_amount", 100000)
}

// Load reads .env (when present) and the environment into a Config.
func Load(v *viper.Viper, envFile string) (*Config, error) {
	if envFile != "" {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}
	setDefaults(v)

	if envFile != "" {
		// a missing .env is fine, the environment still applies
		_ = v.ReadInConfig()
		// .env keys arrive flat (database_host); map them onto the dotted keys
		for key, env := range envBindings {
			if flat := strings.ToLower(env); v.InConfig(flat) {
				v.SetDefault(key, v.Get(flat))
			}
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	fees, err := loadFees(v)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:       v.GetString("server.port"),
			BaseURL:    strings.TrimRight(v.GetString("server.base_url"), "/"),
			LogLevel:   v.GetString("server.log_level"),
			APIWindow:  v.GetDuration("server.api_window"),
			MaxBodyLen: v.GetInt64("server.max_body_bytes"),
		},
		Database: DBConfig{
			Host:            v.GetString("database.host"),
			Port:            v.GetString("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			Name:            v.GetString("database.name"),
			SSLMode:         v.GetString("database.ssl_mode"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetDuration("database.conn_max_lifetime"),
			AutoMigrate:     v.GetBool("database.auto_migrate"),
		},
		Redis: RedisConfig{
			Host:     v.GetString("redis.host"),
			Port:     v.GetString("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		HSM: HSMConfig{
			MasterKey: v.GetString("hsm.master_key"),
			Salt:      v.GetString("hsm.salt"),
		},
		JWT: JWTConfig{
			SecretKey:   v.GetString("jwt.secret_key"),
			ExpiryHours: v.GetInt("jwt.expiry_hours"),
		},
		Tokens: TokenConfig{
			SecretKey:        v.GetString("tokens.secret_key"),
			QRSecretKey:      v.GetString("tokens.qr_secret_key"),
			PaymentURLTTL:    v.GetDuration("tokens.payment_url_ttl"),
			QRTTL:            v.GetDuration("tokens.qr_ttl"),
			PasswordResetTTL: v.GetDuration("tokens.password_reset_ttl"),
			PINResetTTL:      v.GetDuration("tokens.pin_reset_ttl"),
		},
		Fees: fees,
		Keys: KeyConfig{
			Cost: v.GetInt64("keys.cost"),
		},
		Webhook: WebhookConfig{
			Timeout: v.GetDuration("webhook.timeout"),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: v.GetInt("ratelimit.requests_per_sec"),
			Burst:             v.GetInt("ratelimit.burst"),
			PINMaxAttempts:    v.GetInt("ratelimit.pin_max_attempts"),
			PINLockout:        v.GetDuration("ratelimit.pin_lockout"),
		},
		Reconciliation: ReconciliationConfig{
			Schedule: v.GetString("reconciliation.schedule"),
		},
		Treasury: TreasuryConfig{
			Email:          v.GetString("treasury.email"),
			OpeningBalance: v.GetInt64("treasury.opening_balance"),
			BonusAmount:    v.GetInt64("treasury.bonus_amount"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFees(v *viper.Viper) (FeeConfig, error) {
	var fc FeeConfig
	rates := []struct {
		key  string
		dest *decimal.Decimal
	}{
		{"fees.merchant_rate", &fc.MerchantRate},
		{"fees.payer_link_rate", &fc.PayerLinkRate},
		{"fees.payer_qr_rate", &fc.PayerQRRate},
		{"fees.payer_transfer_rate", &fc.PayerTransferRate},
	}
	for _, r := range rates {
		d, err := decimal.NewFromString(v.GetString(r.key))
		if err != nil {
			return fc, fmt.Errorf("invalid %s: %w", r.key, err)
		}
		if d.IsNegative() || d.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return fc, fmt.Errorf("invalid %s: rate must be in [0, 1)", r.key)
		}
		*r.dest = d
	}
	return fc, nil
}

func (c *Config) validate() error {
	switch {
	case c.HSM.MasterKey == "":
		return fmt.Errorf("HSM_MASTER_KEY is required")
	case c.Tokens.SecretKey == "":
		return fmt.Errorf("SECRET_KEY is required")
	case c.Tokens.QRSecretKey == "":
		return fmt.Errorf("QR_HMAC_SECRET_KEY is required")
	case c.JWT.SecretKey == "":
		return fmt.Errorf("JWT_SECRET_KEY is required")
	case c.Keys.Cost < 0:
		return fmt.Errorf("KEY_COST must not be negative")
	}
	return nil
}
