package lifecycle

import (
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	goerrors "github.com/goliatone/go-errors"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override. A double underscore
// separates sections: LIFECYCLE_TOKENS__HASH_KEY sets tokens.hash_key.
const EnvPrefix = "LIFECYCLE_"

// Config is the engine and server configuration
type Config struct {
	Database   DatabaseConfig   `koanf:"database"`
	HTTP       HTTPConfig       `koanf:"http"`
	Tokens     TokensConfig     `koanf:"tokens"`
	Sessions   SessionsConfig   `koanf:"sessions"`
	RateLimits RateLimitsConfig `koanf:"rate_limits"`
	Webhooks   WebhooksConfig   `koanf:"webhooks"`
	Payments   PaymentsConfig   `koanf:"payments"`
	Mail       MailConfig       `koanf:"mail"`
	Sweeper    SweeperConfig    `koanf:"sweeper"`
	Retry      RetryConfig      `koanf:"retry"`
	Logging    LoggingConfig    `koanf:"logging"`
}

type DatabaseConfig struct {
	Driver       string `koanf:"driver"`
	DSN          string `koanf:"dsn"`
	MaxOpenConns int    `koanf:"max_open_conns"`
	Migrate      bool   `koanf:"migrate"`
}

type HTTPConfig struct {
	Address      string        `koanf:"address"`
	BaseURL      string        `koanf:"base_url"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

type TokensConfig struct {
	HashKey              string        `koanf:"hash_key"`
	EmailVerificationTTL time.Duration `koanf:"email_verification_ttl"`
	PasswordResetTTL     time.Duration `koanf:"password_reset_ttl"`
	Retention            time.Duration `koanf:"retention"`
}

type SessionsConfig struct {
	SigningKey string        `koanf:"signing_key"`
	TTL        time.Duration `koanf:"ttl"`
	Issuer     string        `koanf:"issuer"`
	Audience   []string      `koanf:"audience"`
}

type RateLimitsConfig struct {
	Backend            string          `koanf:"backend"`
	RedisAddr          string          `koanf:"redis_addr"`
	RedisPrefix        string          `koanf:"redis_prefix"`
	LoginIP            RateLimitPolicy `koanf:"login_ip"`
	LoginEmail         RateLimitPolicy `koanf:"login_email"`
	Register           RateLimitPolicy `koanf:"register"`
	VerifyEmail        RateLimitPolicy `koanf:"verify_email"`
	ResendVerification RateLimitPolicy `koanf:"resend_verification"`
	ForgotPassword     RateLimitPolicy `koanf:"forgot_password"`
	ForgotPasswordIP   RateLimitPolicy `koanf:"forgot_password_ip"`
	ResetPassword      RateLimitPolicy `koanf:"reset_password"`
}

type WebhooksConfig struct {
	Provider        string        `koanf:"provider"`
	Secret          string        `koanf:"secret"`
	Tolerance       time.Duration `koanf:"tolerance"`
	LedgerRetention time.Duration `koanf:"ledger_retention"`
	MaxBodyBytes    int           `koanf:"max_body_bytes"`
}

type PaymentsConfig struct {
	StripeKey        string        `koanf:"stripe_key"`
	StripeURL        string        `koanf:"stripe_url"`
	ReconcileTimeout time.Duration `koanf:"reconcile_timeout"`
}

type MailConfig struct {
	Transport string `koanf:"transport"`
	QueueURL  string `koanf:"queue_url"`
	Region    string `koanf:"region"`
}

type SweeperConfig struct {
	Enabled  bool          `koanf:"enabled"`
	Interval time.Duration `koanf:"interval"`
}

type RetryConfig struct {
	Backoff time.Duration `koanf:"backoff"`
}

type LoggingConfig struct {
	Level string `koanf:"level"`
}

// DefaultConfigValues are loaded before the file and the environment.
func DefaultConfigValues() map[string]any {
	return map[string]any{
		"database.driver":         DialectSQLite,
		"database.dsn":            "file:lifecycle.db?cache=shared",
		"database.max_open_conns": 10,
		"database.migrate":        true,

		"http.address":       ":8080",
		"http.base_url":      "http://localhost:8080",
		"http.read_timeout":  "10s",
		"http.write_timeout": "10s",

		"tokens.email_verification_ttl": "24h",
		"tokens.password_reset_ttl":     "1h",
		"tokens.retention":              "168h",

		"sessions.ttl":    "24h",
		"sessions.issuer": "lifecycle",

		"rate_limits.backend":                    "store",
		"rate_limits.redis_prefix":               "lifecycle:rl",
		"rate_limits.login_ip.limit":             20,
		"rate_limits.login_ip.window":            "15m",
		"rate_limits.login_email.limit":          5,
		"rate_limits.login_email.window":         "15m",
		"rate_limits.register.limit":             10,
		"rate_limits.register.window":            "1h",
		"rate_limits.verify_email.limit":         20,
		"rate_limits.verify_email.window":        "15m",
		"rate_limits.resend_verification.limit":  3,
		"rate_limits.resend_verification.window": "1h",
		"rate_limits.forgot_password.limit":      3,
		"rate_limits.forgot_password.window":     "1h",
		"rate_limits.forgot_password_ip.limit":   20,
		"rate_limits.forgot_password_ip.window":  "1h",
		"rate_limits.reset_password.limit":       10,
		"rate_limits.reset_password.window":      "15m",

		"webhooks.provider":         "stripe",
		"webhooks.tolerance":        "5m",
		"webhooks.ledger_retention": "2160h",
		"webhooks.max_body_bytes":   65536,

		"payments.reconcile_timeout": "10s",

		"mail.transport": "log",

		"sweeper.enabled":  true,
		"sweeper.interval": "1h",

		"retry.backoff": "50ms",

		"logging.level": "info",
	}
}

// LoadConfig reads defaults, then the optional YAML file at path, then
// LIFECYCLE_ environment variables, and validates the result.
func LoadConfig(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(DefaultConfigValues(), "."), nil); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to load config defaults")
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, goerrors.Wrap(err, goerrors.CategoryBadInput, "failed to load config file").
				WithMetadata(map[string]any{"path": path})
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to load config environment")
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryBadInput, "failed to decode config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryValidation, "invalid config").
			WithTextCode(TextCodeValidation)
	}

	return cfg, nil
}

func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// Validate checks required secrets and bounds
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Database),
		validation.Field(&c.HTTP),
		validation.Field(&c.Tokens),
		validation.Field(&c.Sessions),
		validation.Field(&c.RateLimits),
		validation.Field(&c.Webhooks),
		validation.Field(&c.Mail),
		validation.Field(&c.Sweeper),
	)
}

func (c DatabaseConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Driver, validation.Required, validation.In(DialectPostgres, DialectSQLite)),
		validation.Field(&c.DSN, validation.Required),
		validation.Field(&c.MaxOpenConns, validation.Min(1)),
	)
}

func (c HTTPConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Address, validation.Required),
		validation.Field(&c.BaseURL, validation.Required, is.URL),
	)
}

func (c TokensConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.HashKey, validation.Required, validation.Length(32, 0)),
		validation.Field(&c.EmailVerificationTTL, validation.Required, validation.Min(time.Minute)),
		validation.Field(&c.PasswordResetTTL, validation.Required, validation.Min(time.Minute)),
	)
}

func (c SessionsConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.SigningKey, validation.Required, validation.Length(32, 0)),
		validation.Field(&c.TTL, validation.Required),
	)
}

func (c RateLimitsConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Backend, validation.Required, validation.In("store", "redis")),
		validation.Field(&c.RedisAddr, rulesIf(c.Backend == "redis", validation.Required)...),
	)
}

func (c WebhooksConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Provider, validation.Required, validation.In("stripe", "hmac")),
		validation.Field(&c.Secret, validation.Required),
		validation.Field(&c.MaxBodyBytes, validation.Min(1024)),
	)
}

func (c MailConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Transport, validation.Required, validation.In("log", "sqs")),
		validation.Field(&c.QueueURL, rulesIf(c.Transport == "sqs", validation.Required, is.URL)...),
	)
}

func (c SweeperConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Interval, rulesIf(c.Enabled, validation.Required, validation.Min(time.Second))...),
	)
}

func rulesIf(cond bool, rules ...validation.Rule) []validation.Rule {
	if !cond {
		return nil
	}
	return rules
}

// Policies returns the orchestrator rate limit policies
func (c RateLimitsConfig) Policies() RateLimitPolicies {
	return RateLimitPolicies{
		LoginIP:            c.LoginIP,
		LoginEmail:         c.LoginEmail,
		Register:           c.Register,
		VerifyEmail:        c.VerifyEmail,
		ResendVerification: c.ResendVerification,
		ForgotPassword:     c.ForgotPassword,
		ForgotPasswordIP:   c.ForgotPasswordIP,
		ResetPassword:      c.ResetPassword,
	}
}
