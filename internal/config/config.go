package config

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MrEthical07/magiclink"
	"github.com/joho/godotenv"
)

type Config struct {
	// Application
	AppName string
	AppEnv  string
	AppURL  string
	Port    string
	// VerifyURL is where emailed links land. Defaults to AppURL + /auth/verify.
	VerifyURL string

	// Database
	DBDriver     string
	DBConnection string

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Session credentials
	SessionSigningMethod string
	SessionPrivateKey    string // base64 ed25519 seed or private key
	SessionSecret        string // hs256 only
	SessionIssuer        string
	SessionAudience      string
	SessionTTL           time.Duration

	// Magic links
	TokenMagicLinkExpiry time.Duration
	RateLimitEnabled     bool
	RateLimitFailOpen    bool
	SendLimit            int
	SendWindow           time.Duration
	VerifyLimit          int
	VerifyWindow         time.Duration
	RetentionWindow      time.Duration
	SweepInterval        time.Duration
	RevealAccounts       bool
	DefaultUserType      string

	// Email
	EmailFrom    string
	ResendAPIKey string

	// HTTP
	TrustForwardedFor bool

	// Observability
	SentryDSN      string
	MetricsEnabled bool
	AuditLog       bool
	LogMagicLinks  bool
}

// Load reads .env (if present) and the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}
	return fromEnv()
}

func fromEnv() (*Config, error) {
	var missing []string
	required := func(key string) string {
		v := os.Getenv(key)
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}

	cfg := &Config{
		AppName: envString("APP_NAME", "Magic Link"),
		AppEnv:  required("APP_ENV"), // 'development' or 'production'
		AppURL:  strings.TrimRight(required("APP_URL"), "/"),
		Port:    envString("PORT", "8090"),

		DBDriver:     envString("DB_DRIVER", "sqlite"),
		DBConnection: envString("DB_CONNECTION", "./data/magiclink.db?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"),

		RedisAddr:     envString("REDIS_ADDR", "localhost:6379"),
		RedisPassword: envString("REDIS_PASSWORD", ""),
		RedisDB:       envInt("REDIS_DB", 0),

		SessionSigningMethod: strings.ToLower(envString("SESSION_SIGNING_METHOD", "ed25519")),
		SessionPrivateKey:    envString("SESSION_PRIVATE_KEY", ""),
		SessionSecret:        envString("SESSION_SECRET", ""),
		SessionIssuer:        envString("SESSION_ISSUER", ""),
		SessionAudience:      envString("SESSION_AUDIENCE", ""),
		SessionTTL:           envDuration("SESSION_TTL", 15*time.Minute),

		TokenMagicLinkExpiry: envDuration("TOKEN_MAGIC_LINK_EXPIRY", 15*time.Minute),
		RateLimitEnabled:     envBool("RATE_LIMIT_ENABLED", true),
		RateLimitFailOpen:    envBool("RATE_LIMIT_FAIL_OPEN", false),
		SendLimit:            envInt("RATE_LIMIT_SEND", 5),
		SendWindow:           envDuration("RATE_LIMIT_SEND_WINDOW", 15*time.Minute),
		VerifyLimit:          envInt("RATE_LIMIT_VERIFY", 10),
		VerifyWindow:         envDuration("RATE_LIMIT_VERIFY_WINDOW", 5*time.Minute),
		RetentionWindow:      envDuration("TOKEN_RETENTION", 48*time.Hour),
		SweepInterval:        envDuration("TOKEN_SWEEP_INTERVAL", time.Hour),
		RevealAccounts:       envBool("REVEAL_ACCOUNT_EXISTENCE", true),
		DefaultUserType:      envString("DEFAULT_USER_TYPE", "member"),

		EmailFrom:    envString("EMAIL_FROM", "noreply@example.com"),
		ResendAPIKey: envString("RESEND_API_KEY", ""),

		TrustForwardedFor: envBool("TRUST_FORWARDED_FOR", false),

		SentryDSN:      envString("SENTRY_DSN", ""),
		MetricsEnabled: envBool("METRICS_ENABLED", true),
		AuditLog:       envBool("AUDIT_LOG", true),
	}
	cfg.VerifyURL = envString("VERIFY_URL", cfg.AppURL+"/auth/verify")
	cfg.LogMagicLinks = envBool("LOG_MAGIC_LINKS", cfg.IsDevelopment())

	if len(missing) > 0 {
		return nil, fmt.Errorf("config: required env vars missing: %s", strings.Join(missing, ", "))
	}
	if !cfg.IsDevelopment() && !cfg.IsProduction() {
		return nil, fmt.Errorf("config: APP_ENV must be development or production, got %q", cfg.AppEnv)
	}
	if cfg.IsProduction() {
		if err := validateProduction(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// validateProduction rejects settings that only make sense locally.
func validateProduction(cfg *Config) error {
	if cfg.ResendAPIKey == "" {
		return errors.New("config: production requires RESEND_API_KEY")
	}
	switch cfg.SessionSigningMethod {
	case "hs256":
		if cfg.SessionSecret == "" {
			return errors.New("config: production requires SESSION_SECRET")
		}
	default:
		if cfg.SessionPrivateKey == "" {
			return errors.New("config: production requires SESSION_PRIVATE_KEY")
		}
	}
	return nil
}

func envString(key, def string) string {
	value := os.Getenv(key)
	if value == "" {
		value = def
	}
	return value
}

func envBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("config invalid bool, using default", "key", key, "value", v, "default", def)
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("config invalid int, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("config invalid duration, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}

func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// Engine maps the process settings onto a magiclink.Config. In development
// a missing ed25519 key is replaced by an ephemeral one, so sessions do not
// survive a restart.
func (c *Config) Engine() (magiclink.Config, error) {
	out := magiclink.DefaultConfig()

	out.Token.TTL = c.TokenMagicLinkExpiry
	out.RateLimit.Enabled = c.RateLimitEnabled
	out.RateLimit.FailOpen = c.RateLimitFailOpen
	out.RateLimit.SendLimit = c.SendLimit
	out.RateLimit.SendWindow = c.SendWindow
	out.RateLimit.VerifyLimit = c.VerifyLimit
	out.RateLimit.VerifyWindow = c.VerifyWindow

	out.Session.TTL = c.SessionTTL
	out.Session.SigningMethod = c.SessionSigningMethod
	out.Session.Issuer = c.SessionIssuer
	out.Session.Audience = c.SessionAudience

	switch c.SessionSigningMethod {
	case "hs256":
		out.Session.PrivateKey = []byte(c.SessionSecret)
	case "ed25519":
		priv, err := c.ed25519Key()
		if err != nil {
			return magiclink.Config{}, err
		}
		out.Session.PrivateKey = priv
		out.Session.PublicKey = priv.Public().(ed25519.PublicKey)
	default:
		return magiclink.Config{}, fmt.Errorf("config: unsupported SESSION_SIGNING_METHOD %q", c.SessionSigningMethod)
	}

	out.Delivery.BaseURL = c.VerifyURL
	out.Retention.Window = c.RetentionWindow
	out.Retention.SweepInterval = c.SweepInterval
	out.Security.ProductionMode = c.IsProduction()
	out.Security.RevealAccountExistence = c.RevealAccounts
	out.Users.DefaultUserType = c.DefaultUserType
	out.Audit.Enabled = c.AuditLog
	out.Metrics.Enabled = c.MetricsEnabled
	out.Metrics.EnableLatencyHistograms = c.MetricsEnabled
	out.Development.LogMagicLinks = c.LogMagicLinks && c.IsDevelopment()

	return out, out.Validate()
}

func (c *Config) ed25519Key() (ed25519.PrivateKey, error) {
	if c.SessionPrivateKey == "" {
		if c.IsProduction() {
			return nil, errors.New("config: SESSION_PRIVATE_KEY required")
		}
		slog.Warn("SESSION_PRIVATE_KEY not set, using an ephemeral signing key")
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		return priv, err
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(c.SessionPrivateKey))
	if err != nil {
		return nil, fmt.Errorf("config: SESSION_PRIVATE_KEY is not base64: %w", err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	default:
		return nil, fmt.Errorf("config: SESSION_PRIVATE_KEY must decode to %d or %d bytes", ed25519.SeedSize, ed25519.PrivateKeySize)
	}
}

// SQLDriver maps DB_DRIVER onto the database/sql driver name.
func (c *Config) SQLDriver() string {
	switch strings.ToLower(c.DBDriver) {
	case "postgres", "postgresql", "pgx":
		return "pgx"
	default:
		return "sqlite"
	}
}
