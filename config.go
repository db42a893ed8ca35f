package magiclink

import (
	"errors"
	"net/url"
	"strings"
	"time"
)

// Config holds every engine setting. Build copies it, so later changes to
// the caller's value have no effect on a running Engine.
type Config struct {
	Token       TokenConfig
	RateLimit   RateLimitConfig
	Session     SessionConfig
	Delivery    DeliveryConfig
	Timeouts    TimeoutConfig
	Retention   RetentionConfig
	Security    SecurityConfig
	Users       UserConfig
	Audit       AuditConfig
	Metrics     MetricsConfig
	Development DevelopmentConfig
}

/*
====================================
TOKEN CONFIG
====================================
*/

// TokenConfig controls magic-link token lifetime and storage keys.
type TokenConfig struct {
	TTL         time.Duration
	RedisPrefix string
}

/*
====================================
RATE LIMIT CONFIG
====================================
*/

// RateLimitConfig sets the fixed-window budgets per (origin IP, email).
type RateLimitConfig struct {
	Enabled      bool
	RedisPrefix  string
	SendLimit    int
	SendWindow   time.Duration
	VerifyLimit  int
	VerifyWindow time.Duration
	// FailOpen admits requests when the counter backend is unreachable.
	FailOpen bool
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig configures the credential minted after redemption.
type SessionConfig struct {
	TTL           time.Duration
	SigningMethod string // "ed25519" (default), "hs256" optional
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	KeyID         string
	Leeway        time.Duration
}

/*
====================================
DELIVERY CONFIG
====================================
*/

// DeliveryConfig controls how magic links are rendered.
type DeliveryConfig struct {
	// BaseURL is the absolute URL the link points to, e.g.
	// https://app.example.com/auth/verify.
	BaseURL string
}

// TimeoutConfig bounds every collaborator call.
type TimeoutConfig struct {
	Store     time.Duration
	UserStore time.Duration
	Delivery  time.Duration
}

// RetentionConfig controls how long consumed or expired records are kept.
type RetentionConfig struct {
	Window        time.Duration
	SweepInterval time.Duration
}

/*
====================================
SECURITY CONFIG
====================================
*/

// SecurityConfig groups hardening switches.
type SecurityConfig struct {
	ProductionMode bool
	// RevealAccountExistence reports precondition failures (account exists /
	// not found) to the send caller. When false those sends look accepted
	// and no token is issued.
	RevealAccountExistence bool
	// GenericRedemptionErrors collapses invalid, expired and used token
	// errors into one public message on the verify path.
	GenericRedemptionErrors bool
}

// UserConfig holds defaults for accounts created on redemption.
type UserConfig struct {
	DefaultUserType string
}

// AuditConfig controls the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig toggles in-process counters.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// DevelopmentConfig holds switches that must never be on in production.
type DevelopmentConfig struct {
	// LogMagicLinks writes rendered links to the engine logger at debug level.
	LogMagicLinks bool
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig returns the baseline configuration. Session keys are not
// set and must be supplied before Build.
func DefaultConfig() Config {
	return Config{
		Token: TokenConfig{
			TTL:         15 * time.Minute,
			RedisPrefix: "mlt",
		},
		RateLimit: RateLimitConfig{
			Enabled:      true,
			RedisPrefix:  "mlrl",
			SendLimit:    5,
			SendWindow:   15 * time.Minute,
			VerifyLimit:  10,
			VerifyWindow: 5 * time.Minute,
			FailOpen:     false,
		},
		Session: SessionConfig{
			TTL:           15 * time.Minute,
			SigningMethod: "ed25519",
			Issuer:        "magiclink",
		},
		Timeouts: TimeoutConfig{
			Store:     2 * time.Second,
			UserStore: 2 * time.Second,
			Delivery:  10 * time.Second,
		},
		Retention: RetentionConfig{
			Window:        48 * time.Hour,
			SweepInterval: time.Hour,
		},
		Security: SecurityConfig{
			ProductionMode:          false,
			RevealAccountExistence:  true,
			GenericRedemptionErrors: true,
		},
		Users: UserConfig{
			DefaultUserType: "member",
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 false,
			EnableLatencyHistograms: false,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.Session.PrivateKey = cloneBytes(cfg.Session.PrivateKey)
	out.Session.PublicKey = cloneBytes(cfg.Session.PublicKey)
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	// Token
	if c.Token.TTL <= 0 {
		return errors.New("Token TTL must be > 0")
	}
	if strings.TrimSpace(c.Token.RedisPrefix) == "" {
		return errors.New("Token RedisPrefix must not be empty")
	}

	// Rate limit
	if c.RateLimit.Enabled {
		if c.RateLimit.SendLimit <= 0 || c.RateLimit.SendWindow <= 0 {
			return errors.New("RateLimit SendLimit and SendWindow must be > 0")
		}
		if c.RateLimit.VerifyLimit <= 0 || c.RateLimit.VerifyWindow <= 0 {
			return errors.New("RateLimit VerifyLimit and VerifyWindow must be > 0")
		}
		if strings.TrimSpace(c.RateLimit.RedisPrefix) == "" {
			return errors.New("RateLimit RedisPrefix must not be empty")
		}
		if c.RateLimit.RedisPrefix == c.Token.RedisPrefix {
			return errors.New("RateLimit RedisPrefix must differ from Token RedisPrefix")
		}
	}

	// Session
	if c.Session.TTL <= 0 {
		return errors.New("Session TTL must be > 0")
	}
	if c.Session.Leeway < 0 || c.Session.Leeway > 2*time.Minute {
		return errors.New("Session Leeway must be between 0 and 2m")
	}
	switch c.Session.SigningMethod {
	case "ed25519":
		if len(c.Session.PrivateKey) == 0 {
			return errors.New("ed25519 requires PrivateKey")
		}
		if len(c.Session.PublicKey) == 0 {
			return errors.New("ed25519 requires PublicKey")
		}
	case "hs256":
		if len(c.Session.PrivateKey) == 0 {
			return errors.New("hs256 requires PrivateKey")
		}
	default:
		return errors.New("unsupported Session signing method")
	}

	// Delivery
	if c.Delivery.BaseURL != "" {
		u, err := url.Parse(c.Delivery.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return errors.New("Delivery BaseURL must be an absolute URL")
		}
	}

	// Timeouts
	if c.Timeouts.Store <= 0 || c.Timeouts.UserStore <= 0 || c.Timeouts.Delivery <= 0 {
		return errors.New("Timeouts must be > 0")
	}

	// Retention
	if c.Retention.Window < 0 {
		return errors.New("Retention Window must be >= 0")
	}
	if c.Retention.SweepInterval <= 0 {
		return errors.New("Retention SweepInterval must be > 0")
	}

	if strings.TrimSpace(c.Users.DefaultUserType) == "" {
		return errors.New("Users DefaultUserType must not be empty")
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when audit is enabled")
	}

	if c.Security.ProductionMode {
		if c.Token.TTL > 15*time.Minute {
			return errors.New("ProductionMode requires Token TTL <= 15m")
		}
		if c.Session.TTL > 15*time.Minute {
			return errors.New("ProductionMode requires Session TTL <= 15m")
		}
		if c.Session.SigningMethod == "hs256" && len(c.Session.PrivateKey) < 32 {
			return errors.New("ProductionMode requires hs256 key length >= 256 bits")
		}
		if !c.RateLimit.Enabled {
			return errors.New("ProductionMode requires RateLimit enabled")
		}
		if c.Development.LogMagicLinks {
			return errors.New("ProductionMode forbids Development LogMagicLinks")
		}
		if c.Delivery.BaseURL != "" && !strings.HasPrefix(c.Delivery.BaseURL, "https://") {
			return errors.New("ProductionMode requires an https Delivery BaseURL")
		}
	}

	return nil
}

/*
====================================
LINT
====================================
*/

// LintWarning is a non-fatal configuration finding.
type LintWarning struct {
	Code    string
	Message string
}

// LintWarnings is the result of Config.Lint.
type LintWarnings []LintWarning

// Codes returns the warning codes in order.
func (ws LintWarnings) Codes() []string {
	out := make([]string, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.Code)
	}
	return out
}

// Lint reports settings that are valid but risky.
func (c *Config) Lint() LintWarnings {
	var ws LintWarnings
	add := func(code, msg string) {
		ws = append(ws, LintWarning{Code: code, Message: msg})
	}

	if !c.RateLimit.Enabled {
		add("rate_limits_disabled", "send and verify are not rate limited")
	}
	if c.RateLimit.Enabled && c.RateLimit.FailOpen {
		add("rate_limit_fail_open", "requests bypass rate limits while Redis is unreachable")
	}
	if c.Token.TTL > 15*time.Minute {
		add("token_ttl_long", "magic links live longer than 15 minutes")
	}
	if c.Session.TTL > 15*time.Minute {
		add("session_ttl_long", "session tokens live longer than 15 minutes")
	}
	if c.Security.RevealAccountExistence {
		add("account_enumeration", "send responses reveal whether an account exists")
	}
	if !c.Security.GenericRedemptionErrors {
		add("redemption_errors_specific", "verify responses distinguish expired, used and invalid links")
	}
	if c.Session.Leeway > time.Minute {
		add("leeway_large", "session leeway exceeds one minute")
	}
	if c.Development.LogMagicLinks {
		add("magic_links_logged", "rendered magic links are written to logs")
	}
	if !c.Security.ProductionMode {
		add("production_mode_off", "production hardening checks are disabled")
	}
	return ws
}
