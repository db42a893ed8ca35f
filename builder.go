package magiclink

import (
	"errors"
	"log/slog"
	"time"

	internalaudit "github.com/MrEthical07/magiclink/internal/audit"
	"github.com/MrEthical07/magiclink/internal/rate"
	"github.com/MrEthical07/magiclink/internal/stores"
	"github.com/MrEthical07/magiclink/jwt"
	"github.com/MrEthical07/magiclink/tokenstore"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
)

// Builder assembles an Engine. Configure it during initialization, call
// Build once, and discard it.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	tokens    tokenstore.Store
	users     UserStore
	deliverer Deliverer
	auditSink AuditSink
	logger    *slog.Logger
	now       func() time.Time

	built bool
}

// New returns a Builder seeded with DefaultConfig.
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

// WithConfig replaces the whole configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the client used for rate-limit counters and, unless
// WithTokenStore is also given, for token records.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithTokenStore overrides the Redis token store, e.g. with sqlstore.TokenStore.
func (b *Builder) WithTokenStore(store tokenstore.Store) *Builder {
	b.tokens = store
	return b
}

func (b *Builder) WithUserStore(store UserStore) *Builder {
	b.users = store
	return b
}

// WithDeliverer sets the link delivery collaborator. Without one the Engine
// can issue and redeem tokens but SendMagicLink is unavailable.
func (b *Builder) WithDeliverer(d Deliverer) *Builder {
	b.deliverer = d
	return b
}

// WithAuditSink sets the sink for audit events. Audit.Enabled must also be
// set for events to be dispatched.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

// WithClock overrides the time source used for issuance and redemption.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and wires the Engine.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if b.users == nil {
		return nil, errors.New("user store required")
	}
	if b.tokens == nil && b.redis == nil {
		return nil, errors.New("redis client or token store required")
	}
	if cfg.RateLimit.Enabled && b.redis == nil {
		return nil, errors.New("RateLimit requires redis client")
	}
	if b.deliverer != nil && cfg.Delivery.BaseURL == "" {
		return nil, errors.New("Delivery BaseURL required when a deliverer is set")
	}

	// -------- TOKEN STORE --------
	tokens := b.tokens
	if tokens == nil {
		tokens = stores.NewRedisTokenStore(b.redis, cfg.Token.RedisPrefix)
	}

	// -------- SESSION MINTER --------
	clock := b.now
	if clock == nil {
		clock = time.Now
	}
	jm, err := jwt.NewManager(jwt.Config{
		SessionTTL:    cfg.Session.TTL,
		SigningMethod: jwt.SigningMethod(cfg.Session.SigningMethod),
		PrivateKey:    cloneBytes(cfg.Session.PrivateKey),
		PublicKey:     cloneBytes(cfg.Session.PublicKey),
		Issuer:        cfg.Session.Issuer,
		Audience:      cfg.Session.Audience,
		Leeway:        cfg.Session.Leeway,
		KeyID:         cfg.Session.KeyID,
		Now:           clock,
	})
	if err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	engine := &Engine{
		config:     cfg,
		tokens:     tokens,
		users:      b.users,
		deliverer:  b.deliverer,
		jwtManager: jm,
		metrics:    NewMetrics(cfg.Metrics),
		logger:     logger.With("component", "magiclink"),
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		now:        clock,
	}
	if cfg.RateLimit.Enabled {
		engine.limiter = rate.New(b.redis, cfg.RateLimit.RedisPrefix)
	}
	engine.audit = internalaudit.NewDispatcher(internalaudit.Config{
		Enabled:    cfg.Audit.Enabled,
		BufferSize: cfg.Audit.BufferSize,
		DropIfFull: cfg.Audit.DropIfFull,
	}, b.auditSink)

	for _, w := range cfg.Lint() {
		logger.Debug("config lint", "code", w.Code, "message", w.Message)
	}

	b.built = true
	return engine, nil
}
