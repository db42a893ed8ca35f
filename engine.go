package magiclink

import (
	"context"
	"errors"
	"log/slog"
	"time"

	internalaudit "github.com/MrEthical07/magiclink/internal/audit"
	"github.com/MrEthical07/magiclink/internal/rate"
	"github.com/MrEthical07/magiclink/jwt"
	"github.com/MrEthical07/magiclink/tokenstore"
	"github.com/go-playground/validator/v10"
)

// Engine is the magic-link authentication core. Build one with New().Build();
// all methods are safe for concurrent use.
type Engine struct {
	config     Config
	tokens     tokenstore.Store
	limiter    *rate.Limiter
	users      UserStore
	deliverer  Deliverer
	jwtManager *jwt.Manager
	audit      *internalaudit.Dispatcher
	metrics    *Metrics
	logger     *slog.Logger
	validate   *validator.Validate
	now        func() time.Time
}

// Close flushes queued audit events.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped reports audit events lost to dispatcher backpressure.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

// Config returns a copy of the engine configuration without key material.
func (e *Engine) Config() Config {
	if e == nil {
		return Config{}
	}
	cfg := e.config
	cfg.Session.PrivateKey = nil
	cfg.Session.PublicKey = nil
	return cfg
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) ready() bool {
	return e != nil && e.tokens != nil && e.users != nil && e.jwtManager != nil
}

func (e *Engine) log(ctx context.Context) *slog.Logger {
	if rid := requestIDFromContext(ctx); rid != "" {
		return e.logger.With("request_id", rid)
	}
	return e.logger
}

func (e *Engine) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.config.Timeouts.Store)
}

func (e *Engine) userCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.config.Timeouts.UserStore)
}

// PublicError is the client-facing form of an engine error.
type PublicError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Describe maps err to the code and message a client may see. Redemption
// failures collapse to one message unless GenericRedemptionErrors is off.
func (e *Engine) Describe(err error) PublicError {
	code := ErrorCode(err)
	switch code {
	case CodeTokenInvalid, CodeTokenExpired, CodeTokenAlreadyUsed, CodeRedemptionFailed:
		if e == nil || e.config.Security.GenericRedemptionErrors {
			return PublicError{Code: CodeRedemptionFailed, Message: ErrRedemptionFailed.Error()}
		}
		return PublicError{Code: code, Message: err.Error()}
	case CodeRateLimited:
		return PublicError{Code: code, Message: "too many requests"}
	case CodeInternal:
		return PublicError{Code: code, Message: "internal error"}
	case CodeServiceNotAvailable:
		return PublicError{Code: code, Message: "service unavailable"}
	default:
		var ce *classedError
		if errors.As(err, &ce) {
			return PublicError{Code: code, Message: ce.msg}
		}
		return PublicError{Code: code, Message: err.Error()}
	}
}

// Health pings the token store, the rate limiter backend and, when
// supported, the deliverer. A deliverer failure degrades the report. A store
// failure takes it down, as does a limiter failure unless RateLimit.FailOpen
// is set.
func (e *Engine) Health(ctx context.Context) HealthReport {
	report := HealthReport{Status: HealthOK, Checks: map[string]string{}}
	if !e.ready() {
		report.Status = HealthDown
		report.Checks["store"] = "error"
		return report
	}

	sctx, cancel := e.storeCtx(ctx)
	err := e.tokens.Ping(sctx)
	cancel()
	if err != nil {
		e.log(ctx).WarnContext(ctx, "health check failed", "check", "store", "error", err)
		report.Checks["store"] = "error"
		report.Status = HealthDown
	} else {
		report.Checks["store"] = HealthOK
	}

	if e.limiter != nil && e.config.RateLimit.Enabled {
		sctx, cancel := e.storeCtx(ctx)
		err := e.limiter.Ping(sctx)
		cancel()
		switch {
		case err == nil:
			report.Checks["rate_limit"] = HealthOK
		case e.config.RateLimit.FailOpen:
			e.log(ctx).WarnContext(ctx, "health check failed", "check", "rate_limit", "error", err)
			report.Checks["rate_limit"] = "error"
			if report.Status == HealthOK {
				report.Status = HealthDegraded
			}
		default:
			e.log(ctx).WarnContext(ctx, "health check failed", "check", "rate_limit", "error", err)
			report.Checks["rate_limit"] = "error"
			report.Status = HealthDown
		}
	}

	checker, ok := e.deliverer.(HealthChecker)
	switch {
	case e.deliverer == nil:
		report.Checks["delivery"] = "not_configured"
		if report.Status == HealthOK {
			report.Status = HealthDegraded
		}
	case !ok:
		report.Checks["delivery"] = "unchecked"
	default:
		dctx, cancel := context.WithTimeout(ctx, e.config.Timeouts.Delivery)
		err := checker.Ping(dctx)
		cancel()
		if err != nil {
			e.log(ctx).WarnContext(ctx, "health check failed", "check", "delivery", "error", err)
			report.Checks["delivery"] = "error"
			if report.Status == HealthOK {
				report.Status = HealthDegraded
			}
		} else {
			report.Checks["delivery"] = HealthOK
		}
	}

	return report
}

// Sweep deletes records that expired or were used before the retention
// window. Redis-backed stores expire records on their own and return 0.
func (e *Engine) Sweep(ctx context.Context) (int64, error) {
	if !e.ready() {
		return 0, ErrEngineNotReady
	}
	cutoff := e.now().Add(-e.config.Retention.Window)

	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	n, err := e.tokens.PurgeBefore(sctx, cutoff)
	if err != nil {
		e.metricInc(MetricStoreError)
		return 0, err
	}
	if n > 0 {
		e.metrics.Add(MetricTokensPurged, uint64(n))
		e.log(ctx).InfoContext(ctx, "purged magic link records", "count", n, "cutoff", cutoff)
	}
	return n, nil
}

// RunSweeper calls Sweep every Retention.SweepInterval until ctx is done.
func (e *Engine) RunSweeper(ctx context.Context) {
	if !e.ready() {
		return
	}
	ticker := time.NewTicker(e.config.Retention.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Sweep(ctx); err != nil && ctx.Err() == nil {
				e.log(ctx).ErrorContext(ctx, "magic link sweep failed", "error", err)
			}
		}
	}
}
