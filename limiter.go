package magiclink

import (
	"context"
	"time"

	"github.com/MrEthical07/magiclink/internal/rate"
)

const (
	rateScopeSend   = "send"
	rateScopeVerify = "verify"
)

func (e *Engine) rateWindow(scope string) rate.Window {
	cfg := e.config.RateLimit
	if scope == rateScopeVerify {
		return rate.Window{Bucket: scope, Limit: cfg.VerifyLimit, Duration: cfg.VerifyWindow}
	}
	return rate.Window{Bucket: scope, Limit: cfg.SendLimit, Duration: cfg.SendWindow}
}

// checkRate counts one request for (client IP, email) in scope. A rejected
// request yields *RateLimitError. Backend failures reject the request unless
// RateLimit.FailOpen is set.
func (e *Engine) checkRate(ctx context.Context, scope, email string) error {
	if e.limiter == nil || !e.config.RateLimit.Enabled {
		return nil
	}

	identity := rate.Identity(clientIPFromContext(ctx), email)
	sctx, cancel := e.storeCtx(ctx)
	decision, err := e.limiter.CheckAndIncrement(sctx, identity, e.rateWindow(scope))
	cancel()
	if err != nil {
		e.metricInc(MetricStoreError)
		if e.config.RateLimit.FailOpen {
			e.log(ctx).WarnContext(ctx, "rate limiter unavailable, admitting request", "scope", scope, "error", err)
			return nil
		}
		e.log(ctx).ErrorContext(ctx, "rate limiter unavailable", "scope", scope, "error", err)
		return ErrInternal
	}
	if decision.Allowed {
		return nil
	}

	retryAfter := decision.RetryAfter
	if retryAfter <= 0 {
		retryAfter = time.Second
	}
	e.emitRateLimit(ctx, scope, email, retryAfter)
	e.log(ctx).InfoContext(ctx, "rate limit exceeded",
		"scope", scope,
		"count", decision.Count,
		"limit", decision.Limit,
		"retry_after", retryAfter,
	)
	return &RateLimitError{Scope: scope, RetryAfter: retryAfter}
}

// resetRate clears the (client IP, email) counter in scope. Failures are
// logged and otherwise ignored.
func (e *Engine) resetRate(ctx context.Context, scope, email string) {
	if e.limiter == nil || !e.config.RateLimit.Enabled {
		return
	}

	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	if err := e.limiter.Reset(sctx, scope, rate.Identity(clientIPFromContext(ctx), email)); err != nil {
		e.log(ctx).WarnContext(ctx, "rate limit reset failed", "scope", scope, "error", err)
	}
}
