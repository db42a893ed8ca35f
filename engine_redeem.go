package magiclink

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MrEthical07/magiclink/internal"
	"github.com/MrEthical07/magiclink/internal/flows"
	"github.com/MrEthical07/magiclink/tokenstore"
)

// Redeem atomically claims token for email. Exactly one call can succeed per
// token; every other call fails with an error matching ErrRedemptionFailed.
//
// The claim itself does not say why it failed. A follow-up read picks the
// reported reason (ErrTokenInvalid, ErrTokenExpired or ErrTokenAlreadyUsed);
// that read never affects the outcome.
func (e *Engine) Redeem(ctx context.Context, token, email string) (*ClaimedToken, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	email = tokenstore.NormalizeEmail(email)

	raw, err := internal.DecodeMagicToken(token)
	if err != nil {
		e.metricInc(MetricTokenInvalid)
		e.log(ctx).InfoContext(ctx, "magic link redemption rejected", "email", email, "reason", "malformed")
		return nil, ErrTokenInvalid
	}
	hash := tokenstore.HashToken(raw)
	now := e.now()

	sctx, cancel := e.storeCtx(ctx)
	rec, err := e.tokens.Claim(sctx, hash, email, now)
	cancel()
	if err == nil {
		claimed := &ClaimedToken{
			ID:        rec.ID,
			Email:     rec.SubjectEmail,
			Purpose:   rec.Purpose,
			IssuedAt:  rec.IssuedAt,
			ExpiresAt: rec.ExpiresAt,
			UsedAt:    now,
			hash:      hash,
		}
		if rec.UsedAt != nil {
			claimed.UsedAt = *rec.UsedAt
		}
		return claimed, nil
	}
	if !errors.Is(err, tokenstore.ErrNotClaimed) {
		e.metricInc(MetricStoreError)
		e.log(ctx).ErrorContext(ctx, "token claim failed", "email", email, "error", err)
		return nil, ErrInternal
	}

	return nil, e.classifyClaimFailure(ctx, hash, email, now)
}

func (e *Engine) classifyClaimFailure(ctx context.Context, hash [32]byte, email string, now time.Time) error {
	sctx, cancel := e.storeCtx(ctx)
	rec, err := e.tokens.Lookup(sctx, hash)
	cancel()
	if err != nil {
		rec = nil
		if !errors.Is(err, tokenstore.ErrNotFound) {
			e.log(ctx).WarnContext(ctx, "token lookup after failed claim", "error", err)
		}
	}

	kind := flows.ClassifyClaimFailure(rec, email, now)
	attrs := []any{"email", email, "reason", kind.String()}
	if rec != nil {
		attrs = append(attrs, "token_id", rec.ID)
	}
	e.log(ctx).InfoContext(ctx, "magic link redemption rejected", attrs...)

	switch kind {
	case flows.ClaimFailureUsed:
		e.metricInc(MetricTokenReplay)
		return ErrTokenAlreadyUsed
	case flows.ClaimFailureExpired:
		e.metricInc(MetricTokenExpired)
		return ErrTokenExpired
	default:
		e.metricInc(MetricTokenInvalid)
		return ErrTokenInvalid
	}
}

// VerifyMagicLink applies the verify budget, redeems token, resolves the
// user for the token's purpose and mints a session credential.
func (e *Engine) VerifyMagicLink(ctx context.Context, token, email string) (*VerifyResult, error) {
	start := time.Now()
	defer func() {
		if e != nil {
			e.metrics.Observe(MetricVerifyLatency, time.Since(start))
		}
	}()

	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	if strings.TrimSpace(token) == "" {
		return nil, ErrInvalidToken
	}
	email, err := e.normalizeAndValidateEmail(email)
	if err != nil {
		return nil, err
	}

	if err := e.checkRate(ctx, rateScopeVerify, email); err != nil {
		if errors.Is(err, ErrRateLimited) {
			e.metricInc(MetricVerifyRateLimited)
		}
		e.metricInc(MetricVerifyFailure)
		e.emitAudit(ctx, auditEventMagicLinkVerify, false, auditFields{Email: email, Err: err})
		return nil, err
	}

	claimed, err := e.Redeem(ctx, token, email)
	if err != nil {
		e.metricInc(MetricVerifyFailure)
		e.emitAudit(ctx, auditEventMagicLinkVerify, false, auditFields{Email: email, Err: err})
		return nil, err
	}

	user, isNew, err := e.ResolveUser(ctx, email, claimed.Purpose, claimed)
	if err != nil {
		e.metricInc(MetricVerifyFailure)
		e.emitAudit(ctx, auditEventMagicLinkVerify, false, auditFields{
			Email:   email,
			TokenID: claimed.ID,
			Purpose: claimed.Purpose,
			Err:     err,
		})
		return nil, err
	}

	session, expiresAt, err := e.MintSession(ctx, user)
	if err != nil {
		e.metricInc(MetricVerifyFailure)
		e.emitAudit(ctx, auditEventMagicLinkVerify, false, auditFields{
			UserID:  user.ID,
			Email:   email,
			TokenID: claimed.ID,
			Purpose: claimed.Purpose,
			Err:     err,
		})
		return nil, err
	}

	e.resetRate(ctx, rateScopeVerify, email)
	e.metricInc(MetricVerifySuccess)
	e.emitAudit(ctx, auditEventMagicLinkVerify, true, auditFields{
		UserID:  user.ID,
		Email:   email,
		TokenID: claimed.ID,
		Purpose: claimed.Purpose,
	})
	e.log(ctx).InfoContext(ctx, "magic link verified",
		"user_id", user.ID,
		"token_id", claimed.ID,
		"purpose", claimed.Purpose.String(),
		"new_user", isNew,
	)

	return &VerifyResult{
		User:         user,
		SessionToken: session,
		ExpiresAt:    expiresAt,
		IsNewUser:    isNew,
	}, nil
}
