package magiclink

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/MrEthical07/magiclink/delivery"
	"github.com/MrEthical07/magiclink/internal"
	"github.com/MrEthical07/magiclink/tokenstore"
	"github.com/google/uuid"
)

const maxEmailLength = 254

// normalizeAndValidateEmail lower-cases and trims email and checks its syntax.
func (e *Engine) normalizeAndValidateEmail(email string) (string, error) {
	email = tokenstore.NormalizeEmail(email)
	if email == "" || len(email) > maxEmailLength {
		return "", ErrInvalidEmail
	}
	if err := e.validate.Var(email, "required,email"); err != nil {
		return "", ErrInvalidEmail
	}
	return email, nil
}

// IssueToken validates the request, checks the purpose precondition and, when
// it holds, persists a new single-use token bound to email and purpose.
// Origin IP and user agent are taken from ctx.
//
// The returned outcome is the only place the raw token exists; hand it to a
// Deliverer and drop it. No rate limiting is applied here; SendMagicLink
// wraps IssueToken with the send budget.
func (e *Engine) IssueToken(ctx context.Context, email string, purpose Purpose) (*IssueOutcome, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	email, err := e.normalizeAndValidateEmail(email)
	if err != nil {
		return nil, err
	}
	if !purpose.Valid() {
		return nil, ErrInvalidPurpose
	}

	out, err := e.issue(ctx, email, purpose)
	if err != nil {
		e.emitAudit(ctx, auditEventMagicLinkSend, false, auditFields{Email: email, Purpose: purpose, Err: err})
		return nil, err
	}
	e.emitAudit(ctx, auditEventMagicLinkSend, true, auditFields{Email: email, Purpose: purpose, TokenID: out.TokenID})
	return out, nil
}

// issue runs the precondition and persists the record. email must already
// be normalized and purpose valid.
func (e *Engine) issue(ctx context.Context, email string, purpose Purpose) (*IssueOutcome, error) {
	if err := e.ResolvePrecondition(ctx, email, purpose); err != nil {
		if errors.Is(err, ErrPreconditionFailed) {
			e.metricInc(MetricSendPreconditionFailed)
		}
		return nil, err
	}

	raw, token, err := internal.NewMagicToken()
	if err != nil {
		e.log(ctx).ErrorContext(ctx, "token generation failed", "error", err)
		return nil, ErrInternal
	}

	now := e.now()
	ttl := e.config.Token.TTL
	rec := &tokenstore.Record{
		ID:              uuid.NewString(),
		SubjectEmail:    email,
		TokenHash:       tokenstore.HashToken(raw),
		Purpose:         purpose,
		IssuedAt:        now,
		ExpiresAt:       now.Add(ttl),
		OriginIP:        clientIPFromContext(ctx),
		OriginUserAgent: userAgentFromContext(ctx),
	}

	sctx, cancel := e.storeCtx(ctx)
	err = e.tokens.Save(sctx, rec, e.config.Retention.Window)
	cancel()
	if err != nil {
		e.metricInc(MetricStoreError)
		e.log(ctx).ErrorContext(ctx, "token persist failed",
			"email", email,
			"purpose", purpose.String(),
			"token_id", rec.ID,
			"error", err,
		)
		return nil, ErrInternal
	}

	e.metricInc(MetricTokenIssued)
	out := &IssueOutcome{
		Token:     token,
		TokenID:   rec.ID,
		Purpose:   purpose,
		ExpiresAt: rec.ExpiresAt,
		ExpiresIn: ttl,
	}
	e.log(ctx).InfoContext(ctx, "magic link issued", "email", email, "outcome", out)
	return out, nil
}

// SendMagicLink applies the send budget, issues a token and hands the
// rendered link to the Deliverer. A delivery failure does not invalidate the
// token: the result carries Warning "delivery_failed" instead of an error.
//
// With Security.RevealAccountExistence off, precondition failures return a
// result indistinguishable from an accepted send and issue no token.
func (e *Engine) SendMagicLink(ctx context.Context, email string, purpose Purpose) (*SendResult, error) {
	if !e.ready() || e.deliverer == nil {
		return nil, ErrEngineNotReady
	}
	email, err := e.normalizeAndValidateEmail(email)
	if err != nil {
		return nil, err
	}
	if !purpose.Valid() {
		return nil, ErrInvalidPurpose
	}

	if err := e.checkRate(ctx, rateScopeSend, email); err != nil {
		if errors.Is(err, ErrRateLimited) {
			e.metricInc(MetricSendRateLimited)
		}
		e.emitAudit(ctx, auditEventMagicLinkSend, false, auditFields{Email: email, Purpose: purpose, Err: err})
		return nil, err
	}

	out, err := e.issue(ctx, email, purpose)
	if err != nil {
		e.emitAudit(ctx, auditEventMagicLinkSend, false, auditFields{Email: email, Purpose: purpose, Err: err})
		if errors.Is(err, ErrPreconditionFailed) && !e.config.Security.RevealAccountExistence {
			e.log(ctx).InfoContext(ctx, "magic link send suppressed",
				"email", email,
				"purpose", purpose.String(),
				"reason", ErrorCode(err),
			)
			return &SendResult{ExpiresIn: e.config.Token.TTL, Delivered: true}, nil
		}
		return nil, err
	}

	result := &SendResult{ExpiresIn: out.ExpiresIn}
	delivered := e.deliver(ctx, email, purpose, out)
	if delivered {
		result.Delivered = true
	} else {
		result.Warning = CodeDeliveryFailed
	}

	e.metricInc(MetricSendAccepted)
	e.emitAudit(ctx, auditEventMagicLinkSend, true, auditFields{
		Email:   email,
		Purpose: purpose,
		TokenID: out.TokenID,
		Meta: func() map[string]string {
			return map[string]string{"delivered": strconv.FormatBool(delivered)}
		},
	})
	return result, nil
}

func (e *Engine) deliver(ctx context.Context, email string, purpose Purpose, out *IssueOutcome) bool {
	link, err := delivery.RenderLink(e.config.Delivery.BaseURL, out.Token, email, purpose.String())
	if err != nil {
		e.metricInc(MetricDeliveryFailure)
		e.log(ctx).ErrorContext(ctx, "magic link render failed", "token_id", out.TokenID, "error", err)
		return false
	}
	if e.config.Development.LogMagicLinks {
		e.log(ctx).DebugContext(ctx, "magic link (development)", "email", email, "link", link)
	}

	dctx, cancel := context.WithTimeout(ctx, e.config.Timeouts.Delivery)
	err = e.deliverer.Send(dctx, email, link, templateFor(purpose))
	cancel()
	if err != nil {
		e.metricInc(MetricDeliveryFailure)
		e.log(ctx).WarnContext(ctx, "magic link delivery failed",
			"email", email,
			"token_id", out.TokenID,
			"error", strings.ReplaceAll(err.Error(), out.Token, "[redacted]"),
		)
		return false
	}
	e.metricInc(MetricDeliverySuccess)
	return true
}
