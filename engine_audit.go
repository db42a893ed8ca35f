package magiclink

import (
	"context"
	"time"

	internalaudit "github.com/MrEthical07/magiclink/internal/audit"
)

const (
	auditEventMagicLinkSend      = internalaudit.EventMagicLinkSend
	auditEventMagicLinkVerify    = internalaudit.EventMagicLinkVerify
	auditEventRateLimitTriggered = internalaudit.EventRateLimitTriggered
	auditEventUserCreated        = internalaudit.EventUserCreated
	auditEventUserSelfHeal       = internalaudit.EventUserSelfHeal
)

// auditFields carries the optional parts of an audit event.
type auditFields struct {
	UserID  string
	Email   string
	TokenID string
	Purpose Purpose
	Err     error
	Meta    func() map[string]string
}

func (e *Engine) emitAudit(ctx context.Context, eventType string, success bool, f auditFields) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if f.Meta != nil {
		metadata = f.Meta()
	}
	if rid := requestIDFromContext(ctx); rid != "" {
		if metadata == nil {
			metadata = make(map[string]string, 1)
		}
		metadata["request_id"] = rid
	}

	event := AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		UserID:    f.UserID,
		Email:     f.Email,
		TokenID:   f.TokenID,
		IP:        clientIPFromContext(ctx),
		Success:   success,
		Metadata:  metadata,
	}
	if f.Purpose.Valid() {
		event.Purpose = f.Purpose.String()
	}
	if f.Err != nil {
		event.Code = ErrorCode(f.Err)
	}

	e.audit.Emit(ctx, event)
}

func (e *Engine) emitRateLimit(ctx context.Context, scope, email string, retryAfter time.Duration) {
	e.metricInc(MetricRateLimitHit)
	e.emitAudit(ctx, auditEventRateLimitTriggered, false, auditFields{
		Email: email,
		Err:   ErrRateLimited,
		Meta: func() map[string]string {
			return map[string]string{
				"scope":       scope,
				"retry_after": retryAfter.Round(time.Millisecond).String(),
			}
		},
	})
}
