package magiclink

import (
	"context"
	"time"

	"github.com/MrEthical07/magiclink/jwt"
)

// SessionClaims is the payload of a minted session credential.
type SessionClaims = jwt.SessionClaims

// MintSession signs a session credential for user. Signing failures are
// logged and reported as ErrInternal.
func (e *Engine) MintSession(ctx context.Context, user *User) (string, time.Time, error) {
	if !e.ready() {
		return "", time.Time{}, ErrEngineNotReady
	}
	if user == nil || user.ID == "" {
		return "", time.Time{}, ErrInternal
	}

	token, expiresAt, err := e.jwtManager.Mint(jwt.Subject{
		UserID:   user.ID,
		Email:    user.Email,
		UserType: user.UserType,
	})
	if err != nil {
		e.log(ctx).ErrorContext(ctx, "session mint failed", "user_id", user.ID, "error", err)
		return "", time.Time{}, ErrInternal
	}

	e.metricInc(MetricSessionMinted)
	return token, expiresAt, nil
}

// ParseSession verifies a credential minted by MintSession.
func (e *Engine) ParseSession(token string) (*SessionClaims, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	return e.jwtManager.Parse(token)
}
