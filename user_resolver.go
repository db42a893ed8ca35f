package magiclink

import (
	"context"
	"errors"
	"log/slog"

	"github.com/MrEthical07/magiclink/tokenstore"
)

// ResolveUser runs the lifecycle branch for a claimed token and returns the
// user projection and whether the account was created by this call.
//
// REGISTRATION creates a verified account. LOGIN loads the account and
// records the login time; if the account has vanished since the token was
// issued, a placeholder is created instead of discarding the consumed
// token, and the event is logged at WARN as a data-consistency anomaly.
func (e *Engine) ResolveUser(ctx context.Context, email string, purpose Purpose, claimed *ClaimedToken) (*User, bool, error) {
	if !e.ready() {
		return nil, false, ErrEngineNotReady
	}
	email = tokenstore.NormalizeEmail(email)

	var (
		rec   UserRecord
		isNew bool
		err   error
	)
	switch ResolvePostRedemption(purpose) {
	case ActionCreateUser:
		rec, isNew, err = e.registerUser(ctx, email, claimed)
	case ActionLoadUser:
		rec, isNew, err = e.loadUser(ctx, email, claimed)
	default:
		return nil, false, ErrInvalidPurpose
	}
	if err != nil {
		return nil, false, err
	}

	if claimed != nil {
		e.linkToken(ctx, claimed, rec.UserID)
	}
	return projectUser(rec), isNew, nil
}

func (e *Engine) registerUser(ctx context.Context, email string, claimed *ClaimedToken) (UserRecord, bool, error) {
	rec, err := e.createUser(ctx, email)
	if err == nil {
		e.metricInc(MetricUserCreated)
		e.emitAudit(ctx, auditEventUserCreated, true, auditFields{
			UserID:  rec.UserID,
			Email:   email,
			TokenID: claimedID(claimed),
			Purpose: PurposeRegistration,
		})
		e.log(ctx).InfoContext(ctx, "user created", "user_id", rec.UserID, "email", email)
		return rec, true, nil
	}
	if !errors.Is(err, ErrUserExists) {
		return UserRecord{}, false, e.userStoreFailure(ctx, "user create failed", email, err)
	}

	// Another registration for the same email won the create.
	rec, err = e.findUser(ctx, email)
	if err != nil {
		return UserRecord{}, false, err
	}
	e.log(ctx).InfoContext(ctx, "registration resolved to existing user", "user_id", rec.UserID, "email", email)
	if err := e.checkUsable(rec); err != nil {
		return UserRecord{}, false, err
	}
	e.touchLastLogin(ctx, rec.UserID)
	return rec, false, nil
}

func (e *Engine) loadUser(ctx context.Context, email string, claimed *ClaimedToken) (UserRecord, bool, error) {
	rec, err := e.findUser(ctx, email)
	switch {
	case err == nil && rec.Status != UserDeleted:
		if err := e.checkUsable(rec); err != nil {
			return UserRecord{}, false, err
		}
		e.metricInc(MetricUserLoaded)
		e.touchLastLogin(ctx, rec.UserID)
		return rec, false, nil
	case err == nil, errors.Is(err, ErrUserNotFound):
		return e.selfHeal(ctx, email, claimed)
	default:
		return UserRecord{}, false, err
	}
}

// selfHeal creates a placeholder account for a LOGIN token whose account no
// longer exists.
func (e *Engine) selfHeal(ctx context.Context, email string, claimed *ClaimedToken) (UserRecord, bool, error) {
	e.metricInc(MetricUserSelfHeal)
	e.log(ctx).WarnContext(ctx, "login token redeemed for missing account, creating placeholder",
		slog.String("event", "magiclink.user.self_heal"),
		slog.String("email", email),
		slog.String("token_id", claimedID(claimed)),
	)

	rec, err := e.createUser(ctx, email)
	if errors.Is(err, ErrUserExists) {
		rec, err = e.findUser(ctx, email)
		if err == nil && rec.Status == UserDeleted {
			e.log(ctx).ErrorContext(ctx, "self-heal blocked by deleted account", "user_id", rec.UserID, "email", email)
			return UserRecord{}, false, ErrInternal
		}
		if err == nil {
			err = e.checkUsable(rec)
		}
		if err != nil {
			return UserRecord{}, false, err
		}
		e.touchLastLogin(ctx, rec.UserID)
		return rec, false, nil
	}
	if err != nil {
		return UserRecord{}, false, e.userStoreFailure(ctx, "self-heal create failed", email, err)
	}

	e.emitAudit(ctx, auditEventUserSelfHeal, true, auditFields{
		UserID:  rec.UserID,
		Email:   email,
		TokenID: claimedID(claimed),
		Purpose: PurposeLogin,
	})
	e.touchLastLogin(ctx, rec.UserID)
	return rec, true, nil
}

func (e *Engine) createUser(ctx context.Context, email string) (UserRecord, error) {
	uctx, cancel := e.userCtx(ctx)
	defer cancel()
	return e.users.CreateUser(uctx, NewUser{
		Email:     email,
		UserType:  e.config.Users.DefaultUserType,
		Verified:  true,
		CreatedAt: e.now(),
	})
}

func (e *Engine) findUser(ctx context.Context, email string) (UserRecord, error) {
	uctx, cancel := e.userCtx(ctx)
	defer cancel()
	rec, err := e.users.GetUserByEmail(uctx, email)
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		return UserRecord{}, e.userStoreFailure(ctx, "user lookup failed", email, err)
	}
	return rec, err
}

func (e *Engine) checkUsable(rec UserRecord) error {
	if rec.Status == UserDisabled {
		return ErrAccountDisabled
	}
	return nil
}

func (e *Engine) touchLastLogin(ctx context.Context, userID string) {
	uctx, cancel := e.userCtx(ctx)
	defer cancel()
	if err := e.users.TouchLastLogin(uctx, userID, e.now()); err != nil {
		e.metricInc(MetricStoreError)
		e.log(ctx).WarnContext(ctx, "last login update failed", "user_id", userID, "error", err)
	}
}

func (e *Engine) linkToken(ctx context.Context, claimed *ClaimedToken, userID string) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	if err := e.tokens.LinkUser(sctx, claimed.hash, userID); err != nil {
		e.metricInc(MetricStoreError)
		e.log(ctx).WarnContext(ctx, "token user link failed", "token_id", claimed.ID, "user_id", userID, "error", err)
	}
}

func (e *Engine) userStoreFailure(ctx context.Context, msg, email string, err error) error {
	e.metricInc(MetricStoreError)
	e.log(ctx).ErrorContext(ctx, msg, "email", email, "error", err)
	return ErrInternal
}

func claimedID(claimed *ClaimedToken) string {
	if claimed == nil {
		return ""
	}
	return claimed.ID
}
