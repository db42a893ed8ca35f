package magiclink

import (
	"context"
	"errors"

	"github.com/MrEthical07/magiclink/internal/flows"
	"github.com/MrEthical07/magiclink/tokenstore"
)

// ResolvePrecondition checks the account state required by purpose without
// writing anything. REGISTRATION fails with ErrAccountAlreadyExists when an
// account holds the email; LOGIN fails with ErrAccountNotFound or
// ErrAccountDisabled unless an active account exists. Deleted accounts count
// as absent.
func (e *Engine) ResolvePrecondition(ctx context.Context, email string, purpose Purpose) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	if !purpose.Valid() {
		return ErrInvalidPurpose
	}
	email = tokenstore.NormalizeEmail(email)

	state, err := e.accountState(ctx, email)
	if err != nil {
		return err
	}

	switch flows.CheckPrecondition(purpose, state) {
	case flows.PreconditionOK:
		return nil
	case flows.PreconditionAccountExists:
		return ErrAccountAlreadyExists
	case flows.PreconditionAccountNotFound:
		return ErrAccountNotFound
	case flows.PreconditionAccountDisabled:
		return ErrAccountDisabled
	default:
		return ErrInvalidPurpose
	}
}

// ResolvePostRedemption returns the lifecycle branch for a claimed purpose.
func ResolvePostRedemption(purpose Purpose) UserAction {
	switch flows.PostRedemption(purpose) {
	case flows.ActionCreate:
		return ActionCreateUser
	case flows.ActionLoad:
		return ActionLoadUser
	default:
		return 0
	}
}

func (e *Engine) accountState(ctx context.Context, email string) (flows.AccountState, error) {
	uctx, cancel := e.userCtx(ctx)
	defer cancel()

	rec, err := e.users.GetUserByEmail(uctx, email)
	if errors.Is(err, ErrUserNotFound) {
		return flows.AccountAbsent, nil
	}
	if err != nil {
		e.metricInc(MetricStoreError)
		e.log(ctx).ErrorContext(ctx, "user lookup failed", "email", email, "error", err)
		return flows.AccountAbsent, ErrInternal
	}

	switch rec.Status {
	case UserActive:
		return flows.AccountActive, nil
	case UserDisabled:
		return flows.AccountDisabled, nil
	default:
		return flows.AccountAbsent, nil
	}
}
