package flows

import "github.com/MrEthical07/magiclink/tokenstore"

// AccountState is what the user store knows about an email.
type AccountState int

const (
	AccountAbsent AccountState = iota
	AccountActive
	AccountDisabled
)

// PreconditionKind is the outcome of a purpose precondition check.
type PreconditionKind int

const (
	PreconditionOK PreconditionKind = iota
	PreconditionAccountExists
	PreconditionAccountNotFound
	PreconditionAccountDisabled
	PreconditionInvalidPurpose
)

// CheckPrecondition decides whether a token may be issued for purpose given
// the current account state.
//
// REGISTRATION needs no usable account. A disabled account still blocks it,
// since the email is taken. LOGIN needs an active account.
func CheckPrecondition(purpose tokenstore.Purpose, state AccountState) PreconditionKind {
	switch purpose {
	case tokenstore.PurposeRegistration:
		if state == AccountAbsent {
			return PreconditionOK
		}
		return PreconditionAccountExists
	case tokenstore.PurposeLogin:
		switch state {
		case AccountActive:
			return PreconditionOK
		case AccountDisabled:
			return PreconditionAccountDisabled
		default:
			return PreconditionAccountNotFound
		}
	default:
		return PreconditionInvalidPurpose
	}
}

// ActionKind is the user lifecycle branch after a successful claim.
type ActionKind int

const (
	ActionNone ActionKind = iota
	ActionLoad
	ActionCreate
)

// PostRedemption maps a claimed purpose to its lifecycle branch.
func PostRedemption(purpose tokenstore.Purpose) ActionKind {
	switch purpose {
	case tokenstore.PurposeRegistration:
		return ActionCreate
	case tokenstore.PurposeLogin:
		return ActionLoad
	default:
		return ActionNone
	}
}
