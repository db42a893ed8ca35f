package tokenstore

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Purpose is the declared intent of a magic-link request. It is fixed at
// issuance and never changes for the lifetime of a record.
type Purpose uint8

const (
	// PurposeLogin requests a token for an existing account.
	PurposeLogin Purpose = iota + 1
	// PurposeRegistration requests a token that creates a new account on redemption.
	PurposeRegistration
)

// ErrInvalidPurpose is returned by ParsePurpose for unknown values.
var ErrInvalidPurpose = errors.New("invalid purpose")

// ParsePurpose accepts "LOGIN" or "REGISTRATION" (case-insensitive).
func ParsePurpose(s string) (Purpose, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LOGIN":
		return PurposeLogin, nil
	case "REGISTRATION":
		return PurposeRegistration, nil
	default:
		return 0, ErrInvalidPurpose
	}
}

// Valid reports whether p is one of the declared purposes.
func (p Purpose) Valid() bool {
	return p == PurposeLogin || p == PurposeRegistration
}

func (p Purpose) String() string {
	switch p {
	case PurposeLogin:
		return "LOGIN"
	case PurposeRegistration:
		return "REGISTRATION"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the purpose as its wire name.
func (p Purpose) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, ErrInvalidPurpose
	}
	return []byte(p.String()), nil
}

// UnmarshalText decodes a wire name produced by MarshalText.
func (p *Purpose) UnmarshalText(text []byte) error {
	parsed, err := ParsePurpose(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// State is a computed view over a Record. EXPIRED is never stored.
type State uint8

const (
	StatePending State = iota
	StateRedeemed
	StateExpired
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateRedeemed:
		return "REDEEMED"
	case StateExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// Record is a persisted magic-link token. The raw token is never stored,
// only its SHA-256 hash.
type Record struct {
	ID              string
	SubjectEmail    string
	TokenHash       [32]byte
	Purpose         Purpose
	IssuedAt        time.Time
	ExpiresAt       time.Time
	UsedAt          *time.Time
	OriginIP        string
	OriginUserAgent string
	LinkedUserID    string
}

// State derives the lifecycle state at now.
func (r *Record) State(now time.Time) State {
	if r.UsedAt != nil {
		return StateRedeemed
	}
	if !now.Before(r.ExpiresAt) {
		return StateExpired
	}
	return StatePending
}

// Redeemable reports whether the record could be claimed at now.
func (r *Record) Redeemable(now time.Time) bool {
	return r.State(now) == StatePending
}

var (
	// ErrNotClaimed means the conditional claim matched nothing. It does not
	// say whether the token was unknown, already used, expired, or issued
	// for a different email.
	ErrNotClaimed = errors.New("token not claimed")
	// ErrNotFound is returned by Lookup when no record exists for a hash.
	ErrNotFound = errors.New("token record not found")
	// ErrDuplicateToken is returned by Save when the hash already exists.
	ErrDuplicateToken = errors.New("token hash already exists")
	// ErrUnavailable wraps backend failures.
	ErrUnavailable = errors.New("token store unavailable")
)

// Store persists token records. Claim must be a single atomic conditional
// write against the backend; implementations must not emulate it with
// in-process locking.
type Store interface {
	// Save persists a new record. The record stays readable for retention
	// after it expires.
	Save(ctx context.Context, rec *Record, retention time.Duration) error
	// Claim marks the record used iff the hash exists, the email matches,
	// it is unused and now < ExpiresAt. Any other outcome is ErrNotClaimed.
	Claim(ctx context.Context, hash [32]byte, email string, now time.Time) (*Record, error)
	// Lookup is a plain read used only for error classification.
	Lookup(ctx context.Context, hash [32]byte) (*Record, error)
	// LinkUser stores the user resolved for a claimed record.
	LinkUser(ctx context.Context, hash [32]byte, userID string) error
	// PurgeBefore deletes records that expired or were used before cutoff.
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Ping(ctx context.Context) error
}

// HashToken returns the lookup hash for a raw token.
func HashToken(raw []byte) [32]byte {
	return sha256.Sum256(raw)
}

// NormalizeEmail trims and lower-cases an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Unavailable wraps err as ErrUnavailable.
func Unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
