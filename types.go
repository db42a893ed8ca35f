package magiclink

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrEthical07/magiclink/delivery"
	"github.com/MrEthical07/magiclink/tokenstore"
)

// Purpose is the declared intent of a magic-link request.
type Purpose = tokenstore.Purpose

const (
	PurposeLogin        = tokenstore.PurposeLogin
	PurposeRegistration = tokenstore.PurposeRegistration
)

// ParsePurpose accepts "LOGIN" or "REGISTRATION" (case-insensitive).
func ParsePurpose(s string) (Purpose, error) {
	p, err := tokenstore.ParsePurpose(s)
	if err != nil {
		return 0, ErrInvalidPurpose
	}
	return p, nil
}

// UserStatus is the lifecycle state of an account.
type UserStatus uint8

const (
	UserActive UserStatus = iota
	UserDisabled
	UserDeleted
)

func (s UserStatus) String() string {
	switch s {
	case UserActive:
		return "active"
	case UserDisabled:
		return "disabled"
	case UserDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// UserRecord is the account as stored by the caller's user store.
type UserRecord struct {
	UserID      string
	Email       string
	FirstName   string
	LastName    string
	UserType    string
	Verified    bool
	Status      UserStatus
	CreatedAt   time.Time
	LastLoginAt *time.Time
}

// NewUser is the input for UserStore.CreateUser.
type NewUser struct {
	Email     string
	FirstName string
	LastName  string
	UserType  string
	Verified  bool
	CreatedAt time.Time
}

// UserStore is the account collaborator. Lookups that match nothing return
// ErrUserNotFound; creating a duplicate email returns ErrUserExists.
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (UserRecord, error)
	CreateUser(ctx context.Context, input NewUser) (UserRecord, error)
	TouchLastLogin(ctx context.Context, userID string, at time.Time) error
}

// User is the projection returned to clients after redemption.
type User struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	UserType  string `json:"userType"`
	Verified  bool   `json:"verified"`
}

func projectUser(rec UserRecord) *User {
	return &User{
		ID:        rec.UserID,
		Email:     rec.Email,
		FirstName: rec.FirstName,
		LastName:  rec.LastName,
		UserType:  rec.UserType,
		Verified:  rec.Verified,
	}
}

// TemplateKind selects the message template for a link.
type TemplateKind = delivery.TemplateKind

// Deliverer sends a rendered link to destination.
type Deliverer interface {
	Send(ctx context.Context, destination, link string, kind TemplateKind) error
}

// HealthChecker is implemented by collaborators that can report reachability.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

func templateFor(p Purpose) TemplateKind {
	switch p {
	case PurposeRegistration:
		return delivery.TemplateRegistration
	default:
		return delivery.TemplateLogin
	}
}

// IssueOutcome is the result of IssueToken. Token is the only copy of the
// raw credential; String and LogValue redact it.
type IssueOutcome struct {
	Token     string
	TokenID   string
	Purpose   Purpose
	ExpiresAt time.Time
	ExpiresIn time.Duration
}

func (o *IssueOutcome) String() string {
	if o == nil {
		return "<nil>"
	}
	return fmt.Sprintf("IssueOutcome{TokenID:%s Purpose:%s ExpiresAt:%s Token:[redacted]}",
		o.TokenID, o.Purpose, o.ExpiresAt.Format(time.RFC3339))
}

func (o *IssueOutcome) LogValue() slog.Value {
	if o == nil {
		return slog.StringValue("<nil>")
	}
	return slog.GroupValue(
		slog.String("token_id", o.TokenID),
		slog.String("purpose", o.Purpose.String()),
		slog.Time("expires_at", o.ExpiresAt),
		slog.String("token", "[redacted]"),
	)
}

// ClaimedToken is a record that was redeemed by this call.
type ClaimedToken struct {
	ID        string
	Email     string
	Purpose   Purpose
	IssuedAt  time.Time
	ExpiresAt time.Time
	UsedAt    time.Time

	hash [32]byte
}

// UserAction is the lifecycle branch taken after redemption.
type UserAction uint8

const (
	ActionLoadUser UserAction = iota + 1
	ActionCreateUser
)

func (a UserAction) String() string {
	switch a {
	case ActionCreateUser:
		return "create_user"
	case ActionLoadUser:
		return "load_user"
	default:
		return "unknown"
	}
}

// SendResult is returned by SendMagicLink.
type SendResult struct {
	ExpiresIn time.Duration
	Delivered bool
	// Warning is set when the link was issued but not delivered.
	Warning string
}

// VerifyResult is returned by VerifyMagicLink.
type VerifyResult struct {
	User         *User
	SessionToken string
	ExpiresAt    time.Time
	IsNewUser    bool
}

// HealthStatus values for HealthReport.
const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
	HealthDown     = "down"
)

// HealthReport summarizes collaborator reachability.
type HealthReport struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}
