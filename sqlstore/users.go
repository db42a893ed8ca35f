package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/magiclink"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

type userRow struct {
	ID          string        `db:"id"`
	Email       string        `db:"email"`
	FirstName   string        `db:"first_name"`
	LastName    string        `db:"last_name"`
	UserType    string        `db:"user_type"`
	Verified    bool          `db:"verified"`
	Status      string        `db:"status"`
	CreatedAt   int64         `db:"created_at"`
	LastLoginAt sql.NullInt64 `db:"last_login_at"`
}

func (r *userRow) record() magiclink.UserRecord {
	rec := magiclink.UserRecord{
		UserID:    r.ID,
		Email:     r.Email,
		FirstName: r.FirstName,
		LastName:  r.LastName,
		UserType:  r.UserType,
		Verified:  r.Verified,
		Status:    parseStatus(r.Status),
		CreatedAt: fromMillis(r.CreatedAt),
	}
	if r.LastLoginAt.Valid {
		at := fromMillis(r.LastLoginAt.Int64)
		rec.LastLoginAt = &at
	}
	return rec
}

func parseStatus(s string) magiclink.UserStatus {
	switch s {
	case "disabled":
		return magiclink.UserDisabled
	case "deleted":
		return magiclink.UserDeleted
	default:
		return magiclink.UserActive
	}
}

// UserStore keeps accounts in the users table. Emails are unique among
// rows that are not deleted.
type UserStore struct {
	db *sqlx.DB
}

func NewUserStore(db *sqlx.DB) *UserStore {
	return &UserStore{db: db}
}

// GetUserByEmail prefers the live row for email and falls back to the
// most recent deleted one.
func (s *UserStore) GetUserByEmail(ctx context.Context, email string) (magiclink.UserRecord, error) {
	query := `
		SELECT * FROM users
		WHERE email = $1
		ORDER BY CASE WHEN status = 'deleted' THEN 1 ELSE 0 END, created_at DESC
		LIMIT 1
	`
	var row userRow
	err := s.db.GetContext(ctx, &row, query, email)
	if errors.Is(err, sql.ErrNoRows) {
		return magiclink.UserRecord{}, magiclink.ErrUserNotFound
	}
	if err != nil {
		return magiclink.UserRecord{}, err
	}
	return row.record(), nil
}

func (s *UserStore) CreateUser(ctx context.Context, in magiclink.NewUser) (magiclink.UserRecord, error) {
	createdAt := in.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	row := userRow{
		ID:        uuid.NewString(),
		Email:     in.Email,
		FirstName: in.FirstName,
		LastName:  in.LastName,
		UserType:  in.UserType,
		Verified:  in.Verified,
		Status:    magiclink.UserActive.String(),
		CreatedAt: toMillis(createdAt),
	}

	query := `
		INSERT INTO users (id, email, first_name, last_name, user_type, verified, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.db.ExecContext(ctx, query,
		row.ID, row.Email, row.FirstName, row.LastName, row.UserType, row.Verified, row.Status, row.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return magiclink.UserRecord{}, magiclink.ErrUserExists
		}
		return magiclink.UserRecord{}, err
	}
	return row.record(), nil
}

func (s *UserStore) TouchLastLogin(ctx context.Context, userID string, at time.Time) error {
	return s.update(ctx, `UPDATE users SET last_login_at = $1 WHERE id = $2`, toMillis(at), userID)
}

// SetStatus changes the lifecycle state of an account.
func (s *UserStore) SetStatus(ctx context.Context, userID string, status magiclink.UserStatus) error {
	switch status {
	case magiclink.UserActive, magiclink.UserDisabled, magiclink.UserDeleted:
	default:
		return fmt.Errorf("invalid user status %d", status)
	}
	err := s.update(ctx, `UPDATE users SET status = $1 WHERE id = $2`, status.String(), userID)
	if isUniqueViolation(err) {
		return magiclink.ErrUserExists
	}
	return err
}

func (s *UserStore) update(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return magiclink.ErrUserNotFound
	}
	return nil
}

var _ magiclink.UserStore = (*UserStore)(nil)
