package sqlstore

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/magiclink/tokenstore"
	"github.com/jmoiron/sqlx"
)

const tokenColumns = `id, token_hash, subject_email, purpose, issued_at, expires_at,
	used_at, origin_ip, origin_user_agent, linked_user_id`

type tokenRow struct {
	ID              string         `db:"id"`
	TokenHash       string         `db:"token_hash"`
	SubjectEmail    string         `db:"subject_email"`
	Purpose         int            `db:"purpose"`
	IssuedAt        int64          `db:"issued_at"`
	ExpiresAt       int64          `db:"expires_at"`
	UsedAt          sql.NullInt64  `db:"used_at"`
	OriginIP        string         `db:"origin_ip"`
	OriginUserAgent string         `db:"origin_user_agent"`
	LinkedUserID    sql.NullString `db:"linked_user_id"`
}

func (r *tokenRow) record() (*tokenstore.Record, error) {
	raw, err := hex.DecodeString(r.TokenHash)
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("%w: malformed token_hash for %s", tokenstore.ErrUnavailable, r.ID)
	}
	rec := &tokenstore.Record{
		ID:              r.ID,
		SubjectEmail:    r.SubjectEmail,
		Purpose:         tokenstore.Purpose(r.Purpose),
		IssuedAt:        fromMillis(r.IssuedAt),
		ExpiresAt:       fromMillis(r.ExpiresAt),
		OriginIP:        r.OriginIP,
		OriginUserAgent: r.OriginUserAgent,
		LinkedUserID:    r.LinkedUserID.String,
	}
	copy(rec.TokenHash[:], raw)
	if r.UsedAt.Valid {
		used := fromMillis(r.UsedAt.Int64)
		rec.UsedAt = &used
	}
	return rec, nil
}

func hashKey(hash [32]byte) string {
	return hex.EncodeToString(hash[:])
}

// TokenStore keeps magic-link records in the magic_link_tokens table.
type TokenStore struct {
	db *sqlx.DB
}

// NewTokenStore returns a store over db. Run Migrate first.
func NewTokenStore(db *sqlx.DB) *TokenStore {
	return &TokenStore{db: db}
}

// Save inserts rec. Retention is enforced by PurgeBefore, not per row.
func (s *TokenStore) Save(ctx context.Context, rec *tokenstore.Record, _ time.Duration) error {
	if rec == nil {
		return errors.New("nil token record")
	}

	query := `
		INSERT INTO magic_link_tokens (id, token_hash, subject_email, purpose, issued_at, expires_at,
			used_at, origin_ip, origin_user_agent, linked_user_id)
		VALUES ($1, $2, $3, $4, $5, $6, NULL, $7, $8, NULL)
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		hashKey(rec.TokenHash),
		rec.SubjectEmail,
		int(rec.Purpose),
		toMillis(rec.IssuedAt),
		toMillis(rec.ExpiresAt),
		rec.OriginIP,
		rec.OriginUserAgent,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return tokenstore.ErrDuplicateToken
		}
		return tokenstore.Unavailable(err)
	}
	return nil
}

// Claim is one conditional UPDATE; only the statement that flips used_at
// from NULL gets a row back.
func (s *TokenStore) Claim(ctx context.Context, hash [32]byte, email string, now time.Time) (*tokenstore.Record, error) {
	query := `
		UPDATE magic_link_tokens
		SET used_at = $1
		WHERE token_hash = $2
		AND subject_email = $3
		AND used_at IS NULL
		AND expires_at > $1
		RETURNING ` + tokenColumns

	var row tokenRow
	err := s.db.GetContext(ctx, &row, query, toMillis(now), hashKey(hash), email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tokenstore.ErrNotClaimed
	}
	if err != nil {
		return nil, tokenstore.Unavailable(err)
	}
	return row.record()
}

func (s *TokenStore) Lookup(ctx context.Context, hash [32]byte) (*tokenstore.Record, error) {
	query := `SELECT ` + tokenColumns + ` FROM magic_link_tokens WHERE token_hash = $1`

	var row tokenRow
	err := s.db.GetContext(ctx, &row, query, hashKey(hash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tokenstore.ErrNotFound
	}
	if err != nil {
		return nil, tokenstore.Unavailable(err)
	}
	return row.record()
}

func (s *TokenStore) LinkUser(ctx context.Context, hash [32]byte, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE magic_link_tokens SET linked_user_id = $1 WHERE token_hash = $2`,
		userID, hashKey(hash),
	)
	if err != nil {
		return tokenstore.Unavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return tokenstore.Unavailable(err)
	}
	if n == 0 {
		return tokenstore.ErrNotFound
	}
	return nil
}

// PurgeBefore removes records that were used, or expired, before cutoff.
func (s *TokenStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM magic_link_tokens
		WHERE (used_at IS NOT NULL AND used_at < $1)
		   OR (expires_at < $1)
	`
	res, err := s.db.ExecContext(ctx, query, toMillis(cutoff))
	if err != nil {
		return 0, tokenstore.Unavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, tokenstore.Unavailable(err)
	}
	return n, nil
}

func (s *TokenStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return tokenstore.Unavailable(err)
	}
	return nil
}

var _ tokenstore.Store = (*TokenStore)(nil)
