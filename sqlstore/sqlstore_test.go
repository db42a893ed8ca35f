package sqlstore_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"net/url"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrEthical07/magiclink"
	"github.com/MrEthical07/magiclink/delivery"
	"github.com/MrEthical07/magiclink/sqlstore"
	"github.com/MrEthical07/magiclink/tokenstore"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *sqlx.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "data", "magiclink.db")
	dsn := "file:" + path + "?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)"
	db, err := sqlstore.Open(context.Background(), sqlstore.DriverSQLite, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, sqlstore.Migrate(db.DB, sqlstore.DriverSQLite))
	return db
}

func newRecord(email string, issued time.Time, ttl time.Duration) *tokenstore.Record {
	var raw [32]byte
	_, _ = rand.Read(raw[:])
	return &tokenstore.Record{
		ID:              fmt.Sprintf("tok-%x", raw[:4]),
		SubjectEmail:    email,
		TokenHash:       sha256.Sum256(raw[:]),
		Purpose:         tokenstore.PurposeLogin,
		IssuedAt:        issued,
		ExpiresAt:       issued.Add(ttl),
		OriginIP:        "203.0.113.5",
		OriginUserAgent: "curl/8",
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := sqlstore.Open(context.Background(), "mysql", "root@/db")
	require.Error(t, err)
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, sqlstore.Migrate(db.DB, sqlstore.DriverSQLite))

	require.NoError(t, sqlstore.MigrateDown(db.DB, sqlstore.DriverSQLite))
	require.NoError(t, sqlstore.Migrate(db.DB, sqlstore.DriverSQLite))
}

func TestTokenStoreSaveAndLookup(t *testing.T) {
	store := sqlstore.NewTokenStore(newTestDB(t))
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)
	rec := newRecord("a@example.com", now, 15*time.Minute)

	require.NoError(t, store.Save(ctx, rec, 48*time.Hour))
	assert.ErrorIs(t, store.Save(ctx, rec, 48*time.Hour), tokenstore.ErrDuplicateToken)

	got, err := store.Lookup(ctx, rec.TokenHash)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, rec.TokenHash, got.TokenHash)
	assert.Equal(t, "a@example.com", got.SubjectEmail)
	assert.Equal(t, tokenstore.PurposeLogin, got.Purpose)
	assert.True(t, got.ExpiresAt.Equal(rec.ExpiresAt))
	assert.Nil(t, got.UsedAt)
	assert.Equal(t, "curl/8", got.OriginUserAgent)
	assert.Equal(t, tokenstore.StatePending, got.State(now))

	_, err = store.Lookup(ctx, sha256.Sum256([]byte("missing")))
	assert.ErrorIs(t, err, tokenstore.ErrNotFound)
	assert.NoError(t, store.Ping(ctx))
}

func TestTokenStoreClaimConditions(t *testing.T) {
	store := sqlstore.NewTokenStore(newTestDB(t))
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)
	rec := newRecord("b@example.com", now, 15*time.Minute)
	require.NoError(t, store.Save(ctx, rec, 0))

	_, err := store.Claim(ctx, rec.TokenHash, "other@example.com", now)
	assert.ErrorIs(t, err, tokenstore.ErrNotClaimed)

	_, err = store.Claim(ctx, rec.TokenHash, "b@example.com", rec.ExpiresAt)
	assert.ErrorIs(t, err, tokenstore.ErrNotClaimed, "claim at expiry must fail")

	at := rec.ExpiresAt.Add(-time.Millisecond)
	claimed, err := store.Claim(ctx, rec.TokenHash, "b@example.com", at)
	require.NoError(t, err)
	require.NotNil(t, claimed.UsedAt)
	assert.True(t, claimed.UsedAt.Equal(at))
	assert.Equal(t, rec.ID, claimed.ID)

	_, err = store.Claim(ctx, rec.TokenHash, "b@example.com", at)
	assert.ErrorIs(t, err, tokenstore.ErrNotClaimed)

	_, err = store.Claim(ctx, sha256.Sum256([]byte("never")), "b@example.com", now)
	assert.ErrorIs(t, err, tokenstore.ErrNotClaimed)
}

func TestTokenStoreClaimSingleWinner(t *testing.T) {
	store := sqlstore.NewTokenStore(newTestDB(t))
	ctx := context.Background()
	now := time.Now()
	rec := newRecord("race@example.com", now, 15*time.Minute)
	require.NoError(t, store.Save(ctx, rec, 0))

	const attempts = 16
	var (
		wg      sync.WaitGroup
		start   = make(chan struct{})
		winners atomic.Int64
		losers  atomic.Int64
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := store.Claim(ctx, rec.TokenHash, "race@example.com", now)
			switch {
			case err == nil:
				winners.Add(1)
			case assert.ErrorIs(t, err, tokenstore.ErrNotClaimed):
				losers.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, 1, winners.Load())
	assert.EqualValues(t, attempts-1, losers.Load())
}

func TestTokenStoreLinkUserAndPurge(t *testing.T) {
	store := sqlstore.NewTokenStore(newTestDB(t))
	ctx := context.Background()
	base := time.Now().Add(-72 * time.Hour).Truncate(time.Millisecond)

	used := newRecord("c@example.com", base, 15*time.Minute)
	stale := newRecord("c@example.com", base, 15*time.Minute)
	fresh := newRecord("c@example.com", time.Now(), 15*time.Minute)
	for _, rec := range []*tokenstore.Record{used, stale, fresh} {
		require.NoError(t, store.Save(ctx, rec, 0))
	}

	_, err := store.Claim(ctx, used.TokenHash, "c@example.com", base.Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, store.LinkUser(ctx, used.TokenHash, "user-1"))
	got, err := store.Lookup(ctx, used.TokenHash)
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.LinkedUserID)
	assert.ErrorIs(t, store.LinkUser(ctx, sha256.Sum256([]byte("x")), "user-1"), tokenstore.ErrNotFound)

	n, err := store.PurgeBefore(ctx, time.Now().Add(-48*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	_, err = store.Lookup(ctx, fresh.TokenHash)
	assert.NoError(t, err)
	_, err = store.Lookup(ctx, stale.TokenHash)
	assert.ErrorIs(t, err, tokenstore.ErrNotFound)
}

func TestUserStoreLifecycle(t *testing.T) {
	users := sqlstore.NewUserStore(newTestDB(t))
	ctx := context.Background()
	created := time.Now().Truncate(time.Millisecond)

	_, err := users.GetUserByEmail(ctx, "d@example.com")
	assert.ErrorIs(t, err, magiclink.ErrUserNotFound)

	rec, err := users.CreateUser(ctx, magiclink.NewUser{
		Email:     "d@example.com",
		UserType:  "member",
		Verified:  true,
		CreatedAt: created,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.UserID)
	assert.Equal(t, magiclink.UserActive, rec.Status)

	_, err = users.CreateUser(ctx, magiclink.NewUser{Email: "d@example.com", UserType: "member"})
	assert.ErrorIs(t, err, magiclink.ErrUserExists)

	login := created.Add(time.Hour)
	require.NoError(t, users.TouchLastLogin(ctx, rec.UserID, login))
	got, err := users.GetUserByEmail(ctx, "d@example.com")
	require.NoError(t, err)
	require.NotNil(t, got.LastLoginAt)
	assert.True(t, got.LastLoginAt.Equal(login))
	assert.True(t, got.Verified)
	assert.True(t, got.CreatedAt.Equal(created))

	assert.ErrorIs(t, users.TouchLastLogin(ctx, "nobody", login), magiclink.ErrUserNotFound)

	require.NoError(t, users.SetStatus(ctx, rec.UserID, magiclink.UserDisabled))
	got, err = users.GetUserByEmail(ctx, "d@example.com")
	require.NoError(t, err)
	assert.Equal(t, magiclink.UserDisabled, got.Status)
}

func TestUserStoreDeletedEmailCanBeReused(t *testing.T) {
	users := sqlstore.NewUserStore(newTestDB(t))
	ctx := context.Background()

	old, err := users.CreateUser(ctx, magiclink.NewUser{Email: "e@example.com", UserType: "member"})
	require.NoError(t, err)
	require.NoError(t, users.SetStatus(ctx, old.UserID, magiclink.UserDeleted))

	got, err := users.GetUserByEmail(ctx, "e@example.com")
	require.NoError(t, err)
	assert.Equal(t, magiclink.UserDeleted, got.Status)

	fresh, err := users.CreateUser(ctx, magiclink.NewUser{Email: "e@example.com", UserType: "member"})
	require.NoError(t, err)
	got, err = users.GetUserByEmail(ctx, "e@example.com")
	require.NoError(t, err)
	assert.Equal(t, fresh.UserID, got.UserID)

	assert.ErrorIs(t, users.SetStatus(ctx, old.UserID, magiclink.UserActive), magiclink.ErrUserExists)
}

func TestEngineOverSQL(t *testing.T) {
	db := newTestDB(t)
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	cfg := magiclink.DefaultConfig()
	cfg.Session.PrivateKey = priv
	cfg.Session.PublicKey = pub
	cfg.Delivery.BaseURL = "https://app.example.com/auth/verify"
	cfg.RateLimit.Enabled = false

	now := time.Now().Truncate(time.Millisecond)
	clock := func() time.Time { return now }
	mail := delivery.NewLogDeliverer(nil, "Acme", cfg.Token.TTL).Recording()
	users := sqlstore.NewUserStore(db)

	engine, err := magiclink.New().
		WithConfig(cfg).
		WithTokenStore(sqlstore.NewTokenStore(db)).
		WithUserStore(users).
		WithDeliverer(mail).
		WithClock(clock).
		Build()
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	ctx := magiclink.WithClientIP(context.Background(), "198.51.100.7")
	_, err = engine.SendMagicLink(ctx, "sql@example.com", magiclink.PurposeRegistration)
	require.NoError(t, err)

	outbox := mail.Outbox()
	require.Len(t, outbox, 1)
	link, err := url.Parse(outbox[0].Link)
	require.NoError(t, err)
	token := link.Query().Get("token")

	res, err := engine.VerifyMagicLink(ctx, token, "sql@example.com")
	require.NoError(t, err)
	assert.True(t, res.IsNewUser)

	stored, err := users.GetUserByEmail(ctx, "sql@example.com")
	require.NoError(t, err)
	assert.Equal(t, res.User.ID, stored.UserID)

	_, err = engine.VerifyMagicLink(ctx, token, "sql@example.com")
	assert.ErrorIs(t, err, magiclink.ErrTokenAlreadyUsed)

	assert.Equal(t, magiclink.HealthOK, engine.Health(ctx).Checks["store"])

	now = now.Add(49 * time.Hour)
	purged, err := engine.Sweep(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)
}

func TestEngineOverSQLReportsLimiterOutage(t *testing.T) {
	tests := []struct {
		name       string
		failOpen   bool
		wantSend   error
		wantStatus string
	}{
		{"fail closed", false, magiclink.ErrInternal, magiclink.HealthDown},
		{"fail open", true, nil, magiclink.HealthDegraded},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			db := newTestDB(t)
			pub, priv, err := ed25519.GenerateKey(rand.Reader)
			require.NoError(t, err)

			mr, err := miniredis.Run()
			require.NoError(t, err)
			rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = rdb.Close() })

			cfg := magiclink.DefaultConfig()
			cfg.Session.PrivateKey = priv
			cfg.Session.PublicKey = pub
			cfg.Delivery.BaseURL = "https://app.example.com/auth/verify"
			cfg.Timeouts.Store = 200 * time.Millisecond
			cfg.RateLimit.FailOpen = tc.failOpen

			engine, err := magiclink.New().
				WithConfig(cfg).
				WithRedis(rdb).
				WithTokenStore(sqlstore.NewTokenStore(db)).
				WithUserStore(sqlstore.NewUserStore(db)).
				WithDeliverer(delivery.NewLogDeliverer(nil, "Acme", cfg.Token.TTL).Recording()).
				Build()
			require.NoError(t, err)
			t.Cleanup(engine.Close)

			ctx := magiclink.WithClientIP(context.Background(), "198.51.100.9")
			health := engine.Health(ctx)
			assert.Equal(t, magiclink.HealthOK, health.Status)
			assert.Equal(t, magiclink.HealthOK, health.Checks["rate_limit"])

			mr.Close()

			_, err = engine.SendMagicLink(ctx, "outage@example.com", magiclink.PurposeRegistration)
			if tc.wantSend != nil {
				assert.ErrorIs(t, err, tc.wantSend)
			} else {
				assert.NoError(t, err)
			}

			health = engine.Health(ctx)
			assert.Equal(t, tc.wantStatus, health.Status)
			assert.Equal(t, magiclink.HealthOK, health.Checks["store"])
			assert.Equal(t, "error", health.Checks["rate_limit"])
		})
	}
}
