package httpapi_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/MrEthical07/magiclink"
	"github.com/MrEthical07/magiclink/delivery"
	"github.com/MrEthical07/magiclink/httpapi"
	"github.com/MrEthical07/magiclink/sqlstore"
	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiEnv struct {
	router *mux.Router
	mr     *miniredis.Miniredis
	mail   *delivery.LogDeliverer
	users  *sqlstore.UserStore
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	dsn := "file:" + filepath.Join(t.TempDir(), "api.db") + "?_pragma=busy_timeout(5000)"
	db, err := sqlstore.Open(context.Background(), sqlstore.DriverSQLite, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, sqlstore.Migrate(db.DB, sqlstore.DriverSQLite))

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	cfg := magiclink.DefaultConfig()
	cfg.Session.PrivateKey = priv
	cfg.Session.PublicKey = pub
	cfg.Delivery.BaseURL = "https://app.example.com/auth/verify"

	mail := delivery.NewLogDeliverer(nil, "Acme", cfg.Token.TTL).Recording()
	users := sqlstore.NewUserStore(db)
	engine, err := magiclink.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithUserStore(users).
		WithDeliverer(mail).
		Build()
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	return &apiEnv{
		router: httpapi.NewRouter(engine, httpapi.Options{TrustForwardedFor: true}),
		mr:     mr,
		mail:   mail,
		users:  users,
	}
}

func (env *apiEnv) do(t *testing.T, method, path, ip string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if ip != "" {
		req.Header.Set("X-Forwarded-For", ip+", 10.0.0.1")
	}
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func (env *apiEnv) lastToken(t *testing.T) string {
	t.Helper()
	out := env.mail.Outbox()
	require.NotEmpty(t, out)
	u, err := url.Parse(out[len(out)-1].Link)
	require.NoError(t, err)
	return u.Query().Get("token")
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestSendAndVerify(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodPost, "/auth/magic-link/send", "198.51.100.10",
		map[string]string{"email": "New@Example.com", "purpose": "registration"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	body := decodeBody(t, rec)
	assert.EqualValues(t, 900, body["expiresIn"])
	assert.NotContains(t, body, "warning")

	token := env.lastToken(t)
	assert.NotContains(t, rec.Body.String(), token)

	rec = env.do(t, http.MethodPost, "/auth/magic-link/verify", "198.51.100.10",
		map[string]string{"token": token, "email": "new@example.com"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body = decodeBody(t, rec)
	assert.Equal(t, true, body["isNewUser"])
	assert.NotEmpty(t, body["sessionToken"])
	user, ok := body["user"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "new@example.com", user["email"])
	assert.Equal(t, true, user["verified"])

	_, err := env.users.GetUserByEmail(context.Background(), "new@example.com")
	require.NoError(t, err)

	rec = env.do(t, http.MethodPost, "/auth/magic-link/verify", "198.51.100.10",
		map[string]string{"token": token, "email": "new@example.com"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, magiclink.CodeRedemptionFailed, body["code"])
	assert.Equal(t, "invalid or expired link", body["message"])
}

func TestSendValidation(t *testing.T) {
	env := newAPIEnv(t)

	tests := []struct {
		name    string
		body    any
		message string
	}{
		{"bad email", map[string]string{"email": "nope", "purpose": "LOGIN"}, "invalid email"},
		{"missing email", map[string]string{"purpose": "LOGIN"}, "invalid email"},
		{"bad purpose", map[string]string{"email": "a@example.com", "purpose": "RESET"}, "invalid purpose"},
		{"missing purpose", map[string]string{"email": "a@example.com"}, "invalid purpose"},
		{"malformed json", "{not json", "malformed request body"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/auth/magic-link/send", "198.51.100.11", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			body := decodeBody(t, rec)
			assert.Equal(t, magiclink.CodeValidation, body["code"])
			assert.Equal(t, tc.message, body["message"])
		})
	}
	assert.Empty(t, env.mail.Outbox())
}

func TestVerifyRequiresToken(t *testing.T) {
	env := newAPIEnv(t)
	rec := env.do(t, http.MethodPost, "/auth/magic-link/verify", "198.51.100.12",
		map[string]string{"email": "a@example.com"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "token is required", decodeBody(t, rec)["message"])
}

func TestSendPreconditionStatuses(t *testing.T) {
	env := newAPIEnv(t)
	_, err := env.users.CreateUser(context.Background(), magiclink.NewUser{Email: "taken@example.com", UserType: "member"})
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/auth/magic-link/send", "198.51.100.13",
		map[string]string{"email": "ghost@example.com", "purpose": "LOGIN"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, magiclink.CodeAccountNotFound, decodeBody(t, rec)["code"])

	rec = env.do(t, http.MethodPost, "/auth/magic-link/send", "198.51.100.13",
		map[string]string{"email": "taken@example.com", "purpose": "REGISTRATION"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, magiclink.CodeAccountExists, decodeBody(t, rec)["code"])
}

func TestSendRateLimited(t *testing.T) {
	env := newAPIEnv(t)
	_, err := env.users.CreateUser(context.Background(), magiclink.NewUser{Email: "busy@example.com", UserType: "member"})
	require.NoError(t, err)
	payload := map[string]string{"email": "busy@example.com", "purpose": "LOGIN"}

	for i := 0; i < 5; i++ {
		rec := env.do(t, http.MethodPost, "/auth/magic-link/send", "203.0.113.20", payload)
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	}

	rec := env.do(t, http.MethodPost, "/auth/magic-link/send", "203.0.113.20", payload)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, magiclink.CodeRateLimited, decodeBody(t, rec)["code"])
	secs, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.True(t, secs >= 1 && secs <= 900, "retry after %d", secs)

	rec = env.do(t, http.MethodPost, "/auth/magic-link/send", "203.0.113.21", payload)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodGet, "/auth/magic-link/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, magiclink.HealthOK, body["status"])
	checks, ok := body["checks"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, magiclink.HealthOK, checks["store"])
	assert.Equal(t, magiclink.HealthOK, checks["delivery"])

	env.mr.Close()
	rec = env.do(t, http.MethodGet, "/auth/magic-link/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, magiclink.HealthDown, decodeBody(t, rec)["status"])
}

func TestRequestIDIsEchoed(t *testing.T) {
	env := newAPIEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/auth/magic-link/health", nil)
	req.Header.Set("X-Request-ID", "trace-42")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, "trace-42", rec.Header().Get("X-Request-ID"))
}

func TestWrongMethodIsRejected(t *testing.T) {
	env := newAPIEnv(t)
	rec := env.do(t, http.MethodGet, "/auth/magic-link/send", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
