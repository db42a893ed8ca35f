package magiclink

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/magiclink/delivery"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return mr, client
}

type memUserStore struct {
	mu      sync.Mutex
	byEmail map[string]UserRecord
	nextID  int

	getErr    error
	createErr error

	createCalls int
	touchCalls  int
}

func newMemUserStore() *memUserStore {
	return &memUserStore{byEmail: map[string]UserRecord{}}
}

func (s *memUserStore) GetUserByEmail(_ context.Context, email string) (UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return UserRecord{}, s.getErr
	}
	rec, ok := s.byEmail[email]
	if !ok {
		return UserRecord{}, ErrUserNotFound
	}
	return rec, nil
}

func (s *memUserStore) CreateUser(_ context.Context, in NewUser) (UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createCalls++
	if s.createErr != nil {
		return UserRecord{}, s.createErr
	}
	if rec, ok := s.byEmail[in.Email]; ok && rec.Status != UserDeleted {
		return UserRecord{}, ErrUserExists
	}
	s.nextID++
	rec := UserRecord{
		UserID:    "u" + strconv.Itoa(s.nextID),
		Email:     in.Email,
		FirstName: in.FirstName,
		LastName:  in.LastName,
		UserType:  in.UserType,
		Verified:  in.Verified,
		Status:    UserActive,
		CreatedAt: in.CreatedAt,
	}
	s.byEmail[in.Email] = rec
	return rec, nil
}

func (s *memUserStore) TouchLastLogin(_ context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchCalls++
	for email, rec := range s.byEmail {
		if rec.UserID == userID {
			rec.LastLoginAt = &at
			s.byEmail[email] = rec
			return nil
		}
	}
	return ErrUserNotFound
}

func (s *memUserStore) put(rec UserRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byEmail[rec.Email] = rec
}

func (s *memUserStore) remove(email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byEmail, email)
}

func (s *memUserStore) get(email string) (UserRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byEmail[email]
	return rec, ok
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now().Truncate(time.Millisecond)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type failingDeliverer struct {
	err     error
	pingErr error
	calls   int
	mu      sync.Mutex
}

func (d *failingDeliverer) Send(context.Context, string, string, TemplateKind) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return d.err
}

func (d *failingDeliverer) Ping(context.Context) error { return d.pingErr }

// syncBuffer guards a bytes.Buffer shared by concurrent log writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type testSetup struct {
	cfg       Config
	deliverer Deliverer
	sink      AuditSink
}

type testOption func(*testSetup)

func withConfig(mutate func(*Config)) testOption {
	return func(s *testSetup) { mutate(&s.cfg) }
}

func withDeliverer(d Deliverer) testOption {
	return func(s *testSetup) { s.deliverer = d }
}

func withAuditSink(sink AuditSink) testOption {
	return func(s *testSetup) {
		s.sink = sink
		s.cfg.Audit.Enabled = true
	}
}

type testEnv struct {
	engine *Engine
	mr     *miniredis.Miniredis
	rdb    *redis.Client
	users  *memUserStore
	mail   *delivery.LogDeliverer
	clock  *fakeClock
	logs   *syncBuffer
}

func testConfig(t *testing.T) Config {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate ed25519 key: %v", err)
	}
	cfg := DefaultConfig()
	cfg.Session.PrivateKey = priv
	cfg.Session.PublicKey = pub
	cfg.Delivery.BaseURL = "https://app.example.com/auth/verify"
	cfg.Metrics.Enabled = true
	cfg.Metrics.EnableLatencyHistograms = true
	return cfg
}

func newTestEnv(t *testing.T, opts ...testOption) *testEnv {
	t.Helper()

	mr, rdb := newTestRedis(t)
	logs := &syncBuffer{}
	logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	mail := delivery.NewLogDeliverer(logger, "Acme", 15*time.Minute).Recording()

	setup := &testSetup{cfg: testConfig(t), deliverer: mail}
	for _, opt := range opts {
		opt(setup)
	}

	env := &testEnv{
		mr:    mr,
		rdb:   rdb,
		users: newMemUserStore(),
		mail:  mail,
		clock: newFakeClock(),
		logs:  logs,
	}

	engine, err := New().
		WithConfig(setup.cfg).
		WithRedis(rdb).
		WithUserStore(env.users).
		WithDeliverer(setup.deliverer).
		WithAuditSink(setup.sink).
		WithLogger(logger).
		WithClock(env.clock.Now).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(engine.Close)
	env.engine = engine
	return env
}

func (env *testEnv) addUser(email string, status UserStatus) UserRecord {
	env.users.mu.Lock()
	env.users.nextID++
	id := "seed" + strconv.Itoa(env.users.nextID)
	env.users.mu.Unlock()

	rec := UserRecord{
		UserID:    id,
		Email:     email,
		FirstName: "Ada",
		UserType:  "member",
		Verified:  true,
		Status:    status,
		CreatedAt: env.clock.Now(),
	}
	env.users.put(rec)
	return rec
}

// lastToken returns the token from the most recently delivered link.
func (env *testEnv) lastToken(t *testing.T) string {
	t.Helper()

	out := env.mail.Outbox()
	if len(out) == 0 {
		t.Fatal("expected a delivered link")
	}
	u, err := url.Parse(out[len(out)-1].Link)
	if err != nil {
		t.Fatalf("parse link: %v", err)
	}
	token := u.Query().Get("token")
	if token == "" {
		t.Fatalf("link has no token: %s", out[len(out)-1].Link)
	}
	return token
}

func (env *testEnv) tokenKeys() []string {
	var keys []string
	for _, k := range env.mr.Keys() {
		if strings.HasPrefix(k, env.engine.config.Token.RedisPrefix+":") {
			keys = append(keys, k)
		}
	}
	return keys
}

func (env *testEnv) metric(id MetricID) uint64 {
	return env.engine.metrics.Value(id)
}

func clientCtx(ip string) context.Context {
	return WithClientIP(context.Background(), ip)
}

func mustIs(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("expected %v, got %v", target, err)
	}
}
