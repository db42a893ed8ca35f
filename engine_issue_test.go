package magiclink

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/MrEthical07/magiclink/internal"
	"github.com/MrEthical07/magiclink/tokenstore"
)

func TestIssueTokenPersistsHashedRecord(t *testing.T) {
	env := newTestEnv(t)
	ctx := WithUserAgent(clientCtx("198.51.100.4"), "test-agent/1.0")

	out, err := env.engine.IssueToken(ctx, "  New@Example.COM ", PurposeRegistration)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}
	if out.ExpiresIn != 15*time.Minute {
		t.Fatalf("expected 15m expiry, got %s", out.ExpiresIn)
	}
	if !out.ExpiresAt.Equal(env.clock.Now().Add(15 * time.Minute)) {
		t.Fatalf("unexpected expiresAt %s", out.ExpiresAt)
	}

	raw, err := internal.DecodeMagicToken(out.Token)
	if err != nil {
		t.Fatalf("issued token does not decode: %v", err)
	}
	rec, err := env.engine.tokens.Lookup(context.Background(), tokenstore.HashToken(raw))
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if rec.SubjectEmail != "new@example.com" || rec.Purpose != PurposeRegistration || rec.ID != out.TokenID {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.OriginIP != "198.51.100.4" || rec.OriginUserAgent != "test-agent/1.0" {
		t.Fatalf("origin not recorded: %+v", rec)
	}
	if rec.UsedAt != nil {
		t.Fatal("fresh record must be unused")
	}

	for _, k := range env.tokenKeys() {
		if strings.Contains(k, out.Token) {
			t.Fatal("raw token must not appear in storage keys")
		}
	}
	if strings.Contains(env.logs.String(), out.Token) {
		t.Fatal("raw token must not be logged")
	}
	if s := fmt.Sprint(out); strings.Contains(s, out.Token) {
		t.Fatalf("IssueOutcome.String leaks the token: %s", s)
	}
}

func TestIssueTokenValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, email := range []string{"", "   ", "not-an-email", "a@", strings.Repeat("a", 250) + "@example.com"} {
		_, err := env.engine.IssueToken(ctx, email, PurposeLogin)
		mustIs(t, err, ErrInvalidEmail)
		mustIs(t, err, ErrValidation)
	}

	_, err := env.engine.IssueToken(ctx, "ok@example.com", Purpose(0))
	mustIs(t, err, ErrInvalidPurpose)
	mustIs(t, err, ErrValidation)

	if n := len(env.tokenKeys()); n != 0 {
		t.Fatalf("expected no tokens, got %d", n)
	}
}

func TestPurposePreconditionsIssueNoToken(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("taken@example.com", UserActive)
	env.addUser("off@example.com", UserDisabled)
	ctx := clientCtx("203.0.113.1")

	_, err := env.engine.SendMagicLink(ctx, "taken@example.com", PurposeRegistration)
	mustIs(t, err, ErrAccountAlreadyExists)
	mustIs(t, err, ErrPreconditionFailed)

	_, err = env.engine.SendMagicLink(ctx, "nobody@example.com", PurposeLogin)
	mustIs(t, err, ErrAccountNotFound)
	mustIs(t, err, ErrPreconditionFailed)

	_, err = env.engine.SendMagicLink(ctx, "off@example.com", PurposeLogin)
	mustIs(t, err, ErrAccountDisabled)

	_, err = env.engine.SendMagicLink(ctx, "off@example.com", PurposeRegistration)
	mustIs(t, err, ErrAccountAlreadyExists)

	if n := len(env.tokenKeys()); n != 0 {
		t.Fatalf("expected no tokens after failed preconditions, got %d", n)
	}
	if n := len(env.mail.Outbox()); n != 0 {
		t.Fatalf("expected no deliveries, got %d", n)
	}
	if got := env.metric(MetricSendPreconditionFailed); got != 4 {
		t.Fatalf("expected 4 precondition failures, got %d", got)
	}
}

func TestDeletedAccountCountsAsAbsent(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("gone@example.com", UserDeleted)
	ctx := context.Background()

	if err := env.engine.ResolvePrecondition(ctx, "gone@example.com", PurposeRegistration); err != nil {
		t.Fatalf("expected registration allowed for deleted account, got %v", err)
	}
	mustIs(t, env.engine.ResolvePrecondition(ctx, "gone@example.com", PurposeLogin), ErrAccountNotFound)
}

func TestScenarioLoginWithoutAccountCreatesNoToken(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.SendMagicLink(clientCtx("203.0.113.9"), "ghost@example.com", PurposeLogin)
	mustIs(t, err, ErrAccountNotFound)
	if ErrorCode(err) != CodeAccountNotFound {
		t.Fatalf("unexpected code %q", ErrorCode(err))
	}

	if keys := env.tokenKeys(); len(keys) != 0 {
		t.Fatalf("expected no token rows, got %v", keys)
	}
	if got := env.metric(MetricTokenIssued); got != 0 {
		t.Fatalf("expected no issued tokens, got %d", got)
	}
}

func TestSendMagicLinkDeliversRenderedLink(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("alice@example.com", UserActive)

	res, err := env.engine.SendMagicLink(clientCtx("203.0.113.2"), "Alice@Example.com", PurposeLogin)
	if err != nil {
		t.Fatalf("SendMagicLink failed: %v", err)
	}
	if !res.Delivered || res.Warning != "" || res.ExpiresIn != 15*time.Minute {
		t.Fatalf("unexpected result: %+v", res)
	}

	out := env.mail.Outbox()
	if len(out) != 1 {
		t.Fatalf("expected one delivery, got %d", len(out))
	}
	if out[0].To != "alice@example.com" || out[0].Kind != TemplateKind("login") {
		t.Fatalf("unexpected delivery: %+v", out[0])
	}
	if !strings.HasPrefix(out[0].Link, "https://app.example.com/auth/verify?") {
		t.Fatalf("unexpected link base: %s", out[0].Link)
	}
	if !strings.Contains(out[0].Link, "purpose=LOGIN") {
		t.Fatalf("link is missing purpose: %s", out[0].Link)
	}
	if env.metric(MetricSendAccepted) != 1 || env.metric(MetricDeliverySuccess) != 1 {
		t.Fatal("expected send and delivery metrics")
	}
}

func TestSendMagicLinkDeliveryFailureKeepsTokenValid(t *testing.T) {
	failing := &failingDeliverer{err: errors.New("smtp timeout")}
	env := newTestEnv(t, withDeliverer(failing))
	env.addUser("bob@example.com", UserActive)
	ctx := clientCtx("203.0.113.3")

	res, err := env.engine.SendMagicLink(ctx, "bob@example.com", PurposeLogin)
	if err != nil {
		t.Fatalf("delivery failure must not fail the send: %v", err)
	}
	if res.Delivered || res.Warning != CodeDeliveryFailed {
		t.Fatalf("expected delivery warning, got %+v", res)
	}
	if failing.calls != 1 {
		t.Fatalf("expected one delivery attempt, got %d", failing.calls)
	}
	if n := len(env.tokenKeys()); n != 1 {
		t.Fatalf("expected the token to persist, got %d records", n)
	}
	if env.metric(MetricDeliveryFailure) != 1 {
		t.Fatal("expected delivery failure metric")
	}
}

func TestSendMagicLinkHidesAccountExistenceWhenConfigured(t *testing.T) {
	env := newTestEnv(t, withConfig(func(c *Config) {
		c.Security.RevealAccountExistence = false
	}))
	env.addUser("taken@example.com", UserActive)
	ctx := clientCtx("203.0.113.4")

	hidden, err := env.engine.SendMagicLink(ctx, "taken@example.com", PurposeRegistration)
	if err != nil {
		t.Fatalf("expected uniform success, got %v", err)
	}
	missing, err := env.engine.SendMagicLink(ctx, "ghost@example.com", PurposeLogin)
	if err != nil {
		t.Fatalf("expected uniform success, got %v", err)
	}
	if hidden.ExpiresIn != 15*time.Minute || missing.ExpiresIn != 15*time.Minute {
		t.Fatalf("unexpected results: %+v %+v", hidden, missing)
	}
	if hidden.Warning != "" || missing.Warning != "" {
		t.Fatal("suppressed sends must not carry a warning")
	}
	if !hidden.Delivered || !missing.Delivered {
		t.Fatalf("suppressed sends must look delivered: %+v %+v", hidden, missing)
	}
	if n := len(env.tokenKeys()); n != 0 {
		t.Fatalf("expected no tokens, got %d", n)
	}
	if n := len(env.mail.Outbox()); n != 0 {
		t.Fatalf("expected no deliveries, got %d", n)
	}
}

func TestSendMagicLinkLogsLinkOnlyInDevelopment(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("dev@example.com", UserActive)
	if _, err := env.engine.SendMagicLink(clientCtx("10.0.0.1"), "dev@example.com", PurposeLogin); err != nil {
		t.Fatalf("SendMagicLink failed: %v", err)
	}
	if strings.Contains(env.logs.String(), "magic link (development)") {
		t.Fatal("links must not be logged unless enabled")
	}

	dev := newTestEnv(t, withConfig(func(c *Config) {
		c.Development.LogMagicLinks = true
	}))
	dev.addUser("dev@example.com", UserActive)
	if _, err := dev.engine.SendMagicLink(clientCtx("10.0.0.1"), "dev@example.com", PurposeLogin); err != nil {
		t.Fatalf("SendMagicLink failed: %v", err)
	}
	if !strings.Contains(dev.logs.String(), "magic link (development)") {
		t.Fatal("expected development link log")
	}
}

func TestIssueTokenStoreUnavailableIsInternal(t *testing.T) {
	env := newTestEnv(t)
	env.mr.Close()

	_, err := env.engine.IssueToken(context.Background(), "new@example.com", PurposeRegistration)
	mustIs(t, err, ErrInternal)
	if ErrorCode(err) != CodeInternal {
		t.Fatalf("unexpected code %q", ErrorCode(err))
	}
	if env.metric(MetricStoreError) == 0 {
		t.Fatal("expected store error metric")
	}
}

func TestUserStoreFailureIsInternal(t *testing.T) {
	env := newTestEnv(t)
	env.users.getErr = errors.New("connection reset")

	_, err := env.engine.SendMagicLink(clientCtx("10.0.0.2"), "any@example.com", PurposeLogin)
	mustIs(t, err, ErrInternal)
	if n := len(env.tokenKeys()); n != 0 {
		t.Fatalf("expected no tokens, got %d", n)
	}
}

func TestEngineNotReady(t *testing.T) {
	var e *Engine
	if _, err := e.IssueToken(context.Background(), "a@example.com", PurposeLogin); !errors.Is(err, ErrEngineNotReady) {
		t.Fatalf("expected ErrEngineNotReady, got %v", err)
	}
	if _, err := e.VerifyMagicLink(context.Background(), "t", "a@example.com"); !errors.Is(err, ErrEngineNotReady) {
		t.Fatalf("expected ErrEngineNotReady, got %v", err)
	}
	if h := e.Health(context.Background()); h.Status != HealthDown {
		t.Fatalf("expected down health, got %+v", h)
	}
}
