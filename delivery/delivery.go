package delivery

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// TemplateKind selects the message a link is wrapped in.
type TemplateKind string

const (
	// TemplateLogin wraps links for existing accounts.
	TemplateLogin TemplateKind = "login"
	// TemplateRegistration wraps links that finish creating an account.
	TemplateRegistration TemplateKind = "registration"
)

var ErrInvalidBaseURL = errors.New("invalid magic link base url")

// RenderLink builds the link the recipient clicks. token, email and purpose
// travel as query parameters on baseURL.
func RenderLink(baseURL, token, email, purpose string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", ErrInvalidBaseURL
	}

	q := u.Query()
	q.Set("token", token)
	q.Set("email", email)
	if purpose != "" {
		q.Set("purpose", purpose)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Template returns subject and plain-text body for kind.
func Template(kind TemplateKind, appName, link string, ttl time.Duration) (string, string) {
	if appName == "" {
		appName = "your account"
	}
	expiry := humanDuration(ttl)

	switch kind {
	case TemplateRegistration:
		subject := fmt.Sprintf("Finish creating your %s account", appName)
		body := fmt.Sprintf(`Welcome! Confirm your email address and finish signing up:
%s

This link expires in %s and can only be used once.

If you didn't request this, ignore this email.

Best,
The %s Team`, link, expiry, appName)
		return subject, body
	default:
		subject := fmt.Sprintf("Sign in to %s", appName)
		body := fmt.Sprintf(`Click this link to sign in to your account:
%s

This link expires in %s and can only be used once.

If you didn't request this, ignore this email.

Best,
The %s Team`, link, expiry, appName)
		return subject, body
	}
}

func humanDuration(d time.Duration) string {
	if d <= 0 {
		return "a few minutes"
	}
	if d < time.Hour {
		m := int(d.Round(time.Minute) / time.Minute)
		if m <= 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", m)
	}
	h := int(d.Round(time.Hour) / time.Hour)
	if h == 1 {
		return "1 hour"
	}
	return fmt.Sprintf("%d hours", h)
}
