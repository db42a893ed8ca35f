package delivery

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/resend/resend-go/v2"
)

type emailSender interface {
	SendWithContext(ctx context.Context, params *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
}

// ResendConfig configures the Resend-backed deliverer.
type ResendConfig struct {
	APIKey  string
	From    string
	AppName string
	// LinkTTL is only used in the message text.
	LinkTTL time.Duration
}

// ResendDeliverer sends magic links through the Resend API.
type ResendDeliverer struct {
	emails  emailSender
	from    string
	appName string
	linkTTL time.Duration
	logger  *slog.Logger
}

func NewResendDeliverer(cfg ResendConfig, logger *slog.Logger) (*ResendDeliverer, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("email service not configured (missing RESEND_API_KEY)")
	}
	if cfg.From == "" {
		return nil, errors.New("email sender address required")
	}
	client := resend.NewClient(cfg.APIKey)
	return newResendDeliverer(client.Emails, cfg, logger), nil
}

func newResendDeliverer(emails emailSender, cfg ResendConfig, logger *slog.Logger) *ResendDeliverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResendDeliverer{
		emails:  emails,
		from:    cfg.From,
		appName: cfg.AppName,
		linkTTL: cfg.LinkTTL,
		logger:  logger,
	}
}

func (d *ResendDeliverer) Send(ctx context.Context, destination, link string, kind TemplateKind) error {
	subject, body := Template(kind, d.appName, link, d.linkTTL)

	params := &resend.SendEmailRequest{
		From:    d.from,
		To:      []string{destination},
		Subject: subject,
		Text:    body,
	}

	sent, err := d.emails.SendWithContext(ctx, params)
	if err != nil {
		return err
	}
	attrs := []any{"type", "magic_link", "template", string(kind)}
	if sent != nil {
		attrs = append(attrs, "message_id", sent.Id)
	}
	d.logger.InfoContext(ctx, "email sent", attrs...)
	return nil
}
