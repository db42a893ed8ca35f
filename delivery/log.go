package delivery

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// LogDeliverer writes links to a logger instead of sending them. Use it in
// development only: the log line contains a live credential.
type LogDeliverer struct {
	logger  *slog.Logger
	appName string
	linkTTL time.Duration

	mu   sync.Mutex
	sent []Sent
	keep bool
}

// Sent is one message recorded by a LogDeliverer.
type Sent struct {
	To   string
	Link string
	Kind TemplateKind
}

func NewLogDeliverer(logger *slog.Logger, appName string, linkTTL time.Duration) *LogDeliverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogDeliverer{logger: logger, appName: appName, linkTTL: linkTTL}
}

// Recording makes the deliverer keep every message for Outbox.
func (d *LogDeliverer) Recording() *LogDeliverer {
	d.keep = true
	return d
}

func (d *LogDeliverer) Send(ctx context.Context, destination, link string, kind TemplateKind) error {
	subject, _ := Template(kind, d.appName, link, d.linkTTL)
	d.logger.InfoContext(ctx, "email sent (dev mode)",
		"type", "magic_link",
		"template", string(kind),
		"subject", subject,
		"url", link,
	)
	if d.keep {
		d.mu.Lock()
		d.sent = append(d.sent, Sent{To: destination, Link: link, Kind: kind})
		d.mu.Unlock()
	}
	return nil
}

// Outbox returns a copy of the recorded messages.
func (d *LogDeliverer) Outbox() []Sent {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Sent, len(d.sent))
	copy(out, d.sent)
	return out
}

func (d *LogDeliverer) Ping(context.Context) error { return nil }
