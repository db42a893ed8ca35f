package logger

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	slogmulti "github.com/samber/slog-multi"
	slogsentry "github.com/samber/slog-sentry/v2"
)

// Log is the process-wide logger set by Init.
var Log *slog.Logger

// Init builds the process logger and installs it as slog's default.
// Development: text at debug level. Otherwise JSON at info level.
// With a Sentry DSN, error records are also forwarded to Sentry.
func Init(isDev bool, sentryDSN string) *slog.Logger {
	return initWith(os.Stdout, isDev, sentryDSN)
}

func initWith(w io.Writer, isDev bool, sentryDSN string) *slog.Logger {
	var handlers []slog.Handler

	if isDev {
		handlers = append(handlers, slog.NewTextHandler(w, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
	} else {
		handlers = append(handlers, slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	if sentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              sentryDSN,
			TracesSampleRate: 1.0,
		})
		if err == nil {
			handlers = append(handlers, slogsentry.Option{
				Level: slog.LevelError,
			}.NewSentryHandler())
		} else {
			slog.New(handlers[0]).Warn("sentry disabled", "error", err)
		}
	}

	var handler slog.Handler
	if len(handlers) > 1 {
		handler = slogmulti.Fanout(handlers...)
	} else {
		handler = handlers[0]
	}

	Log = slog.New(handler).With("service", "magiclink")
	slog.SetDefault(Log)
	return Log
}

// Flush waits up to timeout for buffered Sentry events. Safe to call
// without Sentry.
func Flush(timeout time.Duration) {
	sentry.Flush(timeout)
}
