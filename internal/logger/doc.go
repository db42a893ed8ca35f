// Package logger configures the process slog logger for the magiclink
// binaries: text in development, JSON otherwise, fanned out to Sentry for
// errors when a DSN is set.
package logger
