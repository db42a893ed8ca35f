package magiclink

import (
	internalaudit "github.com/MrEthical07/magiclink/internal/audit"
)

// AuditEvent is one audit record.
type AuditEvent = internalaudit.Event

// AuditSink receives audit events.
type AuditSink = internalaudit.Sink

type NoOpSink = internalaudit.NoOpSink
type ChannelSink = internalaudit.ChannelSink
type JSONWriterSink = internalaudit.JSONWriterSink
type SlogSink = internalaudit.SlogSink

var (
	NewChannelSink    = internalaudit.NewChannelSink
	NewJSONWriterSink = internalaudit.NewJSONWriterSink
	NewSlogSink       = internalaudit.NewSlogSink
)
