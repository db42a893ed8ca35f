// Package delivery renders magic links and hands them to an outbound
// channel: Resend for real email, a logger for development.
package delivery
