// Package internal holds helpers that are private to magiclink, currently
// magic-link token generation and decoding.
//
// # Sub-packages
//
//   - audit: async event dispatch (Dispatcher + Sink implementations)
//   - flows: pure decision functions for purpose preconditions and claim classification
//   - rate: Redis-backed fixed-window rate limiting
//   - stores: Redis token store
package internal
