// Package flows holds the pure decision functions behind the Engine's
// purpose resolution and redemption error classification.
//
// Functions here take plain values and return a kind; the root package maps
// kinds to its public errors, metrics and audit events.
//
// # What this package must NOT do
//
//   - Perform I/O or hold state between calls.
//   - Import magiclink (to avoid import cycles).
package flows
