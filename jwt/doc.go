// Package jwt mints and verifies the session credential handed out after a
// magic link is redeemed. Signing uses ed25519 by default or a shared
// HS256 secret, both configured once per process.
package jwt
