// Package stores holds the Redis-backed magic-link token store.
//
// Records are keyed by the SHA-256 of the raw token. Save uses SET NX with a
// TTL covering the link lifetime plus the retention window. Claim is a single
// Lua script that checks email, expiry and the used marker and stamps the
// record in place, so two concurrent claims of one token can never both win.
// Raw tokens are never written to Redis or logged.
package stores
