// Package magiclink is a passwordless magic-link authentication core. It
// issues single-use, time-bound tokens bound to an email and a purpose
// (LOGIN or REGISTRATION), redeems each token at most once under concurrent
// access, rate limits send and verify attempts per (origin IP, email), and
// mints a signed session credential for the resolved user.
//
// Engine methods are safe to call from multiple goroutines after
// initialization through [Builder.Build].
//
// # Architecture boundaries
//
// magiclink is the public surface. It exposes [Engine], [Builder], [Config],
// the collaborator interfaces [UserStore] and [Deliverer], and value types.
// Token persistence sits behind [tokenstore.Store]; rate limiting, the Redis
// token store, audit dispatch and the pure decision functions live under
// internal/.
//
// # What this package must NOT do
//
//   - Hold an in-process lock across store I/O. Single redemption is
//     enforced by the store's conditional write.
//   - Return or log a raw token anywhere but [IssueOutcome.Token] and the
//     Deliverer call.
//   - Import a sub-package that re-imports magiclink.
package magiclink
