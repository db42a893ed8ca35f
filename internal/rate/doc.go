// Package rate provides the Redis-backed fixed-window counter used to
// throttle magic-link send and verify requests.
//
// # Window semantics
//
// One Lua script performs INCR, sets PEXPIRE on the first hit, and returns
// the count together with the remaining PTTL. There is no read-then-write
// step, so concurrent requests across processes share one budget. Keys:
//   - mlrl:send:<ip>|<email>   send budget
//   - mlrl:verify:<ip>|<email> verify budget
//
// # What this package must NOT do
//
//   - Know about tokens, purposes or users.
//   - Be imported outside the magiclink module.
package rate
