// Package middleware exposes HTTP middleware that admits requests carrying
// a session credential minted by magiclink.Engine after a redemption.
//
// # Guards
//
//   - [RequireSession] verifies the bearer credential.
//   - [RequireUserType] additionally restricts the accepted user types.
//
// Each guard reads the Authorization header, calls Engine.ParseSession and
// injects the verified claims into the request context.
//
// This package translates HTTP semantics into Engine calls. It does not
// parse credentials itself and never touches the token store.
package middleware
