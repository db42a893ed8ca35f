// Package httpapi exposes a magiclink.Engine over HTTP with gorilla/mux.
//
// Routes, relative to the router root:
//
//	POST /auth/magic-link/send    {"email","purpose"}  -> 202 {"expiresIn"[,"warning"]}
//	POST /auth/magic-link/verify  {"token","email"}    -> 200 {"user","sessionToken","expiresAt","isNewUser"}
//	GET  /auth/magic-link/health                       -> 200 or 503 {"status","checks"}
//
// Errors are {"code","message"} bodies built by Engine.Describe. Rate
// limited requests get 429 with a Retry-After header in whole seconds.
package httpapi
