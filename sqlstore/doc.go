// Package sqlstore provides SQL implementations of the magic-link token
// store and a user store, backed by jmoiron/sqlx.
//
// Two drivers are registered: "pgx" (PostgreSQL via jackc/pgx/v5/stdlib)
// and "sqlite" (modernc.org/sqlite). Schema changes are embedded goose
// migrations applied by Migrate.
//
// Claims are a single conditional UPDATE ... RETURNING, so exactly one
// concurrent redemption of a token can succeed regardless of how many
// processes share the database. Expired and used rows are kept until
// TokenStore.PurgeBefore removes them; run magiclink.Engine.RunSweeper to
// do that periodically.
//
// Timestamps are stored as unix milliseconds so comparisons behave the
// same on both drivers.
package sqlstore
