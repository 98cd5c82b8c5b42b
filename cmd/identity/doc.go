// Package identity owns accounts and roles.
//
// Accounts are keyed by the pseudonymized form of their email address; the raw
// address is never stored. Roles are rows in a seeded lookup table and every
// mutation resolves the role name through it, so an account can only reference
// a role that exists.
//
// Store has two implementations: PostgresStore (pgx) and SQLiteStore
// (database/sql over modernc.org/sqlite). Service layers validation, password
// hashing and pseudonymization on top of a Store.
package identity
