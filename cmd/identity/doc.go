// Package identity owns Tars user accounts: registration input rules,
// username canonicalization, ULID ids and the user stores (in-memory and
// PostgreSQL) used by the HTTP API and the realtime directory.
package identity
