// Package password hashes and verifies account passwords with Argon2id.
//
// Hashes use the PHC string form and are treated as untrusted input on
// Verify: malformed strings and parameters far above the configured cost are
// rejected before any key derivation runs.
package password
