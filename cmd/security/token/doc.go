// Package token derives log-safe fingerprints of bearer tokens.
//
// Raw access tokens are never written to logs. A fingerprint is a short hex
// prefix of SHA-256(token), or of HMAC-SHA256(token, key) when
// TARS_TOKEN_HMAC_KEY is set. The key is read once at startup and handed to a
// Fingerprinter, so operators can correlate failures without
// being able to replay them.
package token
