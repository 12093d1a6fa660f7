// Package auth issues and verifies Tars access tokens and serves the account
// HTTP API (register, login, user listings).
//
// Access tokens are PASETO v4.public carrying the user id and username. The
// websocket gateway consumes them through Verifier.
package auth
