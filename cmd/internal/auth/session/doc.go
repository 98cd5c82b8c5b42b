// Package session implements the token lifecycle: login issues an access/refresh
// pair, refresh rotates the pair and burns the presented refresh token.
//
// Access and refresh tokens are HS256 JWTs. Access tokens are verified statelessly.
// Refresh tokens are additionally tracked server-side by fingerprint (a one-way
// digest, never the token itself) so they can be revoked; every successful refresh
// revokes the presented record and inserts its successor in one transaction, so a
// refresh token is accepted at most once even under concurrent presentation.
package session
