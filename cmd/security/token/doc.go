// Package token computes one-way digests of bearer tokens and identifiers.
//
// Digests are 64-char lowercase hex. With a key configured the digest is
// HMAC-SHA256(key, value); without one it is plain SHA-256, which keeps databases
// written by unkeyed deployments readable.
package token
