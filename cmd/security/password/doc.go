// Package password hashes and verifies account passwords.
//
// New hashes are Argon2id in the PHC string format:
//
//	$argon2id$v=19$m=<mem>,t=<iter>,p=<par>$<salt_b64>$<key_b64>
//
// Verify also accepts bcrypt hashes ($2a$, $2b$, $2y$) so that accounts created
// before the Argon2id migration keep working; NeedsRehash reports them for upgrade.
//
// Stored hashes are treated as untrusted input: malformed strings and parameters far
// above the configured cost are rejected with ErrInvalidHash.
package password
