// Package password implements password hashing and verification with
// argon2id.
//
// Hashes are encoded in PHC string format:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// The [Hasher] supports transparent parameter upgrades: if a stored hash
// was produced with weaker parameters, [Hasher.NeedsRehash] returns true
// so the caller can re-hash on the next successful login.
//
// The package owns hashing only. Password policy, storage, and lockout
// live with the caller; plaintext never leaves the call stack.
package password
