// Package ssss implements Matrix secret storage keys derived from a
// recovery passphrase.
//
// A key descriptor lives in account data under m.secret_storage.key.<id>.
// Only passphrase descriptors (m.pbkdf2) are supported. The passphrase is
// stretched with PBKDF2-HMAC-SHA512, and when the descriptor carries an
// iv/mac pair the result is checked against it before use. A key that
// fails the check is never cached.
//
// Verified keys are kept in a local [KeyCache] keyed by key id so the
// expensive derivation runs once per device. Secrets are decrypted with
// per-secret AES-CTR and HMAC-SHA256 subkeys; the MAC is always checked
// before any plaintext is produced.
package ssss
