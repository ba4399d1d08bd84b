// Package bootstrap establishes a trusted end-to-end encrypted identity for
// the checkpoint account.
//
// [Bootstrapper.Run] moves through these states:
//
//	NoIdentity → IdentityExists → SecretsAccessible → BackupRestored → DeviceVerified
//
// On first run (no cross-signing master key in account data) it clears any
// cached secret storage keys, creates a recovery key from the passphrase,
// publishes secret storage, creates a cross-signing identity, and creates a
// fresh key backup. Any error on that path aborts the whole run; there is
// no partial resume.
//
// When an identity exists it derives and verifies the secret storage key,
// then restores the key backup. Restore is best effort: failures are logged
// and reported in [Result] but do not stop the run. A "bad key" failure
// also drops the cached secret storage key so the next run re-derives it.
//
// Finally the current device must be cross-signed. If it is not, one
// verification request is made and the status is polled with exponential
// backoff. Running out of attempts is fatal.
package bootstrap
