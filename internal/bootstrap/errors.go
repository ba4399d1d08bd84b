// ABOUTME: Error types reported by the bootstrap.
// ABOUTME: Configuration and verification failures are fatal; backup restore failures are not.

package bootstrap

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration is returned when required identity or configuration is missing.
	ErrConfiguration = errors.New("bootstrap: missing configuration")

	// ErrDeviceVerificationFailed is returned when the device is still untrusted after every retry.
	ErrDeviceVerificationFailed = errors.New("bootstrap: device verification failed")
)

// BackupRestoreError describes a failed, non-fatal key backup restore.
type BackupRestoreError struct {
	// Stage is where the restore failed: "read_secret", "decode_secret", or "restore".
	Stage string
	// BadKey is set when the cached secret storage key was discarded because of this failure.
	BadKey bool
	Err    error
}

func (e *BackupRestoreError) Error() string {
	return fmt.Sprintf("key backup restore failed at %s: %v", e.Stage, e.Err)
}

func (e *BackupRestoreError) Unwrap() error {
	return e.Err
}
