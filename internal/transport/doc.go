// Package transport defines the narrow slice of the Matrix client-server
// API that checkpoint persistence and the crypto bootstrap consume.
//
// [Transport] covers room state (get/send), backward pagination of room
// history, and per-user account data. Absence is reported as
// [ErrNotFound], which callers treat as a normal empty result.
//
// The production implementation lives in internal/matrix and wraps a
// mautrix client that is already logged in and syncing. [Memory] is an
// in-memory room server for tests and local experiments; it records call
// counts and can inject failures.
package transport
