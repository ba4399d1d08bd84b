// Package app wires configuration into a running checkpoint store.
//
// An [App] is built once per process. [Open] logs in to Matrix and opens
// the local key cache; [New] takes already-built collaborators, which is
// how tests run the whole stack against an in-memory room.
package app
