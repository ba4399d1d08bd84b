// Package retry runs an operation repeatedly with exponential backoff.
//
// Delays double from [Policy.BaseDelay] and honour context cancellation,
// so callers bound the total wait with a context instead of sleeping in
// place. Returning an error wrapped with [Permanent] stops immediately.
package retry
