// Package statelog reads and writes codec payloads as Matrix state events
// in a single room, which is the only durable store checkpoints have.
//
// [Log.Get] decodes any known payload format. When a value could only be
// read through the legacy uncompressed fallback, Get returns it normally
// and schedules a background rewrite in the current format. The rewrite
// re-reads the event first and gives up if it changed in the meantime;
// failures are logged and never reach the caller. [Log.Wait] blocks until
// scheduled rewrites finish.
//
// Matrix state cannot be deleted, so [Log.Clear] overwrites an event with
// empty content and Get reports such events as absent.
//
// [Log.Scan] walks room history newest first and visits the latest live
// value of every state key of one event type. It is the slow path behind
// index rebuilds.
package statelog
