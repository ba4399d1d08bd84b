// ABOUTME: Event types and state keys for checkpoint records in the room.
// ABOUTME: Key parts are path-escaped so ids containing "/" cannot collide.

package checkpoint

import (
	"net/url"
	"strings"
)

// DefaultEventPrefix namespaces every state event type the store writes.
const DefaultEventPrefix = "ai.coven"

// DefaultIndexNamespace is the thread map used when Options.IndexNamespace is empty.
const DefaultIndexNamespace = "default"

// EventTypes are the state event types for one prefix.
type EventTypes struct {
	Checkpoint string
	Writes     string
	Latest     string
	ThreadMap  string
}

// NewEventTypes derives the event types for prefix.
func NewEventTypes(prefix string) EventTypes {
	if prefix == "" {
		prefix = DefaultEventPrefix
	}
	return EventTypes{
		Checkpoint: prefix + ".checkpoint",
		Writes:     prefix + ".checkpoint.writes",
		Latest:     prefix + ".checkpoint.latest",
		ThreadMap:  prefix + ".thread_map",
	}
}

func joinKey(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return strings.Join(escaped, "/")
}

// checkpointKey is the state key of a checkpoint and of its writes.
func checkpointKey(thread, ns, id string) string {
	return joinKey(thread, ns, id)
}

// threadKey is the state key of a thread's latest pointer.
func threadKey(thread, ns string) string {
	return joinKey(thread, ns)
}

// threadPrefix matches every cache key belonging to one namespace of a thread.
func threadPrefix(thread, ns string) string {
	return joinKey(thread, ns) + "/"
}

// indexKey is the thread map entry for a thread. Sub-namespaces get their own
// entry. Both parts are escaped so a "|" inside an id cannot collide with the separator.
func indexKey(thread, ns string) string {
	if ns == "" {
		return url.PathEscape(thread)
	}
	return url.PathEscape(thread) + "|" + url.PathEscape(ns)
}
