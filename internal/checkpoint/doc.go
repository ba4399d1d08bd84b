// Package checkpoint persists resumable agent execution state in a Matrix
// room.
//
// Every checkpoint is an immutable state event. A thread's history is a
// singly linked list through each checkpoint's parent id, so listing walks
// the chain backward from the thread's head. The head is found through a
// [ThreadIndex]: one state event per index namespace mapping thread ids to
// the most recently written checkpoint id. A redundant "latest" pointer per
// thread is also written and consulted when the index has no entry.
//
// Pending writes for a checkpoint live together in one state event, keyed
// by (task id, idx) so that replays overwrite instead of duplicating.
//
// There are no locks or transactions. Concurrent writers on the same
// thread both succeed and the index is last writer wins; the losing branch
// stays reachable by explicit checkpoint id. [Options.VerifyParent] turns
// on an expected-parent check for callers that want to detect this.
//
// Reads go through process-local LRU caches with TTL expiry. Caches are
// never invalidated across processes; only [Store.DeleteThread] purges by
// prefix.
package checkpoint
