// ABOUTME: Checkpoint, tuple, and pending write types returned by the store.
// ABOUTME: Also defines sentinel errors, reserved channels, and the size warning.

package checkpoint

import (
	"errors"
	"fmt"
	"time"
)

// Schema versions. Checkpoints older than PendingSendsVersion carried
// pending sends in the parent's writes instead of in a channel.
const (
	PendingSendsVersion = 4
	CurrentVersion      = 4
)

// Reserved channel names.
const (
	ChannelTasks     = "__pregel_tasks"
	ChannelError     = "__error__"
	ChannelScheduled = "__scheduled__"
	ChannelInterrupt = "__interrupt__"
	ChannelResume    = "__resume__"
)

// reservedWriteIdx gives special channels a fixed idx so replays land in the same slot.
var reservedWriteIdx = map[string]int{
	ChannelError:     -1,
	ChannelScheduled: -2,
	ChannelInterrupt: -3,
	ChannelResume:    -4,
}

// WriteIdx returns the idx a write on channel at position pos is stored under.
func WriteIdx(channel string, pos int) int {
	if idx, ok := reservedWriteIdx[channel]; ok {
		return idx
	}
	return pos
}

var (
	// ErrMissingThreadID is returned when a config has no thread id.
	ErrMissingThreadID = errors.New("checkpoint: thread id is required")

	// ErrMissingCheckpointID is returned when an operation needs a checkpoint id and none was given.
	ErrMissingCheckpointID = errors.New("checkpoint: checkpoint id is required")

	// ErrParentMismatch is returned by Put when VerifyParent is on and the index head is not the given parent.
	ErrParentMismatch = errors.New("checkpoint: thread head moved since parent was read")
)

// Config addresses a thread, a namespace within it, and optionally one checkpoint.
type Config struct {
	ThreadID     string
	Namespace    string
	CheckpointID string
}

// Checkpoint is a snapshot of a run's channels.
type Checkpoint struct {
	V               int
	ID              string
	TS              time.Time
	ChannelValues   map[string]any
	ChannelVersions map[string]int64
	VersionsSeen    map[string]map[string]int64
	PendingSends    []any
}

// Metadata is free-form checkpoint metadata. List filters compare it field by field.
type Metadata map[string]any

// Write is a single channel write produced by a task.
type Write struct {
	Channel string
	Value   any
}

// PendingWrite is a stored write waiting to be applied to the next checkpoint.
type PendingWrite struct {
	TaskID  string
	Idx     int
	Channel string
	Value   any
}

// Tuple is a checkpoint together with everything needed to resume from it.
type Tuple struct {
	Config        Config
	Checkpoint    *Checkpoint
	Metadata      Metadata
	ParentConfig  *Config
	PendingWrites []PendingWrite
}

// ListOptions narrows List.
type ListOptions struct {
	// Filter requires equality on every given metadata field.
	Filter Metadata
	// Before excludes checkpoint ids lexicographically >= Before.
	Before string
	// Limit caps the number of results. Zero means no limit.
	Limit int
}

// SizeLimitWarning describes a checkpoint stored above the configured size ceiling.
type SizeLimitWarning struct {
	ThreadID     string
	Namespace    string
	CheckpointID string
	Size         int
	Limit        int
}

func (w SizeLimitWarning) String() string {
	return fmt.Sprintf("checkpoint %s in thread %s is %d bytes (limit %d)", w.CheckpointID, w.ThreadID, w.Size, w.Limit)
}
