// ABOUTME: Read-path upgrade for checkpoints written before pending sends had their own channel.
// ABOUTME: Folds the parent's task writes into the returned copy; nothing is persisted.

package checkpoint

import (
	"context"
	"fmt"
)

// migratePendingSends materializes the parent's writes on the tasks channel
// into cp. cp must be a private copy; stored and cached records are untouched.
func (s *Store) migratePendingSends(ctx context.Context, cp *Checkpoint, rec *checkpointRecord) error {
	parentWrites, err := s.loadWrites(ctx, rec.ThreadID, rec.Namespace, rec.ParentID)
	if err != nil {
		return fmt.Errorf("loading parent writes for migration: %w", err)
	}

	// loadWrites returns writes sorted by idx.
	var sends []any
	for _, w := range parentWrites {
		if w.Channel != ChannelTasks {
			continue
		}
		pw, err := w.pending()
		if err != nil {
			return fmt.Errorf("decoding parent write %s/%d: %w", w.TaskID, w.Idx, err)
		}
		sends = append(sends, pw.Value)
	}
	if sends == nil {
		sends = []any{}
	}

	if cp.ChannelValues == nil {
		cp.ChannelValues = map[string]any{}
	}
	if cp.ChannelVersions == nil {
		cp.ChannelVersions = map[string]int64{}
	}
	cp.ChannelValues[ChannelTasks] = sends
	cp.ChannelVersions[ChannelTasks] = nextVersion(cp.ChannelVersions)

	s.logger.Debug("migrated pending sends",
		"thread_id", rec.ThreadID,
		"checkpoint_id", rec.CheckpointID,
		"sends", len(sends),
	)
	return nil
}

// nextVersion is the greatest existing channel version, or 1 when there is none.
func nextVersion(versions map[string]int64) int64 {
	var highest int64
	found := false
	for ch, v := range versions {
		if ch == ChannelTasks {
			continue
		}
		if !found || v > highest {
			highest = v
			found = true
		}
	}
	if !found {
		return 1
	}
	return highest
}
