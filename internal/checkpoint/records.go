// ABOUTME: Conversion between store types and the values written to state events.
// ABOUTME: Checkpoint and metadata are serialized to strings inside each record.

package checkpoint

import (
	"fmt"
	"maps"
	"time"

	"github.com/2389/coven-checkpoint/internal/codec"
)

// serdeType tags the serializer used for embedded values.
const serdeType = "json"

// checkpointRecord is the stored form of one checkpoint. Cached records are shared; never mutate one.
type checkpointRecord struct {
	ThreadID       string
	Namespace      string
	CheckpointID   string
	ParentID       string
	IndexNamespace string
	SchemaVersion  int
	Checkpoint     string
	Metadata       string
	SizeBytes      int
	UpdatedAt      time.Time
}

func (r *checkpointRecord) value() map[string]any {
	v := map[string]any{
		"thread_id":       r.ThreadID,
		"checkpoint_ns":   r.Namespace,
		"checkpoint_id":   r.CheckpointID,
		"index_namespace": r.IndexNamespace,
		"schema_version":  int64(r.SchemaVersion),
		"type":            serdeType,
		"checkpoint":      r.Checkpoint,
		"metadata":        r.Metadata,
		"size_bytes":      int64(r.SizeBytes),
		"updated_at":      r.UpdatedAt,
	}
	if r.ParentID != "" {
		v["parent_checkpoint_id"] = r.ParentID
	}
	return v
}

func checkpointRecordFrom(v any) (*checkpointRecord, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("checkpoint record is %T, want object", v)
	}
	r := &checkpointRecord{
		ThreadID:       stringField(m, "thread_id"),
		Namespace:      stringField(m, "checkpoint_ns"),
		CheckpointID:   stringField(m, "checkpoint_id"),
		ParentID:       stringField(m, "parent_checkpoint_id"),
		IndexNamespace: stringField(m, "index_namespace"),
		SchemaVersion:  int(intField(m, "schema_version")),
		Checkpoint:     stringField(m, "checkpoint"),
		Metadata:       stringField(m, "metadata"),
		SizeBytes:      int(intField(m, "size_bytes")),
	}
	if ts, ok := m["updated_at"].(time.Time); ok {
		r.UpdatedAt = ts
	}
	if r.CheckpointID == "" {
		return nil, fmt.Errorf("checkpoint record has no checkpoint_id")
	}
	if t, _ := m["type"].(string); t != "" && t != serdeType {
		return nil, fmt.Errorf("checkpoint record uses unsupported serializer %q", t)
	}
	return r, nil
}

// checkpoint deserializes the embedded checkpoint into a fresh value.
func (r *checkpointRecord) checkpoint() (*Checkpoint, error) {
	v, err := codec.Deserialize(r.Checkpoint)
	if err != nil {
		return nil, err
	}
	return checkpointFromValue(v)
}

// metadata deserializes the embedded metadata into a fresh value.
func (r *checkpointRecord) metadata() (Metadata, error) {
	if r.Metadata == "" {
		return Metadata{}, nil
	}
	v, err := codec.Deserialize(r.Metadata)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("metadata is %T, want object", v)
	}
	return Metadata(m), nil
}

func checkpointValue(cp *Checkpoint) map[string]any {
	versions := make(map[string]any, len(cp.ChannelVersions))
	for k, v := range cp.ChannelVersions {
		versions[k] = v
	}
	seen := make(map[string]any, len(cp.VersionsSeen))
	for node, vs := range cp.VersionsSeen {
		inner := make(map[string]any, len(vs))
		for k, v := range vs {
			inner[k] = v
		}
		seen[node] = inner
	}
	values := make(map[string]any, len(cp.ChannelValues))
	maps.Copy(values, cp.ChannelValues)
	sends := append([]any{}, cp.PendingSends...)

	return map[string]any{
		"v":                int64(cp.V),
		"id":               cp.ID,
		"ts":               cp.TS,
		"channel_values":   values,
		"channel_versions": versions,
		"versions_seen":    seen,
		"pending_sends":    sends,
	}
}

func checkpointFromValue(v any) (*Checkpoint, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("checkpoint is %T, want object", v)
	}
	cp := &Checkpoint{
		V:               int(intField(m, "v")),
		ID:              stringField(m, "id"),
		ChannelValues:   map[string]any{},
		ChannelVersions: map[string]int64{},
		VersionsSeen:    map[string]map[string]int64{},
	}
	if ts, ok := m["ts"].(time.Time); ok {
		cp.TS = ts
	}
	if values, ok := m["channel_values"].(map[string]any); ok {
		cp.ChannelValues = values
	}
	if versions, ok := m["channel_versions"].(map[string]any); ok {
		for k, v := range versions {
			cp.ChannelVersions[k] = toInt64(v)
		}
	}
	if seen, ok := m["versions_seen"].(map[string]any); ok {
		for node, vs := range seen {
			inner := map[string]int64{}
			if vm, ok := vs.(map[string]any); ok {
				for k, v := range vm {
					inner[k] = toInt64(v)
				}
			}
			cp.VersionsSeen[node] = inner
		}
	}
	if sends, ok := m["pending_sends"].([]any); ok {
		cp.PendingSends = sends
	}
	return cp, nil
}

// writeRecord is the stored form of one pending write.
type writeRecord struct {
	TaskID  string
	Idx     int
	Channel string
	Value   string
}

func writesValue(cfg Config, writes []writeRecord) map[string]any {
	items := make([]any, len(writes))
	for i, w := range writes {
		items[i] = map[string]any{
			"thread_id":     cfg.ThreadID,
			"checkpoint_ns": cfg.Namespace,
			"checkpoint_id": cfg.CheckpointID,
			"task_id":       w.TaskID,
			"idx":           int64(w.Idx),
			"channel":       w.Channel,
			"type":          serdeType,
			"value":         w.Value,
		}
	}
	return map[string]any{"writes": items}
}

func writesFrom(v any) ([]writeRecord, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("write set is %T, want object", v)
	}
	items, _ := m["writes"].([]any)
	writes := make([]writeRecord, 0, len(items))
	for _, item := range items {
		w, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("write is %T, want object", item)
		}
		writes = append(writes, writeRecord{
			TaskID:  stringField(w, "task_id"),
			Idx:     int(intField(w, "idx")),
			Channel: stringField(w, "channel"),
			Value:   stringField(w, "value"),
		})
	}
	return writes, nil
}

func (w writeRecord) pending() (PendingWrite, error) {
	v, err := codec.Deserialize(w.Value)
	if err != nil {
		return PendingWrite{}, err
	}
	return PendingWrite{TaskID: w.TaskID, Idx: w.Idx, Channel: w.Channel, Value: v}, nil
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func intField(m map[string]any, key string) int64 {
	return toInt64(m[key])
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
