package kvcache

import "github.com/google/uuid"

// Snapshot is an immutable value capturing a KV cache's contents and
// SeqLen, safe to pass across pipelines of matching geometry. It is
// the only sanctioned way to move KV state across pipelines.
type Snapshot struct {
	ID                string
	ConfigFingerprint string
	SeqLen            int32
	// LayerKV holds, for each layer index, the raw K and V bytes
	// captured over the layout's retained range at capture time (all
	// of [0, SeqLen) for Contiguous/Paged, or the retained window for
	// SlidingWindow).
	LayerKV []LayerSnapshot
}

// LayerSnapshot is one layer's captured K/V bytes in logical position
// order; it carries no layout metadata, and a SlidingWindow cache
// re-derives its wrap-indexed slots from the positions on restore.
type LayerSnapshot struct {
	K, V []byte
}

func newSnapshotID() string {
	return uuid.NewString()
}
