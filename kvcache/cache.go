// Package kvcache implements the layered per-attention-head key/value
// storage: the central mutable structure that lets decode steps avoid
// recomputing attention over history.
//
// Layout is a sum type: Contiguous, Paged, and SlidingWindow are
// distinct implementations of Cache, each carrying its own state,
// rather than one struct branching on a mode field. Layout is fixed
// at construction and invariant for the cache's lifetime.
package kvcache

import (
	"fmt"

	"github.com/infercore/infercore/gpu"
	"github.com/infercore/infercore/pipelineerr"
)

// Layout identifies which Cache implementation backs a given cache.
type Layout int

const (
	Contiguous Layout = iota
	Paged
	SlidingWindow
)

func (l Layout) String() string {
	switch l {
	case Contiguous:
		return "contiguous"
	case Paged:
		return "paged"
	case SlidingWindow:
		return "sliding-window"
	default:
		return "unknown"
	}
}

// Config describes the geometry of a cache. It is part of a
// snapshot's fingerprint: applying a snapshot into a cache built from
// a different Config is rejected (design note, "Snapshots crossing
// pipeline boundaries").
type Config struct {
	Layers      int
	MaxSeqLen   int32 // Smax
	KVHeads     int   // A_kv
	HeadDim     int   // D
	ElementSize int   // bytes per K/V element

	Layout Layout

	// WindowSize is used only when Layout == SlidingWindow.
	WindowSize int32
	// PageSize is used only when Layout == Paged: the number of
	// positions held by each page.
	PageSize int32
}

func (c Config) validate() error {
	if c.Layers <= 0 {
		return fmt.Errorf("layers must be positive, got %d", c.Layers)
	}
	if c.MaxSeqLen <= 0 {
		return fmt.Errorf("maxSeqLen must be positive, got %d", c.MaxSeqLen)
	}
	if c.KVHeads <= 0 {
		return fmt.Errorf("kvHeads must be positive, got %d", c.KVHeads)
	}
	if c.HeadDim <= 0 {
		return fmt.Errorf("headDim must be positive, got %d", c.HeadDim)
	}
	if c.ElementSize <= 0 {
		return fmt.Errorf("elementSize must be positive, got %d", c.ElementSize)
	}
	if c.Layout == SlidingWindow && c.WindowSize <= 0 {
		return fmt.Errorf("windowSize must be positive for sliding-window layout, got %d", c.WindowSize)
	}
	if c.Layout == Paged && c.PageSize <= 0 {
		return fmt.Errorf("pageSize must be positive for paged layout, got %d", c.PageSize)
	}
	return nil
}

// positionBytes is the per-position, per-layer byte width of a single
// K (or V) vector: A_kv * D * elementSize.
func (c Config) positionBytes() int {
	return c.KVHeads * c.HeadDim * c.ElementSize
}

// fingerprint is an opaque string uniquely identifying a Config's
// geometry, used to reject cross-geometry snapshot application.
func (c Config) fingerprint() string {
	return fmt.Sprintf("L%d:S%d:H%d:D%d:E%d:%s:W%d:P%d",
		c.Layers, c.MaxSeqLen, c.KVHeads, c.HeadDim, c.ElementSize, c.Layout, c.WindowSize, c.PageSize)
}

// MemStats reports the memory footprint and occupancy of a cache.
type MemStats struct {
	AllocatedBytes uint64
	UsedBytes      uint64
	SeqLen         int32
	MaxSeqLen      int32
}

// Cache is the operation trait every layout variant implements:
// append/read/clone/apply/clear, plus memory stats and rebinding to a
// device after a cross-pipeline snapshot apply.
type Cache interface {
	// AppendStep extends layer layerIdx by one position, writing k
	// and v (each positionBytes() long) at position pos.
	AppendStep(layerIdx int, pos int32, k, v []byte) error

	// ReadRange returns the K and V bytes for layer layerIdx over
	// positions [start, end). Implementations saturate the requested
	// range to what is actually retained (relevant for
	// SlidingWindow).
	ReadRange(layerIdx int, start, end int32) (k, v []byte, err error)

	// Clone produces a deep snapshot capturing SeqLen and every
	// layer's bytes.
	Clone() (*Snapshot, error)

	// Apply replaces the cache's contents with a snapshot's. SeqLen
	// becomes snapshot.SeqLen. Rejected with pipelineerr.InvalidConfig
	// if the snapshot's geometry does not match this cache's Config.
	Apply(snap *Snapshot) error

	// Clear resets SeqLen to 0. Buffers remain allocated.
	Clear()

	// SeqLen returns the monotonically increasing populated-prefix
	// length: 0 <= SeqLen <= Smax.
	SeqLen() int32

	// MemoryStats reports current allocation and occupancy.
	MemoryStats() MemStats

	// SetGPUContext rebinds the cache to a (possibly different)
	// device after a snapshot has been applied across pipelines.
	SetGPUContext(device gpu.Device) error

	// Config returns the cache's fixed geometry.
	Config() Config

	// Close releases every buffer the cache holds.
	Close()
}

// New constructs a Cache of the layout named in cfg.
func New(device gpu.Device, cfg Config) (Cache, error) {
	if err := cfg.validate(); err != nil {
		return nil, pipelineerr.New(pipelineerr.InvalidConfig, "kvcache.New", err)
	}
	switch cfg.Layout {
	case Contiguous:
		return newContiguous(device, cfg)
	case Paged:
		return newPaged(device, cfg)
	case SlidingWindow:
		return newSlidingWindow(device, cfg)
	default:
		return nil, pipelineerr.New(pipelineerr.InvalidConfig, "kvcache.New", fmt.Errorf("unknown layout %v", cfg.Layout))
	}
}

func checkPos(cfg Config, pos int32) error {
	if pos < 0 || pos >= cfg.MaxSeqLen {
		return pipelineerr.New(pipelineerr.ContextOverflow, "kvcache.AppendStep",
			fmt.Errorf("position %d exceeds maxSeqLen %d", pos, cfg.MaxSeqLen))
	}
	return nil
}

func checkLayer(cfg Config, layerIdx int) error {
	if layerIdx < 0 || layerIdx >= cfg.Layers {
		return pipelineerr.New(pipelineerr.InvalidConfig, "kvcache", fmt.Errorf("layer %d out of range [0,%d)", layerIdx, cfg.Layers))
	}
	return nil
}

func checkVectorLen(cfg Config, k, v []byte) error {
	want := cfg.positionBytes()
	if len(k) != want || len(v) != want {
		return pipelineerr.New(pipelineerr.InvalidConfig, "kvcache.AppendStep",
			fmt.Errorf("expected %d bytes per k/v vector, got k=%d v=%d", want, len(k), len(v)))
	}
	return nil
}
