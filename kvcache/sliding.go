package kvcache

import (
	"fmt"

	"github.com/infercore/infercore/gpu"
	"github.com/infercore/infercore/pipelineerr"
)

// slidingWindowCache is the SlidingWindow layout variant: only the
// last WindowSize positions are retained. Position pos >= WindowSize
// overwrites the physical slot pos mod WindowSize; reads
// saturate to [max(0, seqLen - WindowSize), seqLen).
type slidingWindowCache struct {
	device gpu.Device
	cfg    Config

	keys, values []gpu.Buffer // one per layer, sized WindowSize * positionBytes
	seqLen       int32
}

func newSlidingWindow(device gpu.Device, cfg Config) (Cache, error) {
	c := &slidingWindowCache{device: device, cfg: cfg}
	posBytes := cfg.positionBytes()
	size := int(cfg.WindowSize) * posBytes

	c.keys = make([]gpu.Buffer, cfg.Layers)
	c.values = make([]gpu.Buffer, cfg.Layers)
	for i := 0; i < cfg.Layers; i++ {
		kb, err := device.CreateBuffer(fmt.Sprintf("kvcache.sliding.k.%d", i), size, gpu.UsageStorage|gpu.UsageCopySrc|gpu.UsageCopyDst)
		if err != nil {
			c.Close()
			return nil, toBufferErr(err)
		}
		vb, err := device.CreateBuffer(fmt.Sprintf("kvcache.sliding.v.%d", i), size, gpu.UsageStorage|gpu.UsageCopySrc|gpu.UsageCopyDst)
		if err != nil {
			kb.Destroy()
			c.Close()
			return nil, toBufferErr(err)
		}
		c.keys[i], c.values[i] = kb, vb
	}
	return c, nil
}

func (c *slidingWindowCache) Config() Config { return c.cfg }

func (c *slidingWindowCache) physicalSlot(pos int32) int32 {
	return pos % c.cfg.WindowSize
}

func (c *slidingWindowCache) AppendStep(layerIdx int, pos int32, k, v []byte) error {
	if err := checkLayer(c.cfg, layerIdx); err != nil {
		return err
	}
	if err := checkPos(c.cfg, pos); err != nil {
		return err
	}
	if err := checkVectorLen(c.cfg, k, v); err != nil {
		return err
	}

	off := int(c.physicalSlot(pos)) * c.cfg.positionBytes()
	q := c.device.Queue()
	if err := q.WriteBuffer(c.keys[layerIdx], off, k); err != nil {
		return pipelineerr.New(pipelineerr.DeviceLost, "kvcache.AppendStep", err)
	}
	if err := q.WriteBuffer(c.values[layerIdx], off, v); err != nil {
		return pipelineerr.New(pipelineerr.DeviceLost, "kvcache.AppendStep", err)
	}
	if pos+1 > c.seqLen {
		c.seqLen = pos + 1
	}
	return nil
}

// retainedStart returns the oldest logical position still retained.
func (c *slidingWindowCache) retainedStart() int32 {
	start := c.seqLen - c.cfg.WindowSize
	if start < 0 {
		start = 0
	}
	return start
}

// ReadRange returns bytes for [start, end) intersected with the
// retained window, laid out contiguously in logical order (oldest
// first) regardless of physical wrap point.
func (c *slidingWindowCache) ReadRange(layerIdx int, start, end int32) ([]byte, []byte, error) {
	if err := checkLayer(c.cfg, layerIdx); err != nil {
		return nil, nil, err
	}
	retainedStart := c.retainedStart()
	if start < retainedStart {
		start = retainedStart
	}
	if end > c.seqLen {
		end = c.seqLen
	}
	if end < start {
		end = start
	}

	posBytes := c.cfg.positionBytes()
	n := int(end - start)
	k := make([]byte, 0, n*posBytes)
	v := make([]byte, 0, n*posBytes)
	for pos := start; pos < end; pos++ {
		off := int(c.physicalSlot(pos)) * posBytes
		kb, err := readBack(c.device, c.keys[layerIdx], off, posBytes)
		if err != nil {
			return nil, nil, err
		}
		vb, err := readBack(c.device, c.values[layerIdx], off, posBytes)
		if err != nil {
			return nil, nil, err
		}
		k = append(k, kb...)
		v = append(v, vb...)
	}
	return k, v, nil
}

func (c *slidingWindowCache) Clone() (*Snapshot, error) {
	snap := &Snapshot{
		ID:                newSnapshotID(),
		ConfigFingerprint: c.cfg.fingerprint(),
		SeqLen:            c.seqLen,
		LayerKV:           make([]LayerSnapshot, c.cfg.Layers),
	}
	for i := 0; i < c.cfg.Layers; i++ {
		k, v, err := c.ReadRange(i, 0, c.seqLen)
		if err != nil {
			return nil, err
		}
		snap.LayerKV[i] = LayerSnapshot{K: k, V: v}
	}
	return snap, nil
}

// Apply restores a snapshot's logical positions [retainedStart,
// seqLen) into the window, re-deriving each physical slot from its
// logical position so a snapshot taken from a differently-phased
// window still lands correctly.
func (c *slidingWindowCache) Apply(snap *Snapshot) error {
	if snap.ConfigFingerprint != c.cfg.fingerprint() {
		return pipelineerr.New(pipelineerr.InvalidConfig, "kvcache.Apply", fmt.Errorf("snapshot geometry does not match cache"))
	}
	if len(snap.LayerKV) != c.cfg.Layers {
		return pipelineerr.New(pipelineerr.InvalidConfig, "kvcache.Apply", fmt.Errorf("snapshot has %d layers, cache has %d", len(snap.LayerKV), c.cfg.Layers))
	}

	posBytes := c.cfg.positionBytes()
	retainedStart := snap.SeqLen - c.cfg.WindowSize
	if retainedStart < 0 {
		retainedStart = 0
	}

	q := c.device.Queue()
	for i, layer := range snap.LayerKV {
		n := len(layer.K) / posBytes
		for j := 0; j < n; j++ {
			pos := retainedStart + int32(j)
			off := int(c.physicalSlot(pos)) * posBytes
			if err := q.WriteBuffer(c.keys[i], off, layer.K[j*posBytes:(j+1)*posBytes]); err != nil {
				return pipelineerr.New(pipelineerr.DeviceLost, "kvcache.Apply", err)
			}
			if err := q.WriteBuffer(c.values[i], off, layer.V[j*posBytes:(j+1)*posBytes]); err != nil {
				return pipelineerr.New(pipelineerr.DeviceLost, "kvcache.Apply", err)
			}
		}
	}
	c.seqLen = snap.SeqLen
	return nil
}

func (c *slidingWindowCache) Clear() { c.seqLen = 0 }

func (c *slidingWindowCache) SeqLen() int32 { return c.seqLen }

func (c *slidingWindowCache) MemoryStats() MemStats {
	posBytes := uint64(c.cfg.positionBytes())
	retained := c.seqLen
	if retained > c.cfg.WindowSize {
		retained = c.cfg.WindowSize
	}
	return MemStats{
		AllocatedBytes: posBytes * uint64(c.cfg.WindowSize) * uint64(c.cfg.Layers) * 2,
		UsedBytes:      posBytes * uint64(retained) * uint64(c.cfg.Layers) * 2,
		SeqLen:         c.seqLen,
		MaxSeqLen:      c.cfg.MaxSeqLen,
	}
}

func (c *slidingWindowCache) SetGPUContext(device gpu.Device) error {
	c.device = device
	return nil
}

func (c *slidingWindowCache) Close() {
	for _, b := range c.keys {
		if b != nil {
			b.Destroy()
		}
	}
	for _, b := range c.values {
		if b != nil {
			b.Destroy()
		}
	}
	c.keys, c.values = nil, nil
}
