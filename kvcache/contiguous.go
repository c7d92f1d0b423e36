package kvcache

import (
	"fmt"

	"github.com/infercore/infercore/gpu"
	"github.com/infercore/infercore/pipelineerr"
)

// contiguousCache is the Contiguous layout variant: one buffer per
// layer, sized for the full (Smax, A_kv, D) tensor, indexed directly
// by position.
type contiguousCache struct {
	device gpu.Device
	cfg    Config

	keys, values []gpu.Buffer // one per layer
	seqLen       int32
}

func newContiguous(device gpu.Device, cfg Config) (Cache, error) {
	c := &contiguousCache{device: device, cfg: cfg}
	posBytes := cfg.positionBytes()
	size := int(cfg.MaxSeqLen) * posBytes

	c.keys = make([]gpu.Buffer, cfg.Layers)
	c.values = make([]gpu.Buffer, cfg.Layers)
	for i := 0; i < cfg.Layers; i++ {
		kb, err := device.CreateBuffer(fmt.Sprintf("kvcache.contiguous.k.%d", i), size, gpu.UsageStorage|gpu.UsageCopySrc|gpu.UsageCopyDst)
		if err != nil {
			c.Close()
			return nil, toBufferErr(err)
		}
		vb, err := device.CreateBuffer(fmt.Sprintf("kvcache.contiguous.v.%d", i), size, gpu.UsageStorage|gpu.UsageCopySrc|gpu.UsageCopyDst)
		if err != nil {
			kb.Destroy()
			c.Close()
			return nil, toBufferErr(err)
		}
		c.keys[i], c.values[i] = kb, vb
	}
	return c, nil
}

func toBufferErr(err error) error {
	if pipelineerr.Is(err, pipelineerr.BufferTooLarge) {
		return err
	}
	return pipelineerr.New(pipelineerr.BufferTooLarge, "kvcache.New", err)
}

func (c *contiguousCache) Config() Config { return c.cfg }

func (c *contiguousCache) AppendStep(layerIdx int, pos int32, k, v []byte) error {
	if err := checkLayer(c.cfg, layerIdx); err != nil {
		return err
	}
	if err := checkPos(c.cfg, pos); err != nil {
		return err
	}
	if err := checkVectorLen(c.cfg, k, v); err != nil {
		return err
	}

	off := int(pos) * c.cfg.positionBytes()
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

func (c *contiguousCache) ReadRange(layerIdx int, start, end int32) ([]byte, []byte, error) {
	if err := checkLayer(c.cfg, layerIdx); err != nil {
		return nil, nil, err
	}
	if start < 0 {
		start = 0
	}
	if end > c.seqLen {
		end = c.seqLen
	}
	if end < start {
		end = start
	}

	posBytes := c.cfg.positionBytes()
	size := int(end-start) * posBytes
	off := int(start) * posBytes

	k, err := readBack(c.device, c.keys[layerIdx], off, size)
	if err != nil {
		return nil, nil, err
	}
	v, err := readBack(c.device, c.values[layerIdx], off, size)
	if err != nil {
		return nil, nil, err
	}
	return k, v, nil
}

// readBack stages a device-side copy of [off, off+size) of src into a
// temporary map-read buffer and reads it back to the host. This is
// the GPU-buffer-copy snapshot path.
func readBack(device gpu.Device, src gpu.Buffer, off, size int) ([]byte, error) {
	if size == 0 {
		return []byte{}, nil
	}
	staging, err := device.CreateBuffer("kvcache.readback", size, gpu.UsageMapRead|gpu.UsageCopyDst)
	if err != nil {
		return nil, toBufferErr(err)
	}
	defer staging.Destroy()

	q := device.Queue()
	if err := q.CopyBuffer(staging, 0, src, off, size); err != nil {
		return nil, pipelineerr.New(pipelineerr.DeviceLost, "kvcache.readback", err)
	}
	return q.MapRead(staging)
}

func (c *contiguousCache) Clone() (*Snapshot, error) {
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

func (c *contiguousCache) Apply(snap *Snapshot) error {
	if snap.ConfigFingerprint != c.cfg.fingerprint() {
		return pipelineerr.New(pipelineerr.InvalidConfig, "kvcache.Apply", fmt.Errorf("snapshot geometry does not match cache"))
	}
	if len(snap.LayerKV) != c.cfg.Layers {
		return pipelineerr.New(pipelineerr.InvalidConfig, "kvcache.Apply", fmt.Errorf("snapshot has %d layers, cache has %d", len(snap.LayerKV), c.cfg.Layers))
	}

	q := c.device.Queue()
	for i, layer := range snap.LayerKV {
		if len(layer.K) > 0 {
			if err := q.WriteBuffer(c.keys[i], 0, layer.K); err != nil {
				return pipelineerr.New(pipelineerr.DeviceLost, "kvcache.Apply", err)
			}
		}
		if len(layer.V) > 0 {
			if err := q.WriteBuffer(c.values[i], 0, layer.V); err != nil {
				return pipelineerr.New(pipelineerr.DeviceLost, "kvcache.Apply", err)
			}
		}
	}
	c.seqLen = snap.SeqLen
	return nil
}

func (c *contiguousCache) Clear() { c.seqLen = 0 }

func (c *contiguousCache) SeqLen() int32 { return c.seqLen }

func (c *contiguousCache) MemoryStats() MemStats {
	posBytes := uint64(c.cfg.positionBytes())
	return MemStats{
		AllocatedBytes: posBytes * uint64(c.cfg.MaxSeqLen) * uint64(c.cfg.Layers) * 2,
		UsedBytes:      posBytes * uint64(c.seqLen) * uint64(c.cfg.Layers) * 2,
		SeqLen:         c.seqLen,
		MaxSeqLen:      c.cfg.MaxSeqLen,
	}
}

func (c *contiguousCache) SetGPUContext(device gpu.Device) error {
	c.device = device
	return nil
}

func (c *contiguousCache) Close() {
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
