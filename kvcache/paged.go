package kvcache

import (
	"fmt"

	"github.com/infercore/infercore/gpu"
	"github.com/infercore/infercore/pipelineerr"
)

// pagedCache is the Paged layout variant: fixed-size pages stitched
// together to permit growth without reallocation. Each append may
// allocate a fresh page.
type pagedCache struct {
	device gpu.Device
	cfg    Config

	keyPages, valuePages [][]gpu.Buffer // [layer][page]
	seqLen               int32
}

func newPaged(device gpu.Device, cfg Config) (Cache, error) {
	c := &pagedCache{
		device:     device,
		cfg:        cfg,
		keyPages:   make([][]gpu.Buffer, cfg.Layers),
		valuePages: make([][]gpu.Buffer, cfg.Layers),
	}
	return c, nil
}

func (c *pagedCache) Config() Config { return c.cfg }

func (c *pagedCache) pageSizeBytes() int {
	return int(c.cfg.PageSize) * c.cfg.positionBytes()
}

// ensurePage grows layerIdx's page list up to and including pageIdx,
// allocating new pages as needed.
func (c *pagedCache) ensurePage(layerIdx, pageIdx int) error {
	for len(c.keyPages[layerIdx]) <= pageIdx {
		n := len(c.keyPages[layerIdx])
		kb, err := c.device.CreateBuffer(fmt.Sprintf("kvcache.paged.k.%d.%d", layerIdx, n), c.pageSizeBytes(), gpu.UsageStorage|gpu.UsageCopySrc|gpu.UsageCopyDst)
		if err != nil {
			return toBufferErr(err)
		}
		vb, err := c.device.CreateBuffer(fmt.Sprintf("kvcache.paged.v.%d.%d", layerIdx, n), c.pageSizeBytes(), gpu.UsageStorage|gpu.UsageCopySrc|gpu.UsageCopyDst)
		if err != nil {
			kb.Destroy()
			return toBufferErr(err)
		}
		c.keyPages[layerIdx] = append(c.keyPages[layerIdx], kb)
		c.valuePages[layerIdx] = append(c.valuePages[layerIdx], vb)
	}
	return nil
}

func (c *pagedCache) AppendStep(layerIdx int, pos int32, k, v []byte) error {
	if err := checkLayer(c.cfg, layerIdx); err != nil {
		return err
	}
	if err := checkPos(c.cfg, pos); err != nil {
		return err
	}
	if err := checkVectorLen(c.cfg, k, v); err != nil {
		return err
	}

	pageIdx := int(pos / c.cfg.PageSize)
	inPageOff := int(pos%c.cfg.PageSize) * c.cfg.positionBytes()

	if err := c.ensurePage(layerIdx, pageIdx); err != nil {
		return err
	}

	q := c.device.Queue()
	if err := q.WriteBuffer(c.keyPages[layerIdx][pageIdx], inPageOff, k); err != nil {
		return pipelineerr.New(pipelineerr.DeviceLost, "kvcache.AppendStep", err)
	}
	if err := q.WriteBuffer(c.valuePages[layerIdx][pageIdx], inPageOff, v); err != nil {
		return pipelineerr.New(pipelineerr.DeviceLost, "kvcache.AppendStep", err)
	}
	if pos+1 > c.seqLen {
		c.seqLen = pos + 1
	}
	return nil
}

func (c *pagedCache) ReadRange(layerIdx int, start, end int32) ([]byte, []byte, error) {
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
	k := make([]byte, 0, int(end-start)*posBytes)
	v := make([]byte, 0, int(end-start)*posBytes)
	for pos := start; pos < end; pos++ {
		pageIdx := int(pos / c.cfg.PageSize)
		inPageOff := int(pos%c.cfg.PageSize) * posBytes
		if pageIdx >= len(c.keyPages[layerIdx]) {
			break
		}
		kb, err := readBack(c.device, c.keyPages[layerIdx][pageIdx], inPageOff, posBytes)
		if err != nil {
			return nil, nil, err
		}
		vb, err := readBack(c.device, c.valuePages[layerIdx][pageIdx], inPageOff, posBytes)
		if err != nil {
			return nil, nil, err
		}
		k = append(k, kb...)
		v = append(v, vb...)
	}
	return k, v, nil
}

func (c *pagedCache) Clone() (*Snapshot, error) {
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

func (c *pagedCache) Apply(snap *Snapshot) error {
	if snap.ConfigFingerprint != c.cfg.fingerprint() {
		return pipelineerr.New(pipelineerr.InvalidConfig, "kvcache.Apply", fmt.Errorf("snapshot geometry does not match cache"))
	}
	if len(snap.LayerKV) != c.cfg.Layers {
		return pipelineerr.New(pipelineerr.InvalidConfig, "kvcache.Apply", fmt.Errorf("snapshot has %d layers, cache has %d", len(snap.LayerKV), c.cfg.Layers))
	}

	posBytes := c.cfg.positionBytes()
	for i, layer := range snap.LayerKV {
		n := len(layer.K) / posBytes
		for j := 0; j < n; j++ {
			pos := int32(j)
			pageIdx := int(pos / c.cfg.PageSize)
			inPageOff := int(pos%c.cfg.PageSize) * posBytes
			if err := c.ensurePage(i, pageIdx); err != nil {
				return err
			}
			q := c.device.Queue()
			if err := q.WriteBuffer(c.keyPages[i][pageIdx], inPageOff, layer.K[j*posBytes:(j+1)*posBytes]); err != nil {
				return pipelineerr.New(pipelineerr.DeviceLost, "kvcache.Apply", err)
			}
			if err := q.WriteBuffer(c.valuePages[i][pageIdx], inPageOff, layer.V[j*posBytes:(j+1)*posBytes]); err != nil {
				return pipelineerr.New(pipelineerr.DeviceLost, "kvcache.Apply", err)
			}
		}
	}
	c.seqLen = snap.SeqLen
	return nil
}

func (c *pagedCache) Clear() { c.seqLen = 0 }

func (c *pagedCache) SeqLen() int32 { return c.seqLen }

func (c *pagedCache) MemoryStats() MemStats {
	pages := 0
	for _, pp := range c.keyPages {
		pages += len(pp)
	}
	return MemStats{
		AllocatedBytes: uint64(pages * c.pageSizeBytes() * 2),
		UsedBytes:      uint64(c.cfg.positionBytes()) * uint64(c.seqLen) * uint64(c.cfg.Layers) * 2,
		SeqLen:         c.seqLen,
		MaxSeqLen:      c.cfg.MaxSeqLen,
	}
}

func (c *pagedCache) SetGPUContext(device gpu.Device) error {
	c.device = device
	return nil
}

func (c *pagedCache) Close() {
	for _, pp := range c.keyPages {
		for _, b := range pp {
			if b != nil {
				b.Destroy()
			}
		}
	}
	for _, pp := range c.valuePages {
		for _, b := range pp {
			if b != nil {
				b.Destroy()
			}
		}
	}
	c.keyPages, c.valuePages = nil, nil
}
