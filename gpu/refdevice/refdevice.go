// Package refdevice is a host-memory reference implementation of
// gpu.Device. It performs no real GPU work; buffers are backed by Go
// byte slices and the queue operations are synchronous. It exists so
// the rest of this module (bufferpool, decodering, decodebuf, kvcache,
// pipeline) can be exercised and tested without a real browser-style
// graphics/compute backend available, the same role a CPU fallback
// plays when no GPU is discovered.
package refdevice

import (
	"fmt"
	"sync"

	"github.com/infercore/infercore/gpu"
	"github.com/infercore/infercore/pipelineerr"
)

// New returns a reference Device with the given feature set.
func New(features gpu.Features) gpu.Device {
	if features.MaxBufferSize == 0 {
		features.MaxBufferSize = 1 << 30
	}
	if features.MaxStorageBufferBindingSize == 0 {
		features.MaxStorageBufferBindingSize = features.MaxBufferSize
	}
	return &device{features: features}
}

type device struct {
	features gpu.Features
	mu       sync.Mutex
	q        queue
}

func (d *device) Features() gpu.Features { return d.features }
func (d *device) Queue() gpu.Queue       { return &d.q }

func (d *device) CreateBuffer(label string, size int, usage gpu.Usage) (gpu.Buffer, error) {
	if size < 0 {
		return nil, pipelineerr.New(pipelineerr.InvalidConfig, "refdevice.CreateBuffer", fmt.Errorf("negative size %d", size))
	}
	if uint64(size) > d.features.MaxBufferSize {
		return nil, pipelineerr.New(pipelineerr.BufferTooLarge, "refdevice.CreateBuffer",
			fmt.Errorf("%s: size %d exceeds device limit %d", label, size, d.features.MaxBufferSize))
	}
	if usage.Has(gpu.UsageStorage) && uint64(size) > d.features.MaxStorageBufferBindingSize {
		return nil, pipelineerr.New(pipelineerr.BufferTooLarge, "refdevice.CreateBuffer",
			fmt.Errorf("%s: storage size %d exceeds binding limit %d", label, size, d.features.MaxStorageBufferBindingSize))
	}
	return &buffer{label: label, usage: usage, data: make([]byte, size)}, nil
}

func (d *device) Destroy() {}

type buffer struct {
	mu    sync.Mutex
	label string
	usage gpu.Usage
	data  []byte
}

func (b *buffer) Size() int        { return len(b.data) }
func (b *buffer) Usage() gpu.Usage { return b.usage }
func (b *buffer) Label() string    { return b.label }
func (b *buffer) Destroy()         { b.data = nil }

type queue struct{}

func (queue) WriteBuffer(dst gpu.Buffer, offset int, data []byte) error {
	b, ok := dst.(*buffer)
	if !ok {
		return pipelineerr.New(pipelineerr.InvalidConfig, "refdevice.WriteBuffer", fmt.Errorf("buffer not created by refdevice"))
	}
	if !b.usage.Has(gpu.UsageCopyDst) {
		return pipelineerr.New(pipelineerr.InvalidConfig, "refdevice.WriteBuffer", fmt.Errorf("%s: buffer missing CopyDst usage", b.label))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if offset < 0 || offset+len(data) > len(b.data) {
		return pipelineerr.New(pipelineerr.InvalidConfig, "refdevice.WriteBuffer",
			fmt.Errorf("%s: write [%d,%d) out of bounds for size %d", b.label, offset, offset+len(data), len(b.data)))
	}
	copy(b.data[offset:], data)
	return nil
}

func (queue) CopyBuffer(dst gpu.Buffer, dstOffset int, src gpu.Buffer, srcOffset int, size int) error {
	d, ok := dst.(*buffer)
	if !ok {
		return pipelineerr.New(pipelineerr.InvalidConfig, "refdevice.CopyBuffer", fmt.Errorf("dst buffer not created by refdevice"))
	}
	s, ok := src.(*buffer)
	if !ok {
		return pipelineerr.New(pipelineerr.InvalidConfig, "refdevice.CopyBuffer", fmt.Errorf("src buffer not created by refdevice"))
	}
	if !d.usage.Has(gpu.UsageCopyDst) || !s.usage.Has(gpu.UsageCopySrc) {
		return pipelineerr.New(pipelineerr.InvalidConfig, "refdevice.CopyBuffer", fmt.Errorf("missing copy usage on src or dst"))
	}

	d.mu.Lock()
	if d != s {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	defer d.mu.Unlock()

	if srcOffset < 0 || srcOffset+size > len(s.data) {
		return pipelineerr.New(pipelineerr.InvalidConfig, "refdevice.CopyBuffer", fmt.Errorf("src range out of bounds"))
	}
	if dstOffset < 0 || dstOffset+size > len(d.data) {
		return pipelineerr.New(pipelineerr.InvalidConfig, "refdevice.CopyBuffer", fmt.Errorf("dst range out of bounds"))
	}
	copy(d.data[dstOffset:dstOffset+size], s.data[srcOffset:srcOffset+size])
	return nil
}

func (queue) MapRead(buf gpu.Buffer) ([]byte, error) {
	b, ok := buf.(*buffer)
	if !ok {
		return nil, pipelineerr.New(pipelineerr.InvalidConfig, "refdevice.MapRead", fmt.Errorf("buffer not created by refdevice"))
	}
	if !b.usage.Has(gpu.UsageMapRead) {
		return nil, pipelineerr.New(pipelineerr.InvalidConfig, "refdevice.MapRead", fmt.Errorf("%s: buffer missing MapRead usage", b.label))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out, nil
}
