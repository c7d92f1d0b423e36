// Package bufferpool implements the shared allocator of reusable GPU
// buffers keyed by (size class, usage). It rounds requested
// sizes up to a small set of classes so the number of distinct bags
// stays bounded, and tracks allocation statistics similarly to a
// backend memory tracker.
package bufferpool

import (
	"fmt"
	"sync"

	"github.com/infercore/infercore/gpu"
	"github.com/infercore/infercore/pipelineerr"
)

// Stats is a point-in-time snapshot of pool usage.
type Stats struct {
	CurrentBytesAllocated uint64
	PeakBytesAllocated    uint64
	ActiveBuffers         int
	PooledBuffers         int
}

type key struct {
	class int
	usage gpu.Usage
}

// Pool is a (size class, usage) keyed bag of free buffers.
type Pool struct {
	device gpu.Device

	mu      sync.Mutex
	free    map[key][]gpu.Buffer
	active  map[gpu.Buffer]key
	current uint64
	peak    uint64
}

// New creates a pool bound to device. Acquire fails when device is
// nil.
func New(device gpu.Device) *Pool {
	return &Pool{
		device: device,
		free:   make(map[key][]gpu.Buffer),
		active: make(map[gpu.Buffer]key),
	}
}

// roundClass rounds size up to the next power of two, with a 256-byte
// floor so tiny allocations (a handful of token ids) don't each get
// their own bag.
func roundClass(size int) int {
	const floor = 256
	if size <= floor {
		return floor
	}
	c := floor
	for c < size {
		c <<= 1
	}
	return c
}

// Acquire returns a pooled buffer whose size is >= the request and
// whose usage matches exactly, or allocates a fresh one from the
// device. label is used only for freshly allocated buffers and for
// diagnostics.
func (p *Pool) Acquire(size int, usage gpu.Usage, label string) (gpu.Buffer, error) {
	if p.device == nil {
		return nil, pipelineerr.New(pipelineerr.NotInitialized, "bufferpool.Acquire", fmt.Errorf("no device bound"))
	}
	if size < 0 {
		return nil, pipelineerr.New(pipelineerr.InvalidConfig, "bufferpool.Acquire", fmt.Errorf("negative size %d", size))
	}

	class := roundClass(size)
	k := key{class: class, usage: usage}

	p.mu.Lock()
	if bag := p.free[k]; len(bag) > 0 {
		buf := bag[len(bag)-1]
		p.free[k] = bag[:len(bag)-1]
		p.active[buf] = k
		p.current += uint64(buf.Size())
		if p.current > p.peak {
			p.peak = p.current
		}
		p.mu.Unlock()
		return buf, nil
	}
	p.mu.Unlock()

	buf, err := p.device.CreateBuffer(label, class, usage)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.active[buf] = k
	p.current += uint64(buf.Size())
	if p.current > p.peak {
		p.peak = p.current
	}
	p.mu.Unlock()

	return buf, nil
}

// Release returns buf to its bag. Releasing a buffer not obtained from
// this pool is a no-op.
func (p *Pool) Release(buf gpu.Buffer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	k, ok := p.active[buf]
	if !ok {
		return
	}
	delete(p.active, buf)
	p.current -= uint64(buf.Size())
	p.free[k] = append(p.free[k], buf)
}

// Stats returns a snapshot of current pool usage.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	pooled := 0
	for _, bag := range p.free {
		pooled += len(bag)
	}
	return Stats{
		CurrentBytesAllocated: p.current,
		PeakBytesAllocated:    p.peak,
		ActiveBuffers:         len(p.active),
		PooledBuffers:         pooled,
	}
}

// Close destroys every buffer held by the pool, pooled or active.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for buf := range p.active {
		buf.Destroy()
	}
	for _, bag := range p.free {
		for _, buf := range bag {
			buf.Destroy()
		}
	}
	p.active = make(map[gpu.Buffer]key)
	p.free = make(map[key][]gpu.Buffer)
	p.current = 0
}
