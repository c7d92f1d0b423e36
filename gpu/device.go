// Package gpu provides the process-wide GPU device handle: a single
// device, its queue, a feature descriptor, and the buffer primitives
// every other collaborator (bufferpool, decodering, decodebuf,
// kvcache) allocates against.
//
// Kernel execution itself (matmul, attention, RMSNorm, softmax) is out
// of scope for this module; gpu only models the resources a kernel
// would read and write (buffers), not the kernels.
package gpu

import (
	"fmt"
	"sync"

	"github.com/infercore/infercore/pipelineerr"
)

// Features describes what the bound device supports.
type Features struct {
	HasSubgroups                bool
	HasF16                      bool
	MaxBufferSize                uint64
	MaxStorageBufferBindingSize  uint64
}

// Device is the process-wide GPU context. All components reject work
// if the device is absent.
type Device interface {
	Features() Features
	Queue() Queue
	// CreateBuffer allocates a new buffer of the given size and usage.
	// Callers that want pooling should go through bufferpool rather
	// than calling this directly.
	CreateBuffer(label string, size int, usage Usage) (Buffer, error)
	Destroy()
}

var (
	mu      sync.Mutex
	current Device
)

// Init binds the process-wide device handle. Multiple calls with a
// non-nil device are idempotent: the first call wins and subsequent
// calls return the same handle without re-initializing an existing
// backend.
func Init(d Device) Device {
	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		current = d
	}
	return current
}

// Get returns the bound device, failing loudly if Init was never
// called.
func Get() (Device, error) {
	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		return nil, pipelineerr.New(pipelineerr.NotInitialized, "gpu.Get", fmt.Errorf("device not initialized"))
	}
	return current, nil
}

// Teardown releases the process-wide device handle. Intended for test
// teardown and process shutdown; ordinary callers never need it.
func Teardown() {
	mu.Lock()
	defer mu.Unlock()
	if current != nil {
		current.Destroy()
		current = nil
	}
}
