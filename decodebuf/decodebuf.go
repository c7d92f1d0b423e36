// Package decodebuf owns the fixed-size hidden-state/attention/FFN
// scratch buffers used between layers during a decode step, including
// the optional ping-pong hidden buffer pair used for between-layer
// hand-off.
package decodebuf

import (
	"fmt"

	"github.com/infercore/infercore/gpu"
	"github.com/infercore/infercore/pipelineerr"
)

// Config sizes the scratch buffers. ElementSize is the width, in bytes,
// of one activation element; the manager is dtype-agnostic beyond this; weight dequantization and
// compute precision live in weightloader and are out of scope here.
type Config struct {
	HiddenSize       int
	FFNIntermediate  int
	ElementSize      int
	PingPong         bool
}

// Manager owns the scratch buffers for one pipeline's decode step.
type Manager struct {
	device gpu.Device
	config Config
	have   bool

	hidden      gpu.Buffer
	hiddenAlt   gpu.Buffer // only when PingPong
	attnOutput  gpu.Buffer
	ffnInterm   gpu.Buffer

	// pingPongFlip selects which of hidden/hiddenAlt is currently the
	// "input" buffer for the next layer boundary.
	pingPongFlip bool
}

func New(device gpu.Device) *Manager {
	return &Manager{device: device}
}

func validate(c Config) error {
	if c.HiddenSize <= 0 {
		return fmt.Errorf("hiddenSize must be positive, got %d", c.HiddenSize)
	}
	if c.FFNIntermediate <= 0 {
		return fmt.Errorf("ffnIntermediate must be positive, got %d", c.FFNIntermediate)
	}
	if c.ElementSize <= 0 {
		return fmt.Errorf("elementSize must be positive, got %d", c.ElementSize)
	}
	return nil
}

// Ensure allocates (or rebuilds, on a changed configuration) the
// manager's scratch buffers. Idempotent on an identical configuration.
func (m *Manager) Ensure(c Config) error {
	if err := validate(c); err != nil {
		return pipelineerr.New(pipelineerr.InvalidConfig, "decodebuf.Ensure", err)
	}

	if m.have && m.config == c {
		return nil
	}
	if m.have {
		m.release()
	}

	hiddenSize := c.HiddenSize * c.ElementSize
	ffnSize := c.FFNIntermediate * c.ElementSize

	var err error
	if m.hidden, err = m.device.CreateBuffer("decodebuf.hidden", hiddenSize, gpu.UsageStorage|gpu.UsageCopySrc|gpu.UsageCopyDst); err != nil {
		return asBufferErr(err)
	}
	if c.PingPong {
		if m.hiddenAlt, err = m.device.CreateBuffer("decodebuf.hiddenAlt", hiddenSize, gpu.UsageStorage|gpu.UsageCopySrc|gpu.UsageCopyDst); err != nil {
			m.hidden.Destroy()
			return asBufferErr(err)
		}
	}
	if m.attnOutput, err = m.device.CreateBuffer("decodebuf.attnOutput", hiddenSize, gpu.UsageStorage|gpu.UsageCopySrc|gpu.UsageCopyDst); err != nil {
		m.release()
		return asBufferErr(err)
	}
	if m.ffnInterm, err = m.device.CreateBuffer("decodebuf.ffnIntermediate", ffnSize, gpu.UsageStorage|gpu.UsageCopySrc|gpu.UsageCopyDst); err != nil {
		m.release()
		return asBufferErr(err)
	}

	m.config = c
	m.have = true
	m.pingPongFlip = false
	return nil
}

func asBufferErr(err error) error {
	if pipelineerr.Is(err, pipelineerr.BufferTooLarge) {
		return err
	}
	return pipelineerr.New(pipelineerr.BufferTooLarge, "decodebuf.Ensure", err)
}

// Input returns the buffer a layer should read hidden state from.
func (m *Manager) Input() gpu.Buffer {
	if m.config.PingPong && m.pingPongFlip {
		return m.hiddenAlt
	}
	return m.hidden
}

// Output returns the buffer a layer should write its hidden state
// into. With PingPong it is the buffer Input does not return; without
// PingPong, Input and Output return the same buffer.
func (m *Manager) Output() gpu.Buffer {
	if !m.config.PingPong {
		return m.hidden
	}
	if m.pingPongFlip {
		return m.hidden
	}
	return m.hiddenAlt
}

// AttnOutput returns the attention-output scratch buffer.
func (m *Manager) AttnOutput() gpu.Buffer { return m.attnOutput }

// FFNIntermediate returns the FFN-intermediate scratch buffer.
func (m *Manager) FFNIntermediate() gpu.Buffer { return m.ffnInterm }

// SwapPingPong flips which buffer is the input buffer at the next
// layer boundary. No-op when ping-pong is not enabled.
func (m *Manager) SwapPingPong() {
	if m.config.PingPong {
		m.pingPongFlip = !m.pingPongFlip
	}
}

// ResetPingPong restores the input/output convention at the start of
// each decode step.
func (m *Manager) ResetPingPong() {
	m.pingPongFlip = false
}

func (m *Manager) release() {
	for _, b := range []gpu.Buffer{m.hidden, m.hiddenAlt, m.attnOutput, m.ffnInterm} {
		if b != nil {
			b.Destroy()
		}
	}
	m.hidden, m.hiddenAlt, m.attnOutput, m.ffnInterm = nil, nil, nil, nil
}

// Release destroys every buffer owned by the manager.
func (m *Manager) Release() {
	m.release()
	m.have = false
}
