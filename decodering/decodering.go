// Package decodering implements the fixed-size ring of GPU
// token/stop/staging buffers reused across decode steps.
//
// The ring holds up to four parallel sub-rings: tokens, stop (only
// when per-token stop checking is enabled), stagingTokens and
// stagingStop. Each sub-ring may have a different length; slot j of a
// sub-ring is selected as index mod that sub-ring's length, rather
// than unifying to a single LCM ring size.
package decodering

import (
	"fmt"

	"github.com/infercore/infercore/gpu"
	"github.com/infercore/infercore/pipelineerr"
)

// StopCheckMode selects whether stop-token detection happens once per
// batch or is streamed back per token.
type StopCheckMode int

const (
	StopCheckBatch StopCheckMode = iota
	StopCheckPerToken
)

// Config is the normalized ring configuration. Ensure is idempotent
// when the normalized config matches the current one.
type Config struct {
	BatchSize         int
	TokensPerInterval int
	RingTokens        int
	RingStop          int
	RingStaging       int
	StopCheckMode     StopCheckMode
}

func (c Config) normalized() Config {
	if c.RingTokens < 1 {
		c.RingTokens = 1
	}
	if c.RingStop < 1 {
		c.RingStop = 1
	}
	if c.RingStaging < 1 {
		c.RingStaging = 1
	}
	return c
}

// Slot is the tuple of buffers a decode step works with.
type Slot struct {
	Index             int
	Tokens            gpu.Buffer
	Stop              gpu.Buffer // nil when StopCheckMode == StopCheckBatch
	StagingTokens     gpu.Buffer
	StagingStop       gpu.Buffer // nil when StopCheckMode == StopCheckBatch
	TokensPerInterval int
	ZeroStopData      []byte
}

// Ring owns the buffers for one pipeline's decode hot loop.
type Ring struct {
	device gpu.Device
	config Config
	have   bool

	tokens, stop                 []gpu.Buffer
	stagingTokens, stagingStop   []gpu.Buffer

	index int
	size  int // R = max(len(tokens), len(stop-or-1), len(stagingTokens), 1)
}

// New creates an unconfigured ring bound to device. Call Ensure before
// Acquire.
func New(device gpu.Device) *Ring {
	return &Ring{device: device}
}

func validate(c Config) error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.TokensPerInterval <= 0 {
		return fmt.Errorf("tokensPerInterval must be positive, got %d", c.TokensPerInterval)
	}
	return nil
}

// Ensure allocates (or reallocates) the ring's buffers for config. It
// is idempotent when the normalized config matches the current one:
// decodeRing.Ensure(c); decodeRing.Ensure(c) allocates buffers exactly
// once.
func (r *Ring) Ensure(c Config) error {
	if err := validate(c); err != nil {
		return pipelineerr.New(pipelineerr.InvalidConfig, "decodering.Ensure", err)
	}
	nc := c.normalized()

	if r.have && r.config == nc {
		return nil
	}
	if r.have {
		r.releaseBuffers()
	}

	tokensSize := (nc.TokensPerInterval + 1) * 4
	stopSize := nc.TokensPerInterval * 4

	tokens := make([]gpu.Buffer, nc.RingTokens)
	for i := range tokens {
		buf, err := r.device.CreateBuffer("decodering.tokens", tokensSize, gpu.UsageStorage|gpu.UsageCopySrc|gpu.UsageCopyDst)
		if err != nil {
			r.destroyAll(tokens[:i])
			return toBufferErr(err, "decodering.Ensure")
		}
		tokens[i] = buf
	}

	var stop []gpu.Buffer
	if nc.StopCheckMode == StopCheckPerToken {
		stop = make([]gpu.Buffer, nc.RingStop)
		for i := range stop {
			buf, err := r.device.CreateBuffer("decodering.stop", stopSize, gpu.UsageStorage|gpu.UsageCopySrc|gpu.UsageCopyDst)
			if err != nil {
				r.destroyAll(tokens)
				r.destroyAll(stop[:i])
				return toBufferErr(err, "decodering.Ensure")
			}
			stop[i] = buf
		}
	}

	stagingTokens := make([]gpu.Buffer, nc.RingStaging)
	for i := range stagingTokens {
		buf, err := r.device.CreateBuffer("decodering.stagingTokens", tokensSize, gpu.UsageMapRead|gpu.UsageCopyDst)
		if err != nil {
			r.destroyAll(tokens)
			r.destroyAll(stop)
			r.destroyAll(stagingTokens[:i])
			return toBufferErr(err, "decodering.Ensure")
		}
		stagingTokens[i] = buf
	}

	var stagingStop []gpu.Buffer
	if nc.StopCheckMode == StopCheckPerToken {
		stagingStop = make([]gpu.Buffer, nc.RingStaging)
		for i := range stagingStop {
			buf, err := r.device.CreateBuffer("decodering.stagingStop", stopSize, gpu.UsageMapRead|gpu.UsageCopyDst)
			if err != nil {
				r.destroyAll(tokens)
				r.destroyAll(stop)
				r.destroyAll(stagingTokens)
				r.destroyAll(stagingStop[:i])
				return toBufferErr(err, "decodering.Ensure")
			}
			stagingStop[i] = buf
		}
	}

	r.tokens, r.stop, r.stagingTokens, r.stagingStop = tokens, stop, stagingTokens, stagingStop
	r.config = nc
	r.have = true
	r.index = 0
	r.size = max(len(tokens), 1)
	if len(stop) > r.size {
		r.size = len(stop)
	}
	if len(stagingTokens) > r.size {
		r.size = len(stagingTokens)
	}
	return nil
}

func toBufferErr(err error, op string) error {
	if pipelineerr.Is(err, pipelineerr.BufferTooLarge) {
		return err
	}
	return pipelineerr.New(pipelineerr.BufferTooLarge, op, err)
}

// Acquire returns the current slot without advancing the ring.
func (r *Ring) Acquire() (Slot, error) {
	if !r.have {
		return Slot{}, pipelineerr.New(pipelineerr.NotInitialized, "decodering.Acquire", fmt.Errorf("ring not configured"))
	}
	s := Slot{
		Index:             r.index,
		Tokens:            r.tokens[r.index%len(r.tokens)],
		StagingTokens:     r.stagingTokens[r.index%len(r.stagingTokens)],
		TokensPerInterval: r.config.TokensPerInterval,
	}
	if r.config.StopCheckMode == StopCheckPerToken {
		s.Stop = r.stop[r.index%len(r.stop)]
		s.StagingStop = r.stagingStop[r.index%len(r.stagingStop)]
		s.ZeroStopData = make([]byte, s.Stop.Size())
	}
	return s, nil
}

// Advance moves index to (index + 1) mod R.
func (r *Ring) Advance() {
	if r.size == 0 {
		return
	}
	r.index = (r.index + 1) % r.size
}

// Reset rewinds the ring to slot 0 without releasing buffers.
func (r *Ring) Reset() {
	r.index = 0
}

// Release destroys all buffers held by the ring.
func (r *Ring) Release() {
	r.releaseBuffers()
	r.have = false
	r.index = 0
	r.size = 0
}

func (r *Ring) releaseBuffers() {
	r.destroyAll(r.tokens)
	r.destroyAll(r.stop)
	r.destroyAll(r.stagingTokens)
	r.destroyAll(r.stagingStop)
	r.tokens, r.stop, r.stagingTokens, r.stagingStop = nil, nil, nil, nil
}

func (r *Ring) destroyAll(bufs []gpu.Buffer) {
	for _, b := range bufs {
		if b != nil {
			b.Destroy()
		}
	}
}

// Size returns R, the ring's overall period: after R consecutive
// Advance calls the index returns to its starting value.
func (r *Ring) Size() int { return r.size }
