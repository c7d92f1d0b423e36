package kvcache_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/infercore/infercore/gpu"
	"github.com/infercore/infercore/gpu/refdevice"
	"github.com/infercore/infercore/kvcache"
)

func testDevice(t *testing.T) gpu.Device {
	t.Helper()
	return refdevice.New(gpu.Features{})
}

func vec(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

func baseConfig(layout kvcache.Layout) kvcache.Config {
	return kvcache.Config{
		Layers:      2,
		MaxSeqLen:   16,
		KVHeads:     2,
		HeadDim:     4,
		ElementSize: 4,
		Layout:      layout,
	}
}

func TestContiguousAppendAndReadRange(t *testing.T) {
	device := testDevice(t)
	cfg := baseConfig(kvcache.Contiguous)
	c, err := kvcache.New(device, cfg)
	require.NoError(t, err)
	defer c.Close()

	posBytes := cfg.KVHeads * cfg.HeadDim * cfg.ElementSize
	require.NoError(t, c.AppendStep(0, 0, vec(1, posBytes), vec(2, posBytes)))
	require.NoError(t, c.AppendStep(0, 1, vec(3, posBytes), vec(4, posBytes)))
	require.EqualValues(t, 2, c.SeqLen())

	k, v, err := c.ReadRange(0, 0, 2)
	require.NoError(t, err)
	require.Equal(t, vec(1, posBytes), k[:posBytes])
	require.Equal(t, vec(3, posBytes), k[posBytes:])
	require.Equal(t, vec(2, posBytes), v[:posBytes])
	require.Equal(t, vec(4, posBytes), v[posBytes:])
}

func TestContiguousAppendRejectsOverflow(t *testing.T) {
	device := testDevice(t)
	cfg := baseConfig(kvcache.Contiguous)
	c, err := kvcache.New(device, cfg)
	require.NoError(t, err)
	defer c.Close()

	posBytes := cfg.KVHeads * cfg.HeadDim * cfg.ElementSize
	err = c.AppendStep(0, cfg.MaxSeqLen, vec(1, posBytes), vec(1, posBytes))
	require.Error(t, err)
}

// TestCloneApplyRoundTrip verifies clone followed by apply is the
// identity on observable KV-cache state (SeqLen and per-layer bytes).
func TestCloneApplyRoundTrip(t *testing.T) {
	device := testDevice(t)
	cfg := baseConfig(kvcache.Contiguous)
	posBytes := cfg.KVHeads * cfg.HeadDim * cfg.ElementSize

	c, err := kvcache.New(device, cfg)
	require.NoError(t, err)
	defer c.Close()

	for pos := int32(0); pos < 5; pos++ {
		require.NoError(t, c.AppendStep(0, pos, vec(byte(pos), posBytes), vec(byte(pos+100), posBytes)))
		require.NoError(t, c.AppendStep(1, pos, vec(byte(pos+1), posBytes), vec(byte(pos+101), posBytes)))
	}

	snap, err := c.Clone()
	require.NoError(t, err)
	require.EqualValues(t, 5, snap.SeqLen)

	c2, err := kvcache.New(device, cfg)
	require.NoError(t, err)
	defer c2.Close()

	require.NoError(t, c2.Apply(snap))
	require.Equal(t, c.SeqLen(), c2.SeqLen())

	for layer := 0; layer < cfg.Layers; layer++ {
		k1, v1, err := c.ReadRange(layer, 0, c.SeqLen())
		require.NoError(t, err)
		k2, v2, err := c2.ReadRange(layer, 0, c2.SeqLen())
		require.NoError(t, err)
		require.Equal(t, k1, k2)
		require.Equal(t, v1, v2)
	}
}

func TestApplyRejectsMismatchedGeometry(t *testing.T) {
	device := testDevice(t)
	cfg := baseConfig(kvcache.Contiguous)
	c, err := kvcache.New(device, cfg)
	require.NoError(t, err)
	defer c.Close()
	snap, err := c.Clone()
	require.NoError(t, err)

	other := cfg
	other.HeadDim = cfg.HeadDim * 2
	c2, err := kvcache.New(device, other)
	require.NoError(t, err)
	defer c2.Close()

	err = c2.Apply(snap)
	require.Error(t, err)
}

func TestSlidingWindowRetainsOnlyLastWindow(t *testing.T) {
	device := testDevice(t)
	cfg := baseConfig(kvcache.SlidingWindow)
	cfg.WindowSize = 4
	cfg.MaxSeqLen = 20
	posBytes := cfg.KVHeads * cfg.HeadDim * cfg.ElementSize

	c, err := kvcache.New(device, cfg)
	require.NoError(t, err)
	defer c.Close()

	for pos := int32(0); pos < 10; pos++ {
		require.NoError(t, c.AppendStep(0, pos, vec(byte(pos), posBytes), vec(byte(pos), posBytes)))
	}
	require.EqualValues(t, 10, c.SeqLen())

	k, _, err := c.ReadRange(0, 0, c.SeqLen())
	require.NoError(t, err)
	require.Len(t, k, int(cfg.WindowSize)*posBytes)
	// Oldest retained position is seqLen - window = 6.
	require.Equal(t, byte(6), k[0])
	require.Equal(t, byte(9), k[len(k)-posBytes])

	stats := c.MemoryStats()
	require.EqualValues(t, cfg.WindowSize, stats.UsedBytes/uint64(posBytes)/uint64(cfg.Layers)/2)
}

func TestPagedAllocatesFreshPagesOnGrowth(t *testing.T) {
	device := testDevice(t)
	cfg := baseConfig(kvcache.Paged)
	cfg.PageSize = 4
	posBytes := cfg.KVHeads * cfg.HeadDim * cfg.ElementSize

	c, err := kvcache.New(device, cfg)
	require.NoError(t, err)
	defer c.Close()

	for pos := int32(0); pos < 9; pos++ {
		require.NoError(t, c.AppendStep(0, pos, vec(byte(pos), posBytes), vec(byte(pos), posBytes)))
	}
	k, _, err := c.ReadRange(0, 0, 9)
	require.NoError(t, err)
	require.Len(t, k, 9*posBytes)
	for pos := 0; pos < 9; pos++ {
		require.Equal(t, byte(pos), k[pos*posBytes])
	}
}

func TestClear(t *testing.T) {
	device := testDevice(t)
	cfg := baseConfig(kvcache.Contiguous)
	posBytes := cfg.KVHeads * cfg.HeadDim * cfg.ElementSize
	c, err := kvcache.New(device, cfg)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.AppendStep(0, 0, vec(1, posBytes), vec(1, posBytes)))
	c.Clear()
	require.EqualValues(t, 0, c.SeqLen())
}
