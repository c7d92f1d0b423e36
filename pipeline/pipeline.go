// Package pipeline implements the stateful container the initializer
// and generator mutate, and the prefill/decode state machine that
// drives it. Attention, MLP and normalization math are delegated to a
// caller-supplied LayerExecutor — kernel implementations are out of
// scope here — while this package owns the orchestrator: state
// transitions, KV-cache bookkeeping, MoE routing,
// decode-ring/ping-pong bookkeeping, sampling dispatch, and streaming
// decode of output text.
package pipeline

import (
	"context"
	"encoding/binary"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/infercore/infercore/bufferpool"
	"github.com/infercore/infercore/decodebuf"
	"github.com/infercore/infercore/decodering"
	"github.com/infercore/infercore/gpu"
	"github.com/infercore/infercore/kvcache"
	"github.com/infercore/infercore/manifest"
	"github.com/infercore/infercore/moe"
	"github.com/infercore/infercore/pipelineerr"
	"github.com/infercore/infercore/tokenizer"
	"github.com/infercore/infercore/weightloader"
)

// State is a node of the prefill/decode state machine.
type State int

const (
	Idle State = iota
	Prefilling
	Decoding
	Stopped
	Cancelled
	Errored
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Prefilling:
		return "prefilling"
	case Decoding:
		return "decoding"
	case Stopped:
		return "stopped"
	case Cancelled:
		return "cancelled"
	case Errored:
		return "errored"
	default:
		return "unknown"
	}
}

// Stats is the pipeline's runtime counters.
type Stats struct {
	TokensGenerated int
	PrefillTimeMs   int64
	DecodeTimeMs    int64
}

// LayerInput is what the orchestrator hands an executor for one
// layer's forward pass at one token position.
type LayerInput struct {
	LayerIdx int
	Position int32
	Hidden   []float32
}

// LayerExecutor is the compute seam the orchestrator drives per layer.
// Implementations own the actual kernels (attention, MLP, RMSNorm);
// this package only decides when and in what order to call them,
// tracks KV-cache writes, and wires MoE routing around ExpertMLP.
type LayerExecutor interface {
	// Attention runs layer in.LayerIdx's self-attention at in.Position,
	// appending the position's K/V into cache itself (so the executor
	// can apply RoPE before the bytes are stored) and returning the
	// attention output added to the residual stream.
	Attention(ctx context.Context, in LayerInput, cache kvcache.Cache) (out []float32, err error)
	// Norm applies layer in.LayerIdx's RMSNorm (pre- or post-attention,
	// per the executor's own convention) to hidden.
	Norm(ctx context.Context, layerIdx int, hidden []float32) ([]float32, error)
	// DenseMLP runs a non-MoE layer's single feed-forward network.
	DenseMLP(ctx context.Context, layerIdx int, hidden []float32) ([]float32, error)
	// ExpertMLP runs one expert's feed-forward network over its
	// assigned token batch (always length 1 in this decode-one-token
	// orchestration, but the signature stays batch-shaped to mirror
	// moe.ExecutionPlan and to allow prefill batching).
	ExpertMLP(ctx context.Context, layerIdx, expertIdx int, tokens [][]float32) ([][]float32, error)
	// FinalNormAndHead projects the last layer's hidden state through
	// the final norm and LM head, producing logits over the full
	// vocabulary.
	FinalNormAndHead(ctx context.Context, hidden []float32) (logits []float32, err error)
}

// LoRAAdapter is an opaque single-writer handle: SetLoRAAdapter
// replaces it wholesale. Its contents are executor-specific. The
// pipeline records the active adapter but does not pass it to the
// LayerExecutor, so it has no effect on decode steps.
type LoRAAdapter struct {
	Name string
	Data any
}

// ModelConfig is the resolved, immutable-after-loadModel configuration.
type ModelConfig struct {
	Layers              int
	HiddenSize          int
	Heads               int
	KVHeads             int
	HeadDim             int
	Intermediate        int
	VocabSize           int
	MaxSeqLen           int32
	RopeTheta           float64
	LocalAttentionTheta float64
	MoE                 bool
	NumExperts          int
	TopKExperts         int
	SlidingWindow       int32
	TiedEmbeddings      bool
	PrependBOS          bool
}

func resolveConfig(m *manifest.Manifest) ModelConfig {
	c := m.Config
	heads := c.NumAttentionHeads
	kvHeads := c.NumKeyValueHeads
	if kvHeads == 0 {
		kvHeads = heads
	}
	headDim := 0
	if heads > 0 {
		headDim = c.HiddenSize / heads
	}
	return ModelConfig{
		Layers:              c.NumHiddenLayers,
		HiddenSize:          c.HiddenSize,
		Heads:               heads,
		KVHeads:             kvHeads,
		HeadDim:             headDim,
		Intermediate:        c.IntermediateSize,
		VocabSize:           c.VocabSize,
		MaxSeqLen:           int32(c.MaxPositionEmbeddings),
		RopeTheta:           c.RopeTheta,
		LocalAttentionTheta: c.LocalAttentionTheta,
		MoE:                 c.MoE,
		NumExperts:          c.NumExperts,
		TopKExperts:         c.TopKExperts,
		SlidingWindow:       c.SlidingWindow,
		TiedEmbeddings:      c.TiedEmbeddings,
		PrependBOS:          true,
	}
}

// Pipeline is the stateful container mutated only by the initializer
// and the generator.
type Pipeline struct {
	mu sync.Mutex

	logger *slog.Logger

	device     gpu.Device
	bufferPool *bufferpool.Pool

	isLoaded bool
	state    State

	cfg       ModelConfig
	weights   *weightloader.WeightMap
	kv        kvcache.Cache
	moeRouter map[int]*moe.Router // keyed by layer index, MoE layers only
	executor  LayerExecutor
	tokenizer *tokenizer.Tokenizer
	adapter   *LoRAAdapter

	decodeRing *decodering.Ring
	decodeBuf  *decodebuf.Manager

	eosTokenIDs []int
	lastToken   int

	stats      Stats
	decodeStep int
	seqLen     int32
}

// New constructs an uninitialized Pipeline.
func New(logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{logger: logger, state: Idle}
}

// Initialize binds the process-wide device and buffer pool.
func (p *Pipeline) Initialize(device gpu.Device, pool *bufferpool.Pool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if device == nil {
		return pipelineerr.New(pipelineerr.NotInitialized, "pipeline.Initialize", errNilDevice)
	}
	p.device = device
	p.bufferPool = pool
	return nil
}

// LoadModel streams weights via fetch and binds the model.
func (p *Pipeline) LoadModel(ctx context.Context, m *manifest.Manifest, fetch weightloader.ShardFetcher, tok *tokenizer.Tokenizer, executor LayerExecutor, onProgress weightloader.ProgressFunc) error {
	loader := weightloader.New(m, fetch, onProgress)
	wm, err := loader.Load(ctx)
	if err != nil {
		return err
	}
	return p.bindModel(m, wm, tok, executor)
}

// SetPreloadedWeights binds the model using an already-assembled
// WeightMap, bypassing the weight loader entirely.
func (p *Pipeline) SetPreloadedWeights(m *manifest.Manifest, weights *weightloader.WeightMap, tok *tokenizer.Tokenizer, executor LayerExecutor) error {
	return p.bindModel(m, weights, tok, executor)
}

func (p *Pipeline) bindModel(m *manifest.Manifest, weights *weightloader.WeightMap, tok *tokenizer.Tokenizer, executor LayerExecutor) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.device == nil {
		return pipelineerr.New(pipelineerr.NotInitialized, "pipeline.loadModel", errNotInitialized)
	}

	cfg := resolveConfig(m)

	layout := kvcache.Contiguous
	if cfg.SlidingWindow > 0 {
		layout = kvcache.SlidingWindow
	}
	kv, err := kvcache.New(p.device, kvcache.Config{
		Layers:      cfg.Layers,
		MaxSeqLen:   cfg.MaxSeqLen,
		KVHeads:     cfg.KVHeads,
		HeadDim:     cfg.HeadDim,
		ElementSize: 4,
		Layout:      layout,
		WindowSize:  cfg.SlidingWindow,
	})
	if err != nil {
		return err
	}

	routers := make(map[int]*moe.Router)
	if cfg.MoE {
		for _, layer := range weights.Layers {
			gateW, hasW := layer.Tensors["gate_weight"]
			if !hasW {
				continue
			}
			var gateBias []float32
			if gb, ok := layer.Tensors["gate_bias"]; ok {
				gateBias = bytesToFloat32(gb.Data)
			}
			r, err := moe.New(moe.Config{
				HiddenSize:    cfg.HiddenSize,
				NumExperts:    cfg.NumExperts,
				TopK:          cfg.TopKExperts,
				NormalizeTopK: true,
			}, bytesToFloat32(gateW.Data), gateBias)
			if err != nil {
				kv.Close()
				return err
			}
			routers[layer.Index] = r
		}
	}

	ring := decodering.New(p.device)
	if err := ring.Ensure(decodering.Config{BatchSize: 1, TokensPerInterval: 1}); err != nil {
		kv.Close()
		return err
	}

	decodeBuf := decodebuf.New(p.device)
	if err := decodeBuf.Ensure(decodebuf.Config{
		HiddenSize:      cfg.HiddenSize,
		FFNIntermediate: cfg.Intermediate,
		ElementSize:     4,
		PingPong:        true,
	}); err != nil {
		kv.Close()
		ring.Release()
		return err
	}

	if p.kv != nil {
		p.kv.Close()
	}
	if p.decodeRing != nil {
		p.decodeRing.Release()
	}
	if p.decodeBuf != nil {
		p.decodeBuf.Release()
	}

	p.cfg = cfg
	p.weights = weights
	p.kv = kv
	p.moeRouter = routers
	p.executor = executor
	p.tokenizer = tok
	p.decodeRing = ring
	p.decodeBuf = decodeBuf
	p.eosTokenIDs = append([]int(nil), m.EOSTokenID...)
	p.isLoaded = true
	p.state = Idle
	p.seqLen = 0
	p.lastToken = 0
	p.stats = Stats{}
	p.decodeStep = 0

	p.logger.Info("model loaded", "architecture", m.Architecture, "layers", cfg.Layers, "moe", cfg.MoE)
	return nil
}

// SetLoRAAdapter records adapter as the active adapter. The decode
// loop does not read it; no LayerExecutor call receives it.
func (p *Pipeline) SetLoRAAdapter(adapter *LoRAAdapter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.adapter = adapter
}

// Reset clears the KV cache and per-step counters, returning to Idle.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.kv != nil {
		p.kv.Clear()
	}
	p.seqLen = 0
	p.decodeStep = 0
	p.decodeRing.Reset()
	p.decodeBuf.ResetPingPong()
	p.state = Idle
}

// Unload frees weights and collaborator state, returning the pipeline
// to initialized (device/pool remain bound).
func (p *Pipeline) Unload() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.kv != nil {
		p.kv.Close()
	}
	if p.decodeRing != nil {
		p.decodeRing.Release()
	}
	if p.decodeBuf != nil {
		p.decodeBuf.Release()
	}
	p.weights = nil
	p.kv = nil
	p.decodeRing = nil
	p.decodeBuf = nil
	p.moeRouter = nil
	p.isLoaded = false
	p.state = Idle
}

// GetState returns the pipeline's current state-machine node.
func (p *Pipeline) GetState() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// GetStats returns a snapshot of the pipeline's runtime counters.
func (p *Pipeline) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// GetMemoryStats reports the KV cache's memory footprint.
func (p *Pipeline) GetMemoryStats() kvcache.MemStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.kv == nil {
		return kvcache.MemStats{}
	}
	return p.kv.MemoryStats()
}

// GetKVCacheStats is an alias for GetMemoryStats named to match the
// pipeline's public surface.
func (p *Pipeline) GetKVCacheStats() kvcache.MemStats { return p.GetMemoryStats() }

// GenOptions holds per-generation sampling and length options.
type GenOptions struct {
	MaxTokens         int
	Temperature       float64
	TopK              int
	TopP              float64
	RepetitionPenalty float64
	StopTokens        []int
	StopCheckMode     decodering.StopCheckMode
	Seed              int64
	Cancel            <-chan struct{}
}

// Chunk is one item of a generation's output stream.
type Chunk struct {
	Text    string
	TokenID int
	Err     error
}

func bytesToFloat32(data []byte) []float32 {
	out := make([]float32, len(data)/4)
	for i := range out {
		bits := binary.LittleEndian.Uint32(data[i*4:])
		out[i] = math.Float32frombits(bits)
	}
	return out
}

func embedRow(embed weightloader.Tensor, tokenID, hiddenSize int) []float32 {
	all := bytesToFloat32(embed.Data)
	start := tokenID * hiddenSize
	if start < 0 || start+hiddenSize > len(all) {
		return make([]float32, hiddenSize)
	}
	row := make([]float32, hiddenSize)
	copy(row, all[start:start+hiddenSize])
	return row
}

func elapsedMs(start time.Time) int64 { return time.Since(start).Milliseconds() }
