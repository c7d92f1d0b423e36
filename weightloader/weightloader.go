// Package weightloader implements manifest-driven shard streaming
// into per-layer weight records, plus two post-load transforms (QKV
// fusion, embedding tying). Dequant and GPU upload are modeled as
// pass-through steps — actual kernel math is out of scope — but the
// phased progress reporting and cooperative interleaving shape is
// preserved so callers can drive a real upload pipeline behind the
// same interface.
package weightloader

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/infercore/infercore/manifest"
	"github.com/infercore/infercore/pipelineerr"
)

// Tensor is one weight's raw bytes plus the descriptor metadata needed
// to interpret them.
type Tensor struct {
	Name       string
	Dtype      string
	Shape      []int
	Data       []byte
	QuantBlock *manifest.QuantBlock
}

// LayerWeights is the per-layer record the loader yields.
type LayerWeights struct {
	Index   int
	Tensors map[string]Tensor
}

// WeightMap is the loader's complete output: every layer plus the
// global embedding and head matrices.
type WeightMap struct {
	Layers    []LayerWeights
	Embedding Tensor
	Head      Tensor
	// HeadIsTiedAlias is true when Head was produced by embedding
	// tying rather than loaded as its own weight.
	HeadIsTiedAlias bool
	// QKVFused records, per layer index, whether that layer's Q/K/V
	// projections were fused into a single layer.i.qkv tensor.
	QKVFused map[int]bool
}

// Phase names the three stages of Progress.
type Phase string

const (
	PhaseShards   Phase = "shards"
	PhaseLayers   Phase = "layers"
	PhaseFinalize Phase = "finalize"
)

// Progress reports loader advancement within a Phase.
type Progress struct {
	Phase   Phase
	Current int
	Total   int
}

// ProgressFunc receives Progress updates; nil is a valid no-op.
type ProgressFunc func(Progress)

// ShardFetcher is the host-supplied `loadShard(idx)` collaborator:
// it returns the full byte contents of shard idx.
type ShardFetcher func(ctx context.Context, idx int) ([]byte, error)

// Loader streams a manifest's shards into a WeightMap.
type Loader struct {
	manifest   *manifest.Manifest
	fetch      ShardFetcher
	onProgress ProgressFunc
}

// New constructs a Loader. onProgress may be nil.
func New(m *manifest.Manifest, fetch ShardFetcher, onProgress ProgressFunc) *Loader {
	return &Loader{manifest: m, fetch: fetch, onProgress: onProgress}
}

func (l *Loader) report(phase Phase, current, total int) {
	if l.onProgress != nil {
		l.onProgress(Progress{Phase: phase, Current: current, Total: total})
	}
}

// Load streams every shard, assembles per-layer and global tensors,
// and applies the post-load transforms. It respects ctx cancellation
// between shards and between layers.
func (l *Loader) Load(ctx context.Context) (*WeightMap, error) {
	shardBytes := make([][]byte, len(l.manifest.Shards))
	for idx, shard := range l.manifest.Shards {
		select {
		case <-ctx.Done():
			return nil, pipelineerr.New(pipelineerr.Cancelled, "weightloader.Load", ctx.Err())
		default:
		}
		data, err := l.fetch(ctx, idx)
		if err != nil {
			return nil, pipelineerr.New(pipelineerr.ShardFetchFailed, "weightloader.Load",
				fmt.Errorf("shard %d (%s): %w", idx, shard.Filename, err))
		}
		if int64(len(data)) < shard.Size {
			return nil, pipelineerr.New(pipelineerr.ShardFetchFailed, "weightloader.Load",
				fmt.Errorf("shard %d (%s): got %d bytes, manifest declares %d", idx, shard.Filename, len(data), shard.Size))
		}
		shardBytes[idx] = data
		l.report(PhaseShards, idx+1, len(l.manifest.Shards))
	}

	wm := &WeightMap{QKVFused: make(map[int]bool)}
	layerTensors := make(map[int]map[string]Tensor)

	totalWeights := 0
	for _, shard := range l.manifest.Shards {
		totalWeights += len(shard.Weights)
	}
	seen := 0

	for shardIdx, shard := range l.manifest.Shards {
		for _, wd := range shard.Weights {
			select {
			case <-ctx.Done():
				return nil, pipelineerr.New(pipelineerr.Cancelled, "weightloader.Load", ctx.Err())
			default:
			}
			if wd.Offset+wd.Length > int64(len(shardBytes[shardIdx])) {
				return nil, pipelineerr.New(pipelineerr.ShardFetchFailed, "weightloader.Load",
					fmt.Errorf("weight %q: offset+length exceeds shard %d bytes", wd.Name, shardIdx))
			}
			t := Tensor{
				Name:       wd.Name,
				Dtype:      wd.Dtype,
				Shape:      wd.Shape,
				Data:       shardBytes[shardIdx][wd.Offset : wd.Offset+wd.Length],
				QuantBlock: wd.QuantBlock,
			}
			assign(wm, layerTensors, t)
			seen++
			l.report(PhaseLayers, seen, totalWeights)
		}
	}

	wm.Layers = make([]LayerWeights, 0, len(layerTensors))
	for idx, tensors := range layerTensors {
		wm.Layers = append(wm.Layers, LayerWeights{Index: idx, Tensors: tensors})
	}
	sortLayers(wm.Layers)

	l.report(PhaseFinalize, 0, 2)
	fuseQKV(wm)
	l.report(PhaseFinalize, 1, 2)
	tieEmbeddings(wm, l.manifest.Config.TiedEmbeddings)
	l.report(PhaseFinalize, 2, 2)

	return wm, nil
}

// assign routes a decoded tensor to its layer bucket, or to the
// global Embedding/Head slot, by its name convention
// ("layer.<N>.<rest>", "embed", "lm_head").
func assign(wm *WeightMap, layers map[int]map[string]Tensor, t Tensor) {
	if idx, rest, ok := parseLayerName(t.Name); ok {
		if layers[idx] == nil {
			layers[idx] = make(map[string]Tensor)
		}
		layers[idx][rest] = t
		return
	}
	switch t.Name {
	case "embed", "tok_embeddings", "embed_tokens":
		wm.Embedding = t
	case "lm_head", "head":
		wm.Head = t
	}
}

func parseLayerName(name string) (idx int, rest string, ok bool) {
	if !strings.HasPrefix(name, "layer.") {
		return 0, "", false
	}
	parts := strings.SplitN(name[len("layer."):], ".", 2)
	if len(parts) != 2 {
		return 0, "", false
	}
	n, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, "", false
	}
	return n, parts[1], true
}

func sortLayers(layers []LayerWeights) {
	for i := 1; i < len(layers); i++ {
		for j := i; j > 0 && layers[j].Index < layers[j-1].Index; j-- {
			layers[j], layers[j-1] = layers[j-1], layers[j]
		}
	}
}

// fuseQKV concatenates each layer's q/k/v projections into a single
// layer.i.qkv tensor when all three are present and share an input
// dimension. One-shot: a layer already carrying "qkv" is left
// untouched.
func fuseQKV(wm *WeightMap) {
	for i := range wm.Layers {
		layer := &wm.Layers[i]
		if _, already := layer.Tensors["qkv"]; already {
			continue
		}
		q, hasQ := layer.Tensors["q"]
		k, hasK := layer.Tensors["k"]
		v, hasV := layer.Tensors["v"]
		if !hasQ || !hasK || !hasV {
			continue
		}
		if len(q.Shape) == 0 || len(k.Shape) == 0 || len(v.Shape) == 0 {
			continue
		}
		inputDim := q.Shape[len(q.Shape)-1]
		if k.Shape[len(k.Shape)-1] != inputDim || v.Shape[len(v.Shape)-1] != inputDim {
			continue
		}

		fused := make([]byte, 0, len(q.Data)+len(k.Data)+len(v.Data))
		fused = append(fused, q.Data...)
		fused = append(fused, k.Data...)
		fused = append(fused, v.Data...)

		shape := append([]int{q.Shape[0] + k.Shape[0] + v.Shape[0]}, q.Shape[1:]...)
		layer.Tensors["qkv"] = Tensor{
			Name:  fmt.Sprintf("layer.%d.qkv", layer.Index),
			Dtype: q.Dtype,
			Shape: shape,
			Data:  fused,
		}
		wm.QKVFused[layer.Index] = true
	}
}

// tieEmbeddings aliases Head to Embedding's bytes (not a copy) when
// the manifest declares tied embeddings and no distinct head weight
// was loaded. The stored Shape is reversed to reflect the transpose
// relationship; the underlying Data remains the same backing array as
// Embedding.Data.
func tieEmbeddings(wm *WeightMap, tied bool) {
	if !tied || len(wm.Head.Data) > 0 {
		return
	}
	if len(wm.Embedding.Data) == 0 {
		return
	}
	shape := make([]int, len(wm.Embedding.Shape))
	for i, d := range wm.Embedding.Shape {
		shape[len(shape)-1-i] = d
	}
	wm.Head = Tensor{
		Name:  "lm_head",
		Dtype: wm.Embedding.Dtype,
		Shape: shape,
		Data:  wm.Embedding.Data,
	}
	wm.HeadIsTiedAlias = true
}
