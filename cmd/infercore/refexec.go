package main

import (
	"context"
	"encoding/binary"
	"math"

	"github.com/infercore/infercore/kvcache"
	"github.com/infercore/infercore/pipeline"
)

// referenceExecutor is a host-memory stand-in for the real attention
// and MLP kernels: it passes hidden state through each layer
// unchanged (beyond writing zeroed K/V into the cache so prefix reuse
// and KV-cache bookkeeping are exercised end to end) and projects to
// logits with a plain dot product against the manifest's head weight.
// It exists so this CLI can demonstrate the pipeline end to end
// without depending on a real GPU kernel backend; it produces no
// meaningful text.
type referenceExecutor struct {
	kvHeads, headDim, elemSize int
	hiddenSize, vocabSize      int
	head                       []float32
}

func newReferenceExecutor(kvHeads, headDim, elemSize, hiddenSize, vocabSize int, headBytes []byte) *referenceExecutor {
	head := make([]float32, len(headBytes)/4)
	for i := range head {
		head[i] = math.Float32frombits(binary.LittleEndian.Uint32(headBytes[i*4:]))
	}
	return &referenceExecutor{
		kvHeads: kvHeads, headDim: headDim, elemSize: elemSize,
		hiddenSize: hiddenSize, vocabSize: vocabSize, head: head,
	}
}

func (e *referenceExecutor) Attention(ctx context.Context, in pipeline.LayerInput, cache kvcache.Cache) ([]float32, error) {
	width := e.kvHeads * e.headDim * e.elemSize
	zero := make([]byte, width)
	if err := cache.AppendStep(in.LayerIdx, in.Position, zero, zero); err != nil {
		return nil, err
	}
	out := make([]float32, len(in.Hidden))
	copy(out, in.Hidden)
	return out, nil
}

func (e *referenceExecutor) Norm(ctx context.Context, layerIdx int, hidden []float32) ([]float32, error) {
	return hidden, nil
}

func (e *referenceExecutor) DenseMLP(ctx context.Context, layerIdx int, hidden []float32) ([]float32, error) {
	return hidden, nil
}

func (e *referenceExecutor) ExpertMLP(ctx context.Context, layerIdx, expertIdx int, tokens [][]float32) ([][]float32, error) {
	return tokens, nil
}

func (e *referenceExecutor) FinalNormAndHead(ctx context.Context, hidden []float32) ([]float32, error) {
	logits := make([]float32, e.vocabSize)
	if len(e.head) < e.vocabSize*e.hiddenSize {
		return logits, nil
	}
	for v := 0; v < e.vocabSize; v++ {
		var sum float32
		row := e.head[v*e.hiddenSize : (v+1)*e.hiddenSize]
		for i, h := range hidden {
			if i >= len(row) {
				break
			}
			sum += h * row[i]
		}
		logits[v] = sum
	}
	return logits, nil
}
