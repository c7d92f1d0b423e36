package pipeline_test

import (
	"context"
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/infercore/infercore/bufferpool"
	"github.com/infercore/infercore/gpu"
	"github.com/infercore/infercore/gpu/refdevice"
	"github.com/infercore/infercore/kvcache"
	"github.com/infercore/infercore/manifest"
	"github.com/infercore/infercore/pipeline"
	"github.com/infercore/infercore/tokenizer"
	"github.com/infercore/infercore/weightloader"
)

// fakeExecutor is a deterministic stand-in for the real kernel math: it
// passes hidden state through unchanged and derives the next token as
// (current token id + 1) mod vocabSize, so a short deterministic
// generation and its EOS boundary are easy to assert on.
type fakeExecutor struct {
	hiddenSize, kvHeads, headDim, elemSize, vocabSize int
}

func (f *fakeExecutor) Attention(ctx context.Context, in pipeline.LayerInput, cache kvcache.Cache) ([]float32, error) {
	posBytes := f.kvHeads * f.headDim * f.elemSize
	zero := make([]byte, posBytes)
	if err := cache.AppendStep(in.LayerIdx, in.Position, zero, zero); err != nil {
		return nil, err
	}
	out := make([]float32, len(in.Hidden))
	copy(out, in.Hidden)
	return out, nil
}

func (f *fakeExecutor) Norm(ctx context.Context, layerIdx int, hidden []float32) ([]float32, error) {
	return hidden, nil
}

func (f *fakeExecutor) DenseMLP(ctx context.Context, layerIdx int, hidden []float32) ([]float32, error) {
	return hidden, nil
}

func (f *fakeExecutor) ExpertMLP(ctx context.Context, layerIdx, expertIdx int, tokens [][]float32) ([][]float32, error) {
	return tokens, nil
}

func (f *fakeExecutor) FinalNormAndHead(ctx context.Context, hidden []float32) ([]float32, error) {
	var sum float32
	for _, v := range hidden {
		sum += v
	}
	cur := int(sum) / len(hidden)
	next := (cur + 1) % f.vocabSize
	logits := make([]float32, f.vocabSize)
	logits[next] = 10
	return logits, nil
}

func float32sToBytes(v []float32) []byte {
	out := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

// newTestPipeline builds a 4-token-vocabulary, 1-layer, MoE-disabled
// pipeline whose embedding row for token t is [t, t], loaded and ready
// to generate.
func newTestPipeline(t *testing.T) (*pipeline.Pipeline, *fakeExecutor) {
	t.Helper()

	device := refdevice.New(gpu.Features{})
	pool := bufferpool.New(device)

	m := &manifest.Manifest{
		Architecture: "test",
		Config: manifest.ModelConfig{
			VocabSize:             4,
			HiddenSize:            2,
			NumHiddenLayers:       1,
			NumAttentionHeads:     1,
			NumKeyValueHeads:      1,
			IntermediateSize:      2,
			MaxPositionEmbeddings: 32,
		},
		EOSTokenID: []int{3},
	}

	tok, err := tokenizer.Initialize(tokenizer.Descriptor{
		Type:  "bpe",
		Vocab: map[string]int{"a": 0, "b": 1, "c": 2, "d": 3},
	}, tokenizer.Options{})
	require.NoError(t, err)

	embed := float32sToBytes([]float32{0, 0, 1, 1, 2, 2, 3, 3})
	weights := &weightloader.WeightMap{
		Layers:    []weightloader.LayerWeights{{Index: 0, Tensors: map[string]weightloader.Tensor{}}},
		Embedding: weightloader.Tensor{Data: embed, Shape: []int{4, 2}},
		Head:      weightloader.Tensor{Data: embed, Shape: []int{2, 4}},
	}

	exec := &fakeExecutor{hiddenSize: 2, kvHeads: 1, headDim: 2, elemSize: 4, vocabSize: 4}

	p := pipeline.New(nil)
	require.NoError(t, p.Initialize(device, pool))
	require.NoError(t, p.SetPreloadedWeights(m, weights, tok, exec))
	return p, exec
}

func drain(t *testing.T, ch <-chan pipeline.Chunk) ([]int, string) {
	t.Helper()
	var ids []int
	var text string
	for c := range ch {
		require.NoError(t, c.Err)
		ids = append(ids, c.TokenID)
		text += c.Text
	}
	return ids, text
}

func TestGenerateDeterministicGreedy(t *testing.T) {
	p1, _ := newTestPipeline(t)
	ch1, err := p1.Generate(context.Background(), "a", pipeline.GenOptions{MaxTokens: 10})
	require.NoError(t, err)
	ids1, _ := drain(t, ch1)

	p2, _ := newTestPipeline(t)
	ch2, err := p2.Generate(context.Background(), "a", pipeline.GenOptions{MaxTokens: 10})
	require.NoError(t, err)
	ids2, _ := drain(t, ch2)

	require.Equal(t, ids1, ids2)
	require.Equal(t, []int{1, 2, 3}, ids1) // stops at EOS (token 3)
	require.Equal(t, 3, p1.GetStats().TokensGenerated)
	require.Equal(t, pipeline.Stopped, p1.GetState())
}

func TestGenerateZeroMaxTokensEmitsNothing(t *testing.T) {
	p, _ := newTestPipeline(t)
	ch, err := p.Generate(context.Background(), "a", pipeline.GenOptions{MaxTokens: 0})
	require.NoError(t, err)
	ids, text := drain(t, ch)
	require.Empty(t, ids)
	require.Empty(t, text)
	require.Equal(t, 0, p.GetStats().TokensGenerated)
}

func TestGenerateRejectsWhileNotIdle(t *testing.T) {
	p, _ := newTestPipeline(t)
	_, err := p.Generate(context.Background(), "a", pipeline.GenOptions{MaxTokens: 10})
	require.NoError(t, err)
	_, err = p.Generate(context.Background(), "a", pipeline.GenOptions{MaxTokens: 10})
	require.Error(t, err)
}

func TestGenerateCancellation(t *testing.T) {
	p, _ := newTestPipeline(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ch, err := p.Generate(ctx, "a", pipeline.GenOptions{MaxTokens: 10})
	require.NoError(t, err)
	for range ch {
	}
	require.Equal(t, pipeline.Cancelled, p.GetState())
}

func TestPrefixKVReuseMatchesDirectGenerate(t *testing.T) {
	direct, _ := newTestPipeline(t)
	chDirect, err := direct.Generate(context.Background(), "ab", pipeline.GenOptions{MaxTokens: 2})
	require.NoError(t, err)
	idsDirect, _ := drain(t, chDirect)

	prefixSrc, _ := newTestPipeline(t)
	snap, err := prefixSrc.PrefillKVOnly(context.Background(), "a")
	require.NoError(t, err)

	reused, _ := newTestPipeline(t)
	chReused, err := reused.GenerateWithPrefixKV(context.Background(), snap, "b", pipeline.GenOptions{MaxTokens: 2})
	require.NoError(t, err)
	idsReused, _ := drain(t, chReused)

	require.Equal(t, idsDirect, idsReused)
}

func TestResetReturnsToIdle(t *testing.T) {
	p, _ := newTestPipeline(t)
	ch, err := p.Generate(context.Background(), "a", pipeline.GenOptions{MaxTokens: 10})
	require.NoError(t, err)
	drain(t, ch)
	p.Reset()
	require.Equal(t, pipeline.Idle, p.GetState())
	require.EqualValues(t, 0, p.GetMemoryStats().SeqLen)
}
