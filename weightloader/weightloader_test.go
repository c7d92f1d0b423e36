package weightloader_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/infercore/infercore/manifest"
	"github.com/infercore/infercore/weightloader"
)

func buildManifest(t *testing.T, tied bool) (*manifest.Manifest, []byte) {
	t.Helper()
	// One shard holding: embed (8 bytes), layer.0.q/k/v (4 bytes each,
	// input dim 4), layer.0.o (4 bytes).
	shardData := make([]byte, 0, 24)
	shardData = append(shardData, []byte{1, 1, 1, 1, 1, 1, 1, 1}...) // embed
	shardData = append(shardData, []byte{2, 2, 2, 2}...)             // q
	shardData = append(shardData, []byte{3, 3, 3, 3}...)             // k
	shardData = append(shardData, []byte{4, 4, 4, 4}...)             // v
	shardData = append(shardData, []byte{5, 5, 5, 5}...)             // o

	m := &manifest.Manifest{
		Architecture: "test",
		Config: manifest.ModelConfig{
			VocabSize: 2, HiddenSize: 4, NumHiddenLayers: 1,
			TiedEmbeddings: tied,
		},
		Shards: []manifest.ShardDescriptor{
			{
				Filename: "shard-0.bin",
				Size:     int64(len(shardData)),
				Weights: []manifest.WeightDescriptor{
					{Name: "embed", Dtype: "f32", Shape: []int{2, 4}, Offset: 0, Length: 8},
					{Name: "layer.0.q", Dtype: "f32", Shape: []int{4, 4}, Offset: 8, Length: 4},
					{Name: "layer.0.k", Dtype: "f32", Shape: []int{4, 4}, Offset: 12, Length: 4},
					{Name: "layer.0.v", Dtype: "f32", Shape: []int{4, 4}, Offset: 16, Length: 4},
					{Name: "layer.0.o", Dtype: "f32", Shape: []int{4, 4}, Offset: 20, Length: 4},
				},
			},
		},
	}
	return m, shardData
}

func TestLoadAssemblesLayersAndFusesQKV(t *testing.T) {
	m, shardData := buildManifest(t, false)
	var phases []weightloader.Phase
	l := weightloader.New(m, func(ctx context.Context, idx int) ([]byte, error) {
		return shardData, nil
	}, func(p weightloader.Progress) { phases = append(phases, p.Phase) })

	wm, err := l.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, wm.Layers, 1)

	layer := wm.Layers[0]
	qkv, ok := layer.Tensors["qkv"]
	require.True(t, ok)
	require.Equal(t, []byte{2, 2, 2, 2, 3, 3, 3, 3, 4, 4, 4, 4}, qkv.Data)
	require.True(t, wm.QKVFused[0])

	require.Equal(t, []byte{1, 1, 1, 1, 1, 1, 1, 1}, wm.Embedding.Data)
	require.Contains(t, phases, weightloader.PhaseShards)
	require.Contains(t, phases, weightloader.PhaseLayers)
	require.Contains(t, phases, weightloader.PhaseFinalize)
}

func TestLoadTiesEmbeddingsWhenDeclared(t *testing.T) {
	m, shardData := buildManifest(t, true)
	l := weightloader.New(m, func(ctx context.Context, idx int) ([]byte, error) {
		return shardData, nil
	}, nil)

	wm, err := l.Load(context.Background())
	require.NoError(t, err)
	require.True(t, wm.HeadIsTiedAlias)
	require.Equal(t, wm.Embedding.Data, wm.Head.Data)
	require.Equal(t, []int{4, 2}, wm.Head.Shape)
}

func TestLoadSurfacesShardFetchFailure(t *testing.T) {
	m, _ := buildManifest(t, false)
	l := weightloader.New(m, func(ctx context.Context, idx int) ([]byte, error) {
		return nil, errFetch
	}, nil)
	_, err := l.Load(context.Background())
	require.Error(t, err)
}

func TestLoadRespectsCancellation(t *testing.T) {
	m, shardData := buildManifest(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l := weightloader.New(m, func(ctx context.Context, idx int) ([]byte, error) {
		return shardData, nil
	}, nil)
	_, err := l.Load(ctx)
	require.Error(t, err)
}

var errFetch = fetchError{}

type fetchError struct{}

func (fetchError) Error() string { return "shard fetch failed" }
