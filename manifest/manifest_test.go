package manifest_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/infercore/infercore/manifest"
)

const sampleManifest = `{
  "architecture": "glm4moelite",
  "config": {
    "vocab_size": 32000,
    "hidden_size": 4096,
    "num_hidden_layers": 2,
    "num_attention_heads": 32,
    "num_key_value_heads": 8,
    "intermediate_size": 11008,
    "max_position_embeddings": 4096,
    "rope_theta": 10000,
    "moe": true,
    "num_experts": 8,
    "num_experts_per_tok": 2
  },
  "tokenizer": {"type": "bundled", "file": "tokenizer.json"},
  "shards": [
    {"filename": "shard-0.bin", "size": 1024, "weights": [
      {"name": "layer.0.q", "dtype": "f16", "shape": [4096, 4096], "offset": 0, "length": 512}
    ]}
  ],
  "quantizationInfo": {"weights": "q4_0", "compute": "f16"},
  "eos_token_id": [2, 3],
  "optimizations": {"kernelPath": "auto"}
}`

func TestParseValidManifest(t *testing.T) {
	m, err := manifest.Parse([]byte(sampleManifest))
	require.NoError(t, err)
	require.Equal(t, "glm4moelite", m.Architecture)
	require.Equal(t, 32000, m.Config.VocabSize)
	require.Len(t, m.Shards, 1)
	require.Equal(t, []int{2, 3}, m.EOSTokenID)
	require.NotNil(t, m.QuantizationInfo)
	require.Equal(t, "q4_0", m.QuantizationInfo.Weights)
	require.JSONEq(t, `"auto"`, string(m.KernelPathRaw))
}

func TestParseScalarEOSTokenID(t *testing.T) {
	data := `{"architecture":"x","config":{"vocab_size":1,"hidden_size":1,"num_hidden_layers":1},"shards":[{"filename":"a","size":1,"weights":[]}],"eos_token_id":7}`
	m, err := manifest.Parse([]byte(data))
	require.NoError(t, err)
	require.Equal(t, []int{7}, m.EOSTokenID)
}

func TestParseRejectsMissingShards(t *testing.T) {
	data := `{"architecture":"x","config":{"vocab_size":1,"hidden_size":1,"num_hidden_layers":1},"shards":[]}`
	_, err := manifest.Parse([]byte(data))
	require.Error(t, err)
}

func TestParseRejectsInvalidMoEConfig(t *testing.T) {
	data := `{"architecture":"x","config":{"vocab_size":1,"hidden_size":1,"num_hidden_layers":1,"moe":true,"num_experts":4,"num_experts_per_tok":8},"shards":[{"filename":"a","size":1,"weights":[]}]}`
	_, err := manifest.Parse([]byte(data))
	require.Error(t, err)
}

func TestParseRejectsMalformedJSON(t *testing.T) {
	_, err := manifest.Parse([]byte("{not json"))
	require.Error(t, err)
}
