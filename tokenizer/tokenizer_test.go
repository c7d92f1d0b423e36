package tokenizer_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/infercore/infercore/tokenizer"
)

func bundledFile(t *testing.T) []byte {
	t.Helper()
	doc := map[string]any{
		"vocab": map[string]int{
			"Ġhello": 10,
			"Ġworld": 11,
			"!":      12,
			"<bos>":  0,
			"<eos>":  1,
		},
		"specialTokens": map[string]int{"bos": 0, "eos": 1},
	}
	b, err := json.Marshal(doc)
	require.NoError(t, err)
	return b
}

func TestInitializeBundledFallsBackFromHuggingfaceType(t *testing.T) {
	tok, err := tokenizer.Initialize(tokenizer.Descriptor{Type: "huggingface", File: "tokenizer.json"}, tokenizer.Options{FileBytes: bundledFile(t)})
	require.NoError(t, err)
	require.Equal(t, 5, tok.GetVocabSize())
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tok, err := tokenizer.Initialize(tokenizer.Descriptor{Type: "bundled", File: "tokenizer.json"}, tokenizer.Options{FileBytes: bundledFile(t)})
	require.NoError(t, err)

	ids, err := tok.Encode("Ġhello")
	require.NoError(t, err)
	require.Equal(t, []int{10}, ids)

	text, err := tok.Decode(ids, false, false)
	require.NoError(t, err)
	require.Equal(t, " hello", text)

	trimmed, err := tok.Decode(ids, false, true)
	require.NoError(t, err)
	require.Equal(t, "hello", trimmed)
}

func TestDecodeSkipsSpecialTokens(t *testing.T) {
	tok, err := tokenizer.Initialize(tokenizer.Descriptor{Type: "bundled", File: "tokenizer.json"}, tokenizer.Options{FileBytes: bundledFile(t)})
	require.NoError(t, err)

	text, err := tok.Decode([]int{0, 10, 1}, true, true)
	require.NoError(t, err)
	require.Equal(t, "hello", text)
}

func TestGetSpecialTokens(t *testing.T) {
	tok, err := tokenizer.Initialize(tokenizer.Descriptor{Type: "bundled", File: "tokenizer.json"}, tokenizer.Options{FileBytes: bundledFile(t)})
	require.NoError(t, err)
	special := tok.GetSpecialTokens()
	require.Equal(t, 0, special["bos"])
	require.Equal(t, 1, special["eos"])
}

func TestInitializeRejectsMissingBackendDescriptor(t *testing.T) {
	_, err := tokenizer.Initialize(tokenizer.Descriptor{Type: "huggingface"}, tokenizer.Options{})
	require.Error(t, err)
}

func TestInitializeBPEVocab(t *testing.T) {
	tok, err := tokenizer.Initialize(tokenizer.Descriptor{
		Type:   "bpe",
		Vocab:  map[string]int{"ab": 0, "a": 1, "b": 2},
		Merges: []string{"a b"},
	}, tokenizer.Options{})
	require.NoError(t, err)

	ids, err := tok.Encode("ab")
	require.NoError(t, err)
	require.Equal(t, []int{0}, ids) // greedy longest-match picks "ab" over "a"+"b"
}

func TestInitializeSentencePieceSurfacesUnavailableUntilModelBytesWired(t *testing.T) {
	tok, err := tokenizer.Initialize(tokenizer.Descriptor{Type: "sentencepiece", SentencepieceModel: "model.spm"}, tokenizer.Options{})
	require.NoError(t, err)

	_, err = tok.Encode("hello")
	require.Error(t, err)
}
