package sampling_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/infercore/infercore/sampling"
)

func TestGreedyIsDeterministicArgmax(t *testing.T) {
	logits := []float32{0.1, 0.9, 0.5, 0.9}
	id, err := sampling.Sample(logits, sampling.Options{Temperature: 0})
	require.NoError(t, err)
	require.Equal(t, 1, id) // tie between 1 and 3, lower id wins
}

func TestTopKOneEqualsGreedyRegardlessOfTemperature(t *testing.T) {
	logits := []float32{0.1, 0.9, 0.5, 0.2}
	id, err := sampling.Sample(logits, sampling.Options{Temperature: 1.5, TopK: 1, Seed: 42})
	require.NoError(t, err)
	require.Equal(t, 1, id)
}

func TestRepetitionPenaltyDemotesEmittedTokens(t *testing.T) {
	logits := []float32{0.1, 5.0, 0.1}
	id, err := sampling.Sample(logits, sampling.Options{Temperature: 0, RepetitionPenalty: 1})
	require.NoError(t, err)
	require.Equal(t, 1, id)

	id, err = sampling.Sample(logits, sampling.Options{Temperature: 0, RepetitionPenalty: 100, PreviouslyEmitted: []int{1}})
	require.NoError(t, err)
	require.NotEqual(t, 1, id)
}

func TestSampleRejectsEmptyLogits(t *testing.T) {
	_, err := sampling.Sample(nil, sampling.Options{})
	require.Error(t, err)
}

func TestTopPRestrictsToNucleus(t *testing.T) {
	// Heavily peaked distribution: nucleus at p=0.5 should keep only
	// the dominant logit.
	logits := []float32{10, 0, 0, 0}
	id, err := sampling.Sample(logits, sampling.Options{Temperature: 1, TopP: 0.5, Seed: 1})
	require.NoError(t, err)
	require.Equal(t, 0, id)
}

func TestDeterministicAcrossRepeatedCallsWithSameSeed(t *testing.T) {
	logits := []float32{1, 2, 3, 2, 1}
	opts := sampling.Options{Temperature: 0.8, TopK: 3, Seed: 7}
	id1, err := sampling.Sample(logits, opts)
	require.NoError(t, err)
	id2, err := sampling.Sample(logits, opts)
	require.NoError(t, err)
	require.Equal(t, id1, id2)
}
