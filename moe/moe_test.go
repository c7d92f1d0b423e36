package moe_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/infercore/infercore/moe"
)

func uniformGate(hidden, experts int) []float32 {
	w := make([]float32, hidden*experts)
	return w
}

func TestRouteSelectsTopKAndRenormalizes(t *testing.T) {
	// 2 experts, hidden size 1: gate weight picks expert 0 for positive
	// hidden values and expert 1 for negative ones, by construction.
	gateWeight := []float32{1, -1}
	r, err := moe.New(moe.Config{HiddenSize: 1, NumExperts: 2, TopK: 1, NormalizeTopK: true}, gateWeight, nil)
	require.NoError(t, err)

	result, err := r.Route([][]float32{{2.0}, {-2.0}})
	require.NoError(t, err)
	require.Len(t, result.Assignments, 2)

	require.Len(t, result.Assignments[0], 1)
	require.Equal(t, 0, result.Assignments[0][0].ExpertIdx)
	require.InDelta(t, 1.0, result.Assignments[0][0].Weight, 1e-6)

	require.Len(t, result.Assignments[1], 1)
	require.Equal(t, 1, result.Assignments[1][0].ExpertIdx)
	require.InDelta(t, 1.0, result.Assignments[1][0].Weight, 1e-6)
}

func TestRouteTopKGreaterThanOneSumsWeightsWhenRenormalized(t *testing.T) {
	gateWeight := uniformGate(1, 4)
	r, err := moe.New(moe.Config{HiddenSize: 1, NumExperts: 4, TopK: 2, NormalizeTopK: true}, gateWeight, nil)
	require.NoError(t, err)

	result, err := r.Route([][]float32{{1.0}})
	require.NoError(t, err)
	require.Len(t, result.Assignments[0], 2)

	var sum float32
	for _, a := range result.Assignments[0] {
		sum += a.Weight
	}
	require.InDelta(t, 1.0, sum, 1e-6)
}

func TestUtilizationStatsSumToTotalAssignments(t *testing.T) {
	gateWeight := uniformGate(1, 8)
	r, err := moe.New(moe.Config{HiddenSize: 1, NumExperts: 8, TopK: 2}, gateWeight, nil)
	require.NoError(t, err)

	hidden := make([][]float32, 1000)
	for i := range hidden {
		hidden[i] = []float32{float32(i%7) - 3}
	}
	_, err = r.Route(hidden)
	require.NoError(t, err)

	stats := r.UtilizationStats()
	require.Equal(t, 1000*2, stats.TotalAssignments)

	var total int
	for _, e := range stats.Experts {
		total += e.Count
		require.GreaterOrEqual(t, e.Percentage, 0.0)
		require.LessOrEqual(t, e.Percentage, 100.0)
	}
	require.Equal(t, stats.TotalAssignments, total)
}

func TestDenseRoutingEqualsTopKEqualsNumExperts(t *testing.T) {
	gateWeight := []float32{0.5, -0.3, 0.1}
	r, err := moe.New(moe.Config{HiddenSize: 1, NumExperts: 3, TopK: 3, NormalizeTopK: true}, gateWeight, nil)
	require.NoError(t, err)

	result, err := r.Route([][]float32{{1.0}})
	require.NoError(t, err)
	require.Len(t, result.Assignments[0], 3)

	var sum float32
	for _, a := range result.Assignments[0] {
		sum += a.Weight
	}
	require.InDelta(t, 1.0, sum, 1e-6)
}

func TestPlanGroupsTokensByExpert(t *testing.T) {
	gateWeight := []float32{1, -1}
	r, err := moe.New(moe.Config{HiddenSize: 1, NumExperts: 2, TopK: 1}, gateWeight, nil)
	require.NoError(t, err)

	result, err := r.Route([][]float32{{1.0}, {1.0}, {-1.0}})
	require.NoError(t, err)

	plan := moe.Plan(result)
	require.Contains(t, plan[0].TokenIndices, 0)
	require.Contains(t, plan[0].TokenIndices, 1)
	require.Contains(t, plan[1].TokenIndices, 2)
}

func TestCombineWeightsExpertOutputs(t *testing.T) {
	result := &moe.RouteResult{
		Assignments: [][]moe.Assignment{
			{{ExpertIdx: 0, Weight: 0.5}, {ExpertIdx: 1, Weight: 0.5}},
		},
	}
	expertOut := map[int]map[int][]float32{
		0: {0: {2, 2}},
		1: {0: {4, 4}},
	}
	out := moe.Combine(1, 2, result, expertOut)
	require.Equal(t, []float32{3, 3}, out[0])
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := moe.New(moe.Config{HiddenSize: 0, NumExperts: 2, TopK: 1}, nil, nil)
	require.Error(t, err)

	_, err = moe.New(moe.Config{HiddenSize: 1, NumExperts: 2, TopK: 3}, []float32{1, 1}, nil)
	require.Error(t, err)
}
