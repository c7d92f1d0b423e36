// Package sampling implements the logits -> next-token strategies
// used by a decode step: greedy argmax, temperature scaling, top-k
// restriction, top-p (nucleus) restriction, repetition penalty, and
// their composition. Top-k is applied before top-p when both are set,
// and every tie among equally-weighted candidates favors the lower
// token id.
package sampling

import (
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/infercore/infercore/pipelineerr"
)

// Options holds the generation sampling knobs
// (`{temperature, topK, topP, repetitionPenalty}`); zero values
// disable the corresponding restriction (TopK == 0 means "no
// restriction", TopP == 0 means "no restriction").
type Options struct {
	Temperature        float64
	TopK               int
	TopP               float64
	RepetitionPenalty  float64
	// PreviouslyEmitted lists token ids already produced in this
	// generation, for the repetition penalty.
	PreviouslyEmitted []int
	// Seed, when RandSource is nil, seeds a private rand.Source so
	// stochastic sampling is reproducible.
	Seed int64
	// RandSource overrides the Seed-derived source; tests inject a
	// fixed source to assert exact behavior.
	RandSource rand.Source
}

// Sample selects one token id from logits according to opts. An empty
// or all -Inf logits slice is rejected with SamplingDegenerate.
func Sample(logits []float32, opts Options) (int, error) {
	if len(logits) == 0 {
		return 0, pipelineerr.New(pipelineerr.SamplingDegenerate, "sampling.Sample", errEmptyLogits)
	}

	work := make([]float64, len(logits))
	for i, v := range logits {
		work[i] = float64(v)
	}

	applyRepetitionPenalty(work, opts.RepetitionPenalty, opts.PreviouslyEmitted)

	if opts.Temperature == 0 {
		return argmax(work)
	}
	floats.Scale(1/opts.Temperature, work)

	candidates := make([]int, len(work))
	for i := range candidates {
		candidates[i] = i
	}

	if opts.TopK > 0 && opts.TopK < len(candidates) {
		candidates = topKFilter(work, candidates, opts.TopK)
	}

	probs := softmax(work, candidates)

	if opts.TopP > 0 && opts.TopP < 1 {
		candidates, probs = topPFilter(candidates, probs, opts.TopP)
	}

	if allZero(probs) {
		return 0, pipelineerr.New(pipelineerr.SamplingDegenerate, "sampling.Sample", errAllMasked)
	}

	src := opts.RandSource
	if src == nil {
		src = rand.NewSource(opts.Seed)
	}
	r := rand.New(src).Float64()

	var cum float64
	for i, p := range probs {
		cum += p
		if r <= cum {
			return candidates[i], nil
		}
	}
	return candidates[len(candidates)-1], nil
}

func argmax(logits []float64) (int, error) {
	best := 0
	bestVal := math.Inf(-1)
	for i, v := range logits {
		if v > bestVal {
			bestVal = v
			best = i
		}
	}
	if math.IsInf(bestVal, -1) {
		return 0, pipelineerr.New(pipelineerr.SamplingDegenerate, "sampling.argmax", errAllMasked)
	}
	return best, nil
}

// applyRepetitionPenalty penalizes every id in emitted: a positive
// logit is divided by penalty and a non-positive one multiplied by it
// (penalty >= 1; penalty <= 1 is a no-op).
func applyRepetitionPenalty(logits []float64, penalty float64, emitted []int) {
	if penalty <= 1 {
		return
	}
	seen := make(map[int]bool, len(emitted))
	for _, id := range emitted {
		if id < 0 || id >= len(logits) || seen[id] {
			continue
		}
		seen[id] = true
		if logits[id] > 0 {
			logits[id] /= penalty
		} else {
			logits[id] *= penalty
		}
	}
}

// topKFilter returns the k candidate indices with the highest logits,
// breaking ties by lower token id, sorted ascending by token id to
// keep downstream softmax/top-p order stable and deterministic.
func topKFilter(logits []float64, candidates []int, k int) []int {
	sorted := append([]int(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if logits[a] != logits[b] {
			return logits[a] > logits[b]
		}
		return a < b
	})
	kept := sorted[:k]
	sort.Ints(kept)
	return kept
}

// softmax computes softmax over logits restricted to candidates,
// returning probabilities in the same order as candidates.
func softmax(logits []float64, candidates []int) []float64 {
	vals := make([]float64, len(candidates))
	for i, c := range candidates {
		vals[i] = logits[c]
	}
	max := floats.Max(vals)
	var sum float64
	for i, v := range vals {
		e := math.Exp(v - max)
		vals[i] = e
		sum += e
	}
	if sum == 0 {
		return vals
	}
	floats.Scale(1/sum, vals)
	return vals
}

// topPFilter sorts candidates by probability descending, keeps the
// smallest prefix whose cumulative mass is >= p, renormalizes that
// prefix to sum to 1, and returns it re-sorted by ascending token id
// (tie-break convention: lower token id wins when cumulative mass
// lands exactly on a boundary shared by equal probabilities).
func topPFilter(candidates []int, probs []float64, p float64) ([]int, []float64) {
	type pair struct {
		id   int
		prob float64
	}
	pairs := make([]pair, len(candidates))
	for i := range candidates {
		pairs[i] = pair{candidates[i], probs[i]}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].prob != pairs[j].prob {
			return pairs[i].prob > pairs[j].prob
		}
		return pairs[i].id < pairs[j].id
	})

	var cum float64
	cut := len(pairs)
	for i, pr := range pairs {
		cum += pr.prob
		if cum >= p {
			cut = i + 1
			break
		}
	}
	kept := pairs[:cut]

	var sum float64
	for _, pr := range kept {
		sum += pr.prob
	}
	outIDs := make([]int, len(kept))
	outProbs := make([]float64, len(kept))
	for i, pr := range kept {
		outIDs[i] = pr.id
		if sum > 0 {
			outProbs[i] = pr.prob / sum
		}
	}

	order := make([]int, len(outIDs))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool { return outIDs[order[i]] < outIDs[order[j]] })
	sortedIDs := make([]int, len(outIDs))
	sortedProbs := make([]float64, len(outProbs))
	for i, idx := range order {
		sortedIDs[i] = outIDs[idx]
		sortedProbs[i] = outProbs[idx]
	}
	return sortedIDs, sortedProbs
}

func allZero(probs []float64) bool {
	for _, p := range probs {
		if p != 0 {
			return false
		}
	}
	return true
}
