// Package moe implements the top-k Mixture-of-Experts gating network:
// router logits, softmax, top-k selection with optional
// renormalization, an expert execution plan grouping tokens by chosen
// expert, the weighted combiner, utilization tracking, and the
// diagnostic-only load-balance loss.
package moe

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/infercore/infercore/pipelineerr"
)

// Config describes one MoE layer's gate.
type Config struct {
	HiddenSize   int
	NumExperts   int // E
	TopK         int // k
	NormalizeTopK bool
	// SoftmaxAfterTopK selects whether softmax is computed over the
	// full expert dimension before top-k selection (the default) or
	// only over the selected top-k logits afterward.
	SoftmaxAfterTopK bool
}

func (c Config) validate() error {
	if c.HiddenSize <= 0 {
		return fmt.Errorf("hiddenSize must be positive, got %d", c.HiddenSize)
	}
	if c.NumExperts <= 0 {
		return fmt.Errorf("numExperts must be positive, got %d", c.NumExperts)
	}
	if c.TopK <= 0 || c.TopK > c.NumExperts {
		return fmt.Errorf("topK must be in [1, numExperts], got %d (numExperts=%d)", c.TopK, c.NumExperts)
	}
	return nil
}

// Assignment is one (expert, weight) pair chosen for a token.
type Assignment struct {
	ExpertIdx int
	Weight    float32
}

// RouteResult is the per-token output of a routing pass.
type RouteResult struct {
	// Assignments[t] holds the k chosen experts for token t, sorted by
	// weight descending.
	Assignments [][]Assignment
	// Logits[t] holds the raw router logits for token t, retained for
	// diagnostics.
	Logits [][]float32
}

// UtilizationStats summarizes how tokens have been routed across
// experts since construction or the last Reset.
type UtilizationStats struct {
	TotalAssignments int
	Experts          []ExpertUtilization
}

// ExpertUtilization is one expert's share of routed tokens.
type ExpertUtilization struct {
	ExpertIdx  int
	Count      int
	Percentage float64
}

// Router computes top-k expert gating over hidden states. GateWeight
// is row-major (HiddenSize x NumExperts); GateBias is optional
// (length NumExperts, nil for no bias).
type Router struct {
	cfg        Config
	gateWeight []float32
	gateBias   []float32

	counts []int64 // per-expert assignment counts
	probSum []float64 // per-expert sum of router probability, for load-balance loss
	total  int64
}

// New constructs a Router. gateWeight must have length
// HiddenSize*NumExperts; gateBias, if non-nil, must have length
// NumExperts.
func New(cfg Config, gateWeight, gateBias []float32) (*Router, error) {
	if err := cfg.validate(); err != nil {
		return nil, pipelineerr.New(pipelineerr.InvalidConfig, "moe.New", err)
	}
	if len(gateWeight) != cfg.HiddenSize*cfg.NumExperts {
		return nil, pipelineerr.New(pipelineerr.InvalidConfig, "moe.New",
			fmt.Errorf("gateWeight has %d elements, want %d", len(gateWeight), cfg.HiddenSize*cfg.NumExperts))
	}
	if gateBias != nil && len(gateBias) != cfg.NumExperts {
		return nil, pipelineerr.New(pipelineerr.InvalidConfig, "moe.New",
			fmt.Errorf("gateBias has %d elements, want %d", len(gateBias), cfg.NumExperts))
	}
	return &Router{
		cfg:        cfg,
		gateWeight: gateWeight,
		gateBias:   gateBias,
		counts:     make([]int64, cfg.NumExperts),
		probSum:    make([]float64, cfg.NumExperts),
	}, nil
}

// Route computes router logits g = hidden . W_gate + b_gate for every
// token in hidden (each of length HiddenSize), applies softmax,
// selects the top-k experts per token, optionally renormalizes their
// weights to sum to 1, and updates utilization counters.
func (r *Router) Route(hidden [][]float32) (*RouteResult, error) {
	E, H := r.cfg.NumExperts, r.cfg.HiddenSize
	result := &RouteResult{
		Assignments: make([][]Assignment, len(hidden)),
		Logits:      make([][]float32, len(hidden)),
	}

	for t, h := range hidden {
		if len(h) != H {
			return nil, pipelineerr.New(pipelineerr.InvalidConfig, "moe.Route",
				fmt.Errorf("token %d: hidden state has %d elements, want %d", t, len(h), H))
		}

		logits := make([]float32, E)
		for e := 0; e < E; e++ {
			var sum float32
			for i := 0; i < H; i++ {
				sum += h[i] * r.gateWeight[i*E+e]
			}
			if r.gateBias != nil {
				sum += r.gateBias[e]
			}
			logits[e] = sum
		}
		result.Logits[t] = logits

		var assignments []Assignment
		if r.cfg.SoftmaxAfterTopK {
			idx := topKIndices(logits, r.cfg.TopK)
			sel := make([]float64, len(idx))
			for i, e := range idx {
				sel[i] = float64(logits[e])
			}
			softmaxInPlace(sel)
			assignments = make([]Assignment, len(idx))
			for i, e := range idx {
				assignments[i] = Assignment{ExpertIdx: e, Weight: float32(sel[i])}
			}
		} else {
			probs := make([]float64, E)
			for e, v := range logits {
				probs[e] = float64(v)
			}
			softmaxInPlace(probs)
			idx := topKIndicesFloat64(probs, r.cfg.TopK)
			assignments = make([]Assignment, len(idx))
			for i, e := range idx {
				assignments[i] = Assignment{ExpertIdx: e, Weight: float32(probs[e])}
			}
			for e, p := range probs {
				r.probSum[e] += p
			}
		}

		if r.cfg.NormalizeTopK {
			var sum float32
			for _, a := range assignments {
				sum += a.Weight
			}
			if sum > 0 {
				for i := range assignments {
					assignments[i].Weight /= sum
				}
			}
		}

		sort.Slice(assignments, func(i, j int) bool { return assignments[i].Weight > assignments[j].Weight })

		for _, a := range assignments {
			r.counts[a.ExpertIdx]++
		}
		r.total += int64(len(assignments))

		result.Assignments[t] = assignments
	}

	return result, nil
}

func softmaxInPlace(v []float64) {
	if len(v) == 0 {
		return
	}
	max := floats.Max(v)
	var sum float64
	for i, x := range v {
		e := math.Exp(x - max)
		v[i] = e
		sum += e
	}
	if sum == 0 {
		return
	}
	floats.Scale(1/sum, v)
}

func topKIndices(v []float32, k int) []int {
	idx := make([]int, len(v))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i, j int) bool {
		if v[idx[i]] != v[idx[j]] {
			return v[idx[i]] > v[idx[j]]
		}
		return idx[i] < idx[j] // lower token/expert id wins ties
	})
	if k > len(idx) {
		k = len(idx)
	}
	return idx[:k]
}

func topKIndicesFloat64(v []float64, k int) []int {
	idx := make([]int, len(v))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i, j int) bool {
		if v[idx[i]] != v[idx[j]] {
			return v[idx[i]] > v[idx[j]]
		}
		return idx[i] < idx[j]
	})
	if k > len(idx) {
		k = len(idx)
	}
	return idx[:k]
}

// ExecutionPlan groups tokens by their chosen expert so each expert's
// MLP can run on a contiguous batch of its tokens.
type ExecutionPlan map[int]ExpertBatch

// ExpertBatch is one expert's share of an ExecutionPlan.
type ExpertBatch struct {
	TokenIndices []int
	Weights      []float32
}

// Plan builds an ExecutionPlan from a RouteResult.
func Plan(result *RouteResult) ExecutionPlan {
	plan := make(ExecutionPlan)
	for t, assignments := range result.Assignments {
		for _, a := range assignments {
			batch := plan[a.ExpertIdx]
			batch.TokenIndices = append(batch.TokenIndices, t)
			batch.Weights = append(batch.Weights, a.Weight)
			plan[a.ExpertIdx] = batch
		}
	}
	return plan
}

// Combine writes out[t] = sum over the token's chosen experts of
// weight(t,e) * expertOut[e][t].
func Combine(numTokens, hiddenSize int, result *RouteResult, expertOut map[int]map[int][]float32) [][]float32 {
	out := make([][]float32, numTokens)
	for t := 0; t < numTokens; t++ {
		acc := make([]float32, hiddenSize)
		for _, a := range result.Assignments[t] {
			tokenOut := expertOut[a.ExpertIdx][t]
			for i, v := range tokenOut {
				acc[i] += a.Weight * v
			}
		}
		out[t] = acc
	}
	return out
}

// UtilizationStats reports each expert's share of routed tokens since
// construction or Reset.
func (r *Router) UtilizationStats() UtilizationStats {
	stats := UtilizationStats{TotalAssignments: int(r.total), Experts: make([]ExpertUtilization, r.cfg.NumExperts)}
	for e := 0; e < r.cfg.NumExperts; e++ {
		pct := 0.0
		if r.total > 0 {
			pct = 100 * float64(r.counts[e]) / float64(r.total)
		}
		stats.Experts[e] = ExpertUtilization{ExpertIdx: e, Count: int(r.counts[e]), Percentage: pct}
	}
	return stats
}

// ResetUtilization clears the routing counters (e.g. between
// generations, or on caller request).
func (r *Router) ResetUtilization() {
	for i := range r.counts {
		r.counts[i] = 0
		r.probSum[i] = 0
	}
	r.total = 0
}

// LoadBalanceLoss computes the diagnostic-only auxiliary loss E *
// sum_e(f_e * P_e), where f_e is the fraction of tokens routed to
// expert e and P_e is the average router probability for e. It is
// never used to alter routing decisions at inference time.
func (r *Router) LoadBalanceLoss() float64 {
	if r.total == 0 {
		return 0
	}
	var loss float64
	numTokens := float64(r.total) / float64(r.cfg.TopK)
	for e := 0; e < r.cfg.NumExperts; e++ {
		f := float64(r.counts[e]) / float64(r.total) * float64(r.cfg.TopK)
		p := r.probSum[e] / numTokens
		loss += f * p
	}
	return float64(r.cfg.NumExperts) * loss
}
