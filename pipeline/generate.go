package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/infercore/infercore/kvcache"
	"github.com/infercore/infercore/moe"
	"github.com/infercore/infercore/pipelineerr"
	"github.com/infercore/infercore/sampling"
)

// PrefixSnapshot pairs a raw KV-cache snapshot with the pipeline-level
// bookkeeping a receiving pipeline needs to resume decoding from it:
// the cache itself has no notion of "the last token fed in", so that
// travels alongside it.
type PrefixSnapshot struct {
	KV        *kvcache.Snapshot
	SeqLen    int32
	LastToken int
}

// clampMaxTokens bounds maxTokens to [0, max(1, Smax - promptLen)]. A
// non-positive maxTokens means "generate nothing" and passes straight
// through as 0; a positive maxTokens always allows at least one step,
// which then fails with ContextOverflow when the cache is full.
func clampMaxTokens(maxTokens, promptLen int, smax int32) int {
	if maxTokens <= 0 {
		return 0
	}
	upper := int(smax) - promptLen
	if upper < 1 {
		upper = 1
	}
	n := maxTokens
	if n > upper {
		n = upper
	}
	return n
}

func (p *Pipeline) isEOS(tokenID int) bool {
	for _, id := range p.eosTokenIDs {
		if id == tokenID {
			return true
		}
	}
	return false
}

func containsInt(haystack []int, needle int) bool {
	for _, id := range haystack {
		if id == needle {
			return true
		}
	}
	return false
}

func (p *Pipeline) fail() {
	p.mu.Lock()
	p.state = Errored
	p.mu.Unlock()
}

// beginGeneration validates the pipeline is loaded and not already
// generating, moves it to Prefilling, and tokenizes prompt (prepending
// BOS per the resolved configuration).
func (p *Pipeline) beginGeneration(prompt string) ([]int, error) {
	p.mu.Lock()
	if !p.isLoaded {
		p.mu.Unlock()
		return nil, pipelineerr.New(pipelineerr.NotInitialized, "pipeline.generate", errNotLoaded)
	}
	if p.state == Prefilling || p.state == Decoding {
		p.mu.Unlock()
		return nil, pipelineerr.New(pipelineerr.NotInitialized, "pipeline.generate", errNotIdle)
	}
	p.state = Prefilling
	tok := p.tokenizer
	prependBOS := p.cfg.PrependBOS
	alreadySeeded := p.seqLen > 0
	p.mu.Unlock()

	ids, err := tok.Encode(prompt)
	if err != nil {
		p.fail()
		return nil, err
	}
	if prependBOS {
		if bos, ok := tok.GetSpecialTokens()["bos"]; ok {
			ids = append([]int{bos}, ids...)
		}
	}
	if len(ids) == 0 && !alreadySeeded {
		p.fail()
		return nil, pipelineerr.New(pipelineerr.InvalidConfig, "pipeline.generate", errEmptyPrompt)
	}
	return ids, nil
}

// Generate runs the full prefill/decode state machine over prompt
// and streams decoded text chunks back to the caller. The
// returned channel is closed once generation terminates; a final Chunk
// with a non-nil Err precedes closure on failure.
func (p *Pipeline) Generate(ctx context.Context, prompt string, opts GenOptions) (<-chan Chunk, error) {
	ids, err := p.beginGeneration(prompt)
	if err != nil {
		return nil, err
	}
	out := make(chan Chunk)
	go p.run(ctx, ids, opts, out)
	return out, nil
}

// PrefillKVOnly runs prefill only (no decoding) and returns a prefix
// snapshot capturing the resulting KV cache and bookkeeping.
func (p *Pipeline) PrefillKVOnly(ctx context.Context, prompt string) (*PrefixSnapshot, error) {
	ids, err := p.beginGeneration(prompt)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	startPos := p.seqLen
	p.mu.Unlock()

	if err := p.runPrefill(ctx, ids, startPos); err != nil {
		p.fail()
		return nil, err
	}

	p.mu.Lock()
	kvSnap, err := p.kv.Clone()
	seqLen := p.seqLen
	lastToken := p.lastToken
	p.state = Idle
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	return &PrefixSnapshot{KV: kvSnap, SeqLen: seqLen, LastToken: lastToken}, nil
}

// ApplyKVCacheSnapshot replaces the pipeline's KV cache contents with
// snapshot's, restoring seqLen and the last-token bookkeeping a
// subsequent decode step needs.
func (p *Pipeline) ApplyKVCacheSnapshot(snapshot *PrefixSnapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.isLoaded {
		return pipelineerr.New(pipelineerr.NotInitialized, "pipeline.applyKVCacheSnapshot", errNotLoaded)
	}
	if err := p.kv.Apply(snapshot.KV); err != nil {
		return err
	}
	p.seqLen = snapshot.SeqLen
	p.lastToken = snapshot.LastToken
	return nil
}

// GenerateWithPrefixKV applies snapshot, tokenizes prompt, prefills
// only the new suffix beyond the snapshot's prefix, then decodes as
// usual. This is how multiple callers can share a common prompt
// prefix without repeating its prefill.
func (p *Pipeline) GenerateWithPrefixKV(ctx context.Context, snapshot *PrefixSnapshot, prompt string, opts GenOptions) (<-chan Chunk, error) {
	if err := p.ApplyKVCacheSnapshot(snapshot); err != nil {
		return nil, err
	}
	ids, err := p.beginGeneration(prompt)
	if err != nil {
		return nil, err
	}
	out := make(chan Chunk)
	go p.run(ctx, ids, opts, out)
	return out, nil
}

// run drives Prefilling -> Decoding -> {Stopped | Cancelled | Errored}
// for one generation, closing out on return.
func (p *Pipeline) run(ctx context.Context, newIDs []int, opts GenOptions, out chan<- Chunk) {
	defer close(out)

	p.mu.Lock()
	startPos := p.seqLen
	maxSeqLen := p.cfg.MaxSeqLen
	p.mu.Unlock()

	prefillStart := time.Now()
	if err := p.runPrefill(ctx, newIDs, startPos); err != nil {
		if pipelineerr.Is(err, pipelineerr.Cancelled) {
			p.mu.Lock()
			p.state = Cancelled
			p.mu.Unlock()
			return
		}
		p.fail()
		out <- Chunk{Err: err}
		return
	}

	p.mu.Lock()
	p.stats.PrefillTimeMs += elapsedMs(prefillStart)
	p.state = Decoding
	promptLen := int(p.seqLen)
	p.mu.Unlock()

	n := clampMaxTokens(opts.MaxTokens, promptLen, maxSeqLen)

	emitted := make([]int, 0, n)
	decodeStart := time.Now()

	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.state = Cancelled
			p.mu.Unlock()
			return
		default:
		}
		if opts.Cancel != nil {
			select {
			case <-opts.Cancel:
				p.mu.Lock()
				p.state = Cancelled
				p.mu.Unlock()
				return
			default:
			}
		}

		tokenID, err := p.runDecodeStep(ctx, opts, emitted)
		if err != nil {
			p.fail()
			out <- Chunk{Err: err}
			return
		}

		prevText, _ := p.tokenizer.Decode(emitted, false, false)
		emitted = append(emitted, tokenID)
		text, err := p.tokenizer.Decode(emitted, false, false)
		if err != nil {
			// byte fragment incomplete; deferred until a later token
			// completes it.
			continue
		}
		delta := text
		if len(text) >= len(prevText) && text[:len(prevText)] == prevText {
			delta = text[len(prevText):]
		}
		out <- Chunk{Text: delta, TokenID: tokenID}

		stop := p.isEOS(tokenID) || containsInt(opts.StopTokens, tokenID)
		if stop {
			break
		}
	}

	p.mu.Lock()
	p.stats.DecodeTimeMs += elapsedMs(decodeStart)
	p.state = Stopped
	p.mu.Unlock()
}

// runDecodeStep executes one decode iteration: acquire the ring
// slot, reset ping-pong, run the layer stack at the current seqLen,
// project to logits, sample, append to the cache and advance the ring.
func (p *Pipeline) runDecodeStep(ctx context.Context, opts GenOptions, emitted []int) (int, error) {
	p.mu.Lock()
	pos := p.seqLen
	if pos >= p.cfg.MaxSeqLen {
		p.mu.Unlock()
		return 0, pipelineerr.New(pipelineerr.ContextOverflow, "pipeline.decodeStep",
			fmt.Errorf("seqLen %d would exceed maxSeqLen %d", pos, p.cfg.MaxSeqLen))
	}
	lastToken := p.lastToken
	hiddenSize := p.cfg.HiddenSize
	embed := p.weights.Embedding
	p.mu.Unlock()

	if _, err := p.decodeRing.Acquire(); err != nil {
		return 0, err
	}
	p.decodeBuf.ResetPingPong()

	hidden := embedRow(embed, lastToken, hiddenSize)
	hidden, err := p.runLayerStack(ctx, pos, hidden)
	if err != nil {
		return 0, err
	}

	logits, err := p.executor.FinalNormAndHead(ctx, hidden)
	if err != nil {
		return 0, err
	}

	tokenID, err := sampling.Sample(logits, sampling.Options{
		Temperature:       opts.Temperature,
		TopK:              opts.TopK,
		TopP:              opts.TopP,
		RepetitionPenalty: opts.RepetitionPenalty,
		PreviouslyEmitted: emitted,
		Seed:              opts.Seed + int64(len(emitted)),
	})
	if err != nil {
		return 0, err
	}

	p.mu.Lock()
	p.seqLen = pos + 1
	p.lastToken = tokenID
	p.stats.TokensGenerated++
	p.decodeStep++
	p.mu.Unlock()

	p.decodeRing.Advance()

	return tokenID, nil
}

// runPrefill processes ids through the layer stack at consecutive
// positions starting at startPos, writing K/V for each position but
// producing no sampled output. It processes ids in fixed-size chunks
// and checks ctx for cancellation between chunks.
func (p *Pipeline) runPrefill(ctx context.Context, ids []int, startPos int32) error {
	if len(ids) == 0 {
		return nil
	}
	if int(startPos)+len(ids) > int(p.cfg.MaxSeqLen) {
		return pipelineerr.New(pipelineerr.ContextOverflow, "pipeline.prefill",
			fmt.Errorf("prompt of %d tokens at position %d would exceed maxSeqLen %d", len(ids), startPos, p.cfg.MaxSeqLen))
	}

	const prefillChunkSize = 16
	for i := 0; i < len(ids); i += prefillChunkSize {
		select {
		case <-ctx.Done():
			return pipelineerr.New(pipelineerr.Cancelled, "pipeline.prefill", ctx.Err())
		default:
		}
		end := i + prefillChunkSize
		if end > len(ids) {
			end = len(ids)
		}
		for j := i; j < end; j++ {
			pos := startPos + int32(j)
			hidden := embedRow(p.weights.Embedding, ids[j], p.cfg.HiddenSize)
			if _, err := p.runLayerStack(ctx, pos, hidden); err != nil {
				return err
			}
		}
	}

	p.mu.Lock()
	p.seqLen = startPos + int32(len(ids))
	p.lastToken = ids[len(ids)-1]
	p.mu.Unlock()
	return nil
}

// runLayerStack runs the resolved layer pipeline plan (attention ->
// MLP/MoE -> residual/norm) for every layer at position pos, returning
// the final layer's output hidden state. Attention is responsible for
// writing K/V at pos into the cache itself.
func (p *Pipeline) runLayerStack(ctx context.Context, pos int32, hidden []float32) ([]float32, error) {
	for i := 0; i < p.cfg.Layers; i++ {
		attnOut, err := p.executor.Attention(ctx, LayerInput{LayerIdx: i, Position: pos, Hidden: hidden}, p.kv)
		if err != nil {
			return nil, err
		}

		var mlpOut []float32
		if router, ok := p.moeRouter[i]; ok {
			mlpOut, err = p.runExpertLayer(ctx, i, router, attnOut)
		} else {
			mlpOut, err = p.executor.DenseMLP(ctx, i, attnOut)
		}
		if err != nil {
			return nil, err
		}

		hidden, err = p.executor.Norm(ctx, i, mlpOut)
		if err != nil {
			return nil, err
		}
		p.decodeBuf.SwapPingPong()
	}
	return hidden, nil
}

// runExpertLayer routes hidden through router, executes the assigned
// experts via ExpertMLP, and combines their weighted outputs.
func (p *Pipeline) runExpertLayer(ctx context.Context, layerIdx int, router *moe.Router, hidden []float32) ([]float32, error) {
	route, err := router.Route([][]float32{hidden})
	if err != nil {
		return nil, err
	}
	plan := moe.Plan(route)

	expertOut := make(map[int]map[int][]float32, len(plan))
	for expertIdx, batch := range plan {
		tokens := make([][]float32, len(batch.TokenIndices))
		for j := range batch.TokenIndices {
			tokens[j] = hidden
		}
		res, err := p.executor.ExpertMLP(ctx, layerIdx, expertIdx, tokens)
		if err != nil {
			return nil, err
		}
		byToken := make(map[int][]float32, len(batch.TokenIndices))
		for j, tokIdx := range batch.TokenIndices {
			byToken[tokIdx] = res[j]
		}
		expertOut[expertIdx] = byToken
	}

	combined := moe.Combine(1, p.cfg.HiddenSize, route, expertOut)
	return combined[0], nil
}
