// Package pipelinepool manages a set of pipelines keyed by model id,
// serializing concurrent callers of the same model while letting
// different models run in parallel.
package pipelinepool

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/infercore/infercore/config"
	"github.com/infercore/infercore/pipeline"
	"github.com/infercore/infercore/pipelineerr"
)

// Loader constructs a ready-to-generate pipeline for id. The pool
// calls it under the pool's lock and caches the result, so it runs at
// most once per id while that pipeline stays cached; after eviction or
// Unload the next Execute for id calls it again.
type Loader func(ctx context.Context, id string) (*pipeline.Pipeline, error)

// Pool holds a cached pipeline per model id plus a per-id latch that
// forces same-id callers to run one at a time, in arrival order. The
// number of live pipelines is bounded by config.MaxPipelines: the
// least-recently-touched idle pipeline is unloaded to make room for a
// new one.
type Pool struct {
	loader Loader

	mu             sync.Mutex
	pipelines      map[string]*pipeline.Pipeline
	latches        map[string]*semaphore.Weighted
	sharedPrefixes map[string]*pipeline.PrefixSnapshot
	lru            []string // oldest-touched first
}

// New constructs an empty Pool. loader must not be nil.
func New(loader Loader) *Pool {
	return &Pool{
		loader:         loader,
		pipelines:      make(map[string]*pipeline.Pipeline),
		latches:        make(map[string]*semaphore.Weighted),
		sharedPrefixes: make(map[string]*pipeline.PrefixSnapshot),
	}
}

// GetPipeline returns the cached pipeline for id, constructing it via
// the pool's Loader on first use. Concurrent first-use callers for the
// same id do not race: the pool's lock is held for the whole
// load-and-cache sequence, so only one Loader call happens per id.
func (p *Pool) GetPipeline(ctx context.Context, id string) (*pipeline.Pipeline, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.getPipelineLocked(ctx, id)
}

func (p *Pool) getPipelineLocked(ctx context.Context, id string) (*pipeline.Pipeline, error) {
	if pl, ok := p.pipelines[id]; ok {
		p.touchLocked(id)
		return pl, nil
	}
	pl, err := p.loader(ctx, id)
	if err != nil {
		return nil, err
	}
	p.pipelines[id] = pl
	p.latches[id] = semaphore.NewWeighted(1)
	p.touchLocked(id)
	p.evictLocked()
	return pl, nil
}

// touchLocked moves id to the most-recently-used end of the LRU list.
func (p *Pool) touchLocked(id string) {
	for i, v := range p.lru {
		if v == id {
			p.lru = append(p.lru[:i], p.lru[i+1:]...)
			break
		}
	}
	p.lru = append(p.lru, id)
}

// evictLocked unloads least-recently-used idle pipelines until the
// live count is back within config.MaxPipelines, or until every
// remaining pipeline is busy (latch held).
func (p *Pool) evictLocked() {
	max := int(config.MaxPipelines())
	if max <= 0 {
		return
	}
	for len(p.pipelines) > max {
		evictedIdx := -1
		for i, id := range p.lru {
			latch := p.latches[id]
			if latch == nil || !latch.TryAcquire(1) {
				continue
			}
			latch.Release(1)
			p.pipelines[id].Unload()
			delete(p.pipelines, id)
			delete(p.latches, id)
			delete(p.sharedPrefixes, id)
			evictedIdx = i
			break
		}
		if evictedIdx < 0 {
			return
		}
		p.lru = append(p.lru[:evictedIdx], p.lru[evictedIdx+1:]...)
	}
}

// SetSharedPrefix installs snapshot as the default prefix Execute
// applies for id when a call passes a nil prefix. Pass nil to clear
// it. The shared prefix is recorded at the pool level so every caller
// of id benefits from a prefill already paid for by an earlier call.
func (p *Pool) SetSharedPrefix(id string, snapshot *pipeline.PrefixSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if snapshot == nil {
		delete(p.sharedPrefixes, id)
		return
	}
	p.sharedPrefixes[id] = snapshot
}

// Execute acquires id's latch in FIFO order, installs adapter and the
// resolved prefix (prefix if non-nil, else the pool-level shared
// prefix for id, else none), and runs prompt through id's pipeline.
// The latch is held for the lifetime of the returned channel: the KV
// cache and adapter fields are only mutated while it is held, so a
// second call for the same id blocks until the first has drained its
// channel.
func (p *Pool) Execute(ctx context.Context, id, prompt string, opts pipeline.GenOptions, adapter *pipeline.LoRAAdapter, prefix *pipeline.PrefixSnapshot) (<-chan pipeline.Chunk, error) {
	p.mu.Lock()
	pl, err := p.getPipelineLocked(ctx, id)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	latch := p.latches[id]
	if prefix == nil {
		prefix = p.sharedPrefixes[id]
	}
	p.mu.Unlock()

	if err := latch.Acquire(ctx, 1); err != nil {
		return nil, pipelineerr.New(pipelineerr.Cancelled, "pipelinepool.Execute", err)
	}

	pl.SetLoRAAdapter(adapter)

	var ch <-chan pipeline.Chunk
	if prefix != nil {
		ch, err = pl.GenerateWithPrefixKV(ctx, prefix, prompt, opts)
	} else {
		ch, err = pl.Generate(ctx, prompt, opts)
	}
	if err != nil {
		latch.Release(1)
		return nil, err
	}

	out := make(chan pipeline.Chunk)
	go func() {
		defer close(out)
		defer latch.Release(1)
		for c := range ch {
			out <- c
		}
	}()
	return out, nil
}

// Unload releases id's pipeline and latch. A subsequent GetPipeline or
// Execute call reconstructs it via Loader.
func (p *Pool) Unload(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pl, ok := p.pipelines[id]; ok {
		pl.Unload()
	}
	delete(p.pipelines, id)
	delete(p.latches, id)
	delete(p.sharedPrefixes, id)
	for i, v := range p.lru {
		if v == id {
			p.lru = append(p.lru[:i], p.lru[i+1:]...)
			break
		}
	}
}
