package main

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/infercore/infercore/bufferpool"
	"github.com/infercore/infercore/config"
	"github.com/infercore/infercore/gpu"
	"github.com/infercore/infercore/gpu/refdevice"
	"github.com/infercore/infercore/hotswap"
	"github.com/infercore/infercore/kernelpath"
	"github.com/infercore/infercore/manifest"
	"github.com/infercore/infercore/pipeline"
	"github.com/infercore/infercore/tokenizer"
	"github.com/infercore/infercore/vfs"
	"github.com/infercore/infercore/weightloader"
)

// modelSource resolves a manifest path (and its signature, when
// hot-swap verification is enabled) into a running pipeline. One
// modelSource exists per model id registered with the CLI.
type modelSource struct {
	manifestPath string
	sigPath      string
	pubKeyHex    string
}

// load builds a pipelinepool.Loader bound to s, suitable for
// pipelinepool.New. Each call constructs its own device and buffer
// pool so models loaded by this CLI do not share GPU state.
func (s modelSource) load(logger *slog.Logger) func(ctx context.Context, id string) (*pipeline.Pipeline, error) {
	return func(ctx context.Context, id string) (*pipeline.Pipeline, error) {
		dir := filepath.Dir(s.manifestPath)

		raw, err := os.ReadFile(s.manifestPath)
		if err != nil {
			return nil, fmt.Errorf("reading manifest: %w", err)
		}

		if config.HotSwapEnabled() {
			if s.sigPath == "" || s.pubKeyHex == "" {
				return nil, fmt.Errorf("hot-swap verification is enabled but no signature/public key was supplied for %q", id)
			}
			if err := verifyManifestSignature(raw, s.sigPath, s.pubKeyHex); err != nil {
				return nil, err
			}
		}

		m, err := manifest.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing manifest: %w", err)
		}

		kp, err := kernelpath.Resolve(m.KernelPathRaw, kernelpath.DefaultPresets())
		if err != nil {
			return nil, fmt.Errorf("resolving kernel path: %w", err)
		}
		logger.Info("resolved kernel path", "model", id, "path", kp.Name, "fusedQkv", kp.FusedQKV)

		tok, err := loadTokenizer(ctx, dir, m.Tokenizer)
		if err != nil {
			return nil, fmt.Errorf("loading tokenizer: %w", err)
		}

		fetch := func(ctx context.Context, idx int) ([]byte, error) {
			fctx, cancel := context.WithTimeout(ctx, config.ShardFetchTimeout())
			defer cancel()
			select {
			case <-fctx.Done():
				return nil, fctx.Err()
			default:
			}
			return os.ReadFile(filepath.Join(dir, m.Shards[idx].Filename))
		}

		progress := func(p weightloader.Progress) {
			logger.Debug("loading weights", "model", id, "phase", p.Phase, "current", p.Current, "total", p.Total)
		}
		wl := weightloader.New(m, fetch, progress)
		wm, err := wl.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading weights: %w", err)
		}

		heads := m.Config.NumAttentionHeads
		kvHeads := m.Config.NumKeyValueHeads
		if kvHeads == 0 {
			kvHeads = heads
		}
		headDim := 0
		if heads > 0 {
			headDim = m.Config.HiddenSize / heads
		}
		executor := newReferenceExecutor(kvHeads, headDim, 4, m.Config.HiddenSize, m.Config.VocabSize, wm.Head.Data)

		device := refdevice.New(gpu.Features{})
		pool := bufferpool.New(device)

		p := pipeline.New(logger)
		if err := p.Initialize(device, pool); err != nil {
			return nil, err
		}
		if err := p.SetPreloadedWeights(m, wm, tok, executor); err != nil {
			return nil, err
		}
		return p, nil
	}
}

// loadTokenizer resolves desc into a Tokenizer, reading a bundled
// tokenizer JSON file off disk through a vfs.Store the way a browser
// host would resolve an OPFS-cached asset.
func loadTokenizer(ctx context.Context, dir string, desc tokenizer.Descriptor) (*tokenizer.Tokenizer, error) {
	opts := tokenizer.Options{}
	if desc.File != "" {
		raw, err := os.ReadFile(filepath.Join(dir, desc.File))
		if err != nil {
			return nil, err
		}
		store := vfs.NewMemStore()
		if err := store.Open(ctx, "infercore", "assets", 5*time.Second); err != nil {
			return nil, err
		}
		if err := store.Put(ctx, vfs.Entry{Path: desc.File, ContentType: "application/json", Body: raw}); err != nil {
			return nil, err
		}
		entry, ok, err := store.Get(ctx, desc.File)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("tokenizer file %q not found in virtual filesystem after Put", desc.File)
		}
		opts.FileBytes = entry.Body
	}
	return tokenizer.Initialize(desc, opts)
}

func verifyManifestSignature(manifestBytes []byte, sigPath, pubKeyHex string) error {
	sigBytes, err := os.ReadFile(sigPath)
	if err != nil {
		return fmt.Errorf("reading signature: %w", err)
	}
	pubKeyBytes, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return fmt.Errorf("decoding public key: %w", err)
	}
	sum := sha256.Sum256(manifestBytes)
	digest := fmt.Sprintf("sha256-%s", hex.EncodeToString(sum[:]))
	return hotswap.Verify(manifestBytes, hotswap.Signature{
		Digest:    digest,
		Signature: sigBytes,
		PublicKey: ed25519.PublicKey(pubKeyBytes),
	})
}
