// Package hotswap implements a manifest signature gate: before a
// manifest fetched at runtime (rather than supplied at process start)
// is accepted, its detached signature is checked. No network fetch is
// implemented — the caller supplies manifest bytes and a signature
// already retrieved.
//
// Content is addressed by digest the way a blob cache names content
// (sha256-<hex>): Signature carries the manifest's expected digest
// plus an ed25519 signature over it, so a tampered manifest is
// rejected on digest mismatch before the signature is even checked.
package hotswap

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/infercore/infercore/pipelineerr"
)

// Signature is a detached signature over a manifest's sha256 digest.
type Signature struct {
	Digest    string // "sha256-<hex>"
	Signature []byte
	PublicKey ed25519.PublicKey
}

// Verify checks that manifest's sha256 digest matches sig.Digest and
// that sig.Signature validates against sig.PublicKey, returning
// pipelineerr.HotSwapRejected on any mismatch.
func Verify(manifest []byte, sig Signature) error {
	sum := sha256.Sum256(manifest)
	digest := fmt.Sprintf("sha256-%s", hex.EncodeToString(sum[:]))
	if digest != sig.Digest {
		return pipelineerr.New(pipelineerr.HotSwapRejected, "hotswap.Verify",
			fmt.Errorf("manifest digest %s does not match signed digest %s", digest, sig.Digest))
	}
	if len(sig.PublicKey) != ed25519.PublicKeySize {
		return pipelineerr.New(pipelineerr.HotSwapRejected, "hotswap.Verify",
			fmt.Errorf("invalid public key length %d", len(sig.PublicKey)))
	}
	if !ed25519.Verify(sig.PublicKey, []byte(digest), sig.Signature) {
		return pipelineerr.New(pipelineerr.HotSwapRejected, "hotswap.Verify", errBadSignature)
	}
	return nil
}
