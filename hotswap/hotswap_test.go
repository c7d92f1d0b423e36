package hotswap_test

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/infercore/infercore/hotswap"
)

func sign(t *testing.T, manifest []byte) (ed25519.PublicKey, hotswap.Signature) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	sum := sha256.Sum256(manifest)
	digest := fmt.Sprintf("sha256-%s", hex.EncodeToString(sum[:]))
	sig := ed25519.Sign(priv, []byte(digest))
	return pub, hotswap.Signature{Digest: digest, Signature: sig, PublicKey: pub}
}

func TestVerifyAcceptsValidSignature(t *testing.T) {
	manifest := []byte(`{"architecture":"x"}`)
	_, sig := sign(t, manifest)
	require.NoError(t, hotswap.Verify(manifest, sig))
}

func TestVerifyRejectsTamperedManifest(t *testing.T) {
	manifest := []byte(`{"architecture":"x"}`)
	_, sig := sign(t, manifest)
	err := hotswap.Verify([]byte(`{"architecture":"y"}`), sig)
	require.Error(t, err)
}

func TestVerifyRejectsBadSignature(t *testing.T) {
	manifest := []byte(`{"architecture":"x"}`)
	pub, sig := sign(t, manifest)
	sig.Signature = append([]byte(nil), sig.Signature...)
	sig.Signature[0] ^= 0xFF
	_ = pub
	err := hotswap.Verify(manifest, sig)
	require.Error(t, err)
}
