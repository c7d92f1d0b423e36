package kernelpath_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/infercore/infercore/kernelpath"
)

func TestResolveBarePresetID(t *testing.T) {
	presets := kernelpath.DefaultPresets()
	kp, err := kernelpath.Resolve(json.RawMessage(`"fused"`), presets)
	require.NoError(t, err)
	require.Equal(t, "fused", kp.Name)
	require.True(t, kp.FusedQKV)
}

func TestResolveInlineObject(t *testing.T) {
	raw := json.RawMessage(`{"name":"custom","fusedQkv":true}`)
	kp, err := kernelpath.Resolve(raw, kernelpath.DefaultPresets())
	require.NoError(t, err)
	require.Equal(t, "custom", kp.Name)
	require.True(t, kp.FusedQKV)
}

func TestResolveEmptyFallsBackToAuto(t *testing.T) {
	kp, err := kernelpath.Resolve(nil, kernelpath.DefaultPresets())
	require.NoError(t, err)
	require.Equal(t, "auto", kp.Name)
}

func TestResolveUnknownPresetErrors(t *testing.T) {
	_, err := kernelpath.Resolve(json.RawMessage(`"nonexistent"`), kernelpath.DefaultPresets())
	require.Error(t, err)
}

func TestLoadPresetsFromYAML(t *testing.T) {
	doc := []byte(`
auto:
  name: auto
fused:
  name: fused
  fusedQkv: true
  flashAttention: true
`)
	presets, err := kernelpath.LoadPresets(doc)
	require.NoError(t, err)
	require.True(t, presets["fused"].FusedQKV)
	require.True(t, presets["fused"].FlashAttn)
}
