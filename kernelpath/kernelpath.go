// Package kernelpath resolves a manifest's `optimizations.kernelPath`
// field — a string preset id or an inline object — into a concrete
// KernelPath describing which backend execution path a pipeline should
// prefer. Presets themselves are declared in a small YAML sidecar file,
// the same way a model-routing config declares named profiles rather
// than repeating them inline in every manifest.
package kernelpath

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/infercore/infercore/pipelineerr"
)

// KernelPath names the backend execution path a pipeline should
// prefer. Which kernels exist behind each path is out of scope here;
// this package only resolves the manifest's declaration into a stable
// shape the pipeline can switch on.
type KernelPath struct {
	Name       string `json:"name" yaml:"name"`
	FusedQKV   bool   `json:"fusedQkv" yaml:"fusedQkv"`
	FlashAttn  bool   `json:"flashAttention" yaml:"flashAttention"`
	PreferFP16 bool   `json:"preferFp16" yaml:"preferFp16"`
}

// Presets is a named table of KernelPath profiles, loaded from a YAML
// sidecar file (see LoadPresets). A manifest's kernelPath field may
// name one of these by id instead of inlining the object.
type Presets map[string]KernelPath

// LoadPresets parses a YAML document mapping preset ids to KernelPath
// profiles.
func LoadPresets(data []byte) (Presets, error) {
	var p Presets
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, pipelineerr.New(pipelineerr.ManifestInvalid, "kernelpath.LoadPresets", err)
	}
	return p, nil
}

// DefaultPresets is the built-in preset table used when no sidecar
// file is supplied: "auto" defers every choice to the device's
// reported feature set, "compat" disables every optional fusion for
// maximum backend compatibility.
func DefaultPresets() Presets {
	return Presets{
		"auto":   {Name: "auto"},
		"compat": {Name: "compat"},
		"fused":  {Name: "fused", FusedQKV: true, FlashAttn: true, PreferFP16: true},
	}
}

// Resolve interprets raw (a manifest's `optimizations.kernelPath`
// field, verbatim JSON) as either a bare preset id string or an inline
// KernelPath object, falling back to presets["auto"] when raw is
// empty.
func Resolve(raw json.RawMessage, presets Presets) (KernelPath, error) {
	if len(raw) == 0 {
		if kp, ok := presets["auto"]; ok {
			return kp, nil
		}
		return KernelPath{Name: "auto"}, nil
	}

	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		kp, ok := presets[id]
		if !ok {
			return KernelPath{}, pipelineerr.New(pipelineerr.ManifestInvalid, "kernelpath.Resolve",
				fmt.Errorf("unknown kernel-path preset %q", id))
		}
		return kp, nil
	}

	var kp KernelPath
	if err := json.Unmarshal(raw, &kp); err != nil {
		return KernelPath{}, pipelineerr.New(pipelineerr.ManifestInvalid, "kernelpath.Resolve", err)
	}
	return kp, nil
}
