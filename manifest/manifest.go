// Package manifest parses the JSON model manifest: architecture tag, model hyperparameters, tokenizer descriptor, shard
// table, and a handful of optional vendor-extension fields whose shape
// varies (eos_token_id as either an int or an array, a kernel-path
// preset as either a string or an inline object). Those tolerant reads
// use gjson rather than fully typing every vendor extension.
package manifest

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/infercore/infercore/pipelineerr"
	"github.com/infercore/infercore/tokenizer"
)

// ModelConfig is the manifest's `config` object: the model
// hyperparameters that become a pipeline's immutable configuration
// after loadModel.
type ModelConfig struct {
	VocabSize             int     `json:"vocab_size"`
	HiddenSize            int     `json:"hidden_size"`
	NumHiddenLayers       int     `json:"num_hidden_layers"`
	NumAttentionHeads     int     `json:"num_attention_heads"`
	NumKeyValueHeads      int     `json:"num_key_value_heads"`
	IntermediateSize      int     `json:"intermediate_size"`
	MaxPositionEmbeddings int     `json:"max_position_embeddings"`
	RopeTheta             float64 `json:"rope_theta"`
	RopeScalingFactor     float64 `json:"rope_scaling_factor"`
	LocalAttentionTheta   float64 `json:"local_attention_rope_theta"`
	SlidingWindow         int32   `json:"sliding_window"`
	TiedEmbeddings        bool    `json:"tie_word_embeddings"`

	MoE        bool `json:"moe"`
	NumExperts int  `json:"num_experts"`
	TopKExperts int `json:"num_experts_per_tok"`
}

// QuantBlock describes one weight's quantization block layout.
type QuantBlock struct {
	BlockSize int `json:"blockSize"`
	Bits      int `json:"bits"`
}

// WeightDescriptor is one entry of a shard's `weights` array.
type WeightDescriptor struct {
	Name       string      `json:"name"`
	Dtype      string      `json:"dtype"`
	Shape      []int       `json:"shape"`
	Offset     int64       `json:"offset"`
	Length     int64       `json:"length"`
	QuantBlock *QuantBlock `json:"quantBlock,omitempty"`
}

// ShardDescriptor is one entry of the manifest's `shards` array.
type ShardDescriptor struct {
	Filename string             `json:"filename"`
	Size     int64              `json:"size"`
	Weights  []WeightDescriptor `json:"weights"`
}

// QuantizationInfo is the manifest's optional `quantizationInfo`
// object.
type QuantizationInfo struct {
	Weights string `json:"weights"`
	Compute string `json:"compute"`
}

// Manifest is the parsed form of the JSON manifest document.
type Manifest struct {
	Architecture     string
	Config           ModelConfig
	Tokenizer        tokenizer.Descriptor
	Shards           []ShardDescriptor
	QuantizationInfo *QuantizationInfo
	// EOSTokenID normalizes the manifest's int-or-array
	// `eos_token_id` field into a slice; empty when absent.
	EOSTokenID []int
	DraftModel string
	// KernelPathRaw carries `optimizations.kernelPath` verbatim
	// (string preset id or inline object); see the kernelpath
	// package's YAML presets for the inline-object shape.
	KernelPathRaw json.RawMessage
}

// Parse decodes and validates a manifest document. Optional fields
// whose shape can vary are read tolerantly via gjson rather than
// failing strict json.Unmarshal on a shape that is otherwise valid.
func Parse(data []byte) (*Manifest, error) {
	if !gjson.ValidBytes(data) {
		return nil, pipelineerr.New(pipelineerr.ManifestInvalid, "manifest.Parse", errInvalidJSON)
	}

	var core struct {
		Architecture string               `json:"architecture"`
		Config       ModelConfig          `json:"config"`
		Tokenizer    tokenizer.Descriptor `json:"tokenizer"`
		Shards       []ShardDescriptor    `json:"shards"`
	}
	if err := json.Unmarshal(data, &core); err != nil {
		return nil, pipelineerr.New(pipelineerr.ManifestInvalid, "manifest.Parse", err)
	}

	m := &Manifest{
		Architecture: core.Architecture,
		Config:       core.Config,
		Tokenizer:    core.Tokenizer,
		Shards:       core.Shards,
	}

	if err := m.validate(); err != nil {
		return nil, pipelineerr.New(pipelineerr.ManifestInvalid, "manifest.Parse", err)
	}

	root := gjson.ParseBytes(data)

	if qi := root.Get("quantizationInfo"); qi.Exists() {
		m.QuantizationInfo = &QuantizationInfo{
			Weights: qi.Get("weights").String(),
			Compute: qi.Get("compute").String(),
		}
	}

	if eos := root.Get("eos_token_id"); eos.Exists() {
		if eos.IsArray() {
			for _, v := range eos.Array() {
				m.EOSTokenID = append(m.EOSTokenID, int(v.Int()))
			}
		} else {
			m.EOSTokenID = []int{int(eos.Int())}
		}
	}

	if dm := root.Get("draftModel"); dm.Exists() {
		m.DraftModel = dm.String()
	}

	if kp := root.Get("optimizations.kernelPath"); kp.Exists() {
		m.KernelPathRaw = json.RawMessage(kp.Raw)
	}

	return m, nil
}

func (m *Manifest) validate() error {
	if m.Architecture == "" {
		return fmt.Errorf("manifest: architecture is required")
	}
	if m.Config.HiddenSize <= 0 || m.Config.NumHiddenLayers <= 0 || m.Config.VocabSize <= 0 {
		return fmt.Errorf("manifest: config.hidden_size, config.num_hidden_layers and config.vocab_size must be positive")
	}
	if len(m.Shards) == 0 {
		return fmt.Errorf("manifest: shards must be non-empty")
	}
	if m.Config.MoE {
		if m.Config.NumExperts <= 0 || m.Config.TopKExperts <= 0 || m.Config.TopKExperts > m.Config.NumExperts {
			return fmt.Errorf("manifest: moe config requires 0 < num_experts_per_tok <= num_experts")
		}
	}
	return nil
}
