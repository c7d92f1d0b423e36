// Package pipelineerr defines the typed error kinds surfaced by the
// inference pipeline and its collaborators, and the propagation
// conventions (wrapped errors, errors.Is-compatible sentinels) used
// throughout this module.
package pipelineerr

import "fmt"

// Kind identifies the category of failure. Callers that need to
// distinguish fatal-to-generation errors from configuration mistakes
// should switch on Kind rather than match error strings.
type Kind int

const (
	// NotInitialized indicates the device or pipeline state required
	// for an operation is missing.
	NotInitialized Kind = iota
	// InvalidConfig indicates a field is out of range, missing, or
	// not a positive finite number where one is required.
	InvalidConfig
	// BufferTooLarge indicates a requested buffer size exceeds device
	// limits.
	BufferTooLarge
	// ShardFetchFailed indicates a weight shard could not be fetched.
	ShardFetchFailed
	// ShardTimeout indicates a shard fetch exceeded its configured
	// per-request timeout.
	ShardTimeout
	// ManifestInvalid indicates the model manifest failed validation.
	ManifestInvalid
	// TokenizerUnavailable indicates no tokenizer backend could be
	// resolved from the manifest.
	TokenizerUnavailable
	// ContextOverflow indicates the KV cache would exceed its
	// configured maximum sequence length.
	ContextOverflow
	// SamplingDegenerate indicates every logit was masked out before
	// a token could be sampled.
	SamplingDegenerate
	// DeviceLost indicates the GPU device became unusable mid
	// generation.
	DeviceLost
	// Cancelled indicates the caller requested cancellation. This is
	// carried as a Kind for uniformity but is not treated as an error
	// by the generator: it simply stops emitting.
	Cancelled
	// HotSwapRejected indicates a hot-swap manifest failed signature
	// verification.
	HotSwapRejected
)

func (k Kind) String() string {
	switch k {
	case NotInitialized:
		return "NotInitialized"
	case InvalidConfig:
		return "InvalidConfig"
	case BufferTooLarge:
		return "BufferTooLarge"
	case ShardFetchFailed:
		return "ShardFetchFailed"
	case ShardTimeout:
		return "ShardTimeout"
	case ManifestInvalid:
		return "ManifestInvalid"
	case TokenizerUnavailable:
		return "TokenizerUnavailable"
	case ContextOverflow:
		return "ContextOverflow"
	case SamplingDegenerate:
		return "SamplingDegenerate"
	case DeviceLost:
		return "DeviceLost"
	case Cancelled:
		return "Cancelled"
	case HotSwapRejected:
		return "HotSwapRejected"
	default:
		return "Unknown"
	}
}

// Error is the error type returned by every package in this module.
// Op names the failing operation (e.g. "kvcache.AppendStep",
// "pipeline.loadModel") so logs and test failures can pinpoint the
// call site without string-matching the message.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error. err may be nil when the kind itself is
// the whole story (e.g. Cancelled).
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err is a *Error of the given kind, unwrapping
// through any wrapper chain.
func Is(err error, kind Kind) bool {
	for err != nil {
		if pe, ok := err.(*Error); ok {
			return pe.Kind == kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
