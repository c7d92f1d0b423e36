package pipeline

import "errors"

var (
	errNilDevice      = errors.New("pipeline: device must not be nil")
	errNotInitialized = errors.New("pipeline: initialize must be called before loadModel")
	errNotLoaded      = errors.New("pipeline: loadModel must succeed before generate")
	errNotIdle        = errors.New("pipeline: generate called while a previous generation is still running")
	errEmptyPrompt    = errors.New("pipeline: prompt produced zero tokens and no prefix snapshot was applied")
)
