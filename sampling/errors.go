package sampling

import "errors"

var (
	errEmptyLogits = errors.New("sampling: logits slice is empty")
	errAllMasked   = errors.New("sampling: every candidate logit was masked out")
)
