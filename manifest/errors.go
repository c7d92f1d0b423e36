package manifest

import "errors"

var errInvalidJSON = errors.New("manifest: not valid JSON")
