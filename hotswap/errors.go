package hotswap

import "errors"

var errBadSignature = errors.New("hotswap: signature does not validate against public key")
