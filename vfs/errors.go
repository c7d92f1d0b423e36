package vfs

import "errors"

var errNotOpen = errors.New("vfs: store has not been opened")
