package hcicmd

import "errors"

// ErrShortBuffer is returned when a marshal target cannot hold the parameters.
var ErrShortBuffer = errors.New("hcicmd: buffer too short")
