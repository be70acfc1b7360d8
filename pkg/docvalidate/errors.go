package docvalidate

import "errors"

// Each rejection stage has its own sentinel so callers can tell rejections apart
// for user display and audit logging. Wrapped errors carry the concrete detail.
var (
	ErrExtension  = errors.New("file extension not allowed")
	ErrTooLarge   = errors.New("file exceeds maximum size")
	ErrSignature  = errors.New("content is not a JPEG image")
	ErrMalformed  = errors.New("image is structurally invalid")
	ErrDimensions = errors.New("image dimensions exceed maximum")
	ErrDensity    = errors.New("suspicious bytes-per-pixel ratio")
)
