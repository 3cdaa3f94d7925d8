package archive

import "errors"

// ErrInvalidTarget marks a target that was rejected before any network I/O,
// e.g. a malformed date or an unusable sensor identifier.
var ErrInvalidTarget = errors.New("invalid target")
