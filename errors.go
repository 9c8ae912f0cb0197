package depot

import "errors"

// Validation failures carry fixed messages so callers (and tests) can match
// on them across the index, version and registry layers.
var (
	ErrVersionName     = errors.New("invalid version name")
	ErrVersionOverflow = errors.New("version component overflow")

	ErrIndexInvalid            = errors.New("invalid index")
	ErrIndexVersionMissing     = errors.New("index version not found")
	ErrIndexVersionUnsupported = errors.New("index version is unsupported")

	ErrRemoteName = errors.New("invalid remote name")
	ErrRemoteURL  = errors.New("invalid remote url")

	ErrNoTOC = errors.New("cannot locate the table of contents")
)
