// Package errs collects the error kinds surfaced at the peeko core boundary.
package errs

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Check with errors.Is.
var (
	ErrManifestNotFound    = errors.New("manifest not found")
	ErrPlatformUnavailable = errors.New("no manifest matches the requested platform")
	ErrAuthRejected        = errors.New("registry rejected authentication")
	ErrNetwork             = errors.New("network error")
	ErrDigestMismatch      = errors.New("digest mismatch")
	ErrUnsupportedLayerFmt = errors.New("unsupported layer format")
	ErrInvalidTarPath      = errors.New("invalid tar entry path")
	ErrImageNotPresent     = errors.New("image not present")
	ErrNotFound            = errors.New("not found")
	ErrNotAFile            = errors.New("not a file")
	ErrNotADirectory       = errors.New("not a directory")
	ErrSymlinkLoop         = errors.New("symlink loop")
	ErrIO                  = errors.New("io error")
	ErrCancelled           = errors.New("cancelled")
)

// Error wraps a sentinel kind with the operation and path/digest that
// triggered it, so callers get actionable context while still being able to
// use errors.Is against the sentinel.
type Error struct {
	Op   string // e.g. "downloadImage", "read_file"
	Path string // path or digest the error concerns, if any
	Kind error  // one of the sentinels above
	Err  error  // underlying cause, if any
}

func (e *Error) Error() string {
	switch {
	case e.Path != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v: %v", e.Op, e.Path, e.Kind, e.Err)
	case e.Path != "":
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Path, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// New builds an *Error for the given operation, path/digest context, and
// sentinel kind, optionally wrapping an underlying cause.
func New(op, path string, kind error, cause error) *Error {
	return &Error{Op: op, Path: path, Kind: kind, Err: cause}
}
