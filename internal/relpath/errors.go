package relpath

import "errors"

var (
	// ErrPathEscape is returned when a path would resolve outside its root.
	ErrPathEscape = errors.New("path escapes root")
	// ErrEmpty is returned for empty or root-only paths.
	ErrEmpty = errors.New("empty relpath")
)
