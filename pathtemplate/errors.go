package pathtemplate

import "errors"

var (
	// ErrInvalidPath is returned when a path does not start with "/" or
	// contains empty segments.
	ErrInvalidPath = errors.New("invalid path")

	// ErrInvalidTemplate is returned for malformed variable segments.
	ErrInvalidTemplate = errors.New("invalid path template")

	// ErrDuplicateVariable is returned when a variable name appears twice.
	ErrDuplicateVariable = errors.New("duplicate template variable")
)
