package dispatcher

import "errors"

var (
	// ErrNotFound covers an unknown dispatch ID and any lease token that is
	// wrong, stale, forged or expired. Callers cannot tell these apart.
	ErrNotFound = errors.New("dispatcher: dispatch not found")

	// ErrInvalidRequest is returned for malformed arguments.
	ErrInvalidRequest = errors.New("dispatcher: invalid request")
)
