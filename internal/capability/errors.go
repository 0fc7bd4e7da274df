package capability

import "errors"

// Registry and dispatch errors.
var (
	// ErrNotFound is returned when a capability is not registered.
	ErrNotFound = errors.New("capability not found")

	// ErrIDEmpty is returned when a descriptor has no id.
	ErrIDEmpty = errors.New("capability id cannot be empty")

	// ErrHandlerNil is returned when a descriptor has no handler.
	ErrHandlerNil = errors.New("capability handler cannot be nil")

	// ErrInvalidKind is returned for a kind other than tool or plugin.
	ErrInvalidKind = errors.New("capability kind must be tool or plugin")

	// ErrAlreadyRegistered is returned when registering a duplicate id.
	ErrAlreadyRegistered = errors.New("capability already registered")

	// ErrMissingParam is returned when a required parameter is missing.
	ErrMissingParam = errors.New("missing required parameter")

	// ErrDeclined is recorded when a handler declines the invocation.
	ErrDeclined = errors.New("capability declined")

	// ErrTimeout is recorded when an invocation exceeds its timeout.
	ErrTimeout = errors.New("capability timed out")

	// ErrPanic is recorded when a handler panics.
	ErrPanic = errors.New("capability panicked")
)
