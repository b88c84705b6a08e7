package shared

import "errors"

var (
	// ErrNotFound indicates a missing record.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates malformed input; nothing was mutated.
	ErrValidation = errors.New("validation failed")
	// ErrConflict indicates an operation against an entity not in a valid
	// source state (double approval, duplicate pending request, invalid
	// status transition). Callers should refresh and retry the right
	// operation.
	ErrConflict = errors.New("state conflict")
	// ErrExternalService indicates an extraction or rendering failure that
	// was recorded on the affected entity.
	ErrExternalService = errors.New("external service failure")
)
