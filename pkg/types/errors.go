package types

import (
	"errors"
	"fmt"
)

// Error classes shared by every component. Callers branch on these with
// errors.Is; the more specific sentinels below wrap one of them.
var (
	// ErrValidation marks input rejected before any index is touched. Never retried.
	ErrValidation = errors.New("validation error")
	// ErrNotFound marks an unknown user, repository or opportunity.
	ErrNotFound = errors.New("not found")
	// ErrDependencyUnavailable marks an outage of a collaborator (embedding service, index mid-rebuild).
	ErrDependencyUnavailable = errors.New("dependency unavailable")
	// ErrInvariantViolation marks corrupted state reaching a component.
	ErrInvariantViolation = errors.New("invariant violation")
)

// Validation errors
var (
	ErrInvalidWeights    = fmt.Errorf("%w: invalid weights", ErrValidation)
	ErrInvalidLimit      = fmt.Errorf("%w: limit must be > 0", ErrValidation)
	ErrDimensionMismatch = fmt.Errorf("%w: vector dimension mismatch", ErrValidation)
	ErrInvalidK          = fmt.Errorf("%w: k must be > 0", ErrValidation)
	ErrInvalidTransition = fmt.Errorf("%w: invalid status transition", ErrValidation)
	ErrEmptyQuery        = fmt.Errorf("%w: query text or vector is required", ErrValidation)
)

// NotFoundError names the entity that could not be resolved.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

// Is reports ErrNotFound so callers need not type-assert.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// NewNotFound returns a NotFoundError for the entity and id.
func NewNotFound(entity, id string) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// DataIntegrityWarning reports an accepted but suspicious state change.
// It is informational: operations that return one have already succeeded.
type DataIntegrityWarning struct {
	Entity  string
	ID      string
	Message string
}

func (w *DataIntegrityWarning) Error() string {
	return fmt.Sprintf("data integrity warning: %s %s: %s", w.Entity, w.ID, w.Message)
}

// Invariantf builds an error wrapping ErrInvariantViolation.
func Invariantf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariantViolation, fmt.Sprintf(format, args...))
}

// Validationf builds an error wrapping ErrValidation.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
