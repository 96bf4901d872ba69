package handoff

import (
	"errors"
	"fmt"
)

// =============================================================================
// Sentinels
// =============================================================================

var (
	// ErrInvalidHandoff is matched by every InvalidHandoffError.
	ErrInvalidHandoff = errors.New("invalid handoff")
	// ErrIllegalTransition is matched by every IllegalTransitionError.
	ErrIllegalTransition = errors.New("illegal transition")
	// ErrConcurrentModification is matched by every ConcurrentModificationError.
	ErrConcurrentModification = errors.New("concurrent modification")
	// ErrNotFound is matched by every NotFoundError.
	ErrNotFound = errors.New("not found")
	// ErrExceptionClosed is returned when resolving an exception that is no longer open.
	ErrExceptionClosed = errors.New("exception closed")
)

// =============================================================================
// Typed errors
// =============================================================================

// InvalidHandoffError reports a malformed handoff at construction time.
type InvalidHandoffError struct {
	Field  string
	Reason string
}

func (e *InvalidHandoffError) Error() string {
	return fmt.Sprintf("invalid handoff: %s: %s", e.Field, e.Reason)
}

// Is matches ErrInvalidHandoff.
func (e *InvalidHandoffError) Is(target error) bool { return target == ErrInvalidHandoff }

// NewInvalidHandoffError creates a new InvalidHandoffError.
func NewInvalidHandoffError(field, reason string) *InvalidHandoffError {
	return &InvalidHandoffError{Field: field, Reason: reason}
}

// IllegalTransitionError reports an event that is not defined for the current state.
type IllegalTransitionError struct {
	HandoffID string
	From      State
	Event     string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition: event %q not allowed from state %s (handoff %s)", e.Event, e.From, e.HandoffID)
}

// Is matches ErrIllegalTransition.
func (e *IllegalTransitionError) Is(target error) bool { return target == ErrIllegalTransition }

// NewIllegalTransitionError creates a new IllegalTransitionError.
func NewIllegalTransitionError(handoffID string, from State, event string) *IllegalTransitionError {
	return &IllegalTransitionError{HandoffID: handoffID, From: from, Event: event}
}

// ConcurrentModificationError reports a lost race on an entity.
// The caller must re-read and retry.
type ConcurrentModificationError struct {
	Entity   string
	ID       string
	Expected int64
	Actual   int64
}

func (e *ConcurrentModificationError) Error() string {
	if e.Expected == 0 && e.Actual == 0 {
		return fmt.Sprintf("concurrent modification of %s %s", e.Entity, e.ID)
	}
	return fmt.Sprintf("concurrent modification of %s %s: expected version %d, found %d", e.Entity, e.ID, e.Expected, e.Actual)
}

// Is matches ErrConcurrentModification.
func (e *ConcurrentModificationError) Is(target error) bool {
	return target == ErrConcurrentModification
}

// NewConcurrentModificationError creates a new ConcurrentModificationError.
func NewConcurrentModificationError(entity, id string, expected, actual int64) *ConcurrentModificationError {
	return &ConcurrentModificationError{Entity: entity, ID: id, Expected: expected, Actual: actual}
}

// NotFoundError reports a missing artifact, agent, handoff, exception or workflow.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// Is matches ErrNotFound.
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(kind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}
