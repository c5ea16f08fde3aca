package repository

import "errors"

var (
	// ErrNotFound is returned when a row does not exist
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when a guarded status update matched no row
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrTenantMismatch is returned when a lead is attached to another org's checkpoint
	ErrTenantMismatch = errors.New("lead belongs to another organization")

	// ErrDuplicateRetry is returned when an idempotency key was already used
	ErrDuplicateRetry = errors.New("retry already applied for this idempotency key")
)
