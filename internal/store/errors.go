package store

import "errors"

// Error kinds surfaced by the store. Callers match with errors.Is; the HTTP
// and gateway layers translate them into stable client-facing codes.
var (
	// ErrValidation marks malformed input. Fatal to the request, never to
	// the connection.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound marks an absent channel, user or membership.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyMember is returned when a join targets an existing
	// membership. Surfaced distinctly so callers can tell "already in"
	// from "just joined".
	ErrAlreadyMember = errors.New("already a member")

	// ErrCapacityExceeded is returned when a join would overshoot
	// max_members. Retryable only after a leave occurs.
	ErrCapacityExceeded = errors.New("channel capacity exceeded")

	// ErrForbidden marks an insufficient role.
	ErrForbidden = errors.New("forbidden")

	// ErrTimeout marks a store call that exceeded its deadline. Retryable.
	ErrTimeout = errors.New("store timeout")

	// ErrConflict marks a transaction aborted under contention. The whole
	// operation is safe to retry.
	ErrConflict = errors.New("store conflict")

	// ErrInviteRequired is returned when joining a private channel without
	// an unconsumed invite.
	ErrInviteRequired = errors.New("invite required")
)
