package service

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidEmail means the request carried no usable email address.
	ErrInvalidEmail = errors.New("invalid email")

	// ErrMissingFields means a strict endpoint was called without all of
	// its required fields.
	ErrMissingFields = errors.New("missing required fields")

	// ErrAccessDenied means the entitlement check came back negative.
	ErrAccessDenied = errors.New("no active entitlement")

	// ErrMissingToken means no bearer token was supplied at all.
	ErrMissingToken = errors.New("missing token")

	// ErrSessionNotFound means the token verified but no matching session
	// row exists (superseded by a later login or an explicit logout).
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionMismatch means the stored session does not match the
	// presented token/device pair.
	ErrSessionMismatch = errors.New("session mismatch")
)

// Conflict codes returned with a 409 when a login is denied.
const (
	ConflictActiveElsewhere = "SESSION_ACTIVE_ELSEWHERE"
	ConflictUnknownDevice   = "SESSION_ACTIVE_UNKNOWN_DEVICE"
)

// SessionConflictError is the policy engine denying a login because an active
// session already holds the slot.
type SessionConflictError struct {
	Code string
}

func (e *SessionConflictError) Error() string {
	return fmt.Sprintf("session conflict: %s", e.Code)
}
