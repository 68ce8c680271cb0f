// Package tasuki provides a Go client for the Tasuki task lifecycle API.
package tasuki

import (
	"errors"
	"fmt"
)

// Error represents an error from the Tasuki API with the HTTP status code
// and the server's error contract fields.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	RequestID  string

	// Transition carries the detail payload when Code is
	// INVALID_STATUS_TRANSITION, nil otherwise.
	Transition *TransitionError
}

// TransitionError describes a rejected status change.
type TransitionError struct {
	CurrentStatus    TaskStatus   `json:"currentStatus"`
	AttemptedStatus  TaskStatus   `json:"attemptedStatus"`
	ValidTransitions []TaskStatus `json:"validTransitions"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("tasuki: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 404
	}
	return false
}

// IsUnauthorized returns true if the error is a 401.
func IsUnauthorized(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 401
	}
	return false
}

// IsForbidden returns true if the error is a 403.
func IsForbidden(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 403
	}
	return false
}

// IsRateLimited returns true if the error is a 429 (Too Many Requests).
func IsRateLimited(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 429
	}
	return false
}

// IsInvalidTransition returns true if the server rejected a status change.
// Use AsTransitionError to inspect the legal targets.
func IsInvalidTransition(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Transition != nil
	}
	return false
}

// AsTransitionError extracts the transition detail from an error, if present.
func AsTransitionError(err error) (*TransitionError, bool) {
	var e *Error
	if errors.As(err, &e) && e.Transition != nil {
		return e.Transition, true
	}
	return nil, false
}

// IsValidation returns true if the server rejected the request body (400
// VALIDATION_ERROR).
func IsValidation(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == "VALIDATION_ERROR"
	}
	return false
}
