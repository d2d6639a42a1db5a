// Package services defines the business logic of the delivery pipeline: the
// producer, the worker pool, and the status/operator surfaces. This file
// centralizes common service-level error values so that they can be
// consistently returned by service methods and checked by callers.
//
// These errors are intended for internal use by the service layer and translation
// into user-facing messages or HTTP status codes should be performed at the
// handler/controller layer.
package services

import "errors"

// Enqueue-side errors. All of them are validation failures: rejected
// synchronously, never enqueued, never retried.
var (
	// ErrEmptyRecipient is returned when the recipient key is blank.
	ErrEmptyRecipient = errors.New("recipient key is empty")

	// ErrPayloadTooLarge is returned when the payload exceeds the configured
	// byte ceiling. Payloads are rejected whole, never truncated.
	ErrPayloadTooLarge = errors.New("payload exceeds size ceiling")

	// ErrZeroSchedule is returned when no scheduled time was provided.
	ErrZeroSchedule = errors.New("scheduled time is zero")
)

// Status/operator errors.
var (
	// ErrJobNotFound indicates the requested job id does not exist.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobNotFailed is returned when a manual retry targets a job that is
	// not in the failed terminal state.
	ErrJobNotFailed = errors.New("job is not in a failed state")
)
