// Package core defines the fundamental types and errors for Ambulink.
package core

import "errors"

// Core errors that can occur across the system
var (
	// Slice errors
	ErrUnknownSlice = errors.New("unknown slice")
	ErrValidation   = errors.New("validation failed")

	// Durable storage errors
	ErrSerialization = errors.New("value is not serializable")
	ErrQuotaExceeded = errors.New("storage quota exceeded")
	ErrCorruptData   = errors.New("stored data is corrupt")

	// Remote mirror errors
	ErrRemoteUnavailable = errors.New("remote unavailable")

	// Record errors
	ErrRecordNotFound = errors.New("record not found")
	ErrMissingField   = errors.New("missing required field")
	ErrInvalidInput   = errors.New("invalid input")
)
