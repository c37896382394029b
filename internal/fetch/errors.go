package fetch

import (
	"errors"
	"fmt"
)

// ValidationError is a URL the caller must fix; never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "image url rejected: " + e.Reason }

// TooLargeError is a body over the byte ceiling.
type TooLargeError struct {
	Limit int64
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("image exceeds the %d byte limit", e.Limit)
}

// TransientError is a network failure or 5xx/429 reply worth retrying.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "image download failed: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

func isTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

func isValidation(err error) bool {
	var ve *ValidationError
	var tl *TooLargeError
	return errors.As(err, &ve) || errors.As(err, &tl)
}

// IsValidation reports whether err is the caller's fault (bad URL, blocked
// host, oversized body).
func IsValidation(err error) bool { return isValidation(err) }
