package mirror

import (
	"errors"
	"fmt"
)

// Reason classifies why a mirror operation failed. Reasons label the
// job outcome metrics, so the set is small and stable.
type Reason string

const (
	// ReasonUnknown is the default reason for unclassified failures.
	ReasonUnknown Reason = "unknown"
	// ReasonValidation marks rejected requests. Nothing was changed.
	ReasonValidation Reason = "validation"
	// ReasonUpstream marks unusable upstream metadata or failed
	// index and product fetches.
	ReasonUpstream Reason = "upstream"
	// ReasonDownload marks artifact downloads that did not complete.
	ReasonDownload Reason = "download"
)

// Error is a classified mirror failure. Its message ends up on job and
// image rows, so it is phrased for operators rather than for logs.
type Error struct {
	reason  Reason
	message string
	wrapped error
}

// Error makes an Error an error.
func (e *Error) Error() string {
	return e.message
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	return e.wrapped
}

// Is reports whether target is an Error, so callers can check
// errors.Is(err, &Error{}) without caring about the reason.
func (e *Error) Is(target error) bool {
	_, is := target.(*Error)
	return is
}

// NewError returns a classified error with a formatted message.
func NewError(reason Reason, format string, args ...interface{}) error {
	return &Error{reason: reason, message: fmt.Sprintf(format, args...)}
}

// WrapError returns a classified error with a formatted message that
// wraps err as its cause.
func WrapError(reason Reason, err error, format string, args ...interface{}) error {
	return &Error{reason: reason, message: fmt.Sprintf(format, args...), wrapped: err}
}

// ReasonFor returns the reason of the first classified error in err's
// chain, or ReasonUnknown.
func ReasonFor(err error) Reason {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.reason
	}
	return ReasonUnknown
}
