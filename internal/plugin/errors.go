package plugin

import (
	"errors"
	"fmt"
	"time"
)

// UnsupportedJurisdictionError is returned when no plugin is registered for a code.
type UnsupportedJurisdictionError struct {
	Code string
}

func (e *UnsupportedJurisdictionError) Error() string {
	return fmt.Sprintf("jurisdiction %q is not supported", e.Code)
}

// ValidationError reports a malformed query code or an unknown query kind.
type ValidationError struct {
	Jurisdiction string
	Kind         string
	Query        string
	Reason       string
}

func (e *ValidationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s/%s: invalid query %q: %s", e.Jurisdiction, e.Kind, e.Query, e.Reason)
	}
	return fmt.Sprintf("%s/%s: invalid query %q", e.Jurisdiction, e.Kind, e.Query)
}

// TransientFetchError is a fetch failure worth retrying: network errors,
// timeouts, HTTP 5xx and 429.
type TransientFetchError struct {
	Jurisdiction string
	StatusCode   int
	// After is an optional server hint (Retry-After).
	After time.Duration
	Err   error
}

func (e *TransientFetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: transient fetch failure (http %d): %v", e.Jurisdiction, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: transient fetch failure: %v", e.Jurisdiction, e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// RetryAfter satisfies retry.RetryAfterError.
func (e *TransientFetchError) RetryAfter() time.Duration { return e.After }

// PermanentFetchError is a fetch failure that will not improve on retry:
// unrecognised page structure or a 4xx other than 429.
type PermanentFetchError struct {
	Jurisdiction string
	StatusCode   int
	Err          error
}

func (e *PermanentFetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: permanent fetch failure (http %d): %v", e.Jurisdiction, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: permanent fetch failure: %v", e.Jurisdiction, e.Err)
}

func (e *PermanentFetchError) Unwrap() error { return e.Err }

func IsTransient(err error) bool {
	var t *TransientFetchError
	return errors.As(err, &t)
}

func IsPermanent(err error) bool {
	var p *PermanentFetchError
	return errors.As(err, &p)
}

// Transient wraps err as a TransientFetchError for jurisdiction code.
func Transient(code string, status int, err error) error {
	return &TransientFetchError{Jurisdiction: code, StatusCode: status, Err: err}
}

// Permanent wraps err as a PermanentFetchError for jurisdiction code.
func Permanent(code string, status int, err error) error {
	return &PermanentFetchError{Jurisdiction: code, StatusCode: status, Err: err}
}
