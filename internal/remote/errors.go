package remote

import (
	"errors"
	"fmt"
)

// AuthError reports that a bearer token could not be obtained.
//
// It is fatal for the operation that triggered it and must not be retried
// immediately: a bad key or revoked grant will not fix itself.
type AuthError struct {
	Status int
	Body   string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("remote auth failed: %v", e.Err)
	}
	return fmt.Sprintf("remote auth failed: %d %s", e.Status, e.Body)
}

func (e *AuthError) Unwrap() error { return e.Err }

// RemoteError reports a non-2xx response, a transport failure or a timeout.
// Status is 0 when no response was received.
type RemoteError struct {
	Method string
	Path   string
	Status int
	Body   string
	Err    error
}

func (e *RemoteError) Error() string {
	if e.Status == 0 && e.Err != nil {
		return fmt.Sprintf("%s %s -> %v", e.Method, e.Path, e.Err)
	}
	return fmt.Sprintf("%s %s -> %d %s", e.Method, e.Path, e.Status, e.Body)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// IsAuth reports whether err is (or wraps) an *AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsRemote reports whether err is (or wraps) a *RemoteError.
func IsRemote(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}
