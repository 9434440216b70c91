package session

import (
	"errors"
	"fmt"
)

var (
	// ErrRefreshFailed marks a terminal failure to renew the session.
	ErrRefreshFailed = errors.New("session refresh failed")

	// ErrSessionExpired is returned when a request is still unauthorized after
	// being retried with a freshly refreshed token.
	ErrSessionExpired = errors.New("session expired")

	// ErrNoRefreshToken is the cause of a refresh attempted without a stored
	// refresh credential.
	ErrNoRefreshToken = errors.New("no refresh token stored")
)

// RefreshError wraps the cause of a failed refresh. It matches
// ErrRefreshFailed with errors.Is.
type RefreshError struct {
	Err error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("%s: %v", ErrRefreshFailed, e.Err)
}

func (e *RefreshError) Unwrap() []error {
	return []error{ErrRefreshFailed, e.Err}
}
