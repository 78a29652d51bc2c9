package auth

import (
	"errors"
	"fmt"
)

// ErrAuthFailure is the sentinel for any failed token acquisition.
// Use errors.Is(err, auth.ErrAuthFailure) to check.
var ErrAuthFailure = errors.New("auth: token acquisition failed")

// Mode names the acquisition path that failed.
type Mode string

// Acquisition modes.
const (
	ModeInteractive Mode = "interactive"
	ModeSilent      Mode = "silent"
)

// AuthError wraps a backend failure with the acquisition mode. It matches
// ErrAuthFailure and is never retried by this package.
type AuthError struct {
	Mode Mode
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth: %s token acquisition failed: %v", e.Mode, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Is makes every AuthError match ErrAuthFailure.
func (e *AuthError) Is(target error) bool {
	return target == ErrAuthFailure
}
