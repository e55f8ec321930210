package session

import (
	"errors"
	"fmt"
)

var (
	// ErrTransportInit wraps failures to build or connect a transport.
	// The manager retries after the retry delay.
	ErrTransportInit = errors.New("transport init failed")

	// ErrValidation is matched by every *ValidationError.
	ErrValidation = errors.New("invalid phone number")

	// ErrPairingRequest wraps a transport rejection of a pairing code request.
	ErrPairingRequest = errors.New("pairing code request failed")

	// ErrLoggedOut marks the terminal logged-out state.
	ErrLoggedOut = errors.New("session logged out")

	// ErrNotConnected is returned by Send when no authenticated transport is live.
	ErrNotConnected = errors.New("session not connected")

	// ErrStopped is returned by operations on a stopped manager.
	ErrStopped = errors.New("session manager stopped")
)

// ValidationError reports a malformed pairing phone number. It is returned
// to the caller and never changes the session state.
type ValidationError struct {
	Input  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid phone number %q: %s", e.Input, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }
