package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrHandler is matched by every *HandlerError.
	ErrHandler = errors.New("command handler failed")

	// ErrQueueFull is returned when a chat queue is full (drop=new policy).
	ErrQueueFull = errors.New("chat queue is full")

	// ErrLaneStopped is returned by Submit after Stop.
	ErrLaneStopped = errors.New("worker lane stopped")

	// ErrLaneFull is returned by TrySubmit when the backlog is full.
	ErrLaneFull = errors.New("worker lane backlog is full")
)

// HandlerError is a command handler failure or panic. The pipeline logs it
// once and answers the chat with a generic apology.
type HandlerError struct {
	Command string
	ChatID  string
	Err     error
	Panic   any
}

func (e *HandlerError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("command %s panicked: %v", e.Command, e.Panic)
	}
	return fmt.Sprintf("command %s: %v", e.Command, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

func (e *HandlerError) Is(target error) bool { return target == ErrHandler }
