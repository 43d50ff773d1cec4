package bridge

import (
	"errors"
	"fmt"
)

var (
	// ErrShuttingDown is returned by admission once the daemon stops taking work.
	ErrShuttingDown = errors.New("daemon is shutting down")
	// ErrClosed is returned when submitting to a closed bridge.
	ErrClosed = errors.New("bridge: closed")
	// ErrTokenReused is the panic value of a completion token fired twice.
	ErrTokenReused = errors.New("bridge: completion token already used")
)

// TaskError is the error a callback receives when its operation failed.
type TaskError struct {
	Task string
	Msg  string
	Err  error
}

func (e *TaskError) Error() string {
	return e.Msg
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// FatalError wraps a panic raised by a callback on the host loop.
type FatalError struct {
	Value any
	Stack []byte
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("bridge: callback panicked: %v", e.Value)
}

// Unwrap exposes the panic value when it is an error.
func (e *FatalError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
