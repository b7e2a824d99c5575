package process

import (
	"errors"
	"fmt"
)

var (
	// ErrNotAwaiting is returned by Advance outside the awaiting-continuation phase.
	ErrNotAwaiting = errors.New("process: not awaiting continuation")
	// ErrAlreadyStarted is returned when Start is called twice on one Process.
	ErrAlreadyStarted = errors.New("process: already started")
	// ErrNotStarted is the exit error of a Process that was never started.
	ErrNotStarted = errors.New("process: not started")
)

// LaunchError means the child could not be spawned.
type LaunchError struct {
	Path string
	Err  error
}

func (e *LaunchError) Error() string { return fmt.Sprintf("launch %s: %v", e.Path, e.Err) }
func (e *LaunchError) Unwrap() error { return e.Err }

// ChildIOError is a failed read or write on one of the child's streams.
type ChildIOError struct {
	Op  string // "read", "write" or "log"
	Err error
}

func (e *ChildIOError) Error() string { return fmt.Sprintf("child %s: %v", e.Op, e.Err) }
func (e *ChildIOError) Unwrap() error { return e.Err }
