package manager

import "errors"

var (
	// ErrNotFound indicates no stream is known for the given sd hash.
	ErrNotFound = errors.New("manager: stream not found")

	// ErrStreamGone indicates the stream was deleted while an operation
	// against it was in flight.
	ErrStreamGone = errors.New("manager: stream no longer available")

	// ErrNotSaving indicates a completion signal was requested for a stream
	// with no materialization in progress or on disk.
	ErrNotSaving = errors.New("manager: stream is not being saved to a file")

	// ErrAlreadyStarted indicates Start was called on a running manager.
	ErrAlreadyStarted = errors.New("manager: already started")

	// ErrNotStarted indicates an operation was attempted before Start.
	ErrNotStarted = errors.New("manager: not started")
)
