package stream

import "errors"

var (
	// ErrInvalidDescriptor indicates the descriptor violates a structural
	// invariant (blob ordering, lengths, terminator).
	ErrInvalidDescriptor = errors.New("stream: invalid descriptor")

	// ErrRangeNotSatisfiable indicates the requested start offset lies at or
	// beyond the served size.
	ErrRangeNotSatisfiable = errors.New("stream: range not satisfiable")

	// ErrMissingBlob indicates a referenced blob could not be resolved
	// locally or from the fetch source.
	ErrMissingBlob = errors.New("stream: missing blob")
)
