package server

import "errors"

var (
	// ErrInvalidRange is returned when a Range header cannot be parsed as a
	// single bytes range.
	ErrInvalidRange = errors.New("server: invalid range header")
)
