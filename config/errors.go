package config

import "errors"

var (
	// ErrInvalidListenAddr indicates the listen address is malformed.
	ErrInvalidListenAddr = errors.New("config: invalid listen address")

	// ErrInvalidLogLevel indicates the log level is not recognized.
	ErrInvalidLogLevel = errors.New("config: invalid log level (must be \"debug\", \"info\", \"warn\", or \"error\")")

	// ErrEmptyDataDir indicates the data directory path is empty.
	ErrEmptyDataDir = errors.New("config: data directory must not be empty")

	// ErrConfigNotFound indicates the configuration file does not exist.
	ErrConfigNotFound = errors.New("config: configuration file not found")

	// ErrInvalidConfig indicates the configuration file could not be parsed.
	ErrInvalidConfig = errors.New("config: invalid configuration file")

	// ErrInvalidMasterSeed indicates the master seed is not valid hex.
	ErrInvalidMasterSeed = errors.New("config: master seed must be hex-encoded")

	// ErrInvalidNameEntry indicates a static name entry maps to a malformed
	// stream descriptor hash.
	ErrInvalidNameEntry = errors.New("config: name entry is not a valid stream descriptor hash")
)
