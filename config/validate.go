package config

import (
	"encoding/hex"
	"fmt"
	"net"
	"strings"

	"github.com/blobstreamorg/libblobstream-go/blob"
)

// validLogLevels lists the accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// ValidateConfig checks that all configuration values are within acceptable
// ranges and returns the first error encountered, or nil if valid.
func ValidateConfig(cfg Config) error {
	if cfg.DataDir == "" {
		return ErrEmptyDataDir
	}

	if err := validateAddr(cfg.ListenAddr); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidListenAddr, err)
	}

	if !validLogLevels[strings.ToLower(cfg.LogLevel)] {
		return ErrInvalidLogLevel
	}

	if cfg.MasterSeed != "" {
		if _, err := hex.DecodeString(cfg.MasterSeed); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidMasterSeed, err)
		}
	}

	for name, sdHash := range cfg.Names {
		if !blob.IsValidHash(sdHash) {
			return fmt.Errorf("%w: %q", ErrInvalidNameEntry, name)
		}
	}

	return nil
}

// validateAddr checks that addr is a valid host:port address.
func validateAddr(addr string) error {
	_, _, err := net.SplitHostPort(addr)
	return err
}
