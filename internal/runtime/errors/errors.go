package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrConfigRequired   = sterrors.New("relay: configuration is required")
	ErrLoggerRequired   = sterrors.New("relay: logger is required")
	ErrSourceRequired   = sterrors.New("relay: stream source is required")
	ErrKeyRequired      = sterrors.New("relay: subscription key is required")
	ErrConsumerRequired = sterrors.New("relay: consumer is required")
	ErrUpstreamClosed   = sterrors.New("relay: upstream closed the connection")
)

// ConfigValidationError wraps the joined validation failures of a Config.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("relay: invalid configuration: %v", e.Err)
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError wraps err in a ConfigValidationError. Returns nil
// for a nil err.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
