package config

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// ConfigurationError reports a missing or invalid setting. It is the only
// error surfaced synchronously to callers; it always prevents startup.
type ConfigurationError struct {
	Field  string
	Reason string
	cause  error
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration: " + e.Reason
	}
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return e.cause }

// Invalid builds a ConfigurationError for field, optionally carrying a
// user-facing hint.
func Invalid(field, reason, hint string) error {
	var err error = &ConfigurationError{Field: field, Reason: reason}
	if hint != "" {
		err = errors.WithHint(err, hint)
	}
	return err
}

// Wrap turns cause into a ConfigurationError for field.
func Wrap(cause error, field string) error {
	if cause == nil {
		return nil
	}
	return &ConfigurationError{Field: field, Reason: cause.Error(), cause: cause}
}

// IsConfigurationError reports whether err (or anything it wraps) is a
// ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
