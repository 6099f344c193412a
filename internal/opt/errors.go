package opt

import "errors"

// ErrConfig matches every ConfigError with errors.Is.
var ErrConfig = errors.New("invalid optimizer configuration")

// ConfigError is raised before the engine runs when a solve is set up in a
// way the engine cannot handle.
type ConfigError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	return "configuration error: " + e.Field + " " + e.Reason
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrConfig
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func configErr(field, reason string) error {
	return &ConfigError{Field: field, Reason: reason}
}
