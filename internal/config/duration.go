package config

import (
	"fmt"
	"strings"
	"time"
)

// FieldError names the config path of a rejected value.
type FieldError struct {
	Path string
	Raw  string
	Err  error
}

func (e *FieldError) Error() string {
	if e.Raw == "" {
		return e.Path + ": " + e.Err.Error()
	}
	return fmt.Sprintf("%s: invalid value %q: %v", e.Path, e.Raw, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }

// ParseDurationField parses a Go duration string. Empty yields 0; negative
// values are rejected.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, &FieldError{Path: path, Raw: raw, Err: err}
	case d < 0:
		return 0, &FieldError{Path: path, Raw: raw, Err: fmt.Errorf("duration must be >= 0")}
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
