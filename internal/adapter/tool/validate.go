package tool

import (
	"fmt"
	"strings"
	"time"

	"chatengine/internal/domain"
)

// RequireField returns an error if value is empty or only whitespace.
func RequireField(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: '%s' is required", domain.ErrInvalidInput, name)
	}
	return nil
}

// ValidateEnum checks that value is one of allowed. An empty value passes.
func ValidateEnum(name, value string, allowed ...string) error {
	if value == "" {
		return nil
	}
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return badValue(name, value, allowed)
}

// ValidateMaxLength checks that value does not exceed max bytes.
func ValidateMaxLength(name, value string, max int) error {
	if len(value) > max {
		return fmt.Errorf("%w: %s exceeds maximum length of %d", domain.ErrInvalidInput, name, max)
	}
	return nil
}

// ParseTimeParam parses an RFC 3339 timestamp or a YYYY-MM-DD date. An empty
// value yields the zero time.
func ParseTimeParam(name, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.DateOnly, value); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("%w: invalid %s %q (want RFC 3339 or YYYY-MM-DD)", domain.ErrInvalidInput, name, value)
}

// ValidateAll returns the first non-nil error.
func ValidateAll(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func badValue(name, got string, valid []string) error {
	return fmt.Errorf("%w: invalid %s %q (want: %s)", domain.ErrInvalidInput, name, got, joinComma(valid))
}
