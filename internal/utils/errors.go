package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ValidationError reports a request parameter that could not be accepted.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func NewValidationError(message string) error {
	return &ValidationError{Message: message}
}

func NewValidationErrorf(format string, args ...interface{}) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// FieldError ties a validation message to a named parameter.
func FieldError(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

const dayLayout = "2006-01-02"

// ParseDay parses a YYYY-MM-DD value as UTC midnight. Empty input yields the
// fallback.
func ParseDay(field, value string, fallback time.Time) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback, nil
	}
	t, err := time.ParseInLocation(dayLayout, value, time.UTC)
	if err != nil {
		return time.Time{}, FieldError(field, "expected a YYYY-MM-DD date, got %q", value)
	}
	return t, nil
}

// ParseBoundedInt parses an optional integer in [min, max]. Empty input
// yields the fallback.
func ParseBoundedInt(field, value string, fallback, min, max int) (int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, FieldError(field, "expected an integer, got %q", value)
	}
	if n < min || n > max {
		return 0, FieldError(field, "must be between %d and %d, got %d", min, max, n)
	}
	return n, nil
}

// ParseList splits a comma-separated value, dropping blanks and duplicates.
func ParseList(value string) []string {
	var out []string
	seen := map[string]bool{}
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" || seen[part] {
			continue
		}
		seen[part] = true
		out = append(out, part)
	}
	return out
}
