// Package errors provides the error wrapping helper used across the
// daemon for context-aware error chains.
package errors

import "fmt"

// Wrap wraps an error with additional context. Returns nil when err is
// nil so call sites can wrap unconditionally.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// Wrapf is Wrap with a formatted context string.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
