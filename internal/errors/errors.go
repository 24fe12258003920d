// Package errors provides the small set of error helpers used throughout
// raftcache. It intentionally wraps the standard library rather than
// pulling in a third-party errors package: every use here is a plain
// "new sentinel" or "add context to an existing error", neither of which
// needs stack traces or multi-error aggregation.
package errors

import (
	"errors"
	"fmt"
)

// New creates a new error with the given message.
func New(text string) error {
	return errors.New(text)
}

// WrapError adds additional context to an existing error. If err is nil,
// WrapError returns nil so that call sites can wrap unconditionally.
func WrapError(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", msg, err)
}
