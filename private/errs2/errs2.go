// Package errs2 provides small error-classification helpers shared across
// the node's background loops, adapted from the teacher's private/errs2
// (observed via its test suite exercising a context-cancellation
// sanitizer) and narrowed to what lifecycle.Group actually needs: telling
// a caller-initiated cancellation apart from a real failure so it can be
// swallowed rather than surfaced as an error.
package errs2

import (
	"context"
	"errors"
)

// IsCanceled reports whether err is, or wraps, context.Canceled or
// context.DeadlineExceeded.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// IgnoreCanceled returns nil if err is a cancellation (per IsCanceled),
// otherwise it returns err unchanged. lifecycle.Group.Run applies it to
// its combined result so a caller-initiated shutdown isn't returned as a
// failure.
func IgnoreCanceled(err error) error {
	if IsCanceled(err) {
		return nil
	}
	return err
}
