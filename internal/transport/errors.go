package transport

import (
	"errors"
	"fmt"
	"time"
)

// ErrBlocked means the recipient can never be reached again: they blocked
// the bot, deactivated the account or the chat no longer exists.
var ErrBlocked = errors.New("recipient unreachable")

// Blocked wraps err so that IsBlocked reports true.
func Blocked(err error) error {
	if err == nil {
		return ErrBlocked
	}
	return fmt.Errorf("%w: %w", ErrBlocked, err)
}

func IsBlocked(err error) bool { return errors.Is(err, ErrBlocked) }

// RetryAfter marks err as a rate-limit rejection with the delay the
// platform asked for.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

// RetryAfterOf extracts the delay from a RetryAfter error.
func RetryAfterOf(err error) (time.Duration, bool) {
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		return ra.RetryAfter(), true
	}
	return 0, false
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
