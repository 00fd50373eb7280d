package delivery

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrThrottled marks a transient backend failure (overload, timeout, 5xx). Retried.
	ErrThrottled = errors.New("backend throttled")
	// ErrPermanent marks a backend rejection that will fail again (invalid request, credentials). Dropped.
	ErrPermanent = errors.New("backend rejected batch")
	// ErrClosed is returned when batches are handed to a closed controller.
	ErrClosed = errors.New("delivery controller closed")
)

type classifiedError struct {
	class error
	err   error
}

func (e *classifiedError) Error() string {
	if e.err == nil {
		return e.class.Error()
	}
	return fmt.Sprintf("%v: %v", e.class, e.err)
}

func (e *classifiedError) Unwrap() error { return e.err }

func (e *classifiedError) Is(target error) bool { return target == e.class }

// Throttled wraps err so the controller retries the batch.
func Throttled(err error) error {
	return &classifiedError{class: ErrThrottled, err: err}
}

// Permanent wraps err so the controller drops the batch without retrying.
func Permanent(err error) error {
	return &classifiedError{class: ErrPermanent, err: err}
}

// IsPermanent reports whether err should not be retried. Unclassified errors, including
// submit timeouts, are treated as transient.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrThrottled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, ErrPermanent)
}
