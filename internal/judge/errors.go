package judge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/mpataki/jury/internal/models"
)

// Error is a judge failure tagged with how the engine should treat it.
type Error struct {
	Class      models.ErrorClass
	StatusCode int
	// RetryAfter is the provider's requested wait, when it sent one.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s judge error (status %d): %v", e.Class, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s judge error: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Transient(err error) *Error {
	return &Error{Class: models.ErrorClassTransient, Err: err}
}

func Permanent(err error) *Error {
	return &Error{Class: models.ErrorClassPermanent, Err: err}
}

// ClassOf maps any error from an adapter to transient or permanent.
// Timeouts and network failures are transient; anything unrecognized is
// permanent so it is recorded rather than retried forever.
func ClassOf(err error) models.ErrorClass {
	if err == nil {
		return ""
	}
	var je *Error
	if errors.As(err, &je) {
		return je.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.ErrorClassTransient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return models.ErrorClassTransient
	}
	return models.ErrorClassPermanent
}

// RetryAfterOf returns the provider-requested delay carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var je *Error
	if errors.As(err, &je) {
		return je.RetryAfter
	}
	return 0
}
