package recovery

import (
	"context"
	"errors"
)

// FailureCategory tells retry loops whether an error is worth retrying.
type FailureCategory int

const (
	CategoryTransient FailureCategory = iota
	CategoryPermanent
)

// Classifier maps an error to a FailureCategory.
type Classifier func(err error) FailureCategory

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable. Configuration errors use it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or anything it wraps, was marked Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Classify treats Permanent errors and context cancellation as permanent
// and everything else as transient.
func Classify(err error) FailureCategory {
	if IsPermanent(err) || errors.Is(err, context.Canceled) {
		return CategoryPermanent
	}
	return CategoryTransient
}
