package model

import (
	"errors"

	pkgerrors "github.com/pkg/errors"
)

// Class is the error taxonomy every adapter and gateway classifies its
// failures into before returning, so the Coordinator never has to
// interpret raw error strings.
type Class string

const (
	ClassInvalidInput          Class = "INVALID_INPUT"
	ClassUpstreamTransient     Class = "UPSTREAM_TRANSIENT"
	ClassUpstreamPermanent     Class = "UPSTREAM_PERMANENT"
	ClassConcurrentModification Class = "CONCURRENT_MODIFICATION"
	ClassPartialDegraded       Class = "PARTIAL_DEGRADED"
	ClassCancelled             Class = "CANCELLED"
)

// Classified wraps an underlying error with a taxonomy class, carrying a
// stack trace via github.com/pkg/errors the way the teacher's storage and
// adapter layers wrap errors for diagnosability.
type Classified struct {
	class Class
	cause error
}

// Classify wraps err with class, attaching a stack trace at the call site.
func Classify(class Class, err error) error {
	if err == nil {
		return nil
	}
	return &Classified{class: class, cause: pkgerrors.WithStack(err)}
}

// Classifyf wraps a newly-formatted error with class.
func Classifyf(class Class, format string, args ...any) error {
	return &Classified{class: class, cause: pkgerrors.Errorf(format, args...)}
}

func (c *Classified) Error() string { return c.cause.Error() }
func (c *Classified) Unwrap() error { return c.cause }
func (c *Classified) Class() Class  { return c.class }

// ClassOf returns the taxonomy class attached to err, or "" if err was
// never classified.
func ClassOf(err error) Class {
	var c *Classified
	if errors.As(err, &c) {
		return c.class
	}
	return ""
}

// IsTransient reports whether err should be retried by an adapter's
// internal backoff loop.
func IsTransient(err error) bool {
	return ClassOf(err) == ClassUpstreamTransient
}

// IsConcurrentModification reports whether err is an optimistic-
// concurrency conflict that the Coordinator should retry with a re-read.
func IsConcurrentModification(err error) bool {
	return ClassOf(err) == ClassConcurrentModification
}
