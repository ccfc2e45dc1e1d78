package bucket

import (
	"errors"
	"fmt"
)

// Kind classifies where in a decision an error happened.
type Kind string

const (
	// KindFetch means the store could not return state or settings; no
	// decision was made.
	KindFetch Kind = "fetch"

	// KindPublish means an admitted decision could not be recorded. The
	// decision returned alongside the error still stands.
	KindPublish Kind = "publish"

	// KindConfigure means settings could not be stored.
	KindConfigure Kind = "configure"
)

// Error wraps a store failure with the identifier and decision phase.
type Error struct {
	Kind Kind
	ID   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s bucket %q: %v", e.Kind, e.ID, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsFetch reports whether err is a fetch failure.
func IsFetch(err error) bool {
	return hasKind(err, KindFetch)
}

// IsPublish reports whether err is a publish failure following an admission.
func IsPublish(err error) bool {
	return hasKind(err, KindPublish)
}

// IsConfigure reports whether err is a failure to store settings.
func IsConfigure(err error) bool {
	return hasKind(err, KindConfigure)
}

func hasKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
