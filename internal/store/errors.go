package store

import (
	"errors"
	"fmt"
)

// Kind classifies a store failure. Callers branch on the kind, never on
// error text.
type Kind int

const (
	// KindPermanent is any failure that retrying or splitting cannot fix.
	KindPermanent Kind = iota
	// KindOversize means the operation exceeded a size or path-count limit.
	KindOversize
	// KindTransient covers rate limiting, timeouts and unavailability.
	KindTransient
	// KindNotFound means the path does not exist.
	KindNotFound
	// KindUnauthorized means the credentials were rejected.
	KindUnauthorized
)

func (k Kind) String() string {
	switch k {
	case KindOversize:
		return "oversize"
	case KindTransient:
		return "transient"
	case KindNotFound:
		return "not found"
	case KindUnauthorized:
		return "unauthorized"
	default:
		return "permanent"
	}
}

// Sentinels matched by errors.Is against any *Error of the same kind.
var (
	ErrOversize     = errors.New("store: operation too large")
	ErrTransient    = errors.New("store: transient failure")
	ErrNotFound     = errors.New("store: not found")
	ErrUnauthorized = errors.New("store: unauthorized")
)

// Error is the typed error every Store implementation returns.
type Error struct {
	Kind   Kind
	Op     string
	Path   string
	Status int
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("store %s %q: %s", e.Op, e.Path, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrOversize) and friends match on kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrOversize:
		return e.Kind == KindOversize
	case ErrTransient:
		return e.Kind == KindTransient
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrUnauthorized:
		return e.Kind == KindUnauthorized
	}
	return false
}

// NewError builds a typed store error.
func NewError(kind Kind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// KindOf extracts the kind of err. Untyped errors are permanent.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindPermanent
}

// IsOversize reports whether err is a size-limit rejection.
func IsOversize(err error) bool {
	return errors.Is(err, ErrOversize)
}

// IsTransient reports whether err is worth retrying unchanged.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsNotFound reports whether err means nothing was stored at the path.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
