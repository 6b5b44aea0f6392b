package autosubmit

import (
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/steveyegge/autosubmit/internal/obs"
	"github.com/steveyegge/autosubmit/internal/types"
)

// Kind classifies autosubmit errors.
type Kind int

const (
	// KindGeneral covers transport and parse failures.
	KindGeneral Kind = iota
	// KindUnlikely flags data inconsistencies: a well-formed document missing
	// something it should always carry. Worth investigating upstream.
	KindUnlikely
)

func (k Kind) String() string {
	switch k {
	case KindUnlikely:
		return "unlikely"
	default:
		return "general"
	}
}

// Error is an error tied to a package.
type Error struct {
	Kind    Kind
	Project string
	Package string
	Msg     string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Msg
	if e.Project != "" || e.Package != "" {
		msg = e.Project + "/" + e.Package + ": " + msg
	}
	if e.Err != nil {
		if msg == "" {
			return e.Err.Error()
		}
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of err. An *Error carries its own kind; a bare OBS
// error about a document missing a field is unlikely; anything else is
// general.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, obs.ErrMissingField) {
		return KindUnlikely
	}
	return KindGeneral
}

// IsUnlikely reports whether err is, or wraps, a data inconsistency error.
func IsUnlikely(err error) bool {
	return KindOf(err) == KindUnlikely
}

// newError wraps err as an error about id, keeping the kind of err.
func newError(id types.PackageIdentity, err error, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    KindOf(err),
		Project: id.Project,
		Package: id.Package,
		Msg:     fmt.Sprintf(format, args...),
		Err:     err,
	}
}

func unlikelyf(id types.PackageIdentity, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    KindUnlikely,
		Project: id.Project,
		Package: id.Package,
		Msg:     fmt.Sprintf(format, args...),
	}
}

// InternalError is a failure that no error kind models: a panic while
// processing a pair, or the cache database failing underneath a run. Stack is
// captured where the failure was caught.
type InternalError struct {
	Err   error
	Stack []byte
}

func newInternalError(err error) *InternalError {
	return &InternalError{Err: err, Stack: debug.Stack()}
}

func (e *InternalError) Error() string {
	return e.Err.Error()
}

func (e *InternalError) Unwrap() error {
	return e.Err
}
