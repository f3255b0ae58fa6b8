package rebac

import (
	"errors"
	"fmt"
)

// Kind classifies engine errors so callers can branch without string matching.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindInvalidInput
	KindVersionConflict
	KindPermissionDenied
	KindDelegationDenied
	KindBreakGlassRequired
	KindStorageFailure
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindInvalidInput:
		return "invalid_input"
	case KindVersionConflict:
		return "version_conflict"
	case KindPermissionDenied:
		return "permission_denied"
	case KindDelegationDenied:
		return "delegation_denied"
	case KindBreakGlassRequired:
		return "break_glass_required"
	case KindStorageFailure:
		return "storage_failure"
	default:
		return "unknown"
	}
}

// Error carries a Kind alongside the message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match two kinded errors by Kind alone.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return te.Kind == e.Kind
	}
	return false
}

// NewError builds a kinded error; store implementations outside this
// package use it to speak the same error vocabulary.
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func wrapError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// ErrKind reports the Kind of err, or KindUnknown for foreign errors.
func ErrKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func IsNotFound(err error) bool          { return ErrKind(err) == KindNotFound }
func IsInvalidInput(err error) bool      { return ErrKind(err) == KindInvalidInput }
func IsVersionConflict(err error) bool   { return ErrKind(err) == KindVersionConflict }
func IsPermissionDenied(err error) bool  { return ErrKind(err) == KindPermissionDenied }
func IsDelegationDenied(err error) bool  { return ErrKind(err) == KindDelegationDenied }
func IsBreakGlassRequired(err error) bool { return ErrKind(err) == KindBreakGlassRequired }
func IsStorageFailure(err error) bool    { return ErrKind(err) == KindStorageFailure }
