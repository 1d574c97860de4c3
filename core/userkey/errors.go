package userkey

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every failure the userkey flows can report. The
// values double as the identifiers of the user-facing error pages.
type ErrorKind string

const (
	KindInvalidKey    ErrorKind = "invalidkey"
	KindExpiredKey    ErrorKind = "expiredkey"
	KindIPMismatch    ErrorKind = "ipmismatch"
	KindInvalidUser   ErrorKind = "invaliduserid"
	KindMissingField  ErrorKind = "missingfield"
	KindMissingIP     ErrorKind = "missingip"
	KindUserNotFound  ErrorKind = "usernotfound"
	KindPersistence   ErrorKind = "persistence"
	KindInvalidConfig ErrorKind = "invalidconfig"
)

// Error is the error type returned by the key manager, resolver and
// activator. errors.Is matches two *Error values by Kind alone.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("userkey: %s: %v", msg, e.Err)
	}
	return "userkey: " + msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrInvalidKey    = &Error{Kind: KindInvalidKey}
	ErrExpiredKey    = &Error{Kind: KindExpiredKey}
	ErrIPMismatch    = &Error{Kind: KindIPMismatch}
	ErrInvalidUser   = &Error{Kind: KindInvalidUser}
	ErrMissingField  = &Error{Kind: KindMissingField}
	ErrMissingIP     = &Error{Kind: KindMissingIP}
	ErrUserNotFound  = &Error{Kind: KindUserNotFound}
	ErrPersistence   = &Error{Kind: KindPersistence}
	ErrInvalidConfig = &Error{Kind: KindInvalidConfig}
)

func newError(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf returns the kind of err, or "" when err is not a userkey error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
