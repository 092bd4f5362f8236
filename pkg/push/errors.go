package push

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a RegistrationError.
type ErrorKind int

const (
	KindPermissionDenied ErrorKind = iota + 1
	KindTransportFailure
	KindBindingFailure
)

func (k ErrorKind) String() string {
	switch k {
	case KindPermissionDenied:
		return "permission_denied"
	case KindTransportFailure:
		return "transport_failure"
	case KindBindingFailure:
		return "binding_failure"
	default:
		return "unknown"
	}
}

// RegistrationError is terminal for the current attempt and never fatal to the app.
// It is reported to diagnostics, not stored.
type RegistrationError struct {
	Kind   ErrorKind
	Detail string
	Err    error
}

// Sentinels for errors.Is matching by kind.
var (
	ErrPermissionDenied = &RegistrationError{Kind: KindPermissionDenied}
	ErrTransportFailure = &RegistrationError{Kind: KindTransportFailure}
	ErrBindingFailure   = &RegistrationError{Kind: KindBindingFailure}
)

func (e *RegistrationError) Error() string {
	msg := e.Kind.String()
	if e.Detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Detail)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *RegistrationError) Unwrap() error {
	return e.Err
}

// Is matches any RegistrationError of the same kind.
func (e *RegistrationError) Is(target error) bool {
	var t *RegistrationError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// ErrBindingNotFound is returned by a BindingStore with no record for an installation.
var ErrBindingNotFound = errors.New("binding record not found")

// NewPermissionDenied reports that the user refused consent. err may be nil.
func NewPermissionDenied(err error) *RegistrationError {
	return &RegistrationError{Kind: KindPermissionDenied, Err: err}
}

// NewTransportFailure reports that the platform transport could not register.
func NewTransportFailure(detail string, err error) *RegistrationError {
	return &RegistrationError{Kind: KindTransportFailure, Detail: detail, Err: err}
}

// NewBindingFailure reports that a device token could not be bound.
func NewBindingFailure(detail string, err error) *RegistrationError {
	return &RegistrationError{Kind: KindBindingFailure, Detail: detail, Err: err}
}

// KindOf extracts the kind of err, or 0 when err is not a RegistrationError.
func KindOf(err error) ErrorKind {
	var re *RegistrationError
	if errors.As(err, &re) {
		return re.Kind
	}
	return 0
}
