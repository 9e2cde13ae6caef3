package failure

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can pick the right remediation text.
type Kind int

const (
	KindUnknown Kind = iota
	KindPermissionDenied
	KindDeviceUnavailable
	KindNetwork
	KindCORS
	KindAPI
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindPermissionDenied:
		return "PermissionDenied"
	case KindDeviceUnavailable:
		return "DeviceUnavailable"
	case KindNetwork:
		return "NetworkError"
	case KindCORS:
		return "CORSError"
	case KindAPI:
		return "APIError"
	case KindValidation:
		return "ValidationError"
	default:
		return "UnknownError"
	}
}

// Error is a classified error. Message is meant for the user, Detail holds
// the raw technical payload (response body, transport message) and Hint an
// optional remediation.
type Error struct {
	Kind       Kind
	Message    string
	Detail     string
	Hint       string
	StatusCode int
	Payload    map[string]any
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Err.Error() != e.Message {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: KindCORS})
// works without comparing messages.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t == e || (t.Kind == e.Kind && t.Message == "")
}

// New creates a classified error without a cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies err. The message defaults to err's text.
func Wrap(kind Kind, err error, message string) *Error {
	if message == "" && err != nil {
		message = err.Error()
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// Validation creates a ValidationError.
func Validation(format string, a ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, a...)}
}

// KindOf returns the kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// As extracts the classified error from err's chain. Unclassified errors are
// wrapped as UnknownError so callers always get a non-nil value for a
// non-nil err.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return Wrap(KindUnknown, err, "")
}
