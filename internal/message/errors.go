package message

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedPayload is returned when a payload is not a JSON object or
	// carries no string discriminator.
	ErrMalformedPayload = errors.New("malformed message payload")

	ErrUnregisteredType = errors.New("message type not registered")
	ErrInvalidSchema    = errors.New("invalid message schema")
	ErrReservedField    = errors.New("field name is reserved for the discriminator")
)

// UnknownMessageTypeError is returned by Deserialize when the discriminator
// names a tag that was never registered.
type UnknownMessageTypeError struct {
	Tag string
}

func (e *UnknownMessageTypeError) Error() string {
	return fmt.Sprintf("unknown message type %q", e.Tag)
}

// SchemaMismatchError is returned by Deserialize when a field required by the
// tag's schema is missing or has the wrong type.
type SchemaMismatchError struct {
	Tag   string
	Field string
	Err   error
}

func (e *SchemaMismatchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("message %s: field %q: missing", e.Tag, e.Field)
	}
	return fmt.Sprintf("message %s: field %q: %v", e.Tag, e.Field, e.Err)
}

func (e *SchemaMismatchError) Unwrap() error { return e.Err }

// DuplicateRegistrationError is returned when a tag (or Go type) is registered
// twice. Handler tables reuse it for duplicate handlers.
type DuplicateRegistrationError struct {
	Tag string
	// What names the kind of registration, e.g. "tag", "type" or "handler".
	What string
}

func (e *DuplicateRegistrationError) Error() string {
	what := e.What
	if what == "" {
		what = "tag"
	}
	return fmt.Sprintf("duplicate %s registration for %q", what, e.Tag)
}

// IsDecodeError reports whether err came from decoding an inbound payload.
func IsDecodeError(err error) bool {
	var unknown *UnknownMessageTypeError
	var mismatch *SchemaMismatchError
	return errors.Is(err, ErrMalformedPayload) || errors.As(err, &unknown) || errors.As(err, &mismatch)
}
