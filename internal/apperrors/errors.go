// Package apperrors classifies failures of the scrape pipeline so that callers
// can branch on the kind of failure instead of matching error strings.
package apperrors

import (
	"errors"
	"fmt"
)

// Kind identifies a class of failure. A Kind is itself an error so it can be
// used as the target of errors.Is.
type Kind string

const (
	Internal            Kind = "internal"
	InvalidURL          Kind = "invalid_url"
	LaunchFailure       Kind = "launch_failure"
	NavigationTimeout   Kind = "navigation_timeout"
	PageUnusable        Kind = "page_unusable"
	Unavailable         Kind = "unavailable"
	PriceNotFound       Kind = "price_not_found"
	ParseError          Kind = "parse_error"
	PriceParseError     Kind = "price_parse_error"
	ImagePersistFailure Kind = "image_persist_failure"
	PersistenceFailure  Kind = "persistence_failure"
	NotFound            Kind = "not_found"
	InvalidInput        Kind = "invalid_input"
)

func (k Kind) Error() string {
	return string(k)
}

// Transient reports whether a failure of this kind is expected to clear up
// on its own, so the next scheduled attempt is likely to succeed.
func (k Kind) Transient() bool {
	switch k {
	case LaunchFailure, NavigationTimeout, PageUnusable, PersistenceFailure:
		return true
	}
	return false
}

// Error is a failure tagged with a Kind.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, apperrors.PriceNotFound) true for any Error of that kind.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// New creates an Error of the given kind.
func New(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

// Wrap tags err with kind. A nil err yields nil.
func Wrap(err error, kind Kind, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of the outermost tagged error in err's chain, or
// Internal when nothing in the chain is tagged.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return errors.Is(err, kind)
}
