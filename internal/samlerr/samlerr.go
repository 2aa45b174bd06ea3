// Package samlerr defines the error taxonomy used across the protocol
// engine. Callers branch on Kind to pick an HTTP status or to decide
// whether a SAML-level error response can be produced instead.
package samlerr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	// KindProtocol marks malformed or disallowed peer input.
	KindProtocol Kind = iota
	// KindState marks an illegal flow transition or missing saved state.
	KindState
	// KindConfig marks invalid local configuration discovered at runtime.
	KindConfig
	// KindUnsupported marks a binding or message combination the engine
	// does not implement.
	KindUnsupported
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindState:
		return "state"
	case KindConfig:
		return "config"
	case KindUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// Error is a classified engine error. Status and SubStatus, when set, name
// the SAML status codes a responder should place in an error Response.
type Error struct {
	Kind      Kind
	Message   string
	Status    string
	SubStatus string
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func Protocol(msg string) error {
	return &Error{Kind: KindProtocol, Message: msg}
}

func Protocolf(format string, args ...any) error {
	return &Error{Kind: KindProtocol, Message: fmt.Sprintf(format, args...)}
}

// ProtocolStatus builds a protocol error carrying the SAML status codes for
// an error response. subStatus may be empty.
func ProtocolStatus(status, subStatus, msg string) error {
	return &Error{Kind: KindProtocol, Message: msg, Status: status, SubStatus: subStatus}
}

func Wrap(kind Kind, msg string, err error) error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

func State(msg string) error {
	return &Error{Kind: KindState, Message: msg}
}

func Statef(format string, args ...any) error {
	return &Error{Kind: KindState, Message: fmt.Sprintf(format, args...)}
}

func Config(msg string) error {
	return &Error{Kind: KindConfig, Message: msg}
}

func Unsupported(msg string) error {
	return &Error{Kind: KindUnsupported, Message: msg}
}

// KindOf reports the kind of err, or KindState for unclassified errors so
// that internal faults never masquerade as peer mistakes.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindState
}

// IsKind reports whether err is an engine error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// StatusOf returns the SAML status codes attached to err, if any.
func StatusOf(err error) (status, subStatus string, ok bool) {
	var e *Error
	if errors.As(err, &e) && e.Status != "" {
		return e.Status, e.SubStatus, true
	}
	return "", "", false
}
