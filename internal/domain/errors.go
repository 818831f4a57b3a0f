package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies pipeline failures.
type ErrorKind string

const (
	KindPlanning         ErrorKind = "PlanningError"
	KindRetrieval        ErrorKind = "RetrievalError"
	KindRetrievalTimeout ErrorKind = "RetrievalTimeout"
	KindSynthesis        ErrorKind = "SynthesisError"
	KindIndexUnavailable ErrorKind = "IndexUnavailable"
)

// ErrIndexUnavailable is wrapped by every IndexUnavailable error.
var ErrIndexUnavailable = errors.New("index unavailable")

// Error is a classified pipeline error. Message is safe to show to users.
type Error struct {
	Kind    ErrorKind
	Message string
	PartyID string
	Err     error
}

func (e *Error) Error() string {
	msg := string(e.Kind) + ": " + e.Message
	if e.PartyID != "" {
		msg += " (party " + e.PartyID + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable implements the retry predicate hook. Only retrieval failures are
// transient at this level.
func (e *Error) Retryable() bool {
	return e.Kind == KindRetrieval
}

// NewError builds a classified error.
func NewError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// IndexUnavailable reports that the index of partyID is not loaded.
func IndexUnavailable(partyID string) *Error {
	return &Error{
		Kind:    KindIndexUnavailable,
		Message: fmt.Sprintf("no index loaded for party %q", partyID),
		PartyID: partyID,
		Err:     ErrIndexUnavailable,
	}
}

// AsError returns the classified error in err's chain, if any.
func AsError(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// KindOf returns the kind of the first classified error in err's chain, or
// the empty kind.
func KindOf(err error) ErrorKind {
	if de, ok := AsError(err); ok {
		return de.Kind
	}
	if errors.Is(err, ErrIndexUnavailable) {
		return KindIndexUnavailable
	}
	return ""
}
